// Package threads persists conversational state across research turns.
// A thread is one conversation: its message history, bounded report
// memories from prior runs, and the latest run snapshot. The planner and
// writer read this state to ground follow-up turns.
package threads

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/astra-studio/astra/internal/metrics"
	"github.com/astra-studio/astra/internal/models"
	"github.com/astra-studio/astra/internal/util"
)

// maxReportMemories bounds cross-turn memory per thread.
const maxReportMemories = 12

// Prior-context line caps keep the planner prompt budget stable no
// matter how chatty earlier reports were.
const (
	priorQueryCap    = 140
	priorSummaryCap  = 220
	priorTakeawayCap = 120
	priorContextCap  = 900
	priorMessageCap  = 280
)

// ThreadState is everything persisted for one thread. History and report
// memories are owned by the append operations; the remaining fields are
// the latest run's snapshot.
type ThreadState struct {
	History        []models.Message               `json:"history"`
	ReportMemories []models.ReportMemory          `json:"report_memories"`
	ResearchNotes  map[string]models.ResearchNote `json:"research_notes,omitempty"`
	Citations      []models.Citation              `json:"citations,omitempty"`
	FinalReport    *models.FinalReport            `json:"final_report,omitempty"`
	OpenGaps       []string                       `json:"open_gaps,omitempty"`
	RunCount       int                            `json:"run_count"`
}

// SharedMemory projects the cross-turn context read by the planner and
// writer.
func (s ThreadState) SharedMemory() models.SharedMemory {
	return models.SharedMemory{
		RecentReports: append([]models.ReportMemory(nil), s.ReportMemories...),
		OpenGaps:      append([]string(nil), s.OpenGaps...),
	}
}

// Store is the persistence contract for thread state.
type Store interface {
	// GetOrCreate resolves threadID (allocating a new id when empty) and
	// returns the current state.
	GetOrCreate(ctx context.Context, threadID string) (string, ThreadState, error)
	AppendMessage(ctx context.Context, threadID, role, content string) error
	AppendReportMemory(ctx context.Context, threadID string, memory models.ReportMemory) error
	// SaveState persists the run snapshot fields. History and report
	// memories survive as stored; only the append operations move them.
	SaveState(ctx context.Context, threadID string, state ThreadState) error
	GetState(ctx context.Context, threadID string) (ThreadState, error)
}

// BuildPriorContext condenses a thread's past into a bounded string for
// the planner. Preference order: recent report memories, then the prior
// final report's summary, then the last assistant message.
func BuildPriorContext(state ThreadState) string {
	if len(state.ReportMemories) > 0 {
		recent := state.ReportMemories
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		var lines []string
		for idx, item := range recent {
			label := "R" + strconv.Itoa(idx+1)
			if q := strings.TrimSpace(item.Query); q != "" {
				lines = append(lines, label+" query: "+util.CutRunes(q, priorQueryCap))
			}
			if s := strings.TrimSpace(item.ExecutiveSummary); s != "" {
				lines = append(lines, label+" summary: "+util.CutRunes(s, priorSummaryCap))
			}
			if len(item.KeyTakeaways) > 0 {
				lines = append(lines, label+" takeaway: "+util.CutRunes(item.KeyTakeaways[0], priorTakeawayCap))
			}
		}
		return util.CutRunes(strings.Join(lines, "\n"), priorContextCap)
	}

	if state.FinalReport != nil && strings.TrimSpace(state.FinalReport.ExecutiveSummary) != "" {
		return util.CutRunes(state.FinalReport.ExecutiveSummary, priorContextCap)
	}

	for i := len(state.History) - 1; i >= 0; i-- {
		if state.History[i].Role == "assistant" {
			return util.CutRunes(state.History[i].Content, priorMessageCap)
		}
	}
	return ""
}

// MemoryStore is the in-process Store used for tests and keyless local
// runs.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[string]*ThreadState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*ThreadState)}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, threadID string) (string, ThreadState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(threadID) == "" {
		threadID = uuid.NewString()
	}
	state, ok := m.threads[threadID]
	if !ok {
		state = &ThreadState{}
		m.threads[threadID] = state
		metrics.ThreadsCreated.Inc()
	}
	return threadID, cloneState(*state), nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, threadID, role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.ensure(threadID)
	state.History = append(state.History, models.Message{Role: role, Content: content})
	return nil
}

func (m *MemoryStore) AppendReportMemory(ctx context.Context, threadID string, memory models.ReportMemory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.ensure(threadID)
	state.ReportMemories = boundMemories(append(state.ReportMemories, memory))
	return nil
}

func (m *MemoryStore) SaveState(ctx context.Context, threadID string, state ThreadState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.ensure(threadID)
	applySnapshot(stored, state)
	return nil
}

func (m *MemoryStore) GetState(ctx context.Context, threadID string) (ThreadState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.threads[threadID]
	if !ok {
		return ThreadState{}, nil
	}
	return cloneState(*state), nil
}

func (m *MemoryStore) ensure(threadID string) *ThreadState {
	state, ok := m.threads[threadID]
	if !ok {
		state = &ThreadState{}
		m.threads[threadID] = state
		metrics.ThreadsCreated.Inc()
	}
	return state
}

// applySnapshot copies the run snapshot fields, leaving history and
// report memories untouched.
func applySnapshot(dst *ThreadState, src ThreadState) {
	dst.ResearchNotes = src.ResearchNotes
	dst.Citations = src.Citations
	dst.FinalReport = src.FinalReport
	dst.OpenGaps = src.OpenGaps
	dst.RunCount = src.RunCount
}

func boundMemories(memories []models.ReportMemory) []models.ReportMemory {
	if len(memories) > maxReportMemories {
		memories = memories[len(memories)-maxReportMemories:]
	}
	return memories
}

func cloneState(state ThreadState) ThreadState {
	out := state
	out.History = append([]models.Message(nil), state.History...)
	out.ReportMemories = append([]models.ReportMemory(nil), state.ReportMemories...)
	out.Citations = append([]models.Citation(nil), state.Citations...)
	out.OpenGaps = append([]string(nil), state.OpenGaps...)
	if state.ResearchNotes != nil {
		notes := make(map[string]models.ResearchNote, len(state.ResearchNotes))
		for k, v := range state.ResearchNotes {
			notes[k] = v
		}
		out.ResearchNotes = notes
	}
	if state.FinalReport != nil {
		report := *state.FinalReport
		out.FinalReport = &report
	}
	return out
}
