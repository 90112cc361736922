// Package planner decomposes a user query into a bounded research plan:
// 3-6 prioritized sub-questions, each with short focused search queries.
// A malformed or failed model response degrades to a deterministic
// three-sub-question fallback plan, never to an error.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/config"
	"github.com/astra-studio/astra/internal/models"
	"github.com/astra-studio/astra/internal/util"
)

const systemPrompt = "You are a research planning agent. Return ONLY valid JSON matching the schema. " +
	"Generate a practical plan with 3-6 sub-questions, each with 2-4 search queries."

// FallbackAssumption marks a plan produced without the model.
const FallbackAssumption = "Fallback plan generated due to parser/model failure."

// ModelClient is the slice of the model API the planner uses.
type ModelClient interface {
	CompleteJSON(ctx context.Context, operation, systemPrompt, userPrompt string, out any) error
}

// Planner turns a query plus thread context into a Plan.
type Planner struct {
	llm             ModelClient
	maxSubQuestions int
	maxQueries      int
	logger          *zap.Logger
}

func New(client ModelClient, cfg config.ResearchConfig, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxSubQuestions := cfg.MaxSubQuestions
	if maxSubQuestions < 3 || maxSubQuestions > config.HardMaxSubQuestions {
		maxSubQuestions = config.HardMaxSubQuestions
	}
	maxQueries := cfg.MaxQueriesPerSubQuestion
	if maxQueries < 1 || maxQueries > config.HardMaxQueriesPerSubQuestion {
		maxQueries = 2
	}
	return &Planner{
		llm:             client,
		maxSubQuestions: maxSubQuestions,
		maxQueries:      maxQueries,
		logger:          logger,
	}
}

// Run produces a normalized plan. The only error it returns is context
// cancellation; every model or parse failure becomes the fallback plan.
func (p *Planner) Run(ctx context.Context, query string, history []models.Message, priorContext string, memory models.SharedMemory) (models.Plan, error) {
	if err := ctx.Err(); err != nil {
		return models.Plan{}, err
	}

	withContext := history
	if strings.TrimSpace(priorContext) != "" {
		withContext = append(append([]models.Message(nil), history...), models.Message{
			Role:    "assistant",
			Content: "Prior context summary: " + util.CutRunes(priorContext, 280),
		})
	}

	var plan models.Plan
	err := p.llm.CompleteJSON(ctx, "planner", systemPrompt, p.prompt(query, withContext, memory), &plan)
	if err != nil {
		if ctx.Err() != nil {
			return models.Plan{}, ctx.Err()
		}
		p.logger.Warn("planner model call failed, using fallback plan", zap.Error(err))
		return fallbackPlan(query), nil
	}
	return p.normalize(plan, query), nil
}

func (p *Planner) prompt(query string, history []models.Message, memory models.SharedMemory) string {
	recentHistory := summarizeHistory(history)
	if recentHistory == "" {
		recentHistory = "- (none)"
	}
	memorySummary := summarizeSharedMemory(memory)
	if memorySummary == "" {
		memorySummary = "- (none)"
	}
	return fmt.Sprintf(`User query:
%s

Recent thread history:
%s

Shared memory summary:
%s

Requirements:
- Output keys: sub_questions, assumptions.
- sub_questions: 3 to 6 items (target 4).
- Each sub_question has: id, question, priority, search_queries.
- id format: sq1, sq2, ...
- priority is unique integer (1 = highest).
- search_queries: 2 to 4 short focused web queries.
- If user query is ambiguous, add explicit assumptions.
- If the query can be answered directly from recent thread history/context (without web lookup), include assumption EXACTLY: %s`,
		query, recentHistory, memorySummary, models.SkipWebResearchAssumption)
}

// summarizeHistory keeps at most the two latest user messages and one
// assistant message, newest last, to avoid token bloat.
func summarizeHistory(history []models.Message) string {
	var selected []string
	userCount, assistantCount := 0, 0
	for i := len(history) - 1; i >= 0; i-- {
		item := history[i]
		content := strings.Join(strings.Fields(item.Content), " ")
		if content == "" {
			continue
		}
		switch {
		case item.Role == "user" && userCount < 2:
			userCount++
			selected = append(selected, "- user: "+util.CutRunes(content, 220))
		case item.Role == "assistant" && assistantCount < 1:
			assistantCount++
			selected = append(selected, "- assistant: "+util.CutRunes(content, 220))
		}
		if userCount >= 2 && assistantCount >= 1 {
			break
		}
	}
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return strings.Join(selected, "\n")
}

func summarizeSharedMemory(memory models.SharedMemory) string {
	var lines []string
	reports := memory.RecentReports
	if len(reports) > 2 {
		reports = reports[len(reports)-2:]
	}
	for idx, item := range reports {
		if q := strings.TrimSpace(item.Query); q != "" {
			lines = append(lines, fmt.Sprintf("- memory.report%d.query: %s", idx+1, util.CutRunes(q, 160)))
		}
		if s := strings.TrimSpace(item.ExecutiveSummary); s != "" {
			lines = append(lines, fmt.Sprintf("- memory.report%d.summary: %s", idx+1, util.CutRunes(s, 220)))
		}
	}
	gaps := memory.OpenGaps
	if len(gaps) > 3 {
		gaps = gaps[:3]
	}
	for _, gap := range gaps {
		lines = append(lines, "- memory.gap: "+util.CutRunes(gap, 180))
	}
	return strings.Join(lines, "\n")
}

// normalize sorts by priority, reassigns sq1..sqN ids and 1..N
// priorities, pads thin query lists, and enforces the sub-question caps.
// Fewer than three usable sub-questions means the model output was not a
// plan; the fallback takes over.
func (p *Planner) normalize(plan models.Plan, query string) models.Plan {
	subs := make([]models.SubQuestion, 0, len(plan.SubQuestions))
	for _, sq := range plan.SubQuestions {
		if strings.TrimSpace(sq.Question) != "" {
			subs = append(subs, sq)
		}
	}
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].Priority < subs[j].Priority })
	if len(subs) > config.HardMaxSubQuestions {
		subs = subs[:config.HardMaxSubQuestions]
	}

	normalized := make([]models.SubQuestion, 0, len(subs))
	for idx, sq := range subs {
		normalized = append(normalized, models.SubQuestion{
			ID:            fmt.Sprintf("sq%d", idx+1),
			Question:      sq.Question,
			Priority:      idx + 1,
			SearchQueries: p.ensureQueries(sq.SearchQueries, sq.Question),
		})
	}
	if len(normalized) < 3 {
		return fallbackPlan(query)
	}
	if len(normalized) > p.maxSubQuestions {
		normalized = normalized[:p.maxSubQuestions]
	}
	return models.Plan{SubQuestions: normalized, Assumptions: plan.Assumptions}
}

// ensureQueries drops blanks and pads to the configured floor so every
// sub-question has something to search for.
func (p *Planner) ensureQueries(queries []string, question string) []string {
	kept := make([]string, 0, len(queries))
	for _, q := range queries {
		if trimmed := strings.TrimSpace(q); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	if len(kept) == 0 {
		kept = append(kept, question)
	}
	for len(kept) < p.maxQueries {
		kept = append(kept, question+" latest evidence")
	}
	if len(kept) > p.maxQueries {
		kept = kept[:p.maxQueries]
	}
	return kept
}

func fallbackPlan(query string) models.Plan {
	return models.Plan{
		SubQuestions: []models.SubQuestion{
			{
				ID:            "sq1",
				Question:      fmt.Sprintf("What is the current landscape relevant to: %s?", query),
				Priority:      1,
				SearchQueries: []string{query + " overview", query + " latest data"},
			},
			{
				ID:            "sq2",
				Question:      fmt.Sprintf("What are the main risks and downsides for: %s?", query),
				Priority:      2,
				SearchQueries: []string{query + " risks", query + " challenges evidence"},
			},
			{
				ID:            "sq3",
				Question:      fmt.Sprintf("What opportunities and best practices exist for: %s?", query),
				Priority:      3,
				SearchQueries: []string{query + " opportunities", query + " best practices"},
			},
		},
		Assumptions: []string{FallbackAssumption},
	}
}
