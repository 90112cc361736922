package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/db"
	"github.com/astra-studio/astra/internal/models"
	"github.com/astra-studio/astra/internal/pipeline"
	"github.com/astra-studio/astra/internal/streaming"
	"github.com/astra-studio/astra/internal/threads"
)

// maxMemoryCitations bounds the citations carried into cross-turn memory.
const maxMemoryCitations = 8

// handleChat starts a research run and streams its events over SSE. The
// run itself is detached from the request context: a client that drops
// mid-run can re-attach via /events while the run finishes and the thread
// is written back.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx := r.Context()
	threadID, state, err := s.store.GetOrCreate(ctx, req.ThreadID)
	if err != nil {
		s.logger.Error("thread lookup failed", zap.Error(err))
		http.Error(w, `{"error":"thread store unavailable"}`, http.StatusInternalServerError)
		return
	}
	if err := s.store.AppendMessage(ctx, threadID, "user", req.Message); err != nil {
		s.logger.Warn("recording user message failed",
			zap.String("thread_id", threadID), zap.Error(err))
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	// Subscribe before the first publish so the stream sees every event.
	ch := s.events.Subscribe(threadID, s.buffer)
	defer s.events.Unsubscribe(threadID, ch)

	setSSEHeaders(w)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.events.Publish(threadID, streaming.EventThreadID, nil)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), maxRunDuration)
	go func() {
		defer cancel()
		s.executeRun(runCtx, threadID, req.Message, state)
	}()

	s.pump(ctx, w, flusher, ch, nil, 0)
}

// executeRun drives the pipeline for one turn, then writes the thread
// back and publishes the terminal event.
func (s *Server) executeRun(ctx context.Context, threadID, query string, state threads.ThreadState) {
	emit := func(eventType string, payload map[string]any) {
		s.events.Publish(threadID, eventType, payload)
	}

	startedAt := time.Now().UTC()
	result, err := s.runner.Run(ctx, pipeline.RunParams{
		ThreadID:     threadID,
		Query:        query,
		History:      state.History,
		PriorContext: threads.BuildPriorContext(state),
		Memory:       state.SharedMemory(),
		Emit:         emit,
	})
	completedAt := time.Now().UTC()

	if err != nil {
		s.logger.Error("research run failed",
			zap.String("thread_id", threadID), zap.Error(err))
		s.events.Publish(threadID, streaming.EventError, map[string]any{
			"stage":  "workflow",
			"detail": err.Error(),
			"fatal":  true,
		})
		s.archive.Enqueue(runRecord(threadID, query, result, "failed", startedAt, completedAt))
		return
	}

	done := result.DonePayload(threadID, query, completedAt)
	s.persistRun(ctx, threadID, state, result, done)
	s.events.Publish(threadID, streaming.EventDone, asPayload(done))
	s.archive.Enqueue(runRecord(threadID, query, result, "completed", startedAt, completedAt))

	s.logger.Info("research run completed",
		zap.String("thread_id", threadID),
		zap.String("intent", result.Intent),
		zap.Int("sources", len(result.Citations)),
		zap.Bool("refinement_used", result.RefinementUsed),
	)
}

// persistRun writes the completed turn back to the thread. Store failures
// degrade to log lines; the stream still gets its done event.
func (s *Server) persistRun(ctx context.Context, threadID string, prior threads.ThreadState, result pipeline.RunResult, done models.DonePayload) {
	if err := s.store.AppendMessage(ctx, threadID, "assistant", result.Report.Report); err != nil {
		s.logger.Warn("recording assistant message failed",
			zap.String("thread_id", threadID), zap.Error(err))
	}

	memory := models.ReportMemory{
		Query:               done.Query,
		ExecutiveSummary:    done.ExecutiveSummary,
		KeyTakeaways:        done.KeyTakeaways,
		Limitations:         done.Limitations,
		Citations:           result.Citations,
		CompletionTimestamp: done.Metadata.CompletionTimestamp,
	}
	if len(memory.Citations) > maxMemoryCitations {
		memory.Citations = memory.Citations[:maxMemoryCitations]
	}
	if err := s.store.AppendReportMemory(ctx, threadID, memory); err != nil {
		s.logger.Warn("recording report memory failed",
			zap.String("thread_id", threadID), zap.Error(err))
	}

	report := result.Report
	if err := s.store.SaveState(ctx, threadID, threads.ThreadState{
		ResearchNotes: result.Notes,
		Citations:     result.Citations,
		FinalReport:   &report,
		OpenGaps:      result.Memory.OpenGaps,
		RunCount:      prior.RunCount + 1,
	}); err != nil {
		s.logger.Warn("saving thread state failed",
			zap.String("thread_id", threadID), zap.Error(err))
	}
}

// runRecord maps a run result onto the archive row.
func runRecord(threadID, query string, result pipeline.RunResult, status string, startedAt, completedAt time.Time) db.RunRecord {
	rec := db.RunRecord{
		ThreadID:       threadID,
		Query:          query,
		Intent:         result.Intent,
		Status:         status,
		RefinementUsed: result.RefinementUsed,
		QuotaExhausted: result.QuotaExhausted,
		SubQuestions:   len(result.Plan.SubQuestions),
		SourceCount:    len(result.Citations),
		SearchCalls:    result.CallsMade,
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
	}
	if result.Quality != nil {
		score := result.Quality.Score
		rec.QualityScore = &score
	}
	if result.Report.Report != "" {
		rec.Report = db.JSONB{
			"executive_summary": result.Report.ExecutiveSummary,
			"report":            result.Report.Report,
			"key_takeaways":     result.Report.KeyTakeaways,
			"limitations":       result.Report.Limitations,
		}
	}
	if len(result.TimingsMs) > 0 {
		timings := db.JSONB{}
		for stage, ms := range result.TimingsMs {
			timings[stage] = ms
		}
		rec.Timings = timings
	}
	if len(result.Errors) > 0 {
		rec.RunErrors = db.JSONB{"items": result.Errors}
	}
	return rec
}
