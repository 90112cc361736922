// Package pipeline drives one research run through its plan, research,
// write, and quality states. The graph is a small driver loop over tagged
// next-states: planning happens once, research re-enters itself when the
// coverage gate asks for refinement, writing re-enters when the report
// gate asks for a rewrite, and both loops share the refinement cap.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/config"
	"github.com/astra-studio/astra/internal/metrics"
	"github.com/astra-studio/astra/internal/models"
	"github.com/astra-studio/astra/internal/research"
	"github.com/astra-studio/astra/internal/scoring"
	"github.com/astra-studio/astra/internal/streaming"
	"github.com/astra-studio/astra/internal/tracing"
	"github.com/astra-studio/astra/internal/urlnorm"
	"github.com/astra-studio/astra/internal/util"
	"github.com/astra-studio/astra/internal/writer"
)

// Stage names used in trace events, timings, and error records.
const (
	stagePlan     = "plan"
	stageResearch = "research"
	stageWrite    = "write_report"
	stageQuality  = "quality_check"
)

// maxOpenGaps bounds the gap list written back to shared memory.
const maxOpenGaps = 6

type node int

const (
	nodeResearch node = iota
	nodeWrite
	nodeQualityCheck
	nodeEnd
)

// EmitFunc publishes one streaming event for the active run.
type EmitFunc func(eventType string, payload map[string]any)

// Planner produces the research plan for a query.
type Planner interface {
	Run(ctx context.Context, query string, history []models.Message, priorContext string, memory models.SharedMemory) (models.Plan, error)
}

// Engine executes one research batch over the plan's sub-questions.
type Engine interface {
	RunBatch(ctx context.Context, p research.BatchParams) research.BatchResult
}

// CoverageGate scores evidence coverage after a research batch.
type CoverageGate interface {
	Check(plan models.Plan, notes map[string]models.ResearchNote, intent string) models.QualityCheck
}

// ReportGate scores the written report.
type ReportGate interface {
	Check(ctx context.Context, query string, report models.FinalReport, citations []models.Citation) models.QualityCheck
}

// ReportWriter produces the final report from collected evidence.
type ReportWriter interface {
	Write(ctx context.Context, p writer.Params) (models.FinalReport, error)
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	Planner  Planner
	Engine   Engine
	Coverage CoverageGate
	Reports  ReportGate
	Writer   ReportWriter
	Intents  scoring.IntentClassifier
}

// Runner executes research runs.
type Runner struct {
	planner  Planner
	engine   Engine
	coverage CoverageGate
	reports  ReportGate
	writer   ReportWriter
	intents  scoring.IntentClassifier
	cfg      config.ResearchConfig
	logger   *zap.Logger
}

func New(deps Deps, cfg config.ResearchConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	intents := deps.Intents
	if intents == nil {
		intents = scoring.KeywordClassifier{}
	}
	return &Runner{
		planner:  deps.Planner,
		engine:   deps.Engine,
		coverage: deps.Coverage,
		reports:  deps.Reports,
		writer:   deps.Writer,
		intents:  intents,
		cfg:      cfg,
		logger:   logger,
	}
}

// RunParams carries one research turn into the pipeline.
type RunParams struct {
	ThreadID     string
	Query        string
	History      []models.Message
	PriorContext string
	Memory       models.SharedMemory
	Emit         EmitFunc
}

// RunResult is the final state of a run. On a fatal error the partial
// state is still returned alongside the error.
type RunResult struct {
	Intent         string
	Plan           models.Plan
	Notes          map[string]models.ResearchNote
	Citations      []models.Citation
	Quality        *models.QualityCheck
	Report         models.FinalReport
	Errors         []models.WorkflowError
	TraceEvents    []models.TraceEvent
	TimingsMs      map[string]int
	RefinementUsed bool
	QuotaExhausted bool
	CallsMade      int
	// Memory is the shared memory snapshot with open gaps refreshed from
	// the run's final notes, ready to persist on the thread.
	Memory models.SharedMemory
}

// DonePayload assembles the terminal event body for a completed run.
func (r RunResult) DonePayload(threadID, query string, completedAt time.Time) models.DonePayload {
	var score *int
	if r.Quality != nil {
		s := r.Quality.Score
		score = &s
	}
	return models.DonePayload{
		ThreadID:         threadID,
		Query:            query,
		ExecutiveSummary: r.Report.ExecutiveSummary,
		Report:           r.Report.Report,
		KeyTakeaways:     r.Report.KeyTakeaways,
		Limitations:      r.Report.Limitations,
		Citations:        r.Citations,
		Metadata: models.DoneMetadata{
			SubQuestionCount:    len(r.Plan.SubQuestions),
			SourcesAnalyzed:     len(r.Citations),
			CompletionTimestamp: tracing.UTCTimestamp(completedAt),
			QualityScore:        score,
			RefinementUsed:      r.RefinementUsed,
			TimingsMs:           r.TimingsMs,
		},
	}
}

// runState is the mutable state threaded through the nodes.
type runState struct {
	query  string
	intent string

	plan      models.Plan
	notes     map[string]models.ResearchNote
	citations []models.Citation
	quality   *models.QualityCheck
	report    *models.FinalReport
	errors    []models.WorkflowError
	memory    models.SharedMemory

	refinementCount int
	rewriteCount    int
	refinementUsed  bool
	quotaExhausted  bool
	callsMade       int
	feedback        []string
}

// Run executes one research turn. Plan and write failures are fatal and
// return an error; research and quality failures degrade into recorded
// errors and the run continues on partial state.
func (r *Runner) Run(ctx context.Context, p RunParams) (RunResult, error) {
	emit := p.Emit
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	intent := r.intents.Classify(p.Query)
	rec := tracing.NewRecorder()
	st := &runState{
		query:  p.Query,
		intent: intent,
		notes:  map[string]models.ResearchNote{},
		memory: p.Memory,
	}
	runStart := time.Now()
	metrics.RunsStarted.WithLabelValues(intent).Inc()
	r.logger.Info("run started",
		zap.String("thread_id", p.ThreadID),
		zap.String("intent", intent),
		zap.Int("history_messages", len(p.History)),
	)

	next, err := r.planNode(ctx, st, p, rec, emit)
	if err != nil {
		metrics.RecordRun(intent, "failed", time.Since(runStart).Seconds())
		return r.result(st, rec), fmt.Errorf("%s: %w", stagePlan, err)
	}

	for next != nodeEnd {
		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.RecordRun(intent, "failed", time.Since(runStart).Seconds())
			return r.result(st, rec), ctxErr
		}
		switch next {
		case nodeResearch:
			next = r.researchNode(ctx, st, rec, emit)
		case nodeWrite:
			next, err = r.writeNode(ctx, st, rec, emit)
			if err != nil {
				metrics.RecordRun(intent, "failed", time.Since(runStart).Seconds())
				return r.result(st, rec), fmt.Errorf("%s: %w", stageWrite, err)
			}
		case nodeQualityCheck:
			next = r.qualityNode(ctx, st, rec, emit)
		}
	}

	metrics.RecordRun(intent, "completed", time.Since(runStart).Seconds())
	r.logger.Info("run completed",
		zap.String("thread_id", p.ThreadID),
		zap.Int("citations", len(st.citations)),
		zap.Bool("refinement_used", st.refinementUsed),
		zap.Bool("quota_exhausted", st.quotaExhausted),
	)
	return r.result(st, rec), nil
}

func (r *Runner) planNode(ctx context.Context, st *runState, p RunParams, rec *tracing.Recorder, emit EmitFunc) (node, error) {
	ctx, span, startEv := rec.StageStart(ctx, stagePlan)
	defer span.End()
	emit(streaming.EventTrace, tracePayload(startEv))
	t0 := time.Now()

	plan, err := r.planner.Run(ctx, st.query, p.History, p.PriorContext, st.memory)
	if err != nil {
		detail := err.Error()
		st.errors = append(st.errors, models.WorkflowError{Stage: stagePlan, Detail: detail})
		emit(streaming.EventError, map[string]any{"stage": stagePlan, "detail": detail})
		emit(streaming.EventTrace, tracePayload(rec.StageEnd(stagePlan, t0, "error", nil)))
		metrics.RecordStage(stagePlan, time.Since(t0).Seconds())
		return nodeEnd, err
	}
	st.plan = plan
	emit(streaming.EventPlanning, map[string]any{
		"sub_question_count": len(plan.SubQuestions),
		"sub_questions":      plan.SubQuestions,
	})
	emit(streaming.EventTrace, tracePayload(rec.StageEnd(stagePlan, t0, "end",
		map[string]any{"sub_question_count": len(plan.SubQuestions)})))
	metrics.RecordStage(stagePlan, time.Since(t0).Seconds())

	if plan.SkipWebResearch() {
		r.logger.Info("plan asked to skip web research, writing from context")
		return nodeWrite, nil
	}
	return nodeResearch, nil
}

func (r *Runner) researchNode(ctx context.Context, st *runState, rec *tracing.Recorder, emit EmitFunc) node {
	ctx, span, startEv := rec.StageStart(ctx, stageResearch)
	defer span.End()
	emit(streaming.EventTrace, tracePayload(startEv))
	t0 := time.Now()

	result := r.engine.RunBatch(ctx, research.BatchParams{
		SubQuestions:  st.plan.SubQuestions,
		Query:         st.query,
		Intent:        st.intent,
		ExistingNotes: st.notes,
		Emit:          research.EmitFunc(emit),
	})
	st.notes = result.Notes
	st.citations = dedupeCitations(append(st.citations, result.Citations...))
	st.errors = append(st.errors, result.Errors...)
	st.callsMade += result.CallsMade
	if result.QuotaExhausted && !st.quotaExhausted {
		st.quotaExhausted = true
		metrics.QuotaExhaustedRuns.Inc()
	}

	check := r.coverage.Check(st.plan, st.notes, st.intent)
	needsRefinement := r.cfg.EnableRefinement &&
		!check.Passed &&
		st.refinementCount < r.cfg.MaxRefinementLoops &&
		!st.quotaExhausted
	emit(streaming.EventQuality, map[string]any{
		"passed": check.Passed,
		"score":  check.Score,
		"issues": check.Issues,
	})
	emit(streaming.EventTrace, tracePayload(rec.StageEnd(stageResearch, t0, "end",
		map[string]any{"accepted_sources": len(st.citations), "refining": needsRefinement})))
	metrics.RecordStage(stageResearch, time.Since(t0).Seconds())

	if needsRefinement {
		st.refinementUsed = true
		st.refinementCount++
		metrics.RefinementRounds.Inc()
		injectRefinementQueries(&st.plan, check.RefinementQueries)
		r.logger.Info("coverage check failed, refining research",
			zap.Int("round", st.refinementCount),
			zap.Int("score", check.Score),
			zap.Strings("seed_queries", check.RefinementQueries),
		)
		return nodeResearch
	}
	return nodeWrite
}

func (r *Runner) writeNode(ctx context.Context, st *runState, rec *tracing.Recorder, emit EmitFunc) (node, error) {
	ctx, span, startEv := rec.StageStart(ctx, stageWrite)
	defer span.End()
	emit(streaming.EventWriting, map[string]any{"status": "started"})
	emit(streaming.EventTrace, tracePayload(startEv))
	t0 := time.Now()

	report, err := r.writer.Write(ctx, writer.Params{
		Query:        st.query,
		Notes:        st.notes,
		Citations:    st.citations,
		Memory:       st.memory,
		Feedback:     st.feedback,
		RewriteRound: st.rewriteCount,
		Emit:         writer.EmitFunc(emit),
	})
	if err != nil {
		detail := err.Error()
		st.errors = append(st.errors, models.WorkflowError{Stage: stageWrite, Detail: detail})
		emit(streaming.EventError, map[string]any{"stage": stageWrite, "detail": detail})
		emit(streaming.EventTrace, tracePayload(rec.StageEnd(stageWrite, t0, "error", nil)))
		metrics.RecordStage(stageWrite, time.Since(t0).Seconds())
		return nodeEnd, err
	}
	st.report = &report
	st.memory.OpenGaps = openGaps(st.notes)
	emit(streaming.EventTrace, tracePayload(rec.StageEnd(stageWrite, t0, "end", nil)))
	metrics.RecordStage(stageWrite, time.Since(t0).Seconds())
	return nodeQualityCheck, nil
}

func (r *Runner) qualityNode(ctx context.Context, st *runState, rec *tracing.Recorder, emit EmitFunc) node {
	ctx, span, startEv := rec.StageStart(ctx, stageQuality)
	defer span.End()
	emit(streaming.EventTrace, tracePayload(startEv))
	t0 := time.Now()

	check := r.reports.Check(ctx, st.query, *st.report, st.citations)
	st.quality = &check
	metrics.QualityScore.Observe(float64(check.Score))

	needsRewrite := r.cfg.EnableRefinement &&
		!check.Passed &&
		st.rewriteCount < r.cfg.MaxRefinementLoops
	emit(streaming.EventQuality, map[string]any{
		"passed": check.Passed,
		"score":  check.Score,
		"issues": check.Issues,
	})
	emit(streaming.EventTrace, tracePayload(rec.StageEnd(stageQuality, t0, "end",
		map[string]any{"passed": check.Passed, "rewriting": needsRewrite})))
	metrics.RecordStage(stageQuality, time.Since(t0).Seconds())

	if needsRewrite {
		st.refinementUsed = true
		st.rewriteCount++
		st.feedback = check.RefinementQueries
		metrics.RewriteRounds.Inc()
		r.logger.Info("report failed quality review, rewriting",
			zap.Int("round", st.rewriteCount),
			zap.Int("score", check.Score),
		)
		return nodeWrite
	}
	return nodeEnd
}

func (r *Runner) result(st *runState, rec *tracing.Recorder) RunResult {
	out := RunResult{
		Intent:         st.intent,
		Plan:           st.plan,
		Notes:          st.notes,
		Citations:      st.citations,
		Quality:        st.quality,
		Errors:         st.errors,
		TraceEvents:    rec.Events(),
		TimingsMs:      rec.TimingsMs(),
		RefinementUsed: st.refinementUsed,
		QuotaExhausted: st.quotaExhausted,
		CallsMade:      st.callsMade,
		Memory:         st.memory,
	}
	if st.report != nil {
		out.Report = *st.report
	}
	return out
}

// injectRefinementQueries distributes seed queries round-robin over the
// plan's sub-questions, skipping duplicates and respecting the hard
// per-sub-question query cap.
func injectRefinementQueries(plan *models.Plan, queries []string) {
	if len(queries) == 0 || len(plan.SubQuestions) == 0 {
		return
	}
	for idx, query := range queries {
		sq := &plan.SubQuestions[idx%len(plan.SubQuestions)]
		if len(sq.SearchQueries) >= config.HardMaxQueriesPerSubQuestion {
			continue
		}
		if !util.ContainsString(sq.SearchQueries, query) {
			sq.SearchQueries = append(sq.SearchQueries, query)
		}
	}
}

// dedupeCitations keeps one citation per canonical URL: first-seen
// position, latest value.
func dedupeCitations(citations []models.Citation) []models.Citation {
	seen := make(map[string]int, len(citations))
	out := make([]models.Citation, 0, len(citations))
	for _, c := range citations {
		key := urlnorm.Canonicalize(c.URL)
		if idx, ok := seen[key]; ok {
			out[idx] = c
			continue
		}
		seen[key] = len(out)
		out = append(out, c)
	}
	return out
}

// openGaps rolls still-open evidence gaps out of the final notes in
// sub-question order, deduped and bounded.
func openGaps(notes map[string]models.ResearchNote) []string {
	ids := make([]string, 0, len(notes))
	for id := range notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seen := make(map[string]struct{})
	var gaps []string
	for _, id := range ids {
		for _, gap := range notes[id].Gaps {
			gap = strings.TrimSpace(gap)
			if gap == "" {
				continue
			}
			if _, dup := seen[gap]; dup {
				continue
			}
			seen[gap] = struct{}{}
			gaps = append(gaps, gap)
			if len(gaps) == maxOpenGaps {
				return gaps
			}
		}
	}
	return gaps
}

func tracePayload(ev models.TraceEvent) map[string]any {
	payload := map[string]any{
		"node":      ev.Node,
		"status":    ev.Status,
		"timestamp": ev.Timestamp,
	}
	if ev.DurationMs != nil {
		payload["duration_ms"] = *ev.DurationMs
	}
	return payload
}
