// Package research runs the evidence collection stage: one worker per
// sub-question searches the web in provider phases, every candidate finding
// passes through the shared budget coordinator, and the surviving evidence
// is synthesized into a research note. Workers degrade rather than abort:
// call caps and provider quota switch the run to encyclopedia fallback, and
// a sub-question that collected nothing still produces a note.
package research

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/astra-studio/astra/internal/budget"
	"github.com/astra-studio/astra/internal/config"
	"github.com/astra-studio/astra/internal/metrics"
	"github.com/astra-studio/astra/internal/models"
	"github.com/astra-studio/astra/internal/scoring"
	"github.com/astra-studio/astra/internal/search"
	"github.com/astra-studio/astra/internal/streaming"
	"github.com/astra-studio/astra/internal/urlnorm"
	"github.com/astra-studio/astra/internal/util"
)

const synthesisSystem = "You are a research synthesis agent. Return ONLY JSON. " +
	"Use the provided findings to produce concise evidence bullets, contradictions, and gaps."

// Search phases, in escalation order. The encyclopedia phase anchors every
// sub-question with background material before the verification phases run.
const (
	phaseWikipedia = "wikipedia"
	phaseTrusted   = "trusted"
	phaseBroad     = "broad"
)

// Synthesis bounds.
const (
	maxSynthesisFindings = 12
	promptSnippetLen     = 320
	minEvidenceBullets   = 4
	maxEvidenceBullets   = 8
	maxContradictionsOut = 4
	maxGapsOut           = 5
)

// Merge bounds for contradictions and gaps accumulated across rounds.
const maxMergedIssues = 6

// Encyclopedia findings keep a relaxed bar on historical queries, where the
// general-web credibility prior undervalues them.
const wikipediaHistoricalThreshold = 0.35

// Workers with fewer than this many findings keep escalating phases.
const phaseStopFindings = 3

var historicalDomainSeeds = []string{"wikipedia.org"}

// EmitFunc receives progress events from concurrent workers and must be
// safe for concurrent use. The pipeline binds it to the streaming manager.
type EmitFunc func(eventType string, payload map[string]any)

// SearchClient is the slice of the search layer the engine depends on. The
// provider router and the Wikipedia fallback provider both satisfy it.
type SearchClient interface {
	Search(ctx context.Context, req search.Request) ([]models.SourceFinding, error)
}

// ModelClient is the slice of the model API used for evidence synthesis.
type ModelClient interface {
	CompleteJSON(ctx context.Context, operation, systemPrompt, userPrompt string, out any) error
}

// Engine coordinates concurrent sub-question research under shared caps.
type Engine struct {
	router          SearchClient
	fallback        SearchClient
	llm             ModelClient
	cfg             config.ResearchConfig
	maxCallsPerRun  int
	failFastOnQuota bool
	tiers           *scoring.TierRegistry
	logger          *zap.Logger
	now             func() time.Time
}

func New(router, fallback SearchClient, llm ModelClient, cfg config.ResearchConfig, searchCfg config.SearchConfig, tiers *scoring.TierRegistry, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		router:          router,
		fallback:        fallback,
		llm:             llm,
		cfg:             cfg,
		maxCallsPerRun:  searchCfg.MaxCallsPerRun,
		failFastOnQuota: searchCfg.FailFastOnQuota,
		tiers:           tiers,
		logger:          logger,
		now:             time.Now,
	}
}

// BatchParams describes one research round.
type BatchParams struct {
	SubQuestions []models.SubQuestion
	// Query is the user's research query, used for intent-sensitive
	// thresholds and result caps.
	Query  string
	Intent string
	// ExistingNotes seed the budget coordinator on refinement rounds so
	// sources accepted earlier cannot be re-accepted or double-counted.
	ExistingNotes map[string]models.ResearchNote
	Emit          EmitFunc
}

// BatchResult is the outcome of one research round.
type BatchResult struct {
	Notes          map[string]models.ResearchNote
	Citations      []models.Citation
	Errors         []models.WorkflowError
	QuotaExhausted bool
	CallsMade      int
}

// RunBatch researches all sub-questions concurrently, bounded by
// MaxConcurrency, and merges the results into the existing notes. Worker
// failures and panics become recorded errors, never batch failures.
func (e *Engine) RunBatch(ctx context.Context, p BatchParams) BatchResult {
	coordinator := budget.NewCoordinator(budget.Limits{
		MaxTotal:          e.cfg.MaxAcceptedSourcesTotal,
		MaxPerSubQuestion: e.cfg.MaxAcceptedPerSubQuestion,
		MaxDomainRepeat:   e.cfg.MaxDomainRepeat,
	}, p.ExistingNotes)
	controls := budget.NewRunControls(e.maxCallsPerRun)
	simulatedFailures := e.cfg.SimulatedFailures()

	emit := p.Emit
	if emit == nil {
		emit = func(string, map[string]any) {}
	}

	ordered := make([]models.SubQuestion, len(p.SubQuestions))
	copy(ordered, p.SubQuestions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	results := make([]*subQuestionResult, len(ordered))
	panics := make([]*models.WorkflowError, len(ordered))

	var g errgroup.Group
	g.SetLimit(max(e.cfg.MaxConcurrency, 1))
	for i, sq := range ordered {
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					panics[i] = &models.WorkflowError{
						Stage:  "research",
						Detail: fmt.Sprintf("research worker panic: %v", rec),
					}
				}
			}()
			res := e.researchSubQuestion(ctx, sq, emit, coordinator, controls, simulatedFailures, p.Intent)
			results[i] = &res
			return nil
		})
	}
	// Workers never return errors; failures surface through the panics slice.
	_ = g.Wait()

	merged := make(map[string]models.ResearchNote, len(p.ExistingNotes)+len(ordered))
	for id, note := range p.ExistingNotes {
		merged[id] = note
	}
	citationSeen := make(map[string]struct{})
	var citations []models.Citation
	var errs []models.WorkflowError

	for i := range ordered {
		if panics[i] != nil {
			errs = append(errs, *panics[i])
			emit(streaming.EventError, map[string]any{"stage": "research", "detail": panics[i].Detail})
			continue
		}
		res := results[i]
		if res == nil {
			continue
		}
		if existing, ok := merged[res.note.SubQuestionID]; ok {
			merged[res.note.SubQuestionID] = MergeNotes(existing, res.note)
		} else {
			merged[res.note.SubQuestionID] = res.note
		}
		for _, c := range res.citations {
			key := urlnorm.Canonicalize(c.URL)
			if _, dup := citationSeen[key]; dup {
				continue
			}
			citationSeen[key] = struct{}{}
			citations = append(citations, c)
		}
		errs = append(errs, res.errors...)
	}

	e.logger.Info("research batch complete",
		zap.Int("sub_questions", len(ordered)),
		zap.Int("accepted_total", coordinator.AcceptedTotal()),
		zap.Int("citations", len(citations)),
		zap.Int("calls_made", controls.CallsMade()),
		zap.Bool("quota_exhausted", controls.QuotaExhausted()),
		zap.Int("errors", len(errs)),
	)

	return BatchResult{
		Notes:          merged,
		Citations:      citations,
		Errors:         errs,
		QuotaExhausted: controls.QuotaExhausted(),
		CallsMade:      controls.CallsMade(),
	}
}

type subQuestionResult struct {
	note      models.ResearchNote
	citations []models.Citation
	errors    []models.WorkflowError
}

type scoredFinding struct {
	score   float64
	finding models.SourceFinding
}

func (e *Engine) researchSubQuestion(
	ctx context.Context,
	sq models.SubQuestion,
	emit EmitFunc,
	coordinator *budget.Coordinator,
	controls *budget.RunControls,
	simulatedFailures map[string]struct{},
	intent string,
) subQuestionResult {
	var errs []models.WorkflowError
	var collected []models.SourceFinding
	now := e.now()

	emit(streaming.EventResearchProgress, map[string]any{
		"sub_question_id": sq.ID,
		"status":          "started",
		"message":         sq.Question,
		"evidence_count":  0,
	})

	_, simulated := simulatedFailures[sq.ID]
	if simulated {
		detail := fmt.Sprintf("Simulated search failure for %s.", sq.ID)
		errs = append(errs, models.WorkflowError{Stage: "research", SubQuestionID: sq.ID, Detail: detail})
		emit(streaming.EventError, map[string]any{"stage": "research", "sub_question_id": sq.ID, "detail": detail})
	}

	queries := sq.SearchQueries
	if len(queries) > e.cfg.MaxQueriesPerSubQuestion {
		queries = queries[:e.cfg.MaxQueriesPerSubQuestion]
	}

	for _, query := range queries {
		if ctx.Err() != nil {
			break
		}
		if coordinator.GlobalExhausted() || coordinator.SubQuestionCapReached(sq.ID) {
			break
		}

		for _, phase := range e.phases(intent) {
			if coordinator.GlobalExhausted() || coordinator.SubQuestionCapReached(sq.ID) {
				break
			}
			if simulated {
				continue
			}

			useFallback := controls.QuotaExhausted()
			var findings []models.SourceFinding

			if !useFallback && !controls.TryReserveCall() {
				if controls.MarkCallCapReached() {
					detail := fmt.Sprintf(
						"Search call cap reached (%d/%d); switching to Wikipedia fallback for this run.",
						controls.CallsMade(), e.maxCallsPerRun)
					emit(streaming.EventError, map[string]any{
						"stage":           "research",
						"sub_question_id": sq.ID,
						"detail":          detail,
					})
				}
				useFallback = true
			}

			if !useFallback {
				candidates, err := e.collectCandidates(ctx, query, phase, intent)
				switch {
				case err == nil:
					findings = candidates
				case search.IsQuota(err) && e.failFastOnQuota:
					if controls.MarkQuotaExhausted() {
						const detail = "Search provider quota exceeded; switching to Wikipedia fallback for this run."
						emit(streaming.EventError, map[string]any{
							"stage":           "research",
							"sub_question_id": sq.ID,
							"detail":          detail,
						})
						errs = append(errs, models.WorkflowError{Stage: "research", SubQuestionID: sq.ID, Detail: detail})
					}
					useFallback = true
				default:
					errs = append(errs, models.WorkflowError{Stage: "research", SubQuestionID: sq.ID, Detail: err.Error()})
					emit(streaming.EventError, map[string]any{
						"stage":           "research",
						"sub_question_id": sq.ID,
						"detail":          err.Error(),
					})
					continue
				}
			}

			if useFallback {
				candidates, err := e.collectFallback(ctx, query, intent)
				if err != nil {
					errs = append(errs, models.WorkflowError{Stage: "research", SubQuestionID: sq.ID, Detail: err.Error()})
					emit(streaming.EventError, map[string]any{
						"stage":           "research",
						"sub_question_id": sq.ID,
						"detail":          err.Error(),
					})
					continue
				}
				findings = candidates
			}

			scored := make([]scoredFinding, 0, len(findings))
			for _, f := range findings {
				scored = append(scored, scoredFinding{score: e.tiers.AcceptanceScore(sq, query, f, now), finding: f})
			}
			sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

			acceptedInPhase := 0
			for _, cand := range scored {
				if cand.score < e.threshold(intent, cand.finding) {
					continue
				}
				accepted, reason := coordinator.TryAccept(sq.ID, cand.finding)
				if !accepted {
					metrics.SourcesRejected.WithLabelValues(string(reason)).Inc()
					if reason == budget.ReasonDeduped {
						emit(streaming.EventSourceFetch, sourceFetchPayload(sq.ID, cand.finding, "deduped"))
					}
					continue
				}
				metrics.SourcesAccepted.WithLabelValues(intent).Inc()
				collected = append(collected, cand.finding)
				acceptedInPhase++
				emit(streaming.EventSourceFetch, sourceFetchPayload(sq.ID, cand.finding, "fetched"))

				if coordinator.GlobalExhausted() || coordinator.SubQuestionCapReached(sq.ID) {
					break
				}
			}

			e.logger.Debug("research phase complete",
				zap.String("sub_question", sq.ID),
				zap.String("phase", phase),
				zap.Int("accepted", acceptedInPhase),
				zap.Int("collected", len(collected)),
			)

			// A strong encyclopedia hit must not skip verification phases.
			if phase == phaseWikipedia {
				continue
			}
			if len(collected) >= phaseStopFindings {
				break
			}
		}
	}

	if len(collected) == 0 {
		collected = e.emergencyFallback(ctx, sq, emit, coordinator, intent, &errs)
	}

	synthesis := e.synthesize(ctx, sq, collected)
	note := models.ResearchNote{
		SubQuestionID:   sq.ID,
		EvidenceBullets: synthesis.EvidenceBullets,
		Findings:        collected,
		Contradictions:  synthesis.Contradictions,
		Gaps:            synthesis.Gaps,
	}
	citations := make([]models.Citation, 0, len(collected))
	for _, f := range collected {
		citations = append(citations, models.Citation{Title: f.Title, URL: f.URL, SourceName: f.SourceName})
	}

	emit(streaming.EventResearchProgress, map[string]any{
		"sub_question_id": sq.ID,
		"status":          "completed",
		"message":         "Completed " + sq.ID,
		"evidence_count":  len(note.EvidenceBullets),
	})
	return subQuestionResult{note: note, citations: citations, errors: errs}
}

// emergencyFallback is the last resort for a worker that accepted nothing:
// one encyclopedia query built from the sub-question text and its first
// search query, with up to three candidates accepted without a score bar.
func (e *Engine) emergencyFallback(
	ctx context.Context,
	sq models.SubQuestion,
	emit EmitFunc,
	coordinator *budget.Coordinator,
	intent string,
	errs *[]models.WorkflowError,
) []models.SourceFinding {
	query := sq.Question
	if len(sq.SearchQueries) > 0 {
		query += " " + sq.SearchQueries[0]
	}
	candidates, err := e.collectFallback(ctx, query, intent)
	if err != nil {
		*errs = append(*errs, models.WorkflowError{Stage: "research", SubQuestionID: sq.ID, Detail: err.Error()})
		emit(streaming.EventError, map[string]any{
			"stage":           "research",
			"sub_question_id": sq.ID,
			"detail":          err.Error(),
		})
		return nil
	}

	var collected []models.SourceFinding
	for _, f := range candidates[:min(len(candidates), 3)] {
		accepted, _ := coordinator.TryAccept(sq.ID, f)
		if !accepted {
			continue
		}
		metrics.SourcesAccepted.WithLabelValues(intent).Inc()
		collected = append(collected, f)
		emit(streaming.EventSourceFetch, sourceFetchPayload(sq.ID, f, "fetched"))
	}
	return collected
}

func sourceFetchPayload(subQuestionID string, f models.SourceFinding, status string) map[string]any {
	return map[string]any{
		"sub_question_id": subQuestionID,
		"source_name":     f.SourceName,
		"title":           f.Title,
		"url":             f.URL,
		"status":          status,
	}
}

func (e *Engine) phases(intent string) []string {
	if intent == models.IntentHistorical {
		return []string{phaseWikipedia, phaseBroad}
	}
	if e.cfg.SourcePolicy == config.SourcePolicyHybridTrustedFirst {
		return []string{phaseWikipedia, phaseTrusted, phaseBroad}
	}
	return []string{phaseWikipedia, phaseBroad}
}

func (e *Engine) threshold(intent string, finding models.SourceFinding) float64 {
	if intent == models.IntentHistorical {
		threshold := e.cfg.HistoricalAcceptThreshold
		if finding.SourceName == "wikipedia.org" {
			return min(threshold, wikipediaHistoricalThreshold)
		}
		return threshold
	}
	return e.cfg.BusinessAcceptThreshold
}

func (e *Engine) collectCandidates(ctx context.Context, query, phase, intent string) ([]models.SourceFinding, error) {
	req := search.Request{Query: query, MaxResults: e.cfg.MaxResultsPerQuery}
	switch {
	case phase == phaseWikipedia:
		req.MaxResults = min(e.cfg.HistoricalMaxResultsPerQuery, 3)
		req.IncludeDomains = historicalDomainSeeds
	case intent == models.IntentHistorical:
		req.MaxResults = e.cfg.HistoricalMaxResultsPerQuery
	case phase == phaseTrusted:
		req.IncludeDomains = e.tiers.TrustedSeeds()
	}
	return e.router.Search(ctx, req)
}

func (e *Engine) collectFallback(ctx context.Context, query, intent string) ([]models.SourceFinding, error) {
	maxResults := 4
	if intent == models.IntentHistorical {
		maxResults = 6
	}
	return e.fallback.Search(ctx, search.Request{Query: query, MaxResults: maxResults})
}

func (e *Engine) synthesize(ctx context.Context, sq models.SubQuestion, findings []models.SourceFinding) models.ResearchSynthesis {
	lines := make([]string, 0, min(len(findings), maxSynthesisFindings))
	for _, f := range findings[:min(len(findings), maxSynthesisFindings)] {
		lines = append(lines, fmt.Sprintf("- title: %s\n  url: %s\n  snippet: %s",
			f.Title, f.URL, util.CutRunes(f.Snippet, promptSnippetLen)))
	}
	raw := strings.Join(lines, "\n")
	if raw == "" {
		raw = "- none"
	}
	prompt := fmt.Sprintf(`Sub-question:
%s

Findings:
%s

Return keys:
- evidence_bullets (4-8)
- contradictions (0-4)
- gaps (1-5)`, sq.Question, raw)

	var synthesis models.ResearchSynthesis
	if err := e.llm.CompleteJSON(ctx, "research_synthesis", synthesisSystem, prompt, &synthesis); err != nil {
		e.logger.Warn("synthesis model call failed, using deterministic fallback",
			zap.String("sub_question", sq.ID), zap.Error(err))
		return fallbackSynthesis(findings)
	}
	if len(synthesis.EvidenceBullets) < minEvidenceBullets {
		return fallbackSynthesis(findings)
	}
	return models.ResearchSynthesis{
		EvidenceBullets: synthesis.EvidenceBullets[:min(len(synthesis.EvidenceBullets), maxEvidenceBullets)],
		Contradictions:  synthesis.Contradictions[:min(len(synthesis.Contradictions), maxContradictionsOut)],
		Gaps:            synthesis.Gaps[:min(len(synthesis.Gaps), maxGapsOut)],
	}
}

// fallbackSynthesis is the deterministic stand-in when the model cannot
// produce at least four bullets: finding titles padded to the minimum.
func fallbackSynthesis(findings []models.SourceFinding) models.ResearchSynthesis {
	bullets := make([]string, 0, maxEvidenceBullets)
	for _, f := range findings[:min(len(findings), maxEvidenceBullets)] {
		bullets = append(bullets, f.Title)
	}
	for len(bullets) < minEvidenceBullets {
		bullets = append(bullets, "Insufficient evidence volume for this sub-question.")
	}
	return models.ResearchSynthesis{
		EvidenceBullets: bullets,
		Contradictions:  []string{},
		Gaps:            []string{"Need additional high-quality sources for stronger confidence."},
	}
}

// MergeNotes unions a sub-question's notes across rounds. Findings keep
// first-seen order with the freshest duplicate winning; bullets,
// contradictions, and gaps dedupe in first-seen order under their caps.
// Merging a note with itself yields the same note.
func MergeNotes(old, update models.ResearchNote) models.ResearchNote {
	byURL := make(map[string]models.SourceFinding, len(old.Findings)+len(update.Findings))
	var order []string
	for _, f := range old.Findings {
		key := urlnorm.Canonicalize(f.URL)
		if _, dup := byURL[key]; !dup {
			order = append(order, key)
		}
		byURL[key] = f
	}
	for _, f := range update.Findings {
		key := urlnorm.Canonicalize(f.URL)
		if _, dup := byURL[key]; !dup {
			order = append(order, key)
		}
		byURL[key] = f
	}
	findings := make([]models.SourceFinding, 0, len(order))
	for _, key := range order {
		findings = append(findings, byURL[key])
	}

	return models.ResearchNote{
		SubQuestionID:   old.SubQuestionID,
		EvidenceBullets: dedupeBound(old.EvidenceBullets, update.EvidenceBullets, maxEvidenceBullets),
		Findings:        findings,
		Contradictions:  dedupeBound(old.Contradictions, update.Contradictions, maxMergedIssues),
		Gaps:            dedupeBound(old.Gaps, update.Gaps, maxMergedIssues),
	}
}

func dedupeBound(first, second []string, limit int) []string {
	seen := make(map[string]struct{}, len(first)+len(second))
	out := make([]string, 0, limit)
	for _, v := range append(append([]string(nil), first...), second...) {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
		if len(out) == limit {
			break
		}
	}
	return out
}
