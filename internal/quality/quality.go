// Package quality implements the two gates around report production. The
// coverage gate runs after research and decides whether the evidence base
// is broad enough to write from; failing it seeds another research round.
// The report gate runs after writing and combines deterministic deductions
// with a model judgment; failing it drives the bounded rewrite loop.
package quality

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/config"
	"github.com/astra-studio/astra/internal/models"
	"github.com/astra-studio/astra/internal/scoring"
	"github.com/astra-studio/astra/internal/urlnorm"
	"github.com/astra-studio/astra/internal/util"
)

const judgeSystem = "You are a strict quality checker for research reports. " +
	"Fail reports that lack balanced perspective, explicit limitations, or citation grounding."

// Score boundaries shared by both gates: a passing check never reports
// below passFloor, a failing one never above failCeiling.
const (
	passFloor   = 72
	failCeiling = 71
)

// Historical research accepts a thinner trusted ratio because encyclopedia
// and archival material dominates the useful sources.
const historicalMinTrustedRatio = 0.25

const (
	maxJudgeFeedback  = 5
	maxCombinedIssues = 8
	maxRewriteHints   = 4
	maxCoverageSeeds  = 5
	judgeReportRunes  = 7000
	minReportRunes    = 900
	minSummaryLines   = 4
)

var anchorPattern = regexp.MustCompile(`\[S\d+\]`)

var balanceMarkers = []string{"risk", "opportunit", "trade-off", "counter"}

// CoverageGate checks the evidence base before any prose exists. It is
// fully deterministic.
type CoverageGate struct {
	minTotalSources int
	minTrustedRatio float64
	tiers           *scoring.TierRegistry
	logger          *zap.Logger
}

func NewCoverageGate(cfg config.QualityConfig, tiers *scoring.TierRegistry, logger *zap.Logger) *CoverageGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoverageGate{
		minTotalSources: cfg.MinTotalSources,
		minTrustedRatio: cfg.MinTrustedRatio,
		tiers:           tiers,
		logger:          logger,
	}
}

// Check scores coverage of the plan by the collected notes. A sub-question
// counts as covered only when its note holds at least one accepted finding.
func (g *CoverageGate) Check(plan models.Plan, notes map[string]models.ResearchNote, intent string) models.QualityCheck {
	var uncovered []models.SubQuestion
	for _, sq := range plan.SubQuestions {
		note, ok := notes[sq.ID]
		if !ok || len(note.Findings) == 0 {
			uncovered = append(uncovered, sq)
		}
	}

	uniqueSources, trusted := g.countSources(notes)
	ratio := 0.0
	if uniqueSources > 0 {
		ratio = float64(trusted) / float64(uniqueSources)
	}
	minRatio := g.minTrustedRatio
	if intent == models.IntentHistorical {
		minRatio = historicalMinTrustedRatio
	}

	score := 100
	var issues []string

	if len(uncovered) > 0 {
		ids := make([]string, 0, len(uncovered))
		for _, sq := range uncovered {
			ids = append(ids, sq.ID)
		}
		issues = append(issues, "No accepted evidence for: "+strings.Join(ids, ", ")+".")
		score -= 18 * len(uncovered)
	}
	if uniqueSources < g.minTotalSources {
		issues = append(issues, fmt.Sprintf(
			"Only %d unique sources accepted; need at least %d.", uniqueSources, g.minTotalSources))
		score -= 16
	}
	if ratio < minRatio {
		issues = append(issues, fmt.Sprintf(
			"Trusted-source ratio %.2f is below the %.2f minimum.", ratio, minRatio))
		score -= 14
	}
	score = clampScore(score)

	if len(issues) == 0 {
		return models.QualityCheck{
			Passed:            true,
			Score:             max(passFloor, score),
			Issues:            []string{},
			RefinementQueries: []string{},
		}
	}

	g.logger.Info("coverage gate failed",
		zap.Int("uncovered", len(uncovered)),
		zap.Int("unique_sources", uniqueSources),
		zap.Float64("trusted_ratio", ratio),
	)
	return models.QualityCheck{
		Passed:            false,
		Score:             min(score, failCeiling),
		Issues:            issues,
		RefinementQueries: coverageSeeds(plan, uncovered, uniqueSources < g.minTotalSources, ratio < minRatio, intent),
	}
}

// countSources counts unique accepted sources across all notes by canonical
// URL, and how many of them come from trusted domains.
func (g *CoverageGate) countSources(notes map[string]models.ResearchNote) (total, trusted int) {
	ids := make([]string, 0, len(notes))
	for id := range notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seen := make(map[string]struct{})
	for _, id := range ids {
		for _, f := range notes[id].Findings {
			key := urlnorm.Canonicalize(f.URL)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			total++
			if g.tiers.IsTrusted(f.SourceName) {
				trusted++
			}
		}
	}
	return total, trusted
}

// coverageSeeds builds deterministic follow-up search queries for a failed
// coverage check: one per uncovered sub-question first, then breadth and
// trust boosters, bounded to five.
func coverageSeeds(plan models.Plan, uncovered []models.SubQuestion, thinSources, thinTrust bool, intent string) []string {
	var seeds []string
	for _, sq := range uncovered {
		if intent == models.IntentHistorical {
			seeds = append(seeds, sq.Question+" historical records")
		} else {
			seeds = append(seeds, sq.Question+" key statistics")
		}
	}
	if thinSources && len(plan.SubQuestions) > 0 {
		first := plan.SubQuestions[0].Question
		if intent == models.IntentHistorical {
			seeds = append(seeds, first+" archival sources")
		} else {
			seeds = append(seeds, first+" market data latest")
		}
	}
	if thinTrust && len(plan.SubQuestions) > 0 {
		first := plan.SubQuestions[0].Question
		if intent == models.IntentHistorical {
			seeds = append(seeds, first+" primary sources")
		} else {
			seeds = append(seeds, first+" official statistics")
		}
	}
	if len(seeds) > maxCoverageSeeds {
		seeds = seeds[:maxCoverageSeeds]
	}
	return seeds
}

// ModelClient is the slice of the model API the report gate uses.
type ModelClient interface {
	CompleteJSON(ctx context.Context, operation, systemPrompt, userPrompt string, out any) error
}

// ReportGate checks the written report. The deterministic deductions always
// apply; the model judgment fails open so a judge outage cannot block a run.
type ReportGate struct {
	llm    ModelClient
	logger *zap.Logger
}

func NewReportGate(llm ModelClient, logger *zap.Logger) *ReportGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportGate{llm: llm, logger: logger}
}

type judgeOutput struct {
	PassCheck bool     `json:"pass_check"`
	Feedback  []string `json:"feedback"`
}

// Check scores the final report. Passing requires the deterministic score
// to reach the floor, the judge to agree, and at most one deterministic
// issue.
func (g *ReportGate) Check(ctx context.Context, query string, report models.FinalReport, citations []models.Citation) models.QualityCheck {
	baseScore, detIssues := deterministicQuality(report, citations)

	judgePass := true
	var judgeFeedback []string
	prompt := fmt.Sprintf(`Query:
%s

Executive Summary:
%s

Report:
%s

Return JSON:
- pass_check: boolean
- feedback: concise list of issues to fix (max 5)`,
		query, report.ExecutiveSummary, util.CutRunes(report.Report, judgeReportRunes))

	var out judgeOutput
	if err := g.llm.CompleteJSON(ctx, "quality_judge", judgeSystem, prompt, &out); err != nil {
		g.logger.Warn("quality judge unavailable, failing open", zap.Error(err))
	} else {
		judgePass = out.PassCheck
		judgeFeedback = out.Feedback
		if len(judgeFeedback) > maxJudgeFeedback {
			judgeFeedback = judgeFeedback[:maxJudgeFeedback]
		}
	}

	combined := dedupeStrings(append(append([]string(nil), detIssues...), judgeFeedback...))
	if len(combined) > maxCombinedIssues {
		combined = combined[:maxCombinedIssues]
	}

	passed := baseScore >= passFloor && judgePass && len(detIssues) <= 1
	if passed {
		return models.QualityCheck{
			Passed:            true,
			Score:             max(passFloor, baseScore),
			Issues:            []string{},
			RefinementQueries: []string{},
		}
	}

	hints := combined
	if len(hints) > maxRewriteHints {
		hints = hints[:maxRewriteHints]
	}
	if len(hints) == 0 {
		hints = defaultRewriteGuidance()
	}
	return models.QualityCheck{
		Passed:            false,
		Score:             min(baseScore, failCeiling),
		Issues:            combined,
		RefinementQueries: hints,
	}
}

// deterministicQuality applies the fixed deduction table to the report.
func deterministicQuality(report models.FinalReport, citations []models.Citation) (int, []string) {
	var issues []string
	score := 100

	if len([]rune(strings.TrimSpace(report.Report))) < minReportRunes {
		issues = append(issues, "Report body is too short; add more concrete findings.")
		score -= 18
	}

	if missing := report.MissingSectionHeaders(); len(missing) > 0 {
		issues = append(issues, "Missing required sections: "+strings.Join(missing, ", ")+".")
		score -= 25
	}

	summaryLines := 0
	for _, line := range strings.Split(report.ExecutiveSummary, "\n") {
		if strings.TrimSpace(line) != "" {
			summaryLines++
		}
	}
	if summaryLines < minSummaryLines {
		issues = append(issues, "Executive summary is too thin; target 5-8 concise lines.")
		score -= 12
	}

	textLower := strings.ToLower(report.Report)
	if !strings.Contains(textLower, "limitations") && !strings.Contains(textLower, "assumption") {
		issues = append(issues, "Limitations/assumptions are not explicit.")
		score -= 15
	}

	anchorCount := len(anchorPattern.FindAllString(report.Report, -1))
	if anchorCount < 3 && len(citations) < 4 {
		issues = append(issues, "Citation grounding is weak; include inline anchors like [S1].")
		score -= 18
	}

	balanceHits := 0
	for _, marker := range balanceMarkers {
		if strings.Contains(textLower, marker) {
			balanceHits++
		}
	}
	if balanceHits < 2 {
		issues = append(issues, "Analysis appears one-sided; include balanced perspective.")
		score -= 12
	}

	return clampScore(score), issues
}

func defaultRewriteGuidance() []string {
	return []string{
		"Improve balance: cover both upside and downside explicitly.",
		"Strengthen limitations and assumptions with concrete caveats.",
		"Add citation anchors [S#] in key claims.",
		"Tighten executive summary to 5-8 specific lines.",
	}
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
