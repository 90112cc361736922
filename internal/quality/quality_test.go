package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/config"
	"github.com/astra-studio/astra/internal/models"
	"github.com/astra-studio/astra/internal/scoring"
)

type fakeJudge struct {
	payload string
	err     error
	prompts []string
}

func (f *fakeJudge) CompleteJSON(_ context.Context, _, _, userPrompt string, out any) error {
	f.prompts = append(f.prompts, userPrompt)
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.payload), out)
}

func coverageFinding(n int, domain string) models.SourceFinding {
	return models.SourceFinding{
		Title:      fmt.Sprintf("Source %d", n),
		URL:        fmt.Sprintf("https://%s/doc/%d", domain, n),
		Snippet:    "snippet",
		SourceName: domain,
	}
}

func planOf(questions ...string) models.Plan {
	plan := models.Plan{}
	for i, q := range questions {
		plan.SubQuestions = append(plan.SubQuestions, models.SubQuestion{
			ID:       fmt.Sprintf("sq%d", i+1),
			Question: q,
			Priority: i + 1,
		})
	}
	return plan
}

func newCoverageGate() *CoverageGate {
	return NewCoverageGate(config.DefaultConfig().Quality, scoring.NewTierRegistry(nil), zap.NewNop())
}

func TestCoverageGatePasses(t *testing.T) {
	gate := newCoverageGate()
	plan := planOf("Market size?", "Key risks?")
	trusted := []string{"imf.org", "worldbank.org", "oecd.org", "bis.org", "reuters.com"}
	notes := map[string]models.ResearchNote{
		"sq1": {SubQuestionID: "sq1", Findings: []models.SourceFinding{
			coverageFinding(1, trusted[0]),
			coverageFinding(2, trusted[1]),
			coverageFinding(3, trusted[2]),
			coverageFinding(4, "blog-one.com"),
		}},
		"sq2": {SubQuestionID: "sq2", Findings: []models.SourceFinding{
			coverageFinding(5, trusted[3]),
			coverageFinding(6, trusted[4]),
			coverageFinding(7, "blog-two.com"),
			coverageFinding(8, "blog-three.com"),
		}},
	}

	check := gate.Check(plan, notes, models.IntentBusiness)
	assert.True(t, check.Passed)
	assert.GreaterOrEqual(t, check.Score, 72)
	assert.Empty(t, check.Issues)
	assert.Empty(t, check.RefinementQueries)
}

func TestCoverageGateUncoveredSubQuestion(t *testing.T) {
	gate := newCoverageGate()
	plan := planOf("Market size?", "Key risks?")
	notes := map[string]models.ResearchNote{
		"sq1": {SubQuestionID: "sq1", Findings: []models.SourceFinding{coverageFinding(1, "imf.org")}},
		// sq2 has a note but zero findings, which does not count as covered.
		"sq2": {SubQuestionID: "sq2"},
	}

	check := gate.Check(plan, notes, models.IntentBusiness)
	assert.False(t, check.Passed)
	assert.LessOrEqual(t, check.Score, 71)
	require.NotEmpty(t, check.Issues)
	assert.Contains(t, check.Issues[0], "sq2")
	require.NotEmpty(t, check.RefinementQueries)
	assert.Equal(t, "Key risks? key statistics", check.RefinementQueries[0])
}

func TestCoverageGateThinSources(t *testing.T) {
	gate := newCoverageGate()
	plan := planOf("Market size?")
	notes := map[string]models.ResearchNote{
		"sq1": {SubQuestionID: "sq1", Findings: []models.SourceFinding{
			coverageFinding(1, "imf.org"),
			coverageFinding(2, "worldbank.org"),
			coverageFinding(3, "oecd.org"),
		}},
	}

	check := gate.Check(plan, notes, models.IntentBusiness)
	assert.False(t, check.Passed)
	found := false
	for _, issue := range check.Issues {
		if strings.Contains(issue, "Only 3 unique sources") {
			found = true
		}
	}
	assert.True(t, found)
	assert.Contains(t, check.RefinementQueries, "Market size? market data latest")
}

func TestCoverageGateTrustedRatioByIntent(t *testing.T) {
	gate := newCoverageGate()
	plan := planOf("Community origins?")
	findings := []models.SourceFinding{
		coverageFinding(1, "imf.org"),
		coverageFinding(2, "worldbank.org"),
		coverageFinding(3, "oecd.org"),
		coverageFinding(4, "bis.org"),
		coverageFinding(5, "blog-a.com"),
		coverageFinding(6, "blog-b.com"),
		coverageFinding(7, "blog-c.com"),
		coverageFinding(8, "blog-d.com"),
	}
	notes := map[string]models.ResearchNote{
		"sq1": {SubQuestionID: "sq1", Findings: findings},
	}

	// Ratio 0.50 fails the business minimum but clears the historical one.
	business := gate.Check(plan, notes, models.IntentBusiness)
	assert.False(t, business.Passed)
	require.NotEmpty(t, business.Issues)
	assert.Contains(t, business.Issues[0], "Trusted-source ratio 0.50")
	assert.Contains(t, business.RefinementQueries, "Community origins? official statistics")

	historical := gate.Check(plan, notes, models.IntentHistorical)
	assert.True(t, historical.Passed)
}

func TestCoverageGateCountsUniqueURLsOnce(t *testing.T) {
	gate := newCoverageGate()
	plan := planOf("Market size?", "Key risks?")
	shared := coverageFinding(1, "imf.org")
	notes := map[string]models.ResearchNote{
		"sq1": {SubQuestionID: "sq1", Findings: []models.SourceFinding{shared}},
		"sq2": {SubQuestionID: "sq2", Findings: []models.SourceFinding{shared}},
	}

	check := gate.Check(plan, notes, models.IntentBusiness)
	assert.False(t, check.Passed)
	found := false
	for _, issue := range check.Issues {
		if strings.Contains(issue, "Only 1 unique source") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCoverageGateSeedsCapped(t *testing.T) {
	gate := newCoverageGate()
	plan := planOf("q1?", "q2?", "q3?", "q4?", "q5?", "q6?")

	check := gate.Check(plan, nil, models.IntentHistorical)
	assert.False(t, check.Passed)
	assert.Len(t, check.RefinementQueries, 5)
	assert.Equal(t, "q1? historical records", check.RefinementQueries[0])
	assert.Zero(t, check.Score)
}

func reportBody() string {
	sections := []string{
		"Context\n-------\nBackground on the market with risk factors weighed against opportunities. [S1]",
		"Findings by Sub-Question\n------------------------\nDetailed findings per sub-question. [S2]",
		"Contradictions and Gaps\n-----------------------\nSome sources disagree on growth rates. [S3]",
		"Actionable Takeaways\n--------------------\nConcrete next steps for the reader.",
		"Limitations and Assumptions\n---------------------------\nLimitations are explicit and assumptions stated.",
	}
	return strings.Join(sections, "\n\n") + "\n\n" +
		strings.Repeat("Supporting analysis weighing counterpoints and trade-offs in depth. ", 16)
}

func goodReport() models.FinalReport {
	return models.FinalReport{
		ExecutiveSummary: "Line one.\nLine two.\nLine three.\nLine four.\nLine five.",
		Report:           reportBody(),
		KeyTakeaways:     []string{"t1", "t2", "t3", "t4"},
		Limitations:      "Sample-size limits apply.",
	}
}

func fourCitations() []models.Citation {
	return []models.Citation{
		{Title: "a", URL: "https://imf.org/a", SourceName: "imf.org"},
		{Title: "b", URL: "https://worldbank.org/b", SourceName: "worldbank.org"},
		{Title: "c", URL: "https://oecd.org/c", SourceName: "oecd.org"},
		{Title: "d", URL: "https://bis.org/d", SourceName: "bis.org"},
	}
}

func TestReportGatePasses(t *testing.T) {
	judge := &fakeJudge{payload: `{"pass_check":true,"feedback":[]}`}
	gate := NewReportGate(judge, zap.NewNop())

	check := gate.Check(context.Background(), "market entry", goodReport(), fourCitations())
	assert.True(t, check.Passed)
	assert.Equal(t, 100, check.Score)
	assert.Empty(t, check.Issues)
	assert.Empty(t, check.RefinementQueries)
}

func TestReportGateAllDeductions(t *testing.T) {
	judge := &fakeJudge{payload: `{"pass_check":true,"feedback":[]}`}
	gate := NewReportGate(judge, zap.NewNop())

	report := models.FinalReport{
		ExecutiveSummary: "One line only.",
		Report:           "Short body with nothing required in it.",
	}
	check := gate.Check(context.Background(), "market entry", report, nil)

	assert.False(t, check.Passed)
	assert.Equal(t, 0, check.Score)
	require.Len(t, check.Issues, 6)
	assert.Equal(t, check.Issues[:4], check.RefinementQueries)
	assert.Contains(t, check.Issues[0], "too short")
	assert.Contains(t, check.Issues[1], "Missing required sections")
}

func TestReportGateJudgeFailsOpen(t *testing.T) {
	judge := &fakeJudge{err: errors.New("model down")}
	gate := NewReportGate(judge, zap.NewNop())

	check := gate.Check(context.Background(), "market entry", goodReport(), fourCitations())
	assert.True(t, check.Passed)
	assert.Equal(t, 100, check.Score)
}

func TestReportGateJudgeRejects(t *testing.T) {
	judge := &fakeJudge{payload: `{"pass_check":false,"feedback":["Needs more depth on risks."]}`}
	gate := NewReportGate(judge, zap.NewNop())

	check := gate.Check(context.Background(), "market entry", goodReport(), fourCitations())
	assert.False(t, check.Passed)
	assert.Equal(t, 71, check.Score)
	assert.Equal(t, []string{"Needs more depth on risks."}, check.Issues)
	assert.Equal(t, []string{"Needs more depth on risks."}, check.RefinementQueries)
}

func TestReportGateJudgeRejectsWithoutFeedback(t *testing.T) {
	judge := &fakeJudge{payload: `{"pass_check":false,"feedback":[]}`}
	gate := NewReportGate(judge, zap.NewNop())

	check := gate.Check(context.Background(), "market entry", goodReport(), fourCitations())
	assert.False(t, check.Passed)
	assert.Empty(t, check.Issues)
	// No concrete issues, so the fixed guidance drives the rewrite.
	require.Len(t, check.RefinementQueries, 4)
	assert.Contains(t, check.RefinementQueries[0], "Improve balance")
}

func TestReportGateTwoDeterministicIssuesFail(t *testing.T) {
	judge := &fakeJudge{payload: `{"pass_check":true,"feedback":[]}`}
	gate := NewReportGate(judge, zap.NewNop())

	// Body is long with all sections, anchors, and limitation language, but
	// the summary is thin and balance markers are absent.
	sections := []string{
		"Context\n-------\nBackground material on the subject. [S1]",
		"Findings by Sub-Question\n------------------------\nDetailed findings per sub-question. [S2]",
		"Contradictions and Gaps\n-----------------------\nSources disagree on magnitude. [S3]",
		"Actionable Takeaways\n--------------------\nConcrete next steps.",
		"Limitations and Assumptions\n---------------------------\nLimitations are explicit.",
	}
	report := models.FinalReport{
		ExecutiveSummary: "Line one.\nLine two.",
		Report: strings.Join(sections, "\n\n") + "\n\n" +
			strings.Repeat("Further neutral detail about methodology and sampling. ", 16),
	}

	check := gate.Check(context.Background(), "market entry", report, fourCitations())
	// Score 76 clears the floor, but two deterministic issues still fail it.
	assert.False(t, check.Passed)
	assert.Equal(t, 71, check.Score)
	assert.Len(t, check.Issues, 2)
}

func TestReportGatePromptTruncatesBody(t *testing.T) {
	judge := &fakeJudge{payload: `{"pass_check":true,"feedback":[]}`}
	gate := NewReportGate(judge, zap.NewNop())

	report := goodReport()
	report.Report = strings.Repeat("x", 7000) + "ENDMARKER"
	gate.Check(context.Background(), "market entry", report, fourCitations())

	require.Len(t, judge.prompts, 1)
	assert.Contains(t, judge.prompts[0], "market entry")
	assert.NotContains(t, judge.prompts[0], "ENDMARKER")
}

func TestReportGateFeedbackBounds(t *testing.T) {
	feedback := `["f1","f2","f3","f4","f5","f6","f7"]`
	judge := &fakeJudge{payload: `{"pass_check":false,"feedback":` + feedback + `}`}
	gate := NewReportGate(judge, zap.NewNop())

	check := gate.Check(context.Background(), "market entry", goodReport(), fourCitations())
	assert.False(t, check.Passed)
	// Judge feedback is capped at five entries before combining.
	assert.Equal(t, []string{"f1", "f2", "f3", "f4", "f5"}, check.Issues)
	assert.Equal(t, []string{"f1", "f2", "f3", "f4"}, check.RefinementQueries)
}
