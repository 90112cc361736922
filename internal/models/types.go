package models

import (
	"fmt"
	"strings"
)

// Research intents
const (
	IntentBusiness   = "business"
	IntentHistorical = "historical"
)

// SkipWebResearchAssumption is the reserved assumption literal a plan may
// carry when the answer can be derived from conversation context alone.
const SkipWebResearchAssumption = "SKIP_WEB_RESEARCH"

// ReportSectionHeaders are the five section headers every final report body
// must contain verbatim.
var ReportSectionHeaders = [5]string{
	"Context",
	"Findings by Sub-Question",
	"Contradictions and Gaps",
	"Actionable Takeaways",
	"Limitations and Assumptions",
}

// ChatRequest is an incoming research turn.
type ChatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Validate enforces the minimal request contract.
func (r ChatRequest) Validate() error {
	if len(strings.TrimSpace(r.Message)) < 3 {
		return fmt.Errorf("message must be at least 3 characters")
	}
	return nil
}

// SubQuestion is one decomposed facet of the user's query.
type SubQuestion struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	Priority      int      `json:"priority"`
	SearchQueries []string `json:"search_queries"`
}

// Plan is the planner's output: 3-6 sub-questions plus assumptions.
type Plan struct {
	SubQuestions []SubQuestion `json:"sub_questions"`
	Assumptions  []string      `json:"assumptions"`
}

// SkipWebResearch reports whether the plan carries the reserved assumption
// that web research can be skipped for this turn.
func (p Plan) SkipWebResearch() bool {
	for _, a := range p.Assumptions {
		if strings.TrimSpace(a) == SkipWebResearchAssumption {
			return true
		}
	}
	return false
}

// SourceFinding is a single candidate piece of evidence from a provider.
// Immutable once produced.
type SourceFinding struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	Snippet    string `json:"snippet"`
	SourceName string `json:"source_name"`
}

// Citation is a read-only projection of an accepted finding.
type Citation struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	SourceName string `json:"source_name"`
}

// ResearchSynthesis is the typed output of the synthesis call.
type ResearchSynthesis struct {
	EvidenceBullets []string `json:"evidence_bullets"`
	Contradictions  []string `json:"contradictions"`
	Gaps            []string `json:"gaps"`
}

// ResearchNote is the per-sub-question evidence aggregate. Mutated only by
// merge (union then re-bound), never partially overwritten.
type ResearchNote struct {
	SubQuestionID   string          `json:"sub_question_id"`
	EvidenceBullets []string        `json:"evidence_bullets"`
	Findings        []SourceFinding `json:"findings"`
	Contradictions  []string        `json:"contradictions"`
	Gaps            []string        `json:"gaps"`
}

// QualityCheck is the outcome of a quality gate.
type QualityCheck struct {
	Passed            bool     `json:"passed"`
	Score             int      `json:"score"`
	Issues            []string `json:"issues"`
	RefinementQueries []string `json:"refinement_queries"`
}

// FinalReport is the writer's deliverable.
type FinalReport struct {
	ExecutiveSummary string   `json:"executive_summary"`
	Report           string   `json:"report"`
	KeyTakeaways     []string `json:"key_takeaways"`
	Limitations      string   `json:"limitations"`
}

// MissingSectionHeaders returns the required headers absent from the report
// body, in canonical order.
func (r FinalReport) MissingSectionHeaders() []string {
	var missing []string
	for _, header := range ReportSectionHeaders {
		if !strings.Contains(r.Report, header) {
			missing = append(missing, header)
		}
	}
	return missing
}

// DoneMetadata summarizes a completed run.
type DoneMetadata struct {
	SubQuestionCount    int            `json:"sub_question_count"`
	SourcesAnalyzed     int            `json:"sources_analyzed"`
	CompletionTimestamp string         `json:"completion_timestamp"`
	QualityScore        *int           `json:"quality_score,omitempty"`
	RefinementUsed      bool           `json:"refinement_used"`
	TimingsMs           map[string]int `json:"timings_ms"`
}

// DonePayload is the terminal event body for a successful run.
type DonePayload struct {
	ThreadID         string       `json:"thread_id"`
	Query            string       `json:"query"`
	ExecutiveSummary string       `json:"executive_summary"`
	Report           string       `json:"report"`
	KeyTakeaways     []string     `json:"key_takeaways"`
	Limitations      string       `json:"limitations"`
	Citations        []Citation   `json:"citations"`
	Metadata         DoneMetadata `json:"metadata"`
}

// WorkflowError is a recorded, non-fatal run error.
type WorkflowError struct {
	Stage         string `json:"stage"`
	Detail        string `json:"detail"`
	SubQuestionID string `json:"sub_question_id,omitempty"`
}

// TraceEvent records one state-transition observation.
type TraceEvent struct {
	Node       string         `json:"node"`
	Status     string         `json:"status"`
	Timestamp  string         `json:"timestamp"`
	DurationMs *int           `json:"duration_ms,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// ReportMemory is the cross-turn summary of one completed report.
type ReportMemory struct {
	Query               string     `json:"query"`
	ExecutiveSummary    string     `json:"executive_summary"`
	KeyTakeaways        []string   `json:"key_takeaways"`
	Limitations         string     `json:"limitations"`
	Citations           []Citation `json:"citations"`
	CompletionTimestamp string     `json:"completion_timestamp"`
}

// SharedMemory is the cross-turn context handed to the planner and
// writer: recent report summaries plus the evidence gaps still open.
type SharedMemory struct {
	RecentReports []ReportMemory `json:"recent_reports"`
	OpenGaps      []string       `json:"open_gaps"`
}

// Message is one conversational turn in a thread.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
