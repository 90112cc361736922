// Package writer produces the final research report: a streamed plain-text
// body followed by a typed summary pass, with deterministic fallbacks for
// every model failure mode.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/config"
	"github.com/astra-studio/astra/internal/formatting"
	"github.com/astra-studio/astra/internal/models"
	"github.com/astra-studio/astra/internal/streaming"
	"github.com/astra-studio/astra/internal/util"
)

const writerSystem = "You are a report generation agent. Return ONLY JSON with keys: " +
	"executive_summary, report, key_takeaways, limitations."

const reportSystem = "You are a research report writer. Produce a concise, well-structured " +
	"plain-text report. Follow the exact section headers provided."

const (
	packetBullets        = 5
	packetFindings       = 3
	packetSnippetLen     = 220
	packetContradictions = 3
	packetGaps           = 3
	summaryBodyRunes     = 4000
	feedbackLines        = 6
)

// EmitFunc publishes one streaming event for the active run.
type EmitFunc func(eventType string, payload map[string]any)

// ModelClient is the slice of the model API the writer needs.
type ModelClient interface {
	StreamText(ctx context.Context, operation, systemPrompt, userPrompt string, onDelta func(string) error) (string, error)
	CompleteJSON(ctx context.Context, operation, systemPrompt, userPrompt string, out any) error
}

// Writer renders research notes and citations into the final report.
type Writer struct {
	llm        ModelClient
	maxAnchors int
	logger     *zap.Logger
}

func New(client ModelClient, cfg config.ResearchConfig, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{llm: client, maxAnchors: cfg.MaxAcceptedSourcesTotal, logger: logger}
}

// Params carries one report-writing pass.
type Params struct {
	Query        string
	Notes        map[string]models.ResearchNote
	Citations    []models.Citation
	Memory       models.SharedMemory
	Feedback     []string // quality issues stashed from a failed report check
	RewriteRound int
	Emit         EmitFunc
}

// CompressedFinding is the prompt-sized projection of one accepted source.
type CompressedFinding struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	Snippet    string `json:"snippet"`
	SourceName string `json:"source_name"`
}

// CompressedNote is the prompt-sized projection of one research note.
type CompressedNote struct {
	EvidenceBullets []string            `json:"evidence_bullets"`
	Findings        []CompressedFinding `json:"findings"`
	Contradictions  []string            `json:"contradictions"`
	Gaps            []string            `json:"gaps"`
}

// Anchor labels one citation for inline referencing ([S1], [S2], ...).
type Anchor struct {
	Anchor     string `json:"anchor"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	SourceName string `json:"source_name"`
}

// CompressNotes bounds every note to prompt size: five bullets, three
// findings with clipped snippets, three contradictions, three gaps.
func CompressNotes(notes map[string]models.ResearchNote) map[string]CompressedNote {
	compressed := make(map[string]CompressedNote, len(notes))
	for id, note := range notes {
		findings := note.Findings[:min(len(note.Findings), packetFindings)]
		projected := make([]CompressedFinding, 0, len(findings))
		for _, f := range findings {
			name := f.SourceName
			if name == "" {
				name = "unknown"
			}
			projected = append(projected, CompressedFinding{
				Title:      f.Title,
				URL:        f.URL,
				Snippet:    util.CutRunes(f.Snippet, packetSnippetLen),
				SourceName: name,
			})
		}
		compressed[id] = CompressedNote{
			EvidenceBullets: boundStrings(note.EvidenceBullets, packetBullets),
			Findings:        projected,
			Contradictions:  boundStrings(note.Contradictions, packetContradictions),
			Gaps:            boundStrings(note.Gaps, packetGaps),
		}
	}
	return compressed
}

// BuildAnchors assigns S1..Sn labels to the leading citations, bounded by
// the run's accepted-source cap.
func BuildAnchors(citations []models.Citation, limit int) []Anchor {
	if limit > 0 && len(citations) > limit {
		citations = citations[:limit]
	}
	anchors := make([]Anchor, 0, len(citations))
	for idx, c := range citations {
		anchors = append(anchors, Anchor{
			Anchor:     fmt.Sprintf("S%d", idx+1),
			Title:      c.Title,
			URL:        c.URL,
			SourceName: c.SourceName,
		})
	}
	return anchors
}

// Write produces the final report. The body streams out as message events,
// then a typed summary pass fills the remaining fields. Model failures
// degrade through fixed fallbacks; only context cancellation errors out. A
// body missing any required section header is replaced by the deterministic
// fallback body, and the result always carries a rebuilt source-anchor
// legend when citations exist.
func (w *Writer) Write(ctx context.Context, p Params) (models.FinalReport, error) {
	emit := p.Emit
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	packet := CompressNotes(p.Notes)
	anchors := BuildAnchors(p.Citations, w.maxAnchors)

	text, err := w.streamReport(ctx, p, packet, anchors, emit)
	if err != nil {
		if ctx.Err() != nil {
			return models.FinalReport{}, ctx.Err()
		}
		w.logger.Warn("report stream failed", zap.Error(err))
		text = ""
	}

	var summary models.FinalReport
	summaryErr := w.llm.CompleteJSON(ctx, "report_summary", writerSystem, summaryPrompt(p.Query, text), &summary)
	if summaryErr != nil && ctx.Err() != nil {
		return models.FinalReport{}, ctx.Err()
	}

	var report models.FinalReport
	switch {
	case summaryErr == nil:
		body := text
		if body == "" {
			body = summary.Report
		}
		report = models.FinalReport{
			ExecutiveSummary: summary.ExecutiveSummary,
			Report:           body,
			KeyTakeaways:     summary.KeyTakeaways,
			Limitations:      summary.Limitations,
		}
	case text == "":
		w.logger.Warn("summary call failed with no streamed body, using fallback report", zap.Error(summaryErr))
		report = fallbackReport(p.Query, packet, anchors)
	default:
		w.logger.Warn("summary call failed, keeping streamed body", zap.Error(summaryErr))
		report = models.FinalReport{
			ExecutiveSummary: "Executive summary unavailable due to summarization failure.",
			Report:           text,
			KeyTakeaways: []string{
				"Review the findings and action items by section.",
				"Validate high-impact assumptions with primary sources.",
			},
			Limitations: "Summarization failed; use report body and citations as primary evidence.",
		}
	}

	if missing := report.MissingSectionHeaders(); len(missing) > 0 {
		w.logger.Warn("report body missing required sections, using fallback body",
			zap.Strings("missing", missing))
		report.Report = fallbackBody(p.Query, packet, anchors)
	}
	report.Report = formatting.EnsureAnchorLegend(report.Report, legendEntries(anchors))
	return report, nil
}

func (w *Writer) streamReport(ctx context.Context, p Params, packet map[string]CompressedNote, anchors []Anchor, emit EmitFunc) (string, error) {
	notesJSON, err := json.Marshal(packet)
	if err != nil {
		return "", err
	}
	anchorsJSON, err := json.Marshal(anchors)
	if err != nil {
		return "", err
	}
	text, err := w.llm.StreamText(ctx, "report_stream", reportSystem,
		reportPrompt(p, notesJSON, anchorsJSON),
		func(delta string) error {
			emit(streaming.EventMessage, map[string]any{"chunk": delta})
			return nil
		})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func reportPrompt(p Params, notesJSON, anchorsJSON []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query:\n%s\n\nEvidence packet (JSON):\n%s\n\nCitation anchors (JSON):\n%s\n",
		p.Query, notesJSON, anchorsJSON)
	if block := memoryBlock(p.Memory); block != "" {
		b.WriteString("\nConversation memory:\n" + block + "\n")
	}
	if len(p.Feedback) > 0 {
		fmt.Fprintf(&b, "\nRevision guidance (rewrite %d; the previous draft failed quality review):\n",
			max(p.RewriteRound, 1))
		for _, issue := range boundStrings(p.Feedback, feedbackLines) {
			b.WriteString("- " + issue + "\n")
		}
	}
	b.WriteString(`
Output requirements:
- Plain text only
- Max 850 words total
- Short paragraphs; prefer bullets where possible
- Use EXACT section headers and separators:
  Context
  -------
  Findings by Sub-Question
  ------------------------
  Contradictions and Gaps
  -----------------------
  Actionable Takeaways
  --------------------
  Limitations and Assumptions
  ---------------------------
- Within findings, max 3 bullets per sub-question
- Use citation anchors like [S1], [S2] inline`)
	return b.String()
}

func summaryPrompt(query, body string) string {
	return fmt.Sprintf(`Query:
%s

Report body:
%s

Output requirements:
- executive_summary: 5-8 concise lines
- key_takeaways: 4-8 actionable bullets
- limitations: include ambiguity + gaps + any failures`,
		query, util.CutRunes(body, summaryBodyRunes))
}

// memoryBlock condenses cross-turn memory the same way the planner does:
// the two latest report summaries plus up to three open gaps.
func memoryBlock(memory models.SharedMemory) string {
	var lines []string
	reports := memory.RecentReports
	if len(reports) > 2 {
		reports = reports[len(reports)-2:]
	}
	for idx, item := range reports {
		if s := strings.TrimSpace(item.ExecutiveSummary); s != "" {
			lines = append(lines, fmt.Sprintf("- memory.report%d: %s", idx+1, util.CutRunes(s, 200)))
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

// fallbackBody renders the deterministic report body used when the model
// cannot produce one with the required sections.
func fallbackBody(query string, packet map[string]CompressedNote, anchors []Anchor) string {
	ids := make([]string, 0, len(packet))
	for id := range packet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sections := []string{
		"Context",
		"-------",
		"Research completed with partial synthesis for query: " + query,
	}

	sections = append(sections, "\nFindings by Sub-Question", "------------------------")
	for _, id := range ids {
		sections = append(sections, strings.ToUpper(id))
		for _, bullet := range boundStrings(packet[id].EvidenceBullets, 3) {
			sections = append(sections, "- "+bullet)
		}
	}

	sections = append(sections, "\nContradictions and Gaps", "-----------------------")
	for _, id := range ids {
		note := packet[id]
		if len(note.Contradictions) > 0 {
			sections = append(sections, strings.ToUpper(id)+" contradictions: "+
				strings.Join(boundStrings(note.Contradictions, 2), "; "))
		}
		if len(note.Gaps) > 0 {
			sections = append(sections, strings.ToUpper(id)+" gaps: "+
				strings.Join(boundStrings(note.Gaps, 2), "; "))
		}
	}

	sections = append(sections,
		"\nActionable Takeaways",
		"--------------------",
		"- Prioritize decisions with strongest cross-source support.",
		"- Validate high-impact assumptions with primary institutional sources.",
		"\nLimitations and Assumptions",
		"---------------------------",
		"- Writer fallback was used, so narrative quality may be reduced.",
		"- Some sub-questions may require additional source coverage.")

	if len(anchors) > 0 {
		sections = append(sections, "\nSource Anchors", "--------------")
		for _, a := range anchors {
			sections = append(sections, fmt.Sprintf("[%s] %s - %s", a.Anchor, a.SourceName, a.Title))
		}
	}
	return strings.Join(sections, "\n")
}

func fallbackReport(query string, packet map[string]CompressedNote, anchors []Anchor) models.FinalReport {
	return models.FinalReport{
		ExecutiveSummary: "Partial synthesis generated using fallback formatter due to writer model failure.",
		Report:           fallbackBody(query, packet, anchors),
		KeyTakeaways: []string{
			"Evidence has been condensed into actionable sections.",
			"Use source anchors [S#] for quick citation checks.",
			"Review limitations before making definitive recommendations.",
		},
		Limitations: "Writer fallback was used; final narrative should be reviewed for depth and completeness.",
	}
}

func legendEntries(anchors []Anchor) []formatting.LegendEntry {
	entries := make([]formatting.LegendEntry, 0, len(anchors))
	for _, a := range anchors {
		entries = append(entries, formatting.LegendEntry{Anchor: a.Anchor, Source: a.SourceName, Title: a.Title})
	}
	return entries
}

func boundStrings(values []string, limit int) []string {
	limit = min(limit, len(values))
	return append(make([]string, 0, limit), values[:limit]...)
}
