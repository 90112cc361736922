// Package formatting post-processes final report bodies.
package formatting

import (
	"regexp"
	"strings"
)

// LegendEntry is one line of a report's Source Anchors legend.
type LegendEntry struct {
	Anchor string // anchor label such as "S3"
	Source string
	Title  string
}

var anchorRef = regexp.MustCompile(`\[S(\d{1,3})\]`)

// EnsureAnchorLegend guarantees the report body ends with a complete Source
// Anchors section listing every anchored citation. It:
//  1. Collects the inline anchors the body references (e.g. [S1], [S2])
//  2. Removes any existing "Source Anchors" section from the body
//  3. Appends a rebuilt section from entries, marking which anchors the
//     body uses inline
func EnsureAnchorLegend(body string, entries []LegendEntry) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" || len(entries) == 0 {
		return body
	}

	// Truncate from the LAST occurrence of the legend header so body text
	// that merely mentions source anchors earlier survives.
	cut := trimmed
	if idx := strings.LastIndex(strings.ToLower(trimmed), "source anchors"); idx != -1 {
		cut = strings.TrimSpace(trimmed[:idx])
	}

	// Inline usage is judged on the body without the old legend, so legend
	// lines themselves never count as references.
	used := map[string]bool{}
	for _, m := range anchorRef.FindAllStringSubmatch(cut, -1) {
		used["S"+m[1]] = true
	}

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		label := "Additional source"
		if used[entry.Anchor] {
			label = "Used inline"
		}
		lines = append(lines, "["+entry.Anchor+"] "+entry.Source+" - "+entry.Title+" - "+label)
	}

	var b strings.Builder
	if cut != "" {
		b.WriteString(strings.TrimRight(cut, "\n"))
		b.WriteString("\n\n")
	}
	b.WriteString("Source Anchors\n--------------\n")
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}
