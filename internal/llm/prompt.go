package llm

import (
	"fmt"
	"strings"
)

// DefaultSampleRows bounds how many body rows are sent to the model.
const DefaultSampleRows = 10

// BuildSystemPrompt is the fixed instruction for table drafts.
func BuildSystemPrompt() string {
	parts := []string{
		"You are a data annotator preparing a first draft for a human reviewer.",
		"Describe the table you are given: what each column holds, its units if any, and what one row represents.",
		"Point out cells that look inconsistent or mis-extracted.",
		"Be concise. Plain text, no markdown headings.",
	}
	return strings.Join(parts, " ")
}

// BuildUserPrompt renders the table headers and up to sampleRows body rows
// as pipe separated lines.
func BuildUserPrompt(req DraftRequest, sampleRows int) string {
	if sampleRows <= 0 {
		sampleRows = DefaultSampleRows
	}
	var b strings.Builder
	if req.FileName != "" {
		fmt.Fprintf(&b, "File: %s\n", req.FileName)
	}
	fmt.Fprintf(&b, "Page %d, table %d\n\n", req.PageNumber, req.TableIndex)

	b.WriteString("Headers:\n")
	for _, h := range req.Headers {
		b.WriteString(joinRow(h))
		b.WriteByte('\n')
	}

	n := len(req.Rows)
	if n > sampleRows {
		n = sampleRows
	}
	fmt.Fprintf(&b, "\nRows (%d of %d):\n", n, len(req.Rows))
	for _, r := range req.Rows[:n] {
		b.WriteString(joinRow(r))
		b.WriteByte('\n')
	}
	return b.String()
}

func joinRow(cells []string) string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.ReplaceAll(strings.TrimSpace(c), "|", "/")
	}
	return "| " + strings.Join(out, " | ") + " |"
}
