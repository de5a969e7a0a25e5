package llm

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateCost(t *testing.T) {
	assert.InDelta(t, 0.15+0.60, EstimateCost("gpt-4o-mini", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, EstimateCost("gpt-4o-mini", 1000, 200), EstimateCost("gpt-4o-mini-2024-07-18", 1000, 200), 1e-12)
	assert.Zero(t, EstimateCost("local-llama", 5000, 5000))
}

func TestBuildUserPrompt_SamplesRows(t *testing.T) {
	rows := make([][]string, 25)
	for i := range rows {
		rows[i] = []string{fmt.Sprintf("r%d", i), "a|b"}
	}
	p := BuildUserPrompt(DraftRequest{
		FileName:   "inventory.pdf",
		PageNumber: 2,
		TableIndex: 1,
		Headers:    [][]string{{"Item", "Notes"}},
		Rows:       rows,
	}, 3)

	assert.Contains(t, p, "File: inventory.pdf")
	assert.Contains(t, p, "Page 2, table 1")
	assert.Contains(t, p, "| Item | Notes |")
	assert.Contains(t, p, "Rows (3 of 25)")
	assert.Contains(t, p, "| r2 | a/b |")
	assert.NotContains(t, p, "r3")
	assert.Equal(t, 3, strings.Count(p, "| a/b |"))
}
