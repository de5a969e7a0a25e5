package llm

import "context"

// PromptVersion identifies the prompt template stored with every draft.
const PromptVersion = "table-draft-v1"

// DraftRequest carries one table to describe.
type DraftRequest struct {
	JobID      int64
	Model      string
	FileName   string
	PageNumber int
	TableIndex int
	Headers    [][]string
	Rows       [][]string
}

// DraftResult is a generated draft with its usage and cost.
type DraftResult struct {
	Content       string
	Model         string
	PromptVersion string
	InputTokens   int
	OutputTokens  int
	CostUSD       float64
}

// Drafter is the draft service the annotation pipeline depends on.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (*DraftResult, error)
}

// DrafterFunc adapts a function to Drafter.
type DrafterFunc func(ctx context.Context, req DraftRequest) (*DraftResult, error)

func (f DrafterFunc) Draft(ctx context.Context, req DraftRequest) (*DraftResult, error) {
	return f(ctx, req)
}
