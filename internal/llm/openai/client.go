package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docflow/internal/llm"
)

var _ llm.Drafter = (*Client)(nil)

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Draft asks chat/completions to describe one table.
func (c *Client) Draft(ctx context.Context, req llm.DraftRequest) (*llm.DraftResult, error) {
	rid := uuid.NewString()
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	c.logger.Info("llm.draft.start",
		"req_id", rid,
		"job_id", req.JobID,
		"model", model,
		"header_rows", len(req.Headers),
		"rows", len(req.Rows),
	)

	body := map[string]any{
		"model":       model,
		"temperature": c.cfg.Temperature,
		"messages": []map[string]any{
			{"role": "system", "content": llm.BuildSystemPrompt()},
			{"role": "user", "content": llm.BuildUserPrompt(req, c.cfg.SampleRows)},
		},
	}
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := llm.SendJSON(ctx, c.http, endpoint, body, headers, c.logger)
	if err != nil {
		c.logger.Error("llm.draft.http_error",
			"req_id", rid, "job_id", req.JobID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.logger.Error("llm.draft.decode_error",
			"req_id", rid, "error", err, "raw_bytes", len(raw),
		)
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.logger.Error("llm.draft.no_choices", "req_id", rid, "raw", string(raw))
		return nil, errors.New("no choices in openai response")
	}
	content := strings.TrimSpace(cc.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("empty draft content")
	}

	out := &llm.DraftResult{
		Content:       content,
		Model:         model,
		PromptVersion: llm.PromptVersion,
		InputTokens:   cc.Usage.PromptTokens,
		OutputTokens:  cc.Usage.CompletionTokens,
	}
	out.CostUSD = llm.EstimateCost(model, out.InputTokens, out.OutputTokens)

	c.logger.Info("llm.draft.ok",
		"req_id", rid,
		"job_id", req.JobID,
		"model", model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"cost_usd", out.CostUSD,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}
