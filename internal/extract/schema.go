package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildResultJSONSchema returns the JSON-Schema every service response must
// satisfy: either an error_reason or a page count with its tables.
func BuildResultJSONSchema() map[string]any {
	grid := map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	}
	table := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"page_number": map[string]any{"type": "integer", "minimum": 1},
			"table_index": map[string]any{"type": "integer", "minimum": 0},
			"headers":     grid,
			"rows":        grid,
			"confidence":  map[string]any{"type": []string{"number", "null"}, "minimum": 0.0, "maximum": 1.0},
		},
		"required": []string{"page_number", "table_index", "headers", "rows"},
	}
	return map[string]any{
		"oneOf": []any{
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"error_reason": map[string]any{"type": "string", "minLength": 1},
					"page_count":   map[string]any{"not": map[string]any{}},
					"tables":       map[string]any{"not": map[string]any{}},
				},
				"required": []string{"error_reason"},
			},
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"page_count":   map[string]any{"type": "integer", "minimum": 0},
					"tables":       map[string]any{"type": "array", "items": table},
					"error_reason": map[string]any{"not": map[string]any{}},
				},
				"required": []string{"page_count", "tables"},
			},
		},
	}
}

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func resultSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		b, err := json.Marshal(BuildResultJSONSchema())
		if err != nil {
			compileErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("extraction_result.json", bytes.NewReader(b)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile("extraction_result.json")
	})
	return compiledSchema, compileErr
}

// DecodeResult validates a raw service response and decodes it. A response
// carrying error_reason yields a *ServiceError.
func DecodeResult(raw []byte) (*Result, error) {
	schema, err := resultSchema()
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("response does not match schema: %w", err)
	}

	var out struct {
		Result
		ErrorReason string `json:"error_reason"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.ErrorReason != "" {
		return nil, &ServiceError{Reason: out.ErrorReason}
	}
	res := out.Result
	if err := res.Normalize(); err != nil {
		return nil, err
	}
	return &res, nil
}

// Check runs a result produced in-process through the same schema and
// ordering rules as a response read off the wire.
func Check(r *Result) (*Result, error) {
	if r == nil {
		return nil, errors.New("empty extraction result")
	}
	raw, err := json.Marshal(r.withEmptyGrids())
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return DecodeResult(raw)
}

// withEmptyGrids returns a copy of r whose nil slices encode as [] rather
// than null.
func (r *Result) withEmptyGrids() *Result {
	out := &Result{PageCount: r.PageCount, Tables: make([]Table, len(r.Tables))}
	for i, t := range r.Tables {
		if t.Headers == nil {
			t.Headers = [][]string{}
		}
		if t.Rows == nil {
			t.Rows = [][]string{}
		}
		out.Tables[i] = t
	}
	return out
}

// Normalize orders tables by (page_number, table_index) and rejects
// duplicate positions.
func (r *Result) Normalize() error {
	sort.SliceStable(r.Tables, func(i, j int) bool {
		a, b := r.Tables[i], r.Tables[j]
		if a.PageNumber != b.PageNumber {
			return a.PageNumber < b.PageNumber
		}
		return a.TableIndex < b.TableIndex
	})
	for i := 1; i < len(r.Tables); i++ {
		a, b := r.Tables[i-1], r.Tables[i]
		if a.PageNumber == b.PageNumber && a.TableIndex == b.TableIndex {
			return fmt.Errorf("duplicate table at page %d index %d", a.PageNumber, a.TableIndex)
		}
	}
	return nil
}
