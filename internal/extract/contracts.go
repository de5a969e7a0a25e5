package extract

import (
	"context"
	"fmt"
)

// Request is what the document extraction service is given for one file
// version.
type Request struct {
	FileID         int64
	VersionID      int64
	FileName       string
	MimeType       string
	StoragePointer string
	Content        []byte
}

// Table is one table as reported by the service.
type Table struct {
	PageNumber int        `json:"page_number"`
	TableIndex int        `json:"table_index"`
	Headers    [][]string `json:"headers"`
	Rows       [][]string `json:"rows"`
	Confidence *float64   `json:"confidence,omitempty"`
}

// Result is a successful extraction.
type Result struct {
	PageCount int     `json:"page_count"`
	Tables    []Table `json:"tables"`
}

// Service is the document extraction service.
type Service interface {
	Extract(ctx context.Context, req Request) (*Result, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, req Request) (*Result, error)

func (f ServiceFunc) Extract(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// ServiceError is a failure the service reported itself, as opposed to a
// transport or decoding failure.
type ServiceError struct {
	Reason string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("extraction service: %s", e.Reason)
}
