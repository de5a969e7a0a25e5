package entity

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/docflow/constants"
)

// ExportOptions tune what the packager writes.
type ExportOptions struct {
	IncludeRows  *bool `json:"include_rows,omitempty"`
	OnlyReviewed bool  `json:"only_reviewed,omitempty"`
}

// WithRows reports whether table bodies are exported (default true).
func (o ExportOptions) WithRows() bool {
	return o.IncludeRows == nil || *o.IncludeRows
}

// ExportLog represents one export request and its packaging state.
type ExportLog struct {
	ID              int64                  `json:"id"`
	ProjectID       int64                  `json:"project_id"`
	Format          constants.ExportFormat `json:"format"`
	Options         json.RawMessage        `json:"options,omitempty"`
	Status          constants.ExportStatus `json:"status"`
	RequestedAt     time.Time              `json:"requested_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	ArtifactPointer *string                `json:"artifact_pointer,omitempty"`
	ArtifactSize    *int64                 `json:"artifact_size,omitempty"`
	FailureReason   *string                `json:"failure_reason,omitempty"`
}

// ExportedFile is one immutable snapshot row of an export.
type ExportedFile struct {
	ExportID      int64 `json:"export_id"`
	FileVersionID int64 `json:"file_version_id"`
}
