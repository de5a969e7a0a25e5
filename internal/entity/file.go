package entity

import (
	"time"

	"github.com/joseph-ayodele/docflow/constants"
)

// File represents an uploaded document for data transfer between layers.
type File struct {
	ID              int64                `json:"id"`
	ProjectID       int64                `json:"project_id"`
	Name            string               `json:"name"`
	Status          constants.FileStatus `json:"status"`
	ActiveVersionID *int64               `json:"active_version_id,omitempty"`
	FailureReason   *string              `json:"failure_reason,omitempty"`
	DeletedAt       *time.Time           `json:"deleted_at,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// Deleted reports whether the file was soft deleted.
func (f *File) Deleted() bool { return f.DeletedAt != nil }

// ExtractionMetadata is the result summary of one extraction of a version.
type ExtractionMetadata struct {
	PageCount     int `json:"page_count"`
	TableCount    int `json:"table_count"`
	SchemaVersion int `json:"schema_version"`
}

// MetadataSchemaVersion is written with every ExtractionMetadata.
const MetadataSchemaVersion = 1

// FileVersion represents one immutable upload of a file's content.
type FileVersion struct {
	ID             int64               `json:"id"`
	FileID         int64               `json:"file_id"`
	VersionNumber  int                 `json:"version_number"`
	StoragePointer string              `json:"storage_pointer"`
	SizeBytes      int64               `json:"size_bytes"`
	ContentSHA256  string              `json:"content_sha256"`
	MimeType       string              `json:"mime_type"`
	Extraction     *ExtractionMetadata `json:"extraction_metadata,omitempty"`
	ExtractedAt    *time.Time          `json:"extracted_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// FileTable is one table extracted from a file version.
type FileTable struct {
	ID            int64      `json:"id"`
	FileVersionID int64      `json:"file_version_id"`
	PageNumber    int        `json:"page_number"`
	TableIndex    int        `json:"table_index"`
	Headers       [][]string `json:"headers"`
	Rows          [][]string `json:"rows"`
	Confidence    *float64   `json:"confidence,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
