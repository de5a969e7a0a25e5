package entity

import (
	"time"

	"github.com/joseph-ayodele/docflow/constants"
)

// AnnotationJob represents the annotation work for one FileTable.
// FileTableID is zero once re-extraction replaced the table.
type AnnotationJob struct {
	ID            int64               `json:"id"`
	ProjectID     int64               `json:"project_id"`
	FileTableID   int64               `json:"file_table_id"`
	Status        constants.JobStatus `json:"status"`
	RevisionCount int                 `json:"revision_count"`
	DeletedAt     *time.Time          `json:"deleted_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Assignment binds a user to a job in a role.
type Assignment struct {
	ID           int64          `json:"id"`
	JobID        int64          `json:"job_id"`
	UserID       int64          `json:"user_id"`
	Role         constants.Role `json:"role"`
	Active       bool           `json:"active"`
	AssignedAt   time.Time      `json:"assigned_at"`
	SupersededAt *time.Time     `json:"superseded_at,omitempty"`
}

// Review is one reviewer decision on a submitted job.
type Review struct {
	ID         int64                  `json:"id"`
	JobID      int64                  `json:"job_id"`
	ReviewerID int64                  `json:"reviewer_id"`
	Status     constants.ReviewStatus `json:"status"`
	Comment    string                 `json:"comment"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Draft is an AI-generated description of a job's table.
type Draft struct {
	ID            int64                 `json:"id"`
	JobID         int64                 `json:"job_id"`
	ModelName     string                `json:"model_name"`
	Status        constants.DraftStatus `json:"status"`
	Content       *string               `json:"content,omitempty"`
	PromptVersion string                `json:"prompt_version"`
	InputTokens   int                   `json:"input_tokens"`
	OutputTokens  int                   `json:"output_tokens"`
	CostUSD       float64               `json:"cost_usd"`
	FailureReason *string               `json:"failure_reason,omitempty"`
	RequestedAt   time.Time             `json:"requested_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
	ExpiresAt     *time.Time            `json:"expires_at,omitempty"`
}

// Reusable reports whether the draft can be returned instead of generating a new one.
func (d *Draft) Reusable(now time.Time) bool {
	switch d.Status {
	case constants.DraftStatusQueued, constants.DraftStatusGenerating:
		return true
	case constants.DraftStatusSucceeded:
		return d.ExpiresAt == nil || now.Before(*d.ExpiresAt)
	}
	return false
}
