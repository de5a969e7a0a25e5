package constants

// FileStatus is the extraction lifecycle status stored on files.status.
type FileStatus string

// Stable values (store these exact strings in DB).
const (
	FileStatusPending    FileStatus = "pending"    // uploaded or replaced, not yet extracted
	FileStatusProcessing FileStatus = "processing" // extraction in flight
	FileStatusCompleted  FileStatus = "completed"  // tables persisted for the active version
	FileStatusFailed     FileStatus = "failed"     // terminal failure, reason stored
)

// JobStatus is the canonical status for rows in annotation_jobs.
type JobStatus string

const (
	JobStatusNotStarted JobStatus = "not_started"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusReviewed   JobStatus = "reviewed" // terminal
)

// ReviewStatus is stored on reviews.status.
type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusApproved ReviewStatus = "approved"
	ReviewStatusRejected ReviewStatus = "rejected"
)

// Valid reports whether d is a decision a reviewer can record.
func (d ReviewStatus) Valid() bool {
	return d == ReviewStatusApproved || d == ReviewStatusRejected
}

// DraftStatus tracks AI draft generation.
type DraftStatus string

const (
	DraftStatusQueued     DraftStatus = "queued"
	DraftStatusGenerating DraftStatus = "generating"
	DraftStatusSucceeded  DraftStatus = "succeeded"
	DraftStatusFailed     DraftStatus = "failed"
)

// ExportStatus is stored on export_logs.status.
type ExportStatus string

const (
	ExportStatusPending    ExportStatus = "pending"
	ExportStatusProcessing ExportStatus = "processing"
	ExportStatusCompleted  ExportStatus = "completed"
	ExportStatusFailed     ExportStatus = "failed"
)

// ProjectStatus is stored on projects.status.
type ProjectStatus string

const (
	ProjectStatusDraft      ProjectStatus = "draft"
	ProjectStatusReady      ProjectStatus = "ready"
	ProjectStatusInProgress ProjectStatus = "in_progress"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusArchived   ProjectStatus = "archived"
)

var projectStatuses = map[ProjectStatus]struct{}{
	ProjectStatusDraft:      {},
	ProjectStatusReady:      {},
	ProjectStatusInProgress: {},
	ProjectStatusCompleted:  {},
	ProjectStatusArchived:   {},
}

// Valid reports whether s is a known project status.
func (s ProjectStatus) Valid() bool {
	_, ok := projectStatuses[s]
	return ok
}
