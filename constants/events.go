package constants

// EntityType names the entity an event row refers to.
type EntityType string

const (
	EntityFile        EntityType = "file"
	EntityFileVersion EntityType = "file_version"
	EntityJob         EntityType = "annotation_job"
	EntityAssignment  EntityType = "assignment"
	EntityReview      EntityType = "review"
	EntityDraft       EntityType = "draft"
	EntityExport      EntityType = "export"
	EntityProject     EntityType = "project"
)

// Action is the operation that produced an event row.
type Action string

const (
	ActionCreate             Action = "create"
	ActionReplace            Action = "replace"
	ActionSoftDelete         Action = "soft_delete"
	ActionTriggerExtraction  Action = "trigger_extraction"
	ActionCompleteExtraction Action = "complete_extraction"
	ActionFailExtraction     Action = "fail_extraction"
	ActionBulkCreateJobs     Action = "bulk_create_jobs"
	ActionAssign             Action = "assign"
	ActionSupersede          Action = "supersede"
	ActionRequestDraft       Action = "request_draft"
	ActionCompleteDraft      Action = "complete_draft"
	ActionFailDraft          Action = "fail_draft"
	ActionStart              Action = "start"
	ActionSubmit             Action = "submit"
	ActionReview             Action = "review"
	ActionCreateExport       Action = "create_export"
	ActionPackageExport      Action = "package_export"
	ActionCompleteExport     Action = "complete_export"
	ActionFailExport         Action = "fail_export"
	ActionUpdateStatus       Action = "update_status"
)

// Role is the responsibility of an assignment.
type Role string

const (
	RoleAnnotator Role = "annotator"
	RoleReviewer  Role = "reviewer"
	RoleQC        Role = "qc"
)

// Valid reports whether r is a known assignment role.
func (r Role) Valid() bool {
	switch r {
	case RoleAnnotator, RoleReviewer, RoleQC:
		return true
	}
	return false
}

// SystemActor is recorded as actor_id for transitions made by workers.
const SystemActor int64 = 0
