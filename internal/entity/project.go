package entity

import (
	"time"

	"github.com/joseph-ayodele/docflow/constants"
)

// Organization is the tenant that owns projects.
type Organization struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Project represents a project for data transfer between layers.
type Project struct {
	ID             int64                   `json:"id"`
	OrganizationID int64                   `json:"organization_id"`
	Name           string                  `json:"name"`
	Description    *string                 `json:"description,omitempty"`
	Status         constants.ProjectStatus `json:"status"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// Event is one append-only audit row.
type Event struct {
	ID         int64                `json:"id"`
	EntityType constants.EntityType `json:"entity_type"`
	EntityID   int64                `json:"entity_id"`
	Action     constants.Action     `json:"action"`
	FromState  string               `json:"from_state"`
	ToState    string               `json:"to_state"`
	ActorID    int64                `json:"actor_id"`
	Reason     string               `json:"reason,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}
