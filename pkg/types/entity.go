package types

import "time"

// Entity represents a person, organization, project, team, or product that
// memories can reference. Entities are owned by a single user; memory →
// entity references never cross user boundaries.
type Entity struct {
	ID     string `json:"id"`      // Unique identifier (format: ent_<uuid>), immutable
	UserID string `json:"user_id"` // Owning user; never empty, never updated

	Name       string `json:"name"`        // Display name (required)
	EntityType string `json:"entity_type"` // One of ValidEntityTypes

	// Person-specific detail; empty for non-person entities.
	PersonType string `json:"person_type,omitempty"` // e.g. "colleague", "family", "client"
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Company    string `json:"company,omitempty"`
	Title      string `json:"title,omitempty"` // Job title

	Website string `json:"website,omitempty"`
	Notes   string `json:"notes,omitempty"`

	Importance float64  `json:"importance"` // Normalized importance in [0, 1]
	Tags       []string `json:"tags,omitempty"`

	// InteractionCount is maintained by RecordInteraction and drives the
	// frequency recall strategy.
	InteractionCount int `json:"interaction_count"`

	Metadata   Metadata `json:"metadata,omitempty"`
	IsArchived bool     `json:"is_archived"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityPatch describes a partial update to an entity. Nil fields are left
// unchanged. As with MemoryPatch, ID and UserID are absent on purpose.
type EntityPatch struct {
	Name       *string   `json:"name,omitempty"`
	EntityType *string   `json:"entity_type,omitempty"`
	PersonType *string   `json:"person_type,omitempty"`
	Email      *string   `json:"email,omitempty"`
	Phone      *string   `json:"phone,omitempty"`
	Company    *string   `json:"company,omitempty"`
	Title      *string   `json:"title,omitempty"`
	Website    *string   `json:"website,omitempty"`
	Notes      *string   `json:"notes,omitempty"`
	Importance *float64  `json:"importance,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
	Metadata   *Metadata `json:"metadata,omitempty"`
	IsArchived *bool     `json:"is_archived,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p *EntityPatch) IsEmpty() bool {
	return p.Name == nil && p.EntityType == nil && p.PersonType == nil &&
		p.Email == nil && p.Phone == nil && p.Company == nil &&
		p.Title == nil && p.Website == nil && p.Notes == nil &&
		p.Importance == nil && p.Tags == nil && p.Metadata == nil &&
		p.IsArchived == nil
}

// Interaction records a single touch-point with an entity (a call, a
// meeting, an email thread). Appended by RecordInteraction alongside the
// entity's interaction_count increment.
type Interaction struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	EntityID        string    `json:"entity_id"`
	InteractionType string    `json:"interaction_type"` // e.g. "call", "meeting", "email"
	Notes           string    `json:"notes,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
	CreatedAt       time.Time `json:"created_at"`
}
