package types

import "time"

// User is a tenant of the memory service. Users are provisioned on first
// sight of a verified identity (auth broker upsert) or explicitly by an
// operator.
type User struct {
	ID        string    `json:"id"` // Stable identifier, usually usr_<uuid> or an IdP subject
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// APIUsage is one day's accumulated usage of an external provider for one
// user. Rows are upserted additively: repeated calls on the same
// (user, provider, date) add to tokens and cost.
type APIUsage struct {
	UserID   string    `json:"user_id"`
	Provider string    `json:"provider"` // e.g. "openai"
	Date     time.Time `json:"date"`     // Day granularity (UTC midnight)
	Tokens   int64     `json:"tokens"`
	Cost     float64   `json:"cost"` // USD
}
