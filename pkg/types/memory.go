package types

import (
	"strings"
	"time"
)

// Memory represents a single user-owned memory record. Memories are written
// synchronously; the embedding is filled in later by the embedding worker
// unless the caller requested sync embedding.
type Memory struct {
	// Core identification fields
	ID     string `json:"id"`      // Unique identifier (format: mem_<uuid>), immutable
	UserID string `json:"user_id"` // Owning user; never empty, never updated

	// Content
	Title   string `json:"title,omitempty"` // Optional short title
	Content string `json:"content"`         // Memory content (required)

	// Classification and organization
	MemoryType string   `json:"memory_type"`          // One of ValidMemoryTypes
	Importance float64  `json:"importance"`           // Normalized importance in [0, 1]
	Tags       []string `json:"tags,omitempty"`       // Deduplicated user tags
	EntityIDs  []string `json:"entity_ids,omitempty"` // Weak references to entities owned by the same user

	// Embedding holds the semantic vector when present. A nil or empty
	// slice means the memory is text-only searchable until the worker
	// catches up.
	Embedding []float32 `json:"embedding,omitempty"`

	Metadata   Metadata `json:"metadata,omitempty"`
	IsArchived bool     `json:"is_archived"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"` // Changes whenever any field changes, embedding included
}

// HasEmbedding reports whether the memory carries a non-empty embedding.
func (m *Memory) HasEmbedding() bool {
	return len(m.Embedding) > 0
}

// EmbeddingText builds the canonical text that is embedded for this memory.
// The same construction is used by the sync path and the background worker
// so re-embeds are stable for unchanged content.
func (m *Memory) EmbeddingText() string {
	parts := make([]string, 0, 4)
	if m.Title != "" {
		parts = append(parts, m.Title)
	}
	parts = append(parts, m.Content)
	if m.MemoryType != "" {
		parts = append(parts, m.MemoryType)
	}
	if len(m.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(m.Tags, ", "))
	}
	return strings.Join(parts, " ")
}

// MemoryPatch describes a partial update to a memory. Nil fields are left
// unchanged. The struct deliberately has no ID or UserID field: neither is
// updatable, and their absence here makes that a compile-time property.
type MemoryPatch struct {
	Title      *string   `json:"title,omitempty"`
	Content    *string   `json:"content,omitempty"`
	MemoryType *string   `json:"memory_type,omitempty"`
	Importance *float64  `json:"importance,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
	EntityIDs  *[]string `json:"entity_ids,omitempty"`
	Metadata   *Metadata `json:"metadata,omitempty"`
	IsArchived *bool     `json:"is_archived,omitempty"`
}

// ClearsEmbedding reports whether applying this patch invalidates an
// existing embedding. Title, content, type, and tag changes feed the
// embedding text; importance/archive/metadata changes do not.
func (p *MemoryPatch) ClearsEmbedding() bool {
	return p.Title != nil || p.Content != nil || p.MemoryType != nil || p.Tags != nil
}

// IsEmpty reports whether the patch changes nothing.
func (p *MemoryPatch) IsEmpty() bool {
	return p.Title == nil && p.Content == nil && p.MemoryType == nil &&
		p.Importance == nil && p.Tags == nil && p.EntityIDs == nil &&
		p.Metadata == nil && p.IsArchived == nil
}
