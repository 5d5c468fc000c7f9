// Package types defines the core data structures for the MemBank memory
// service: user-owned memories and entities, their metadata envelopes, and
// the enum values accepted at the API edge.
package types

import "strings"

// Memory type constants - classify the purpose/nature of a memory.
const (
	// MemoryTypeSystem marks operator-provisioned memories (instructions,
	// standing context) that assistants should treat as authoritative.
	MemoryTypeSystem = "system"

	// MemoryTypeLearned marks memories derived by an assistant from
	// conversation rather than stated directly by the user.
	MemoryTypeLearned = "learned"

	// MemoryTypeMemory is the default free-form memory type.
	MemoryTypeMemory = "memory"

	// MemoryTypeDecision records important choices and their rationale.
	MemoryTypeDecision = "decision"

	// MemoryTypeEvent records meetings, incidents, or occurrences.
	MemoryTypeEvent = "event"

	// MemoryTypeNote is a catch-all for short references.
	MemoryTypeNote = "note"
)

// ValidMemoryTypes is a slice of all valid memory types for validation.
var ValidMemoryTypes = []string{
	MemoryTypeSystem,
	MemoryTypeLearned,
	MemoryTypeMemory,
	MemoryTypeDecision,
	MemoryTypeEvent,
	MemoryTypeNote,
}

// IsValidMemoryType checks if the given memory type is valid.
func IsValidMemoryType(memoryType string) bool {
	for _, validType := range ValidMemoryTypes {
		if validType == memoryType {
			return true
		}
	}
	return false
}

// Entity type constants.
const (
	EntityTypePerson       = "person"
	EntityTypeOrganization = "organization"
	EntityTypeProject      = "project"
	EntityTypeTeam         = "team"
	EntityTypeProduct      = "product"
)

// ValidEntityTypes is a slice of all valid entity types for validation.
var ValidEntityTypes = []string{
	EntityTypePerson,
	EntityTypeOrganization,
	EntityTypeProject,
	EntityTypeTeam,
	EntityTypeProduct,
}

// IsValidEntityType checks if the given entity type is valid.
func IsValidEntityType(entityType string) bool {
	for _, validType := range ValidEntityTypes {
		if validType == entityType {
			return true
		}
	}
	return false
}

// ClampImportance normalizes an importance score into [0, 1].
// Callers may pass either a float in [0, 1] or an ordinal 1..5; ordinals map
// linearly (1 → 0.0, 3 → 0.5, 5 → 1.0). Values outside both ranges clamp to
// the nearest bound.
func ClampImportance(v float64) float64 {
	// Ordinal form: integers 2..5 are unambiguous (floats in [0,1] never
	// exceed 1). 1 is treated as the float 1.0, matching callers that pass
	// full importance rather than the lowest ordinal.
	if v > 1 && v <= 5 {
		return (v - 1) / 4
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DedupTags normalizes a tag list: tags are trimmed, lowercased, and
// deduplicated, preserving first-seen order. Tags are matched
// case-insensitively everywhere, so the canonical stored form is lowercase.
func DedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Metadata is the typed metadata envelope carried by memories and entities.
// A small set of reserved keys is understood by sync adapters; everything
// else rides in Extra as an opaque blob the core never reads.
type Metadata struct {
	// Source identifies where the record came from (e.g. "manual", "gmail").
	Source string `json:"source,omitempty"`

	// GoogleResourceName is the back-reference used by the Google Contacts
	// sync adapter. The core stores it verbatim and never interprets it.
	GoogleResourceName string `json:"googleResourceName,omitempty"`

	// Extra carries arbitrary caller-supplied keys. Opaque to the core.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// IsZero reports whether the envelope carries no data.
func (m Metadata) IsZero() bool {
	return m.Source == "" && m.GoogleResourceName == "" && len(m.Extra) == 0
}
