package storage

import "time"

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// ListOptions provides pagination and filtering options for list operations.
// The owning user is always a separate, mandatory parameter on the store
// method itself; it never travels inside the options.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 10, max: 100).
	Limit int

	// SortBy specifies the field to sort by (e.g., "created_at", "updated_at").
	SortBy string

	// SortOrder specifies the sort direction ("asc" or "desc", default: "desc").
	SortOrder string

	// MemoryType filters memories by their memory_type value. Empty string
	// means no filter. Ignored by entity listings.
	MemoryType string

	// EntityType filters entities by their entity_type value. Empty string
	// means no filter. Ignored by memory listings.
	EntityType string

	// Tags filters to records carrying all of the given tags.
	Tags []string

	// CreatedAfter filters to records created strictly after this time.
	// Zero value means no lower bound.
	CreatedAfter time.Time

	// CreatedBefore filters to records created strictly before this time.
	// Zero value means no upper bound.
	CreatedBefore time.Time

	// UpdatedAfter filters to records modified strictly after this time.
	// Zero value means no lower bound.
	UpdatedAfter time.Time

	// IncludeArchived includes archived records in results. By default
	// archived records are excluded from all listings.
	IncludeArchived bool
}

// Normalize applies defaults and validates the ListOptions.
func (o *ListOptions) Normalize() {
	// Whitelist validation for SortBy to prevent SQL injection
	allowedSortFields := map[string]bool{
		"created_at":        true,
		"updated_at":        true,
		"id":                true,
		"importance":        true,
		"name":              true,
		"interaction_count": true,
	}

	if !allowedSortFields[o.SortBy] {
		o.SortBy = "updated_at" // Default sort field
	}

	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		o.SortOrder = "desc" // Default sort order
	}

	if o.Page < 1 {
		o.Page = 1
	}

	if o.Limit < 1 {
		o.Limit = 10 // Default limit
	}

	if o.Limit > 100 {
		o.Limit = 100 // Max limit
	}
}

// Offset calculates the offset for SQL queries based on page and limit.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// SearchOptions provides options for full-text search operations.
type SearchOptions struct {
	// Query is the search query string. It is sanitised into a safe FTS
	// expression by the provider; callers pass free-form text.
	Query string

	// Limit is the maximum number of results to return (default: 10, max: 100).
	Limit int

	// Offset is the number of results to skip.
	Offset int

	// MemoryType restricts results to one memory type. Empty means all.
	MemoryType string

	// IncludeArchived includes archived records in results.
	IncludeArchived bool
}

// Normalize applies defaults and validates the SearchOptions.
func (o *SearchOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 10
	}

	if o.Limit > 100 {
		o.Limit = 100
	}

	if o.Offset < 0 {
		o.Offset = 0
	}
}

// SearchResult is one full-text match with its normalized relevance score.
type SearchResult struct {
	// ID is the matched record's identifier.
	ID string

	// Score is the normalized relevance in [0, 1], higher is better.
	Score float64
}

// Statistics summarises one user's stored data. Every count is computed
// with the user filter applied at the SQL level.
type Statistics struct {
	TotalMemories     int            `json:"total_memories"`
	MemoriesByType    map[string]int `json:"memories_by_type"`
	WithEmbedding     int            `json:"memories_with_embedding"`
	MissingEmbedding  int            `json:"memories_missing_embedding"`
	ArchivedMemories  int            `json:"archived_memories"`
	TotalEntities     int            `json:"total_entities"`
	EntitiesByType    map[string]int `json:"entities_by_type"`
	TotalInteractions int            `json:"total_interactions"`
}
