// Package mcp implements the Model Context Protocol (MCP) server for MemBank.
// It provides JSON-RPC 2.0 based tools for storing, recalling, and managing
// memories and entities.
package mcp

import (
	"encoding/json"
	"strings"

	"github.com/membank/membank/pkg/types"
)

// StoreMemoryArgs contains arguments for the store_memory tool.
type StoreMemoryArgs struct {
	Title         string   `json:"title,omitempty"`          // Short title
	Content       string   `json:"content"`                  // Memory content (required)
	MemoryType    string   `json:"memory_type,omitempty"`    // system, learned, memory, decision, event, note (default: memory)
	Importance    float64  `json:"importance,omitempty"`     // [0,1] float, or ordinal 1..5
	Tags          []string `json:"tags,omitempty"`           // User-defined tags
	EntityIDs     []string `json:"entity_ids,omitempty"`     // Entities this memory references
	Source        string   `json:"source,omitempty"`         // Source of the memory
	EmbeddingMode string   `json:"embedding_mode,omitempty"` // sync, async, or disabled (default: async)
}

// UnmarshalJSON handles the case where some MCP clients send array fields
// like "tags" as a JSON-encoded string ("[\"a\",\"b\"]") rather than a
// proper JSON array. Both forms are accepted.
func (a *StoreMemoryArgs) UnmarshalJSON(data []byte) error {
	type Alias StoreMemoryArgs
	aux := &struct {
		Tags      json.RawMessage `json:"tags,omitempty"`
		EntityIDs json.RawMessage `json:"entity_ids,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	a.Tags = flexibleStringList(aux.Tags)
	a.EntityIDs = flexibleStringList(aux.EntityIDs)
	return nil
}

// flexibleStringList decodes either a JSON array of strings, a JSON-encoded
// array string, or a comma-separated string. Unrecognized forms decode to
// nil rather than failing the whole request.
func flexibleStringList(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		_ = json.Unmarshal([]byte(s), &list)
		return list
	}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

// StoreMemoryResult contains the result of storing a memory.
type StoreMemoryResult struct {
	ID              string `json:"id"`                         // Memory ID
	HasEmbedding    bool   `json:"has_embedding"`              // Embedded before returning (sync mode)
	EmbeddingQueued bool   `json:"embedding_queued,omitempty"` // Deferred to the background worker
	Message         string `json:"message"`                    // Status message
}

// RecallMemoriesArgs contains arguments for the recall_memories tool.
type RecallMemoriesArgs struct {
	Query      string   `json:"query,omitempty"`       // Natural-language query; empty returns most recent
	Strategy   string   `json:"strategy,omitempty"`    // composite, similarity, recency, frequency, importance (default: composite)
	Limit      int      `json:"limit,omitempty"`       // Max results (default 10, max 100)
	MemoryType string   `json:"memory_type,omitempty"` // Filter by memory type
	Tags       []string `json:"tags,omitempty"`        // Require all of these tags
	Threshold  *float64 `json:"threshold,omitempty"`   // Similarity floor override (default 0.3 similarity, 0.6 composite)
}

// RecalledMemory is one scored recall hit.
type RecalledMemory struct {
	Memory types.Memory `json:"memory"`
	Score  float64      `json:"score"` // Relevance in [0,1]
}

// RecallMemoriesResult contains the result of recalling memories.
type RecallMemoriesResult struct {
	Memories []RecalledMemory `json:"memories"`
	Total    int              `json:"total"`
	Degraded bool             `json:"degraded,omitempty"` // Semantic scoring was unavailable; text-only results
}

// GetMemoryArgs contains arguments for the get_memory tool.
type GetMemoryArgs struct {
	ID string `json:"id"` // Memory ID (required)
}

// ListMemoriesArgs contains arguments for the list_memories tool.
type ListMemoriesArgs struct {
	Page            int      `json:"page,omitempty"`             // 1-indexed page (default 1)
	Limit           int      `json:"limit,omitempty"`            // Page size (default 10, max 100)
	SortBy          string   `json:"sort_by,omitempty"`          // created_at, updated_at, importance, id
	SortOrder       string   `json:"sort_order,omitempty"`       // asc or desc (default desc)
	MemoryType      string   `json:"memory_type,omitempty"`      // Filter by memory type
	Tags            []string `json:"tags,omitempty"`             // Require all of these tags
	UpdatedAfter    string   `json:"updated_after,omitempty"`    // RFC 3339; only memories modified after this instant
	IncludeArchived bool     `json:"include_archived,omitempty"` // Include archived memories
}

// ListMemoriesResult contains a page of memories.
type ListMemoriesResult struct {
	Memories []types.Memory `json:"memories"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	HasMore  bool           `json:"has_more"`
}

// UpdateMemoryArgs contains arguments for the update_memory tool. Only the
// fields present in the request are changed; ID and ownership never change.
type UpdateMemoryArgs struct {
	ID            string    `json:"id"`                       // Memory ID (required)
	Title         *string   `json:"title,omitempty"`          // Replaces the title when present
	Content       *string   `json:"content,omitempty"`        // Replaces the content when present
	MemoryType    *string   `json:"memory_type,omitempty"`    // Replaces the type when present
	Importance    *float64  `json:"importance,omitempty"`     // Replaces the importance when present
	Tags          *[]string `json:"tags,omitempty"`           // Replaces the tags when present
	EntityIDs     *[]string `json:"entity_ids,omitempty"`     // Replaces the entity references when present
	IsArchived    *bool     `json:"is_archived,omitempty"`    // Archives or unarchives when present
	EmbeddingMode string    `json:"embedding_mode,omitempty"` // sync, async, or disabled (default: async)
}

// UpdateMemoryToolResult contains the result of updating a memory.
type UpdateMemoryToolResult struct {
	ID              string `json:"id"`
	Updated         bool   `json:"updated"`
	HasEmbedding    bool   `json:"has_embedding"`
	EmbeddingQueued bool   `json:"embedding_queued,omitempty"`
	Message         string `json:"message"`
}

// DeleteMemoryArgs contains arguments for the delete_memory tool.
type DeleteMemoryArgs struct {
	ID string `json:"id"` // Memory ID (required)
}

// DeleteMemoryResult contains the result of deleting a memory.
type DeleteMemoryResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// MemoryStatsResult contains the result of get_memory_stats.
type MemoryStatsResult struct {
	TotalMemories     int            `json:"total_memories"`
	MemoriesByType    map[string]int `json:"memories_by_type"`
	WithEmbedding     int            `json:"with_embedding"`
	MissingEmbedding  int            `json:"missing_embedding"`
	ArchivedMemories  int            `json:"archived_memories"`
	TotalEntities     int            `json:"total_entities"`
	EntitiesByType    map[string]int `json:"entities_by_type"`
	TotalInteractions int            `json:"total_interactions"`
}

// UpdateMissingEmbeddingsArgs contains arguments for the
// update_missing_embeddings tool.
type UpdateMissingEmbeddingsArgs struct {
	Limit int `json:"limit,omitempty"` // Max memories to backfill this pass (default 10)
}

// UpdateMissingEmbeddingsResult reports how many embeddings were backfilled.
type UpdateMissingEmbeddingsResult struct {
	Updated int    `json:"updated"`
	Message string `json:"message"`
}

// StoreEntityArgs contains arguments for the store_entity tool.
type StoreEntityArgs struct {
	Name       string   `json:"name"`                  // Entity name (required)
	EntityType string   `json:"entity_type,omitempty"` // person, organization, project, team, product (default: person)
	PersonType string   `json:"person_type,omitempty"` // Freeform role for person entities
	Email      string   `json:"email,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Company    string   `json:"company,omitempty"`
	Title      string   `json:"title,omitempty"`
	Website    string   `json:"website,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	Importance float64  `json:"importance,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// StoreEntityResult contains the result of storing an entity.
type StoreEntityResult struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// GetEntityArgs contains arguments for the get_entity tool.
type GetEntityArgs struct {
	ID string `json:"id"` // Entity ID (required)
}

// ListEntitiesArgs contains arguments for the list_entities tool.
type ListEntitiesArgs struct {
	Page            int      `json:"page,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	SortBy          string   `json:"sort_by,omitempty"` // name, created_at, updated_at, interaction_count
	SortOrder       string   `json:"sort_order,omitempty"`
	EntityType      string   `json:"entity_type,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	IncludeArchived bool     `json:"include_archived,omitempty"`
}

// ListEntitiesResult contains a page of entities.
type ListEntitiesResult struct {
	Entities []types.Entity `json:"entities"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	HasMore  bool           `json:"has_more"`
}

// UpdateEntityArgs contains arguments for the update_entity tool.
type UpdateEntityArgs struct {
	ID         string    `json:"id"` // Entity ID (required)
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
	IsArchived *bool     `json:"is_archived,omitempty"`
}

// UpdateEntityResult contains the result of updating an entity.
type UpdateEntityResult struct {
	ID      string `json:"id"`
	Updated bool   `json:"updated"`
	Message string `json:"message"`
}

// DeleteEntityArgs contains arguments for the delete_entity tool.
type DeleteEntityArgs struct {
	ID string `json:"id"` // Entity ID (required)
}

// DeleteEntityResult contains the result of deleting an entity.
type DeleteEntityResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// RecordInteractionArgs contains arguments for the record_interaction tool.
type RecordInteractionArgs struct {
	EntityID        string `json:"entity_id"`             // Entity ID (required)
	InteractionType string `json:"interaction_type"`      // meeting, call, email, chat, other (required)
	Notes           string `json:"notes,omitempty"`       // Freeform notes
	OccurredAt      string `json:"occurred_at,omitempty"` // RFC 3339; defaults to now
}

// RecordInteractionResult contains the result of recording an interaction.
type RecordInteractionResult struct {
	ID               string `json:"id"`                // Interaction ID
	EntityID         string `json:"entity_id"`         // Entity ID
	InteractionCount int    `json:"interaction_count"` // Entity's updated counter
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"` // Must be "2.0"
	Method  string          `json:"method"`  // Method name
	Params  json.RawMessage `json:"params"`  // Method parameters
	ID      interface{}     `json:"id"`      // Request ID (string, number, or null)
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`          // Must be "2.0"
	Result  interface{}   `json:"result,omitempty"` // Result (if successful)
	Error   *JSONRPCError `json:"error,omitempty"`  // Error (if failed)
	ID      interface{}   `json:"id"`               // Request ID
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`           // Error code
	Message string      `json:"message"`        // Error message
	Data    interface{} `json:"data,omitempty"` // Additional error data
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrCodeServerError    = -32000 // Server error
	ErrCodeUnauthorized   = -32001 // Missing or invalid credential
	ErrCodeForbidden      = -32003 // Authenticated but not permitted
)

// ---------------------------------------------------------------------------
// Standard MCP protocol types (initialize / tools/list / tools/call)
// ---------------------------------------------------------------------------

// MCPInitializeParams holds the parameters sent by an MCP client in the
// initialize request.
type MCPInitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
	ClientInfo      MCPClientInfo          `json:"clientInfo"`
}

// MCPClientInfo identifies the connecting MCP client.
type MCPClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools     *MCPToolsCapability     `json:"tools,omitempty"`
	Prompts   *MCPPromptsCapability   `json:"prompts,omitempty"`
	Resources *MCPResourcesCapability `json:"resources,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPPromptsCapability signals that the server answers prompts/list.
type MCPPromptsCapability struct{}

// MCPResourcesCapability signals that the server answers resources/list.
type MCPResourcesCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via the MCP tools/list endpoint.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text" for now
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request. Tool-level
// failures travel inside this envelope with IsError set, never as JSON-RPC
// protocol errors.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}

// MCPPromptsListResult is the (empty) response to prompts/list.
type MCPPromptsListResult struct {
	Prompts []interface{} `json:"prompts"`
}

// MCPResourcesListResult is the (empty) response to resources/list.
type MCPResourcesListResult struct {
	Resources []interface{} `json:"resources"`
}
