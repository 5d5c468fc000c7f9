package mcp

// Schema helpers keep the tool definitions below readable. Schemas are
// plain maps because MCP clients consume them as opaque JSON Schema.

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func numberProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "number", "description": description}
}

func integerProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": description}
}

func booleanProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": description}
}

func stringArrayProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"description": description,
	}
}

func enumProp(description string, values ...string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "enum": values, "description": description}
}

// toolDefinitions lists every tool exposed via tools/list.
func (s *Server) toolDefinitions() []MCPTool {
	return []MCPTool{
		{
			Name:        "store_memory",
			Description: "Store a new memory. Embedding happens asynchronously by default; pass embedding_mode=sync to wait for it.",
			InputSchema: objectSchema(map[string]interface{}{
				"title":          stringProp("Short title for the memory"),
				"content":        stringProp("The memory content (required)"),
				"memory_type":    enumProp("Kind of memory", "system", "learned", "memory", "decision", "event", "note"),
				"importance":     numberProp("Importance as a 0-1 float, or an ordinal 1-5"),
				"tags":           stringArrayProp("User-defined tags"),
				"entity_ids":     stringArrayProp("IDs of entities this memory references"),
				"source":         stringProp("Where this memory came from"),
				"embedding_mode": enumProp("When to embed", "sync", "async", "disabled"),
			}, "content"),
		},
		{
			Name:        "recall_memories",
			Description: "Recall memories by hybrid text + semantic search, or by recency, frequency, or importance. An empty query returns the most recent memories.",
			InputSchema: objectSchema(map[string]interface{}{
				"query":       stringProp("Natural-language query"),
				"strategy":    enumProp("Ranking strategy", "composite", "similarity", "recency", "frequency", "importance"),
				"limit":       integerProp("Maximum results (default 10, max 100)"),
				"memory_type": stringProp("Only return memories of this type"),
				"tags":        stringArrayProp("Only return memories carrying all of these tags"),
				"threshold":   numberProp("Similarity floor override (default 0.3 for similarity, 0.6 for composite's vector leg)"),
			}),
		},
		{
			Name:        "get_memory",
			Description: "Retrieve a single memory by ID.",
			InputSchema: objectSchema(map[string]interface{}{
				"id": stringProp("Memory ID (required)"),
			}, "id"),
		},
		{
			Name:        "list_memories",
			Description: "List memories with pagination, sorting, and filtering.",
			InputSchema: objectSchema(map[string]interface{}{
				"page":             integerProp("1-indexed page number (default 1)"),
				"limit":            integerProp("Page size (default 10, max 100)"),
				"sort_by":          enumProp("Sort field", "created_at", "updated_at", "importance", "id"),
				"sort_order":       enumProp("Sort direction", "asc", "desc"),
				"memory_type":      stringProp("Filter by memory type"),
				"tags":             stringArrayProp("Require all of these tags"),
				"updated_after":    stringProp("RFC 3339 timestamp; only memories modified after this instant"),
				"include_archived": booleanProp("Include archived memories"),
			}),
		},
		{
			Name:        "update_memory",
			Description: "Update fields of an existing memory. Changing the title, content, type, or tags invalidates and regenerates the embedding.",
			InputSchema: objectSchema(map[string]interface{}{
				"id":             stringProp("Memory ID (required)"),
				"title":          stringProp("New title"),
				"content":        stringProp("New content"),
				"memory_type":    enumProp("New memory type", "system", "learned", "memory", "decision", "event", "note"),
				"importance":     numberProp("New importance"),
				"tags":           stringArrayProp("Replacement tag list"),
				"entity_ids":     stringArrayProp("Replacement entity references"),
				"is_archived":    booleanProp("Archive or unarchive the memory"),
				"embedding_mode": enumProp("When to re-embed", "sync", "async", "disabled"),
			}, "id"),
		},
		{
			Name:        "delete_memory",
			Description: "Permanently delete a memory by ID.",
			InputSchema: objectSchema(map[string]interface{}{
				"id": stringProp("Memory ID (required)"),
			}, "id"),
		},
		{
			Name:        "get_memory_stats",
			Description: "Get aggregate statistics: memory counts by type, embedding coverage, entity and interaction counts.",
			InputSchema: objectSchema(map[string]interface{}{}),
		},
		{
			Name:        "update_missing_embeddings",
			Description: "Backfill embeddings for memories that are missing one.",
			InputSchema: objectSchema(map[string]interface{}{
				"limit": integerProp("Maximum memories to backfill this pass (default 10)"),
			}),
		},
		{
			Name:        "store_entity",
			Description: "Store a new entity (person, organization, project, team, or product).",
			InputSchema: objectSchema(map[string]interface{}{
				"name":        stringProp("Entity name (required)"),
				"entity_type": enumProp("Kind of entity", "person", "organization", "project", "team", "product"),
				"person_type": stringProp("Role for person entities, e.g. colleague or client"),
				"email":       stringProp("Email address"),
				"phone":       stringProp("Phone number"),
				"company":     stringProp("Company or affiliation"),
				"title":       stringProp("Job title"),
				"website":     stringProp("Website URL"),
				"notes":       stringProp("Freeform notes"),
				"importance":  numberProp("Importance as a 0-1 float, or an ordinal 1-5"),
				"tags":        stringArrayProp("User-defined tags"),
			}, "name"),
		},
		{
			Name:        "get_entity",
			Description: "Retrieve a single entity by ID.",
			InputSchema: objectSchema(map[string]interface{}{
				"id": stringProp("Entity ID (required)"),
			}, "id"),
		},
		{
			Name:        "list_entities",
			Description: "List entities with pagination, sorting, and filtering.",
			InputSchema: objectSchema(map[string]interface{}{
				"page":             integerProp("1-indexed page number (default 1)"),
				"limit":            integerProp("Page size (default 10, max 100)"),
				"sort_by":          enumProp("Sort field", "name", "created_at", "updated_at", "interaction_count"),
				"sort_order":       enumProp("Sort direction", "asc", "desc"),
				"entity_type":      stringProp("Filter by entity type"),
				"tags":             stringArrayProp("Require all of these tags"),
				"include_archived": booleanProp("Include archived entities"),
			}),
		},
		{
			Name:        "update_entity",
			Description: "Update fields of an existing entity.",
			InputSchema: objectSchema(map[string]interface{}{
				"id":          stringProp("Entity ID (required)"),
				"name":        stringProp("New name"),
				"entity_type": enumProp("New entity type", "person", "organization", "project", "team", "product"),
				"person_type": stringProp("New person role"),
				"email":       stringProp("New email address"),
				"phone":       stringProp("New phone number"),
				"company":     stringProp("New company"),
				"title":       stringProp("New job title"),
				"website":     stringProp("New website URL"),
				"notes":       stringProp("New notes"),
				"importance":  numberProp("New importance"),
				"tags":        stringArrayProp("Replacement tag list"),
				"is_archived": booleanProp("Archive or unarchive the entity"),
			}, "id"),
		},
		{
			Name:        "delete_entity",
			Description: "Permanently delete an entity by ID. Memories referencing it keep their references.",
			InputSchema: objectSchema(map[string]interface{}{
				"id": stringProp("Entity ID (required)"),
			}, "id"),
		},
		{
			Name:        "record_interaction",
			Description: "Record an interaction with an entity (meeting, call, email) and bump its interaction counter.",
			InputSchema: objectSchema(map[string]interface{}{
				"entity_id":        stringProp("Entity ID (required)"),
				"interaction_type": stringProp("Kind of interaction, e.g. meeting, call, email (required)"),
				"notes":            stringProp("Freeform notes about the interaction"),
				"occurred_at":      stringProp("RFC 3339 timestamp; defaults to now"),
			}, "entity_id", "interaction_type"),
		},
	}
}
