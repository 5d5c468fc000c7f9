package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/membank/membank/internal/engine"
	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/pkg/types"
)

// toolFunc executes one tool for an authenticated user.
type toolFunc func(ctx context.Context, userID string, args json.RawMessage) (interface{}, error)

// toolHandler resolves a tool (or direct JSON-RPC method) name.
func (s *Server) toolHandler(name string) (toolFunc, bool) {
	switch name {
	case "store_memory":
		return s.handleStoreMemory, true
	case "recall_memories":
		return s.handleRecallMemories, true
	case "get_memory":
		return s.handleGetMemory, true
	case "list_memories":
		return s.handleListMemories, true
	case "update_memory":
		return s.handleUpdateMemory, true
	case "delete_memory":
		return s.handleDeleteMemory, true
	case "get_memory_stats":
		return s.handleGetMemoryStats, true
	case "update_missing_embeddings":
		return s.handleUpdateMissingEmbeddings, true
	case "store_entity":
		return s.handleStoreEntity, true
	case "get_entity":
		return s.handleGetEntity, true
	case "list_entities":
		return s.handleListEntities, true
	case "update_entity":
		return s.handleUpdateEntity, true
	case "delete_entity":
		return s.handleDeleteEntity, true
	case "record_interaction":
		return s.handleRecordInteraction, true
	}
	return nil, false
}

// decodeArgs unmarshals tool arguments. Missing arguments decode to the
// zero value; malformed arguments are an invalid-params error.
func decodeArgs(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &invalidParamsError{reason: fmt.Sprintf("invalid arguments: %v", err)}
	}
	return nil
}

func (s *Server) handleStoreMemory(ctx context.Context, userID string, raw json.RawMessage) (interface{}, error) {
	var args StoreMemoryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Content == "" {
		return nil, fmt.Errorf("content is required")
	}

	mode, err := engine.ParseEmbeddingMode(args.EmbeddingMode, s.defaultMode)
	if err != nil {
		return nil, err
	}

	result, err := s.engine.AddMemory(ctx, userID, engine.AddMemoryRequest{
		Title:      args.Title,
		Content:    args.Content,
		MemoryType: args.MemoryType,
		Importance: args.Importance,
		Tags:       args.Tags,
		EntityIDs:  args.EntityIDs,
		Metadata:   types.Metadata{Source: args.Source},
		Mode:       mode,
	})
	if err != nil {
		return nil, err
	}

	message := "Memory stored"
	switch {
	case result.HasEmbedding:
		message = "Memory stored and embedded"
	case result.EmbeddingQueued:
		message = "Memory stored; embedding queued"
	}
	return StoreMemoryResult{
		ID:              result.Memory.ID,
		HasEmbedding:    result.HasEmbedding,
		EmbeddingQueued: result.EmbeddingQueued,
		Message:         message,
	}, nil
}

func (s *Server) handleRecallMemories(ctx context.Context, userID string, raw json.RawMessage) (interface{}, error) {
	var args RecallMemoriesArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	strategy, err := engine.ParseRecallStrategy(args.Strategy)
	if err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	result, err := s.engine.Recall(ctx, userID, engine.RecallRequest{
		Query:      args.Query,
		Strategy:   strategy,
		Limit:      limit,
		MemoryType: args.MemoryType,
		Tags:       args.Tags,
		Threshold:  args.Threshold,
	})
	if err != nil {
		return nil, err
	}

	memories := make([]RecalledMemory, 0, len(result.Memories))
	for _, scored := range result.Memories {
		memories = append(memories, RecalledMemory{Memory: *scored.Memory, Score: scored.Score})
	}
	return RecallMemoriesResult{
		Memories: memories,
		Total:    len(memories),
		Degraded: result.Degraded,
	}, nil
}

func (s *Server) handleGetMemory(ctx context.Context, userID string, raw json.RawMessage) (interface{}, error) {
	var args GetMemoryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	return s.engine.GetMemory(ctx, userID, args.ID)
}

func (s *Server) handleListMemories(ctx context.Context, userID string, raw json.RawMessage) (interface{}, error) {
	var args ListMemoriesArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	var updatedAfter time.Time
	if args.UpdatedAfter != "" {
		var err error
		updatedAfter, err = time.Parse(time.RFC3339, args.UpdatedAfter)
		if err != nil {
			return nil, fmt.Errorf("updated_after must be RFC 3339: %w", err)
		}
	}

	page, err := s.engine.ListMemories(ctx, userID, storage.ListOptions{
		Page:            args.Page,
		Limit:           args.Limit,
		SortBy:          args.SortBy,
		SortOrder:       args.SortOrder,
		MemoryType:      args.MemoryType,
		Tags:            args.Tags,
		UpdatedAfter:    updatedAfter,
		IncludeArchived: args.IncludeArchived,
	})
	if err != nil {
		return nil, err
	}
	return ListMemoriesResult{
		Memories: page.Items,
		Total:    page.Total,
		Page:     page.Page,
		HasMore:  page.HasMore,
	}, nil
}

func (s *Server) handleUpdateMemory(ctx context.Context, userID string, raw json.RawMessage) (interface{}, error) {
	var args UpdateMemoryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	mode, err := engine.ParseEmbeddingMode(args.EmbeddingMode, s.defaultMode)
	if err != nil {
		return nil, err
	}

	result, err := s.engine.UpdateMemory(ctx, userID, args.ID, types.MemoryPatch{
		Title:      args.Title,
		Content:    args.Content,
		MemoryType: args.MemoryType,
		Importance: args.Importance,
		Tags:       args.Tags,
		EntityIDs:  args.EntityIDs,
		IsArchived: args.IsArchived,
	}, mode)
	if err != nil {
		return nil, err
	}

	message := "Memory updated"
	if result.EmbeddingQueued {
		message = "Memory updated; embedding queued"
	}
	return UpdateMemoryToolResult{
		ID:              args.ID,
		Updated:         true,
		HasEmbedding:    result.HasEmbedding,
		EmbeddingQueued: result.EmbeddingQueued,
		Message:         message,
	}, nil
}

func (s *Server) handleDeleteMemory(ctx context.Context, userID string, raw json.RawMessage) (interface{}, error) {
	var args DeleteMemoryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if err := s.engine.DeleteMemory(ctx, userID, args.ID); err != nil {
		return nil, err
	}
	return DeleteMemoryResult{ID: args.ID, Deleted: true}, nil
}

func (s *Server) handleGetMemoryStats(ctx context.Context, userID string, _ json.RawMessage) (interface{}, error) {
	stats, err := s.engine.GetStatistics(ctx, userID)
	if err != nil {
		return nil, err
	}
	return MemoryStatsResult{
		TotalMemories:     stats.TotalMemories,
		MemoriesByType:    stats.MemoriesByType,
		WithEmbedding:     stats.WithEmbedding,
		MissingEmbedding:  stats.MissingEmbedding,
		ArchivedMemories:  stats.ArchivedMemories,
		TotalEntities:     stats.TotalEntities,
		EntitiesByType:    stats.EntitiesByType,
		TotalInteractions: stats.TotalInteractions,
	}, nil
}

func (s *Server) handleUpdateMissingEmbeddings(ctx context.Context, userID string, raw json.RawMessage) (interface{}, error) {
	var args UpdateMissingEmbeddingsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if s.worker == nil {
		return nil, fmt.Errorf("embedding worker is not running")
	}

	updated, err := s.worker.ProcessMissing(ctx, userID, args.Limit)
	if err != nil {
		return nil, err
	}
	return UpdateMissingEmbeddingsResult{
		Updated: updated,
		Message: fmt.Sprintf("Updated %d embeddings", updated),
	}, nil
}

func (s *Server) handleStoreEntity(ctx context.Context, userID string, raw json.RawMessage) (interface{}, error) {
	var args StoreEntityArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	entity, err := s.engine.AddEntity(ctx, userID, engine.AddEntityRequest{
		Name:       args.Name,
		EntityType: args.EntityType,
		PersonType: args.PersonType,
		Email:      args.Email,
		Phone:      args.Phone,
		Company:    args.Company,
		Title:      args.Title,
		Website:    args.Website,
		Notes:      args.Notes,
		Importance: args.Importance,
		Tags:       args.Tags,
	})
	if err != nil {
		return nil, err
	}
	return StoreEntityResult{ID: entity.ID, Message: "Entity stored"}, nil
}

func (s *Server) handleGetEntity(ctx context.Context, userID string, raw json.RawMessage) (interface{}, error) {
	var args GetEntityArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	return s.engine.GetEntity(ctx, userID, args.ID)
}

func (s *Server) handleListEntities(ctx context.Context, userID string, raw json.RawMessage) (interface{}, error) {
	var args ListEntitiesArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	page, err := s.engine.ListEntities(ctx, userID, storage.ListOptions{
		Page:            args.Page,
		Limit:           args.Limit,
		SortBy:          args.SortBy,
		SortOrder:       args.SortOrder,
		EntityType:      args.EntityType,
		Tags:            args.Tags,
		IncludeArchived: args.IncludeArchived,
	})
	if err != nil {
		return nil, err
	}
	return ListEntitiesResult{
		Entities: page.Items,
		Total:    page.Total,
		Page:     page.Page,
		HasMore:  page.HasMore,
	}, nil
}

func (s *Server) handleUpdateEntity(ctx context.Context, userID string, raw json.RawMessage) (interface{}, error) {
	var args UpdateEntityArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	_, err := s.engine.UpdateEntity(ctx, userID, args.ID, types.EntityPatch{
		Name:       args.Name,
		EntityType: args.EntityType,
		PersonType: args.PersonType,
		Email:      args.Email,
		Phone:      args.Phone,
		Company:    args.Company,
		Title:      args.Title,
		Website:    args.Website,
		Notes:      args.Notes,
		Importance: args.Importance,
		Tags:       args.Tags,
		IsArchived: args.IsArchived,
	})
	if err != nil {
		return nil, err
	}
	return UpdateEntityResult{ID: args.ID, Updated: true, Message: "Entity updated"}, nil
}

func (s *Server) handleDeleteEntity(ctx context.Context, userID string, raw json.RawMessage) (interface{}, error) {
	var args DeleteEntityArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if err := s.engine.DeleteEntity(ctx, userID, args.ID); err != nil {
		return nil, err
	}
	return DeleteEntityResult{ID: args.ID, Deleted: true}, nil
}

func (s *Server) handleRecordInteraction(ctx context.Context, userID string, raw json.RawMessage) (interface{}, error) {
	var args RecordInteractionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.EntityID == "" {
		return nil, fmt.Errorf("entity_id is required")
	}
	if args.InteractionType == "" {
		return nil, fmt.Errorf("interaction_type is required")
	}

	var occurredAt time.Time
	if args.OccurredAt != "" {
		parsed, err := time.Parse(time.RFC3339, args.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("occurred_at must be RFC 3339: %w", err)
		}
		occurredAt = parsed
	}

	interaction, err := s.engine.RecordInteraction(ctx, userID, args.EntityID, args.InteractionType, args.Notes, occurredAt)
	if err != nil {
		return nil, err
	}

	entity, err := s.engine.GetEntity(ctx, userID, args.EntityID)
	if err != nil {
		return nil, err
	}
	return RecordInteractionResult{
		ID:               interaction.ID,
		EntityID:         args.EntityID,
		InteractionCount: entity.InteractionCount,
	}, nil
}
