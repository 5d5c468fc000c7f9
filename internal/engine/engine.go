package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/membank/membank/internal/embedding"
	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/pkg/types"
)

// ada-002 pricing, used for the per-user usage ledger.
const costPerToken = 0.0000001

// Engine is the memory core. It validates writes, owns ID generation,
// coordinates embedding, and answers recall queries. Every user-facing
// method takes an explicit userID; the engine never invents one.
type Engine struct {
	store    storage.Store
	provider embedding.Provider // nil when embedding is disabled globally
	queue    *Queue
	logger   *zap.Logger
}

// New creates an engine. provider may be nil to disable embedding; queue
// may be nil when no worker runs (embeddings then stay missing until a
// backfill).
func New(store storage.Store, provider embedding.Provider, queue *Queue, logger *zap.Logger) *Engine {
	return &Engine{store: store, provider: provider, queue: queue, logger: logger}
}

// Store exposes the underlying store for transport-level reads.
func (e *Engine) Store() storage.Store {
	return e.store
}

// AddMemory validates and persists a new memory, then produces its
// embedding according to the requested mode. A failed sync embed never
// fails the write; it degrades to a queued async attempt.
func (e *Engine) AddMemory(ctx context.Context, userID string, req AddMemoryRequest) (*AddMemoryResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	if req.Content == "" {
		return nil, fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}

	memoryType := req.MemoryType
	if memoryType == "" {
		memoryType = types.MemoryTypeMemory
	}
	if !types.IsValidMemoryType(memoryType) {
		return nil, fmt.Errorf("%w: invalid memory type %q", storage.ErrInvalidInput, memoryType)
	}

	entityIDs, err := e.filterKnownEntities(ctx, userID, req.EntityIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	memory := &types.Memory{
		ID:         "mem_" + uuid.NewString(),
		UserID:     userID,
		Title:      req.Title,
		Content:    req.Content,
		MemoryType: memoryType,
		Importance: types.ClampImportance(req.Importance),
		Tags:       types.DedupTags(req.Tags),
		EntityIDs:  entityIDs,
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	result := &AddMemoryResult{Memory: memory}

	if req.Mode == ModeSync && e.provider != nil {
		if vec, embErr := e.embedAndTrack(ctx, userID, memory.EmbeddingText()); embErr == nil {
			memory.Embedding = vec
			result.HasEmbedding = true
		} else {
			e.logger.Warn("Sync embedding failed, queueing for retry",
				zap.String("memory_id", memory.ID),
				zap.Error(embErr))
		}
	}

	if err := e.store.StoreMemory(ctx, userID, memory); err != nil {
		return nil, err
	}

	if !result.HasEmbedding && req.Mode != ModeDisabled && e.provider != nil {
		result.EmbeddingQueued = e.enqueue(userID, memory.ID)
	}
	return result, nil
}

// GetMemory retrieves one memory in the user's scope.
func (e *Engine) GetMemory(ctx context.Context, userID, id string) (*types.Memory, error) {
	return e.store.GetMemory(ctx, userID, id)
}

// ListMemories lists the user's memories.
func (e *Engine) ListMemories(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	return e.store.ListMemories(ctx, userID, opts)
}

// UpdateMemory applies a patch to a memory. When the patch touches any
// field that feeds the embedding text, the stale embedding is cleared and
// regenerated per mode. ID and UserID cannot change; the patch type has no
// fields for them.
func (e *Engine) UpdateMemory(ctx context.Context, userID, id string, patch types.MemoryPatch, mode EmbeddingMode) (*UpdateMemoryResult, error) {
	memory, err := e.store.GetMemory(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return &UpdateMemoryResult{Memory: memory, HasEmbedding: memory.HasEmbedding()}, nil
	}

	if patch.Title != nil {
		memory.Title = *patch.Title
	}
	if patch.Content != nil {
		if *patch.Content == "" {
			return nil, fmt.Errorf("%w: content cannot be cleared", storage.ErrInvalidInput)
		}
		memory.Content = *patch.Content
	}
	if patch.MemoryType != nil {
		if !types.IsValidMemoryType(*patch.MemoryType) {
			return nil, fmt.Errorf("%w: invalid memory type %q", storage.ErrInvalidInput, *patch.MemoryType)
		}
		memory.MemoryType = *patch.MemoryType
	}
	if patch.Importance != nil {
		memory.Importance = types.ClampImportance(*patch.Importance)
	}
	if patch.Tags != nil {
		memory.Tags = types.DedupTags(*patch.Tags)
	}
	if patch.EntityIDs != nil {
		ids, err := e.filterKnownEntities(ctx, userID, *patch.EntityIDs)
		if err != nil {
			return nil, err
		}
		memory.EntityIDs = ids
	}
	if patch.Metadata != nil {
		memory.Metadata = *patch.Metadata
	}
	if patch.IsArchived != nil {
		memory.IsArchived = *patch.IsArchived
	}

	result := &UpdateMemoryResult{Memory: memory}

	if patch.ClearsEmbedding() {
		memory.Embedding = nil
		if mode == ModeSync && e.provider != nil {
			if vec, embErr := e.embedAndTrack(ctx, userID, memory.EmbeddingText()); embErr == nil {
				memory.Embedding = vec
				result.HasEmbedding = true
			} else {
				e.logger.Warn("Sync re-embedding failed, queueing for retry",
					zap.String("memory_id", memory.ID),
					zap.Error(embErr))
			}
		}
	} else {
		result.HasEmbedding = memory.HasEmbedding()
	}

	memory.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateMemory(ctx, userID, memory); err != nil {
		return nil, err
	}

	if patch.ClearsEmbedding() && !result.HasEmbedding && mode != ModeDisabled && e.provider != nil {
		result.EmbeddingQueued = e.enqueue(userID, memory.ID)
	}
	return result, nil
}

// DeleteMemory removes a memory and drops any pending embedding work.
func (e *Engine) DeleteMemory(ctx context.Context, userID, id string) error {
	if err := e.store.DeleteMemory(ctx, userID, id); err != nil {
		return err
	}
	if e.queue != nil {
		e.queue.Remove(userID, id)
	}
	return nil
}

// GetStatistics returns the user's aggregate counts.
func (e *Engine) GetStatistics(ctx context.Context, userID string) (*storage.Statistics, error) {
	return e.store.GetStatistics(ctx, userID)
}

// AddEntityRequest is the programmatic entity write request.
type AddEntityRequest struct {
	Name       string
	EntityType string
	PersonType string
	Email      string
	Phone      string
	Company    string
	Title      string
	Website    string
	Notes      string
	Importance float64
	Tags       []string
	Metadata   types.Metadata
}

// AddEntity validates and persists a new entity.
func (e *Engine) AddEntity(ctx context.Context, userID string, req AddEntityRequest) (*types.Entity, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", storage.ErrInvalidInput)
	}
	entityType := req.EntityType
	if entityType == "" {
		entityType = types.EntityTypePerson
	}
	if !types.IsValidEntityType(entityType) {
		return nil, fmt.Errorf("%w: invalid entity type %q", storage.ErrInvalidInput, entityType)
	}

	now := time.Now().UTC()
	entity := &types.Entity{
		ID:         "ent_" + uuid.NewString(),
		UserID:     userID,
		Name:       req.Name,
		EntityType: entityType,
		PersonType: req.PersonType,
		Email:      req.Email,
		Phone:      req.Phone,
		Company:    req.Company,
		Title:      req.Title,
		Website:    req.Website,
		Notes:      req.Notes,
		Importance: types.ClampImportance(req.Importance),
		Tags:       types.DedupTags(req.Tags),
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.StoreEntity(ctx, userID, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// GetEntity retrieves one entity in the user's scope.
func (e *Engine) GetEntity(ctx context.Context, userID, id string) (*types.Entity, error) {
	return e.store.GetEntity(ctx, userID, id)
}

// ListEntities lists the user's entities.
func (e *Engine) ListEntities(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.Entity], error) {
	return e.store.ListEntities(ctx, userID, opts)
}

// UpdateEntity applies a patch to an entity.
func (e *Engine) UpdateEntity(ctx context.Context, userID, id string, patch types.EntityPatch) (*types.Entity, error) {
	entity, err := e.store.GetEntity(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return entity, nil
	}

	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, fmt.Errorf("%w: name cannot be cleared", storage.ErrInvalidInput)
		}
		entity.Name = *patch.Name
	}
	if patch.EntityType != nil {
		if !types.IsValidEntityType(*patch.EntityType) {
			return nil, fmt.Errorf("%w: invalid entity type %q", storage.ErrInvalidInput, *patch.EntityType)
		}
		entity.EntityType = *patch.EntityType
	}
	if patch.PersonType != nil {
		entity.PersonType = *patch.PersonType
	}
	if patch.Email != nil {
		entity.Email = *patch.Email
	}
	if patch.Phone != nil {
		entity.Phone = *patch.Phone
	}
	if patch.Company != nil {
		entity.Company = *patch.Company
	}
	if patch.Title != nil {
		entity.Title = *patch.Title
	}
	if patch.Website != nil {
		entity.Website = *patch.Website
	}
	if patch.Notes != nil {
		entity.Notes = *patch.Notes
	}
	if patch.Importance != nil {
		entity.Importance = types.ClampImportance(*patch.Importance)
	}
	if patch.Tags != nil {
		entity.Tags = types.DedupTags(*patch.Tags)
	}
	if patch.Metadata != nil {
		entity.Metadata = *patch.Metadata
	}
	if patch.IsArchived != nil {
		entity.IsArchived = *patch.IsArchived
	}

	entity.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateEntity(ctx, userID, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// DeleteEntity removes an entity. Memory references to it are weak and
// simply stop resolving.
func (e *Engine) DeleteEntity(ctx context.Context, userID, id string) error {
	return e.store.DeleteEntity(ctx, userID, id)
}

// RecordInteraction appends an interaction and bumps the entity's counter.
func (e *Engine) RecordInteraction(ctx context.Context, userID, entityID, interactionType, notes string, occurredAt time.Time) (*types.Interaction, error) {
	if interactionType == "" {
		return nil, fmt.Errorf("%w: interaction type is required", storage.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if occurredAt.IsZero() {
		occurredAt = now
	}
	interaction := &types.Interaction{
		ID:              "int_" + uuid.NewString(),
		UserID:          userID,
		EntityID:        entityID,
		InteractionType: interactionType,
		Notes:           notes,
		OccurredAt:      occurredAt.UTC(),
		CreatedAt:       now,
	}
	if err := e.store.RecordInteraction(ctx, userID, interaction); err != nil {
		return nil, err
	}
	return interaction, nil
}

// filterKnownEntities drops references to entities that do not exist in the
// user's scope, logging each drop. Unknown references are forgiven rather
// than fatal so bulk imports don't fail on one stale ID.
func (e *Engine) filterKnownEntities(ctx context.Context, userID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		ok, err := e.store.EntityExists(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			e.logger.Warn("Dropping reference to unknown entity",
				zap.String("entity_id", id))
			continue
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// embedAndTrack embeds one text and records the user's API usage.
func (e *Engine) embedAndTrack(ctx context.Context, userID, text string) ([]float32, error) {
	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.trackUsage(ctx, userID, text)
	return vec, nil
}

// trackUsage best-effort records estimated token consumption. Usage
// accounting never fails the operation that triggered it.
func (e *Engine) trackUsage(ctx context.Context, userID, text string) {
	tokens := int64(len(text) / 4)
	if tokens < 1 {
		tokens = 1
	}
	if err := e.store.RecordUsage(ctx, userID, e.provider.Name(), time.Now().UTC(), tokens, float64(tokens)*costPerToken); err != nil {
		e.logger.Warn("Failed to record API usage", zap.Error(err))
	}
}

func (e *Engine) enqueue(userID, id string) bool {
	if e.queue == nil {
		return false
	}
	e.queue.Enqueue(userID, id)
	return true
}
