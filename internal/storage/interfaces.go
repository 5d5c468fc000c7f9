// Package storage provides composable storage interfaces for the MemBank
// service.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. Every user-scoped method
// takes the owning userID as an explicit leading parameter; an implementation
// must apply it as a SQL-level filter on every statement it runs. The single
// exception is FindMemoriesMissingEmbedding, which accepts an empty userID so
// the background worker can sweep every user's backlog.
package storage

import (
	"context"
	"time"

	"github.com/membank/membank/pkg/types"
)

// MemoryStore provides CRUD operations and pagination for memories.
type MemoryStore interface {
	// StoreMemory inserts a new memory. The memory's UserID must match the
	// userID parameter and must reference an existing user.
	// Returns ErrConflict if the ID already exists.
	StoreMemory(ctx context.Context, userID string, memory *types.Memory) error

	// GetMemory retrieves a memory by ID within the user's scope.
	// Returns ErrNotFound if it doesn't exist or belongs to another user.
	GetMemory(ctx context.Context, userID, id string) (*types.Memory, error)

	// ListMemories retrieves the user's memories with pagination and filtering.
	ListMemories(ctx context.Context, userID string, opts ListOptions) (*PaginatedResult[types.Memory], error)

	// UpdateMemory replaces the stored row for memory.ID within the user's
	// scope. ID and UserID are never changed.
	// Returns ErrNotFound if the memory doesn't exist for this user.
	UpdateMemory(ctx context.Context, userID string, memory *types.Memory) error

	// DeleteMemory hard-deletes a memory by ID within the user's scope.
	// Returns ErrNotFound if the memory doesn't exist for this user.
	DeleteMemory(ctx context.Context, userID, id string) error

	// UpdateEmbedding writes just the embedding column (and updated_at) for
	// the given memory. Used by the embedding worker so a concurrent content
	// update is not clobbered.
	UpdateEmbedding(ctx context.Context, userID, id string, embedding []float32) error

	// ListEmbeddedMemories returns up to limit of the user's non-archived
	// memories that carry an embedding, newest first. The recall path builds
	// its in-memory vector index from this set.
	ListEmbeddedMemories(ctx context.Context, userID string, limit int) ([]*types.Memory, error)

	// FindMemoriesMissingEmbedding returns up to limit non-archived memories
	// that have no embedding, oldest first. An empty userID sweeps all users;
	// this is the one read allowed to cross user boundaries, and only the
	// background worker uses it that way (it only ever writes embeddings back).
	FindMemoriesMissingEmbedding(ctx context.Context, userID string, limit int) ([]*types.Memory, error)

	// GetStatistics computes the user's aggregate counts.
	GetStatistics(ctx context.Context, userID string) (*Statistics, error)
}

// EntityStore provides CRUD operations for entities and their interactions.
type EntityStore interface {
	// StoreEntity inserts a new entity. Returns ErrConflict on duplicate ID.
	StoreEntity(ctx context.Context, userID string, entity *types.Entity) error

	// GetEntity retrieves an entity by ID within the user's scope.
	GetEntity(ctx context.Context, userID, id string) (*types.Entity, error)

	// ListEntities retrieves the user's entities with pagination and filtering.
	ListEntities(ctx context.Context, userID string, opts ListOptions) (*PaginatedResult[types.Entity], error)

	// UpdateEntity replaces the stored row for entity.ID within the user's
	// scope. ID and UserID are never changed.
	UpdateEntity(ctx context.Context, userID string, entity *types.Entity) error

	// DeleteEntity hard-deletes an entity. Memories referencing it keep their
	// dangling entity_ids; references are weak.
	DeleteEntity(ctx context.Context, userID, id string) error

	// EntityExists reports whether the entity exists in the user's scope.
	// Used to drop unknown entity references on memory writes.
	EntityExists(ctx context.Context, userID, id string) (bool, error)

	// RecordInteraction appends an interaction row and atomically increments
	// the entity's interaction_count.
	// Returns ErrNotFound if the entity doesn't exist for this user.
	RecordInteraction(ctx context.Context, userID string, interaction *types.Interaction) error
}

// UserStore manages tenant records.
type UserStore interface {
	// UpsertUser creates the user if absent, or refreshes email/name if
	// present. Called by the auth broker on every verified identity.
	UpsertUser(ctx context.Context, user *types.User) error

	// GetUser retrieves a user by ID. Returns ErrNotFound if absent.
	GetUser(ctx context.Context, id string) (*types.User, error)
}

// UsageStore tracks external-provider API consumption per user and day.
type UsageStore interface {
	// RecordUsage adds tokens and cost to the (userID, provider, day) row,
	// creating it if absent.
	RecordUsage(ctx context.Context, userID, provider string, day time.Time, tokens int64, cost float64) error

	// GetUsage returns the user's usage rows between from and to inclusive.
	GetUsage(ctx context.Context, userID string, from, to time.Time) ([]types.APIUsage, error)
}

// SearchProvider provides full-text search over the user's memories and
// entities. Implementations keep the search index in lockstep with the base
// tables (triggers for sqlite FTS5, generated tsvector for postgres) so a
// committed write is immediately searchable.
type SearchProvider interface {
	// SearchMemories runs a full-text query over the user's memories and
	// returns matches with normalized scores, best first.
	SearchMemories(ctx context.Context, userID string, opts SearchOptions) ([]SearchResult, error)

	// SearchEntities runs a full-text query over the user's entities.
	SearchEntities(ctx context.Context, userID string, opts SearchOptions) ([]SearchResult, error)
}

// OAuthClient is a registered OAuth 2.0 client. Clients are provisioned
// out-of-band from a YAML registry file; SecretHash is the SHA-256 of the
// client secret, never the secret itself.
type OAuthClient struct {
	ID            string
	SecretHash    string // hex-encoded sha256(client_secret)
	RedirectURIs  []string
	AllowedScopes []string // empty means any requested scope is granted
	Name          string
	CreatedAt     time.Time
}

// AuthorizationCode is a single-use OAuth authorization code binding a
// verified user to a client and redirect URI.
type AuthorizationCode struct {
	Code        string
	ClientID    string
	UserID      string
	RedirectURI string
	Scope       string    // space-separated, carried onto the issued token
	ExpiresAt   time.Time // 10 minutes after issue
	Used        bool
	CreatedAt   time.Time
}

// AccessToken is an issued bearer token. The Token value carries the
// "mcp_at_" prefix; lookups are by the full token string.
type AccessToken struct {
	Token     string
	ClientID  string
	UserID    string
	Scope     string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// OAuthStore persists the auth broker's OAuth state.
type OAuthStore interface {
	// UpsertClient registers or refreshes a client from the registry file.
	UpsertClient(ctx context.Context, client *OAuthClient) error

	// GetClient retrieves a client by ID. Returns ErrNotFound if absent.
	GetClient(ctx context.Context, id string) (*OAuthClient, error)

	// StoreAuthorizationCode persists a freshly issued code.
	StoreAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically marks the code used and returns it.
	// The mark must be a single conditional UPDATE (WHERE used = 0) so that
	// concurrent redemptions of the same code cannot both succeed.
	// Returns ErrConflict if the code was already used, ErrNotFound if the
	// code does not exist or has expired.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// StoreToken persists an issued access token.
	StoreToken(ctx context.Context, token *AccessToken) error

	// GetToken retrieves a non-expired, non-revoked token. Returns
	// ErrNotFound when the token is unknown, expired, or revoked.
	GetToken(ctx context.Context, token string) (*AccessToken, error)

	// RevokeToken marks an issued token revoked. Returns ErrNotFound when
	// the token does not exist.
	RevokeToken(ctx context.Context, token string) error

	// DeleteExpired removes expired codes and tokens. Returns rows removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full storage surface a backend must provide.
type Store interface {
	MemoryStore
	EntityStore
	UserStore
	UsageStore
	SearchProvider
	OAuthStore

	// Close releases any resources held by the store.
	Close() error
}
