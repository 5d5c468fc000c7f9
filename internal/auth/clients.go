package auth

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/membank/membank/internal/storage"
)

// ClientConfig is one entry of the client registry file. Either
// secret_sha256 (preferred) or secret must be set; plaintext secrets are
// hashed at load and never stored.
type ClientConfig struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Secret        string   `yaml:"secret"`
	SecretSHA256  string   `yaml:"secret_sha256"`
	RedirectURIs  []string `yaml:"redirect_uris"`
	AllowedScopes []string `yaml:"allowed_scopes"`
}

// IdentityConfig is one entry of the registry file's optional identities
// section. It maps a static IdP credential to a user, for self-hosted
// deployments that run without an external identity provider.
type IdentityConfig struct {
	Credential string `yaml:"credential"`
	UserID     string `yaml:"user_id"`
	Email      string `yaml:"email"`
	Name       string `yaml:"name"`
}

type clientRegistry struct {
	Clients    []ClientConfig   `yaml:"clients"`
	Identities []IdentityConfig `yaml:"identities"`
}

// LoadClientRegistry parses the YAML client registry file.
func LoadClientRegistry(path string) ([]ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client registry: %w", err)
	}
	return ParseClientRegistry(raw)
}

// ParseClientRegistry parses and validates registry file contents.
func ParseClientRegistry(raw []byte) ([]ClientConfig, error) {
	var registry clientRegistry
	if err := yaml.Unmarshal(raw, &registry); err != nil {
		return nil, fmt.Errorf("parse client registry: %w", err)
	}

	seen := make(map[string]struct{}, len(registry.Clients))
	for i, client := range registry.Clients {
		if client.ID == "" {
			return nil, fmt.Errorf("client registry entry %d: id is required", i)
		}
		if _, dup := seen[client.ID]; dup {
			return nil, fmt.Errorf("client registry: duplicate client id %q", client.ID)
		}
		seen[client.ID] = struct{}{}
		if client.Secret == "" && client.SecretSHA256 == "" {
			return nil, fmt.Errorf("client %q: secret or secret_sha256 is required", client.ID)
		}
		if len(client.RedirectURIs) == 0 {
			return nil, fmt.Errorf("client %q: at least one redirect URI is required", client.ID)
		}
	}
	return registry.Clients, nil
}

// LoadStaticVerifier builds a verifier from the registry file's identities
// section. Returns nil when the section is absent, in which case the broker
// accepts only its own issued access tokens.
func LoadStaticVerifier(path string) (*StaticVerifier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client registry: %w", err)
	}

	var registry clientRegistry
	if err := yaml.Unmarshal(raw, &registry); err != nil {
		return nil, fmt.Errorf("parse client registry: %w", err)
	}
	if len(registry.Identities) == 0 {
		return nil, nil
	}

	identities := make(map[string]Identity, len(registry.Identities))
	for i, entry := range registry.Identities {
		if entry.Credential == "" || entry.UserID == "" {
			return nil, fmt.Errorf("identity entry %d: credential and user_id are required", i)
		}
		if _, dup := identities[entry.Credential]; dup {
			return nil, fmt.Errorf("identity entry %d: duplicate credential", i)
		}
		identities[entry.Credential] = Identity{
			UserID: entry.UserID,
			Email:  entry.Email,
			Name:   entry.Name,
		}
	}
	return &StaticVerifier{Identities: identities}, nil
}

// RegisterClients upserts registry entries into the OAuth store. Run at
// startup so the registry file is the source of truth for client records.
func RegisterClients(ctx context.Context, store storage.OAuthStore, clients []ClientConfig) error {
	for _, client := range clients {
		secretHash := client.SecretSHA256
		if secretHash == "" {
			secretHash = HashSecret(client.Secret)
		}
		if err := store.UpsertClient(ctx, &storage.OAuthClient{
			ID:            client.ID,
			SecretHash:    secretHash,
			RedirectURIs:  client.RedirectURIs,
			AllowedScopes: client.AllowedScopes,
			Name:          client.Name,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("register client %q: %w", client.ID, err)
		}
	}
	return nil
}
