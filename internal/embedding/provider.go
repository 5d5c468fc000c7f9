// Package embedding defines the embedding provider contract, the OpenAI
// implementation, and the circuit-breaker decorator used around it.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrorKind classifies provider failures so callers can decide between
// retrying, backing off, and giving up.
type ErrorKind int

const (
	// KindTransient covers timeouts, 5xx responses, and connection drops.
	// Safe to retry with backoff.
	KindTransient ErrorKind = iota

	// KindRateLimited means the provider throttled the call. RetryAfter
	// carries the provider's hint when one was given.
	KindRateLimited

	// KindAuth means the credential was rejected. Retrying won't help until
	// the configuration changes.
	KindAuth

	// KindPermanent covers invalid requests (oversized input, bad model,
	// dimension mismatch). Never retried.
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ProviderError is the typed failure returned by every Provider
// implementation.
type ProviderError struct {
	Kind       ErrorKind
	RetryAfter time.Duration // only meaningful for KindRateLimited
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider (%s): %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// AsProviderError extracts a *ProviderError from err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}

// Provider produces semantic vectors for text.
type Provider interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one embedding per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector length this provider produces.
	Dimension() int

	// Name identifies the provider for usage tracking (e.g. "openai").
	Name() string
}

// CosineSimilarity computes the cosine similarity of two vectors in
// [-1, 1]. A zero-magnitude vector yields 0. Mismatched dimensions are a
// permanent error: vectors from different models must never be compared
// silently.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &ProviderError{
			Kind: KindPermanent,
			Err:  fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b)),
		}
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
