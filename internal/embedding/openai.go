package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// requestTimeout bounds every embedding API call.
const requestTimeout = 30 * time.Second

// OpenAIConfig configures the OpenAI embedding client.
type OpenAIConfig struct {
	APIKey     string
	Model      string // defaults to text-embedding-ada-002
	BaseURL    string // defaults to the official endpoint
	Dimensions int    // defaults to 1536
}

// OpenAIProvider implements Provider on the OpenAI Embeddings API.
type OpenAIProvider struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates the client. The API key is required.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	model := openai.AdaEmbeddingV2
	switch cfg.Model {
	case "", "text-embedding-ada-002":
		model = openai.AdaEmbeddingV2
	case "text-search-ada-doc-001":
		model = openai.AdaSearchDocument
	default:
		return nil, fmt.Errorf("unsupported embedding model %q", cfg.Model)
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = 1536
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(config),
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Embed returns the embedding for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch returns one embedding per input text, in order.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, &ProviderError{Kind: KindPermanent, Err: errors.New("no texts to embed")}
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: p.model,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, &ProviderError{
			Kind: KindTransient,
			Err:  fmt.Errorf("unexpected result count: got %d, expected %d", len(resp.Data), len(texts)),
		}
	}

	embeddings := make([][]float32, len(texts))
	for i, data := range resp.Data {
		if len(data.Embedding) != p.dimensions {
			return nil, &ProviderError{
				Kind: KindPermanent,
				Err:  fmt.Errorf("dimension mismatch: got %d, expected %d", len(data.Embedding), p.dimensions),
			}
		}
		embeddings[i] = data.Embedding
	}
	return embeddings, nil
}

// Dimension returns the configured vector length.
func (p *OpenAIProvider) Dimension() int {
	return p.dimensions
}

// Name identifies the provider for usage tracking.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// classifyOpenAIError maps SDK and transport failures onto ProviderError
// kinds: 401/403 auth, 429 rate limited (with Retry-After when present),
// 5xx and network failures transient, other 4xx permanent.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, apiErr)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, reqErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: KindTransient, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ProviderError{Kind: KindTransient, Err: err}
	}
	return &ProviderError{Kind: KindTransient, Err: err}
}

func classifyStatus(status int, err error) error {
	switch {
	case status == 401 || status == 403:
		return &ProviderError{Kind: KindAuth, Err: err}
	case status == 429:
		return &ProviderError{Kind: KindRateLimited, RetryAfter: retryAfterHint(err), Err: err}
	case status >= 500:
		return &ProviderError{Kind: KindTransient, Err: err}
	case status >= 400:
		return &ProviderError{Kind: KindPermanent, Err: err}
	default:
		return &ProviderError{Kind: KindTransient, Err: err}
	}
}

// retryAfterHint pulls a Retry-After seconds value out of the error message
// when the API included one. The SDK does not expose response headers, so
// this is best-effort; zero means "no hint".
func retryAfterHint(err error) time.Duration {
	msg := err.Error()
	const marker = "retry after "
	for i := 0; i+len(marker) < len(msg); i++ {
		if msg[i:i+len(marker)] == marker {
			j := i + len(marker)
			k := j
			for k < len(msg) && msg[k] >= '0' && msg[k] <= '9' {
				k++
			}
			if secs, convErr := strconv.Atoi(msg[j:k]); convErr == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}
