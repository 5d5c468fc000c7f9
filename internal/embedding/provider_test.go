package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []float32
		want    float64
		wantErr bool
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1.0, false},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0, false},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0, false},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0.0, false},
		{"dimension mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if tt.wantErr {
				require.Error(t, err)
				pe, ok := AsProviderError(err)
				require.True(t, ok)
				assert.Equal(t, KindPermanent, pe.Kind)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestProviderErrorKinds(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		retryable bool
		str       string
	}{
		{KindTransient, true, "transient"},
		{KindRateLimited, true, "rate_limited"},
		{KindAuth, false, "auth"},
		{KindPermanent, false, "permanent"},
	}
	for _, tt := range tests {
		pe := &ProviderError{Kind: tt.kind, Err: errors.New("boom")}
		assert.Equal(t, tt.retryable, pe.Retryable())
		assert.Equal(t, tt.str, tt.kind.String())
	}
}

func TestClassifyStatus(t *testing.T) {
	base := errors.New("api error")
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{429, KindRateLimited},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindPermanent},
		{413, KindPermanent},
	}
	for _, tt := range tests {
		err := classifyStatus(tt.status, base)
		pe, ok := AsProviderError(err)
		require.True(t, ok, "status %d", tt.status)
		assert.Equal(t, tt.kind, pe.Kind, "status %d", tt.status)
	}
}

func TestRetryAfterHint(t *testing.T) {
	d := retryAfterHint(errors.New("rate limit reached, please retry after 7 seconds"))
	assert.Equal(t, 7*time.Second, d)

	assert.Zero(t, retryAfterHint(errors.New("rate limit reached")))
}

func TestMockProviderDeterminism(t *testing.T) {
	m := NewMockProvider()
	ctx := context.Background()

	a, err := m.Embed(ctx, "hello")
	require.NoError(t, err)
	b, err := m.Embed(ctx, "hello")
	require.NoError(t, err)
	c, err := m.Embed(ctx, "goodbye")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, m.Dimension())
	assert.Equal(t, []string{"hello", "hello", "goodbye"}, m.Calls())
}

func TestBreakerTripsOnConsecutiveTransientFailures(t *testing.T) {
	mock := NewMockProvider()
	mock.Err = &ProviderError{Kind: KindTransient, Err: errors.New("upstream down")}

	bp := NewBreakerProvider(mock, BreakerConfig{MaxFailures: 3, Timeout: time.Minute}, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := bp.Embed(ctx, "text")
		require.Error(t, err)
	}
	assert.Equal(t, "open", bp.State())

	// Open circuit short-circuits without touching the provider.
	before := mock.CallCount()
	_, err := bp.Embed(ctx, "text")
	require.Error(t, err)
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, KindTransient, pe.Kind)
	assert.Equal(t, before, mock.CallCount())
}

func TestBreakerIgnoresPermanentFailures(t *testing.T) {
	mock := NewMockProvider()
	mock.Err = &ProviderError{Kind: KindPermanent, Err: errors.New("input too long")}

	bp := NewBreakerProvider(mock, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := bp.Embed(ctx, "text")
		require.Error(t, err)
	}
	// Permanent errors don't trip the breaker.
	assert.Equal(t, "closed", bp.State())
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	mock := NewMockProvider()
	bp := NewBreakerProvider(mock, BreakerConfig{}, zaptest.NewLogger(t))

	out, err := bp.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, mock.Dimension(), bp.Dimension())
	assert.Equal(t, "mock", bp.Name())
}
