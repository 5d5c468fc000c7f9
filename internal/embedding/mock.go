package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"
)

// MockProvider is a deterministic, recording Provider for tests. Vectors are
// derived from the input text, so equal texts embed equally and different
// texts (almost certainly) differ. Calls and their timestamps are recorded
// so tests can assert on when embedding happened relative to an API return.
type MockProvider struct {
	mu sync.Mutex

	// Dim is the vector length produced. Defaults to 8 when zero.
	Dim int

	// Err, when set, is returned by every call.
	Err error

	// FailFirst makes the first FailFirst calls return Err (or a transient
	// error when Err is nil), then succeed. Used for retry tests.
	FailFirst int

	// Delay is slept on every call to simulate latency.
	Delay time.Duration

	calls     []string
	callTimes []time.Time
	failures  int
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider returns a mock with the default dimension.
func NewMockProvider() *MockProvider {
	return &MockProvider{Dim: 8}
}

func (m *MockProvider) dim() int {
	if m.Dim == 0 {
		return 8
	}
	return m.Dim
}

// Embed records the call and returns a deterministic vector.
func (m *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch records the call and returns deterministic vectors.
func (m *MockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, &ProviderError{Kind: KindTransient, Err: ctx.Err()}
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, texts...)
	m.callTimes = append(m.callTimes, time.Now())
	failing := false
	if m.failures < m.FailFirst {
		m.failures++
		failing = true
	}
	err := m.Err
	m.mu.Unlock()

	if failing {
		if err == nil {
			err = &ProviderError{Kind: KindTransient, Err: context.DeadlineExceeded}
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = DeterministicVector(t, m.dim())
	}
	return out, nil
}

// Dimension returns the mock's vector length.
func (m *MockProvider) Dimension() int {
	return m.dim()
}

// Name identifies the mock for usage tracking.
func (m *MockProvider) Name() string {
	return "mock"
}

// Calls returns every text embedded so far.
func (m *MockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of EmbedBatch invocations.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.callTimes)
}

// FirstCallTime returns when the first call arrived, and whether any call
// arrived at all.
func (m *MockProvider) FirstCallTime() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.callTimes) == 0 {
		return time.Time{}, false
	}
	return m.callTimes[0], true
}

// DeterministicVector maps text to a stable unit-independent vector of the
// given dimension.
func DeterministicVector(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, dim)
	for i := range out {
		bits := binary.LittleEndian.Uint16(sum[(i*2)%30:])
		out[i] = float32(bits)/65535.0 - 0.5
	}
	return out
}
