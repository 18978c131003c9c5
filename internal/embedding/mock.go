package embedding

import (
	"context"
	"crypto/sha256"
)

// MockProvider is a deterministic, dependency-free Provider used for
// testing and for local development without a configured embedding
// vendor — it derives a vector from a hash of the text so identical
// inputs always embed identically, matching I1's idempotency expectation.
type MockProvider struct {
	dims map[string]int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{dims: map[string]int{"mock-embed": 16}}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Dimensions(model string) (int, bool) {
	d, ok := m.dims[model]
	return d, ok
}

func (m *MockProvider) Embed(_ context.Context, reqs []Request) ([]Vector, error) {
	out := make([]Vector, len(reqs))
	for i, r := range reqs {
		model := r.Model
		if model == "" {
			model = "mock-embed"
		}
		dims, ok := m.dims[model]
		if !ok {
			dims = 16
		}
		out[i] = Vector{Values: hashVector(r.Text, dims), Model: model}
	}
	return out, nil
}

// hashVector expands a sha256 digest of text into a dims-length float
// vector in [-1, 1], cycling through the digest bytes as needed.
func hashVector(text string, dims int) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, dims)
	for i := range v {
		b := sum[i%len(sum)]
		v[i] = float32(int(b)-128) / 128.0
	}
	return v
}
