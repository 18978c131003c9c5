package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitevoice/kb-engine/internal/retry"
)

func TestMockProvider_Deterministic(t *testing.T) {
	p := NewMockProvider()
	v1, err := p.Embed(context.Background(), []Request{{Text: "hello"}})
	require.NoError(t, err)
	v2, err := p.Embed(context.Background(), []Request{{Text: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, v1[0].Values, v2[0].Values)
}

func TestClient_EmbedAll_Batches(t *testing.T) {
	p := NewMockProvider()
	c := NewClient(p, 2)

	reqs := make([]Request, 5)
	for i := range reqs {
		reqs[i] = Request{Text: "text"}
	}
	vectors, err := c.EmbedAll(context.Background(), reqs)
	require.NoError(t, err)
	assert.Len(t, vectors, 5)
}

type failingProvider struct {
	calls int
	failN int
}

func (f *failingProvider) Name() string { return "failing" }
func (f *failingProvider) Dimensions(string) (int, bool) { return 4, true }
func (f *failingProvider) Embed(context.Context, []Request) ([]Vector, error) {
	f.calls++
	if f.calls <= f.failN {
		return nil, errors.New("transient upstream error")
	}
	return []Vector{{Values: []float32{1, 2, 3, 4}, Model: "m"}}, nil
}

func TestResilientProvider_RetriesTransientFailures(t *testing.T) {
	inner := &failingProvider{failN: 2}
	cfg := retry.DefaultConfig()
	cfg.InitialInterval = 0
	cfg.MaxInterval = 0

	rp := NewResilientProvider(inner, cfg, nil)
	vectors, err := rp.Embed(context.Background(), []Request{{Text: "x"}})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, 3, inner.calls)
}
