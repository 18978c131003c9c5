// Package embedding implements the Embedding Provider boundary used by the
// indexer and search engine, grounded on the teacher's
// pkg/embedding/providers.Provider interface, trimmed to the single
// batch-embed operation SPEC_FULL.md's indexer and search paths actually
// need (the teacher's interface also covers model discovery and
// provider-level health/close, which this module folds into Client).
package embedding

import "context"

// Request is a single text to embed.
type Request struct {
	Text  string
	Model string
}

// Vector is one embedding result, paired with the model that produced it
// (models can have different dimensions — the caller must not assume a
// fixed width).
type Vector struct {
	Values []float32
	Model  string
}

// Provider generates embeddings for one or more texts. Implementations
//(OpenAI, Bedrock, a local model server, ...) are expected to batch
// internally up to their own API limits; Client (below) enforces the
// spec's ≤100-text batch ceiling before calling through.
type Provider interface {
	Name() string
	Embed(ctx context.Context, reqs []Request) ([]Vector, error)
	Dimensions(model string) (int, bool)
}

// MaxBatchSize is the spec's embed_batch_max default and ceiling (§ crawl
// config); Client.EmbedAll chunks larger inputs to respect it regardless
// of what the caller passes.
const MaxBatchSize = 100

// Client wraps a Provider with batching, so callers can pass an arbitrary
// number of texts without knowing the provider's batch ceiling.
type Client struct {
	provider  Provider
	batchSize int
}

func NewClient(provider Provider, batchSize int) *Client {
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	return &Client{provider: provider, batchSize: batchSize}
}

// EmbedAll embeds every text in reqs, batching internally, and returns
// results in the same order as reqs.
func (c *Client) EmbedAll(ctx context.Context, reqs []Request) ([]Vector, error) {
	out := make([]Vector, 0, len(reqs))
	for start := 0; start < len(reqs); start += c.batchSize {
		end := start + c.batchSize
		if end > len(reqs) {
			end = len(reqs)
		}
		vectors, err := c.provider.Embed(ctx, reqs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *Client) Dimensions(model string) (int, bool) {
	return c.provider.Dimensions(model)
}

// ProviderName identifies the backing provider, used as the "model"
// component of the retrieval cache key so entries from different embedding
// configurations never collide.
func (c *Client) ProviderName() string {
	return c.provider.Name()
}
