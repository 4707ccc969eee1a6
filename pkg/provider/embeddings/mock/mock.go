// Package mock provides a deterministic test double for embeddings.Provider.
// Each text hashes to a stable unit vector, so identical texts always embed
// identically and different texts almost never collide.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/kestrad/voxtail/pkg/provider/embeddings"
)

// Provider is a mock embeddings backend.
type Provider struct {
	// Dims is the vector dimensionality. Defaults to 8 when zero.
	Dims int

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	mu    sync.Mutex
	calls [][]string
}

var _ embeddings.Provider = (*Provider)(nil)

func (p *Provider) dims() int {
	if p.Dims == 0 {
		return 8
	}
	return p.Dims
}

func (p *Provider) vector(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	out := make([]float32, p.dims())
	var sum float64
	for i := range out {
		seed = seed*6364136223846793005 + 1442695040888963407
		out[i] = float32(int64(seed>>33)) / float32(math.MaxInt32)
		sum += float64(out[i]) * float64(out[i])
	}
	norm := float32(math.Sqrt(sum))
	for i := range out {
		out[i] /= norm
	}
	return out
}

func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.calls = append(p.calls, []string{text})
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(text), nil
}

func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	batch := make([]string, len(texts))
	copy(batch, texts)
	p.calls = append(p.calls, batch)
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

func (p *Provider) Dimensions() int { return p.dims() }

func (p *Provider) ModelID() string { return "mock-embed" }

// Batches returns every recorded call's input texts, in order.
func (p *Provider) Batches() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, len(p.calls))
	copy(out, p.calls)
	return out
}
