// Package embeddings defines the Provider interface for text-embedding
// backends. The embed pipeline stage maps transcript segments and summary
// partitions to dense float32 vectors through it; chat retrieval embeds
// queries the same way.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"math"
)

// Provider is the abstraction over any text-embedding backend.
//
// All vectors from one Provider instance share the dimensionality reported
// by Dimensions. Vectors from different instances must not be mixed in one
// similarity computation unless both use the same model.
type Provider interface {
	// Embed computes the vector for a single text. The text is passed to
	// the model verbatim; any model-specific prefixing is the caller's
	// job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for texts in one backend call. The
	// result is ordered like texts; on error the whole slice is nil,
	// partial results are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length this provider produces.
	Dimensions() int

	// ModelID returns the backend model identifier, for logging and for
	// keeping collections consistent across runs.
	ModelID() string
}

// Normalize scales v to unit length in place and returns it. Zero vectors
// are returned unchanged. Cosine search expects normalized inputs when the
// backend does not normalize on its own.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
