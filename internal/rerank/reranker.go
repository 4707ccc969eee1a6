// Package rerank reorders retrieval candidates with a cross-encoder under
// GPU arbitration. Reranking is an optional quality boost on the chat
// retrieval path, so every failure degrades to input order instead of
// propagating.
package rerank

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/kestrad/voxtail/internal/gpu"
	"github.com/kestrad/voxtail/pkg/provider/rerank"
)

// Candidate is one retrieval result to be reordered.
type Candidate struct {
	ID    string
	Text  string
	Score float64
}

// Reranker scores candidates against a query. The scorer is constructed
// lazily on first use because cross-encoder backends are expensive to reach
// and most deployments never enable them.
type Reranker struct {
	arb     *gpu.Arbitrator
	factory func() (rerank.Scorer, error)

	mu     sync.Mutex
	scorer rerank.Scorer
}

// New creates a Reranker. factory is invoked once, on the first Rerank call.
func New(arb *gpu.Arbitrator, factory func() (rerank.Scorer, error)) *Reranker {
	return &Reranker{arb: arb, factory: factory}
}

// Rerank returns the topK candidates by descending cross-encoder score. On
// any failure it returns candidates[:topK] in input order; a non-empty input
// never yields an empty result.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) []Candidate {
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}
	if len(candidates) == 0 {
		return nil
	}

	scored, err := r.score(ctx, query, candidates)
	if err != nil {
		slog.Warn("rerank failed, falling back to input order", "err", err)
		out := make([]Candidate, topK)
		copy(out, candidates[:topK])
		return out
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored[:topK]
}

func (r *Reranker) score(ctx context.Context, query string, candidates []Candidate) ([]Candidate, error) {
	scorer, err := r.lazyScorer()
	if err != nil {
		return nil, err
	}

	lease, err := r.arb.Acquire(ctx, gpu.ClassVectorReranker, "rerank", nil)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}
	scores, err := scorer.Score(ctx, query, texts)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].Score = scores[i]
	}
	return out, nil
}

func (r *Reranker) lazyScorer() (rerank.Scorer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scorer != nil {
		return r.scorer, nil
	}
	s, err := r.factory()
	if err != nil {
		return nil, err
	}
	r.scorer = s
	return s, nil
}
