// Package rerank defines the cross-encoder Scorer interface used to reorder
// retrieval candidates, plus an HTTP implementation for text-embeddings-
// inference style /rerank endpoints.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Scorer scores (query, candidate) pairs. Higher is more relevant. The
// returned slice is ordered like texts.
type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// HTTPScorer implements [Scorer] against a server exposing the /rerank
// endpoint of huggingface's text-embeddings-inference, which hosts
// cross-encoder models such as bge-reranker.
type HTTPScorer struct {
	baseURL    string
	httpClient *http.Client
}

var _ Scorer = (*HTTPScorer)(nil)

// NewHTTPScorer connects to the reranker server at baseURL.
func NewHTTPScorer(baseURL string, timeout time.Duration) (*HTTPScorer, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("rerank: baseURL must not be empty")
	}
	client := &http.Client{}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return &HTTPScorer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}, nil
}

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Score implements [Scorer].
func (s *HTTPScorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(rerankRequest{Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("rerank: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rerank: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank: unexpected status %d", resp.StatusCode)
	}

	var results []rerankResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}

	scores := make([]float64, len(texts))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(texts) {
			return nil, fmt.Errorf("rerank: unexpected index %d", r.Index)
		}
		scores[r.Index] = r.Score
	}
	return scores, nil
}
