// Package mock provides a test double for the llm.Provider interface.
//
// Responses are served in order; when the queue runs dry the last response
// repeats. Set Err to inject a failure, or Fn for full per-call control.
package mock

import (
	"context"
	"sync"

	"github.com/kestrad/voxtail/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses is the ordered queue served by Complete. The final entry
	// repeats once the queue is exhausted.
	Responses []*llm.CompletionResponse

	// Err, if non-nil, is returned by every Complete call.
	Err error

	// Fn, if non-nil, overrides Responses and Err entirely.
	Fn func(req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Calls records every request in order.
	Calls []llm.CompletionRequest

	served int
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)

	if p.Fn != nil {
		return p.Fn(req)
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Responses) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	idx := p.served
	if idx >= len(p.Responses) {
		idx = len(p.Responses) - 1
	}
	p.served++
	return p.Responses[idx], nil
}

// CallCount reports how many Complete calls were made.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
