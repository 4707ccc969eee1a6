// Package mock provides a test double for stt.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/kestrad/voxtail/pkg/provider/stt"
)

// Provider is a mock speech recognizer.
type Provider struct {
	// Result is returned by every Transcribe call.
	Result *stt.Result

	// Err, if non-nil, is returned instead.
	Err error

	// Fn, if non-nil, overrides Result and Err.
	Fn func(samples []float32) (*stt.Result, error)

	mu    sync.Mutex
	calls int
}

var _ stt.Provider = (*Provider)(nil)

func (p *Provider) Transcribe(_ context.Context, samples []float32) (*stt.Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.Fn != nil {
		return p.Fn(samples)
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Result == nil {
		return &stt.Result{}, nil
	}
	return p.Result, nil
}

// CallCount reports how many Transcribe calls were made.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
