package llm_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrad/voxtail/pkg/provider/llm"
)

type flakyProvider struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, errors.New("upstream timeout")
	}
	return &llm.CompletionResponse{Content: "ok"}, nil
}

func TestRetrying_SucceedsAfterTransientFailure(t *testing.T) {
	t.Parallel()
	inner := &flakyProvider{failures: 2}
	p := llm.NewRetrying(inner, 3, time.Millisecond)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestRetrying_ExhaustsAttempts(t *testing.T) {
	t.Parallel()
	inner := &flakyProvider{failures: 10}
	p := llm.NewRetrying(inner, 2, time.Millisecond)

	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error after exhausted attempts")
	}
	if got := inner.calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestRetrying_HonorsCancellation(t *testing.T) {
	t.Parallel()
	inner := &flakyProvider{failures: 10}
	p := llm.NewRetrying(inner, 5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Complete(ctx, llm.CompletionRequest{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
