package jobqueue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrad/voxtail/internal/jobqueue"
)

// fakeJob is a scriptable job: it fails failures times before succeeding.
type fakeJob struct {
	header   jobqueue.Header
	failures int
	attempts atomic.Int32
	execOrder *orderRecorder
}

func newFakeJob(id string, failures int) *fakeJob {
	return &fakeJob{
		header:   jobqueue.Header{ID: id, Type: jobqueue.TypeTranscribing},
		failures: failures,
	}
}

func (f *fakeJob) Header() *jobqueue.Header { return &f.header }

func (f *fakeJob) Execute(ctx context.Context) error {
	n := f.attempts.Add(1)
	if f.execOrder != nil {
		f.execOrder.record(f.header.ID)
	}
	if int(n) <= f.failures {
		return errors.New("transient failure")
	}
	return nil
}

type orderRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (o *orderRecorder) record(id string) {
	o.mu.Lock()
	o.ids = append(o.ids, id)
	o.mu.Unlock()
}

func (o *orderRecorder) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ids...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

func TestQueue_ProcessesInFIFOOrder(t *testing.T) {
	t.Parallel()
	q := jobqueue.New("test", jobqueue.WithIdleWake(10*time.Millisecond))
	defer q.Stop(true)

	order := &orderRecorder{}
	var done atomic.Int32
	q.OnComplete = func(jobqueue.Job) { done.Add(1) }

	jobs := []*fakeJob{newFakeJob("a", 0), newFakeJob("b", 0), newFakeJob("c", 0)}
	for _, j := range jobs {
		j.execOrder = order
		q.AddJob(j)
	}

	waitFor(t, func() bool { return done.Load() == 3 })

	got := order.snapshot()
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestQueue_RetryAbsorbedIntoFinalSuccess(t *testing.T) {
	t.Parallel()
	q := jobqueue.New("test", jobqueue.WithMaxRetries(2), jobqueue.WithIdleWake(10*time.Millisecond))
	defer q.Stop(true)

	var completed atomic.Int32
	q.OnComplete = func(jobqueue.Job) { completed.Add(1) }

	j := newFakeJob("retry-me", 1)
	q.AddJob(j)

	waitFor(t, func() bool { return completed.Load() == 1 })

	h := j.Header()
	if h.Status != jobqueue.StatusCompleted {
		t.Errorf("status = %q, want completed", h.Status)
	}
	if h.Retries != 1 {
		t.Errorf("retries = %d, want 1", h.Retries)
	}
	if got := j.attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if h.StartedAt.IsZero() || h.FinishedAt.IsZero() {
		t.Error("expected both StartedAt and FinishedAt to be set")
	}
	if h.FinishedAt.Before(h.StartedAt) {
		t.Error("FinishedAt precedes the most recent StartedAt")
	}
}

func TestQueue_ExhaustedRetriesMarkFailed(t *testing.T) {
	t.Parallel()
	q := jobqueue.New("test", jobqueue.WithMaxRetries(2), jobqueue.WithIdleWake(10*time.Millisecond))
	defer q.Stop(true)

	var failed atomic.Int32
	var failErr error
	var mu sync.Mutex
	q.OnFailed = func(_ jobqueue.Job, err error) {
		mu.Lock()
		failErr = err
		mu.Unlock()
		failed.Add(1)
	}

	j := newFakeJob("doomed", 99)
	q.AddJob(j)

	waitFor(t, func() bool { return failed.Load() == 1 })

	h := j.Header()
	if h.Status != jobqueue.StatusFailed {
		t.Errorf("status = %q, want failed", h.Status)
	}
	if h.ErrorMessage == "" {
		t.Error("expected error message to be recorded")
	}
	if got := j.attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if failErr == nil {
		t.Error("OnFailed should receive the terminal error")
	}
}

func TestQueue_CallbackPanicDoesNotHaltWorker(t *testing.T) {
	t.Parallel()
	q := jobqueue.New("test", jobqueue.WithIdleWake(10*time.Millisecond))
	defer q.Stop(true)

	var completed atomic.Int32
	q.OnStarted = func(jobqueue.Job) { panic("callback bug") }
	q.OnComplete = func(jobqueue.Job) { completed.Add(1) }

	q.AddJob(newFakeJob("a", 0))
	q.AddJob(newFakeJob("b", 0))

	waitFor(t, func() bool { return completed.Load() == 2 })
}

type panicJob struct {
	header jobqueue.Header
}

func (p *panicJob) Header() *jobqueue.Header      { return &p.header }
func (p *panicJob) Execute(context.Context) error { panic("execute bug") }

func TestQueue_ExecutePanicBecomesFailure(t *testing.T) {
	t.Parallel()
	q := jobqueue.New("test", jobqueue.WithMaxRetries(0), jobqueue.WithIdleWake(10*time.Millisecond))
	defer q.Stop(true)

	var failed atomic.Int32
	q.OnFailed = func(jobqueue.Job, error) { failed.Add(1) }

	j := &panicJob{header: jobqueue.Header{ID: "boom", Type: jobqueue.TypeCompiling}}
	q.AddJob(j)

	waitFor(t, func() bool { return failed.Load() == 1 })
	if j.header.Status != jobqueue.StatusFailed {
		t.Errorf("status = %q, want failed", j.header.Status)
	}
}

func TestQueue_StopWaitsForCurrentJob(t *testing.T) {
	t.Parallel()
	q := jobqueue.New("test", jobqueue.WithIdleWake(10*time.Millisecond))

	release := make(chan struct{})
	started := make(chan struct{})
	j := &blockingJob{release: release, started: started}
	q.AddJob(j)

	<-started
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	q.Stop(true)

	if !j.finished.Load() {
		t.Error("Stop(true) returned before the in-flight job finished")
	}
}

type blockingJob struct {
	header   jobqueue.Header
	release  chan struct{}
	started  chan struct{}
	finished atomic.Bool
}

func (b *blockingJob) Header() *jobqueue.Header { return &b.header }

func (b *blockingJob) Execute(context.Context) error {
	close(b.started)
	<-b.release
	b.finished.Store(true)
	return nil
}

func TestQueue_Statistics(t *testing.T) {
	t.Parallel()
	q := jobqueue.New("test", jobqueue.WithIdleWake(10*time.Millisecond))
	defer q.Stop(true)

	var completed atomic.Int32
	q.OnComplete = func(jobqueue.Job) { completed.Add(1) }
	q.AddJob(newFakeJob("x", 0))
	waitFor(t, func() bool { return completed.Load() == 1 })

	stats := q.Statistics()
	if stats.TotalProcessed != 1 {
		t.Errorf("TotalProcessed = %d, want 1", stats.TotalProcessed)
	}
	if stats.QueueSize != 0 {
		t.Errorf("QueueSize = %d, want 0", stats.QueueSize)
	}
	if !stats.Running {
		t.Error("queue should report running after AddJob")
	}
}
