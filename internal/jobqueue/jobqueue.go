// Package jobqueue implements the sequential job substrate used by every
// pipeline stage and by the chat subsystem: a FIFO queue bound to a single
// worker goroutine, with bounded retries and lifecycle callbacks.
//
// Each stage owns its own [Queue], so stages serialize internally while
// distinct stages progress in parallel. Queues are safe for concurrent use.
package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Status is the lifecycle state of a job. Transitions are monotonic:
// pending → in_progress → {completed, failed, skipped}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Type identifies the kind of work a job performs. Stored as a string in the
// job_status table.
type Type string

const (
	TypeTranscoding   Type = "transcoding"
	TypeTranscribing  Type = "transcribing"
	TypeCompiling     Type = "compiling"
	TypeSummarizing   Type = "summarizing"
	TypeTextEmbedding Type = "text_embedding"
	TypeChatbot       Type = "chatbot"
	TypeCleaning      Type = "cleaning"
)

// Header carries the bookkeeping shared by every job. The queue owns all
// mutations; jobs populate ID, Type, and Metadata before enqueueing.
//
// StartedAt holds the most recent attempt's start time; internal retries do
// not produce extra timestamps.
type Header struct {
	ID           string
	Type         Type
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	Status       Status
	ErrorMessage string
	Metadata     map[string]string

	// Retries counts attempts already consumed by this job.
	Retries int
}

// Job is the unit of work processed by a [Queue].
type Job interface {
	// Header returns the job's mutable bookkeeping block. The returned
	// pointer must stay valid for the job's lifetime.
	Header() *Header

	// Execute performs the work. It may block on GPU acquisition, remote
	// calls, or I/O; it must honour ctx cancellation at those points.
	Execute(ctx context.Context) error
}

// Statistics is a point-in-time snapshot of queue state.
type Statistics struct {
	Running        bool
	QueueSize      int
	TotalProcessed int64
	TotalFailed    int64
	CurrentJobID   string
}

// defaultIdleWake bounds how long the worker sleeps while idle before
// re-checking the shutdown signal.
const defaultIdleWake = time.Second

// Queue is a single-worker FIFO job queue with retries.
//
// The three callbacks are function-valued fields wired by the owner before
// the first AddJob. Callback panics and errors are logged and swallowed;
// they never halt the worker.
type Queue struct {
	// OnStarted fires after a job is marked in_progress.
	OnStarted func(Job)

	// OnComplete fires after a job is marked completed.
	OnComplete func(Job)

	// OnFailed fires after a job has exhausted its retries.
	OnFailed func(Job, error)

	name       string
	maxRetries int
	idleWake   time.Duration

	mu             sync.Mutex
	jobs           []Job
	running        bool
	currentJobID   string
	totalProcessed int64
	totalFailed    int64
	stop           chan struct{}
	done           chan struct{}
	wake           chan struct{}
}

// Option configures a [Queue].
type Option func(*Queue)

// WithMaxRetries sets how many times a failed Execute is re-enqueued before
// the job is marked failed. Default 2.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithIdleWake overrides the idle polling period. Intended for tests.
func WithIdleWake(d time.Duration) Option {
	return func(q *Queue) { q.idleWake = d }
}

// New creates a stopped queue. The name appears in log lines only.
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name:       name,
		maxRetries: 2,
		idleWake:   defaultIdleWake,
		wake:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// AddJob enqueues j and idempotently starts the worker if it is not running.
// Non-blocking.
func (q *Queue) AddJob(j Job) {
	h := j.Header()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	h.Status = StatusPending

	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	needStart := !q.running
	if needStart {
		q.startLocked(context.Background())
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the worker goroutine. Calling Start on a running queue is a
// no-op. The worker uses ctx as the parent context for every Execute call.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		q.startLocked(ctx)
	}
}

func (q *Queue) startLocked(ctx context.Context) {
	q.running = true
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	go q.worker(ctx, q.stop, q.done)
}

// Stop signals the worker to exit. The job currently executing always runs
// to completion; when waitForCompletion is true, Stop blocks until the
// worker goroutine has returned.
func (q *Queue) Stop(waitForCompletion bool) {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	stop, done := q.stop, q.done
	q.mu.Unlock()

	select {
	case <-stop:
	default:
		close(stop)
	}
	if waitForCompletion {
		<-done
	}
}

// Statistics returns a snapshot of queue state.
func (q *Queue) Statistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Statistics{
		Running:        q.running,
		QueueSize:      len(q.jobs),
		TotalProcessed: q.totalProcessed,
		TotalFailed:    q.totalFailed,
		CurrentJobID:   q.currentJobID,
	}
}

func (q *Queue) worker(ctx context.Context, stop, done chan struct{}) {
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		j := q.dequeue()
		if j == nil {
			// Idle: sleep briefly so a shutdown signal is observed within
			// one wake period even with an empty queue.
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-time.After(q.idleWake):
			}
			continue
		}

		q.process(ctx, j)
	}
}

func (q *Queue) dequeue() Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j
}

// process runs one job attempt: mark in_progress, execute, then either
// complete, re-enqueue for retry, or fail.
func (q *Queue) process(ctx context.Context, j Job) {
	h := j.Header()
	h.Status = StatusInProgress
	h.StartedAt = time.Now().UTC()

	q.mu.Lock()
	q.currentJobID = h.ID
	q.mu.Unlock()

	q.fire("OnStarted", func() {
		if q.OnStarted != nil {
			q.OnStarted(j)
		}
	})

	err := q.safeExecute(ctx, j)

	q.mu.Lock()
	q.currentJobID = ""
	q.mu.Unlock()

	if err == nil {
		h.Status = StatusCompleted
		h.FinishedAt = time.Now().UTC()
		q.mu.Lock()
		q.totalProcessed++
		q.mu.Unlock()
		q.fire("OnComplete", func() {
			if q.OnComplete != nil {
				q.OnComplete(j)
			}
		})
		return
	}

	if h.Retries < q.maxRetries {
		h.Retries++
		h.Status = StatusPending
		slog.Warn("job failed, re-enqueueing",
			"queue", q.name, "job_id", h.ID, "type", h.Type,
			"attempt", h.Retries, "max_retries", q.maxRetries, "err", err)
		q.mu.Lock()
		q.jobs = append(q.jobs, j)
		q.mu.Unlock()
		return
	}

	h.Status = StatusFailed
	h.ErrorMessage = err.Error()
	h.FinishedAt = time.Now().UTC()
	q.mu.Lock()
	q.totalFailed++
	q.mu.Unlock()
	slog.Error("job failed permanently",
		"queue", q.name, "job_id", h.ID, "type", h.Type, "err", err)
	q.fire("OnFailed", func() {
		if q.OnFailed != nil {
			q.OnFailed(j, err)
		}
	})
}

// safeExecute invokes Execute and converts panics into errors so a
// misbehaving job cannot kill the worker.
func (q *Queue) safeExecute(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return j.Execute(ctx)
}

// fire runs a callback, logging and swallowing any panic.
func (q *Queue) fire(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job callback panicked", "queue", q.name, "callback", name, "panic", r)
		}
	}()
	fn()
}
