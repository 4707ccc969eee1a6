// Package gpu provides the arbitrator that serializes all GPU-bound work:
// transcription, text embedding, summarization, interactive chat, and
// reranking. At most one lease is outstanding at any instant.
//
// Scheduling is priority + weighted round-robin: chatbot requests always go
// first and have no consecutive-run cap; the remaining classes share the GPU
// with equal weights, subject to per-class consecutive caps that prevent any
// one workload from monopolizing the device.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kestrad/voxtail/internal/observe"
)

// Class identifies a GPU workload category.
type Class string

const (
	ClassTranscription  Class = "transcription"
	ClassTextEmbedding  Class = "text_embedding"
	ClassSummarization  Class = "summarization"
	ClassChatbot        Class = "chatbot"
	ClassVectorReranker Class = "vector_reranker"
)

// NonChatbotClasses lists the round-robin classes in their deterministic
// fall-through order.
var NonChatbotClasses = []Class{
	ClassTranscription,
	ClassTextEmbedding,
	ClassSummarization,
	ClassVectorReranker,
}

// NonChatbotWeight is the tuned share of GPU time given to each non-chatbot
// class. The four classes split the non-chatbot budget equally.
const NonChatbotWeight = 0.20

// Consecutive-run caps per class. Chatbot has none. Summarization runs are
// long, so it yields after every grant.
const (
	CapTranscription  = 2
	CapTextEmbedding  = 2
	CapSummarization  = 1
	CapVectorReranker = 2
)

// DefaultConsecutiveCaps maps each round-robin class to its cap.
func DefaultConsecutiveCaps() map[Class]int {
	return map[Class]int{
		ClassTranscription:  CapTranscription,
		ClassTextEmbedding:  CapTextEmbedding,
		ClassSummarization:  CapSummarization,
		ClassVectorReranker: CapVectorReranker,
	}
}

// ErrUnknownClass is returned by Acquire for a class the arbitrator does not
// schedule.
var ErrUnknownClass = errors.New("gpu: unknown workload class")

// Valid reports whether c is a schedulable class.
func (c Class) Valid() bool {
	switch c {
	case ClassTranscription, ClassTextEmbedding, ClassSummarization,
		ClassChatbot, ClassVectorReranker:
		return true
	}
	return false
}

// Holder describes the current lease holder.
type Holder struct {
	Class Class
	ID    string
	Meta  map[string]string
	Since time.Time
}

// Status is a point-in-time snapshot of arbitrator state.
type Status struct {
	Locked      bool
	Holder      Holder
	QueueDepths map[Class]int
	TotalGrants map[Class]int64
	LastClass   Class
	Consecutive int
}

// Lease is a granted GPU reservation. Release must be called on every exit
// path; callers should defer it immediately after a successful Acquire.
// Releasing twice is a bug: the second call is a logged no-op.
type Lease struct {
	Class      Class
	ID         string
	Meta       map[string]string
	AcquiredAt time.Time

	a        *Arbitrator
	released bool
}

// Release frees the GPU and lets the scheduler grant the next waiter.
func (l *Lease) Release() {
	l.a.release(l)
}

type waiter struct {
	class     Class
	id        string
	meta      map[string]string
	ready     chan *Lease
	granted   bool
	abandoned bool
}

// Arbitrator is the GPU access gatekeeper. Safe for concurrent use.
type Arbitrator struct {
	mu          sync.Mutex
	rng         *rand.Rand
	caps        map[Class]int
	queues      map[Class][]*waiter
	locked      bool
	holder      Holder
	lastClass   Class
	consecutive int
	grants      map[Class]int64
}

// Option configures an [Arbitrator].
type Option func(*Arbitrator)

// WithRand sets the random source used for class selection. Tests supply a
// seeded source to make scheduling deterministic.
func WithRand(r *rand.Rand) Option {
	return func(a *Arbitrator) { a.rng = r }
}

// WithConsecutiveCaps overrides the per-class consecutive-run caps.
func WithConsecutiveCaps(caps map[Class]int) Option {
	return func(a *Arbitrator) { a.caps = caps }
}

// New creates an Arbitrator with the default caps and a time-seeded random
// source.
func New(opts ...Option) *Arbitrator {
	a := &Arbitrator{
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		caps:   DefaultConsecutiveCaps(),
		queues: make(map[Class][]*waiter),
		grants: make(map[Class]int64),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Acquire blocks until the GPU is granted to this request or ctx is
// cancelled. id and meta identify the requesting job in Status output.
func (a *Arbitrator) Acquire(ctx context.Context, class Class, id string, meta map[string]string) (*Lease, error) {
	if !class.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}

	w := &waiter{
		class: class,
		id:    id,
		meta:  meta,
		ready: make(chan *Lease, 1),
	}
	enqueued := time.Now()

	a.mu.Lock()
	a.queues[class] = append(a.queues[class], w)
	if !a.locked {
		a.scheduleLocked()
	}
	a.mu.Unlock()

	select {
	case lease := <-w.ready:
		m := observe.DefaultMetrics()
		attrs := metric.WithAttributes(attribute.String("class", string(class)))
		m.GPUWaitDuration.Record(ctx, time.Since(enqueued).Seconds(), attrs)
		m.GPUGrants.Add(ctx, 1, attrs)
		return lease, nil

	case <-ctx.Done():
		a.mu.Lock()
		if w.granted {
			// The scheduler granted concurrently with cancellation. The
			// lease is sitting in the buffered channel; take it back and
			// hand the GPU to the next waiter.
			lease := <-w.ready
			lease.released = true
			a.locked = false
			a.holder = Holder{}
			a.updateCountersLocked(lease.Class)
			a.scheduleLocked()
			a.mu.Unlock()
			return nil, ctx.Err()
		}
		w.abandoned = true
		a.removeWaiterLocked(w)
		a.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Status returns a snapshot of lock state, queue depths, grant totals, and
// the consecutive-run counter.
func (a *Arbitrator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	depths := make(map[Class]int, len(a.queues))
	for c, q := range a.queues {
		n := 0
		for _, w := range q {
			if !w.abandoned {
				n++
			}
		}
		depths[c] = n
	}
	grants := make(map[Class]int64, len(a.grants))
	for c, n := range a.grants {
		grants[c] = n
	}
	return Status{
		Locked:      a.locked,
		Holder:      a.holder,
		QueueDepths: depths,
		TotalGrants: grants,
		LastClass:   a.lastClass,
		Consecutive: a.consecutive,
	}
}

func (a *Arbitrator) release(l *Lease) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if l.released {
		slog.Warn("gpu: double release", "class", l.Class, "id", l.ID)
		return
	}
	l.released = true
	a.locked = false
	a.holder = Holder{}
	a.updateCountersLocked(l.Class)
	a.scheduleLocked()
}

// updateCountersLocked records a finished run of class c. Chatbot runs do
// not touch the round-robin counters, so they never break another class's
// consecutive run.
func (a *Arbitrator) updateCountersLocked(c Class) {
	if c == ClassChatbot {
		return
	}
	if c == a.lastClass {
		a.consecutive++
	} else {
		a.lastClass = c
		a.consecutive = 1
	}
}

// scheduleLocked grants the GPU to the next waiter, if any. Caller holds mu.
func (a *Arbitrator) scheduleLocked() {
	if a.locked {
		return
	}

	// Chatbot has absolute priority and no cap.
	if w := a.popLocked(ClassChatbot); w != nil {
		a.grantLocked(w)
		return
	}

	eligible := make([]Class, 0, len(NonChatbotClasses))
	for _, c := range NonChatbotClasses {
		if a.queueDepthLocked(c) > 0 {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return
	}

	// A class that has hit its consecutive cap yields to the other waiting
	// classes. If it is the only class with waiters it runs anyway; idling
	// the GPU with work queued would be worse than exceeding the cap.
	if a.lastClass != "" && a.consecutive >= a.caps[a.lastClass] {
		filtered := eligible[:0:0]
		for _, c := range eligible {
			if c != a.lastClass {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) > 0 {
			eligible = filtered
		}
	}

	// Equal weights across eligible classes.
	class := eligible[a.rng.Intn(len(eligible))]
	if w := a.popLocked(class); w != nil {
		a.grantLocked(w)
	}
}

// popLocked removes and returns the first live waiter of class c, discarding
// abandoned entries along the way.
func (a *Arbitrator) popLocked(c Class) *waiter {
	q := a.queues[c]
	for len(q) > 0 {
		w := q[0]
		q = q[1:]
		if !w.abandoned {
			a.queues[c] = q
			return w
		}
	}
	a.queues[c] = q
	return nil
}

func (a *Arbitrator) queueDepthLocked(c Class) int {
	n := 0
	for _, w := range a.queues[c] {
		if !w.abandoned {
			n++
		}
	}
	return n
}

func (a *Arbitrator) removeWaiterLocked(w *waiter) {
	q := a.queues[w.class]
	for i, cand := range q {
		if cand == w {
			a.queues[w.class] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (a *Arbitrator) grantLocked(w *waiter) {
	now := time.Now().UTC()
	lease := &Lease{
		Class:      w.class,
		ID:         w.id,
		Meta:       w.meta,
		AcquiredAt: now,
		a:          a,
	}
	w.granted = true
	a.locked = true
	a.holder = Holder{Class: w.class, ID: w.id, Meta: w.meta, Since: now}
	a.grants[w.class]++
	w.ready <- lease
}
