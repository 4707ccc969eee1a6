package gpu_test

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrad/voxtail/internal/gpu"
)

func seeded() gpu.Option {
	return gpu.WithRand(rand.New(rand.NewSource(42)))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

// queuedDepth sums live queue depths across all classes.
func queuedDepth(a *gpu.Arbitrator) int {
	n := 0
	for _, d := range a.Status().QueueDepths {
		n += d
	}
	return n
}

func TestAcquire_MutualExclusion(t *testing.T) {
	t.Parallel()
	a := gpu.New(seeded())

	var holders atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	classes := []gpu.Class{
		gpu.ClassTranscription, gpu.ClassTextEmbedding,
		gpu.ClassSummarization, gpu.ClassChatbot, gpu.ClassVectorReranker,
	}
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := a.Acquire(context.Background(), classes[i%len(classes)], "job", nil)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := holders.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			lease.Release()
		}(i)
	}
	wg.Wait()

	if maxSeen.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen.Load())
	}
}

// grantOrder enqueues waiters while the lock is held, then releases and
// records the order in which classes are granted.
func grantOrder(t *testing.T, a *gpu.Arbitrator, classes []gpu.Class) []gpu.Class {
	t.Helper()

	holder, err := a.Acquire(context.Background(), gpu.ClassChatbot, "holder", nil)
	if err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	var mu sync.Mutex
	var order []gpu.Class
	var wg sync.WaitGroup

	for _, c := range classes {
		wg.Add(1)
		go func(c gpu.Class) {
			defer wg.Done()
			lease, err := a.Acquire(context.Background(), c, "job", nil)
			if err != nil {
				t.Errorf("acquire %s: %v", c, err)
				return
			}
			mu.Lock()
			order = append(order, c)
			mu.Unlock()
			lease.Release()
		}(c)
		// Enqueue one at a time so per-class FIFO order is stable.
		waitFor(t, func() bool { return queuedDepth(a) >= 1 })
	}

	waitFor(t, func() bool { return queuedDepth(a) == len(classes) })
	holder.Release()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return order
}

func TestConsecutiveCap_BreaksTranscriptionRun(t *testing.T) {
	t.Parallel()
	a := gpu.New(seeded())

	classes := []gpu.Class{
		gpu.ClassTranscription, gpu.ClassTranscription, gpu.ClassTranscription,
		gpu.ClassTranscription, gpu.ClassTranscription, gpu.ClassSummarization,
	}
	order := grantOrder(t, a, classes)

	if len(order) != len(classes) {
		t.Fatalf("granted %d leases, want %d", len(order), len(classes))
	}

	run := 0
	summaries := 0
	for i, c := range order {
		switch c {
		case gpu.ClassTranscription:
			run++
			// While summarization still waits, a third consecutive
			// transcription grant violates the cap.
			if run > gpu.CapTranscription && summaries == 0 {
				t.Fatalf("grant %d: transcription run of %d while summarization queued (order %v)", i, run, order)
			}
		case gpu.ClassSummarization:
			summaries++
			run = 0
		}
	}
	if summaries != 1 {
		t.Errorf("summarization granted %d times, want 1", summaries)
	}
}

func TestCap_YieldsOnlyWhenAlternativesExist(t *testing.T) {
	t.Parallel()
	a := gpu.New(seeded())

	// With only transcription requests pending, the cap must not idle the
	// GPU: every request is still served.
	for i := range 4 {
		lease, err := a.Acquire(context.Background(), gpu.ClassTranscription, "t", nil)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		lease.Release()
	}
	if got := a.Status().TotalGrants[gpu.ClassTranscription]; got != 4 {
		t.Errorf("transcription grants = %d, want 4", got)
	}
}

func TestChatbot_AbsolutePriority(t *testing.T) {
	t.Parallel()
	a := gpu.New(seeded())

	classes := []gpu.Class{
		gpu.ClassSummarization, gpu.ClassSummarization, gpu.ClassSummarization,
		gpu.ClassChatbot, gpu.ClassChatbot,
	}
	order := grantOrder(t, a, classes)

	if len(order) != 5 {
		t.Fatalf("granted %d leases, want 5", len(order))
	}
	if order[0] != gpu.ClassChatbot || order[1] != gpu.ClassChatbot {
		t.Errorf("first two grants = %v, want both chatbot", order[:2])
	}
	for _, c := range order[2:] {
		if c != gpu.ClassSummarization {
			t.Errorf("post-chatbot grant = %v, want summarization", c)
		}
	}
}

func TestChatbot_DoesNotResetConsecutiveCounters(t *testing.T) {
	t.Parallel()
	a := gpu.New(seeded())
	ctx := context.Background()

	// Two transcription runs back to back: counter reaches the cap.
	for range 2 {
		lease, err := a.Acquire(ctx, gpu.ClassTranscription, "t", nil)
		if err != nil {
			t.Fatal(err)
		}
		lease.Release()
	}

	// A chatbot run in between must not clear the transcription counter.
	lease, err := a.Acquire(ctx, gpu.ClassChatbot, "c", nil)
	if err != nil {
		t.Fatal(err)
	}

	// While chatbot holds the GPU, queue one transcription and one
	// summarization waiter.
	results := make(chan gpu.Class, 2)
	for _, c := range []gpu.Class{gpu.ClassTranscription, gpu.ClassSummarization} {
		go func(c gpu.Class) {
			l, err := a.Acquire(ctx, c, "w", nil)
			if err != nil {
				t.Errorf("acquire %s: %v", c, err)
				return
			}
			results <- c
			l.Release()
		}(c)
	}
	waitFor(t, func() bool { return queuedDepth(a) == 2 })
	lease.Release()

	first := <-results
	if first != gpu.ClassSummarization {
		t.Errorf("first grant after capped run = %v, want summarization", first)
	}
	<-results
}

func TestAcquire_CancelledWaiterIsSkipped(t *testing.T) {
	t.Parallel()
	a := gpu.New(seeded())

	holder, err := a.Acquire(context.Background(), gpu.ClassTranscription, "holder", nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Acquire(ctx, gpu.ClassSummarization, "doomed", nil)
		errCh <- err
	}()
	waitFor(t, func() bool { return a.Status().QueueDepths[gpu.ClassSummarization] == 1 })

	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Errorf("cancelled Acquire returned %v, want context.Canceled", err)
	}
	waitFor(t, func() bool { return a.Status().QueueDepths[gpu.ClassSummarization] == 0 })

	// A later waiter must still be schedulable: no deadlock.
	got := make(chan struct{})
	go func() {
		l, err := a.Acquire(context.Background(), gpu.ClassTextEmbedding, "later", nil)
		if err != nil {
			t.Errorf("acquire: %v", err)
			return
		}
		close(got)
		l.Release()
	}()
	waitFor(t, func() bool { return a.Status().QueueDepths[gpu.ClassTextEmbedding] == 1 })
	holder.Release()

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never granted after cancelled peer")
	}
}

func TestRelease_DoubleReleaseIsNoOp(t *testing.T) {
	t.Parallel()
	a := gpu.New(seeded())

	lease, err := a.Acquire(context.Background(), gpu.ClassVectorReranker, "r", nil)
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()
	lease.Release() // must not panic or deadlock

	// Arbitrator still functional.
	l2, err := a.Acquire(context.Background(), gpu.ClassChatbot, "c", nil)
	if err != nil {
		t.Fatal(err)
	}
	l2.Release()

	st := a.Status()
	if st.Locked {
		t.Error("arbitrator still locked after releases")
	}
	if st.TotalGrants[gpu.ClassChatbot] != 1 || st.TotalGrants[gpu.ClassVectorReranker] != 1 {
		t.Errorf("unexpected grant totals: %v", st.TotalGrants)
	}
}

func TestStatus_ReportsHolder(t *testing.T) {
	t.Parallel()
	a := gpu.New(seeded())

	lease, err := a.Acquire(context.Background(), gpu.ClassSummarization, "job-1", map[string]string{"meeting": "m1"})
	if err != nil {
		t.Fatal(err)
	}
	st := a.Status()
	if !st.Locked {
		t.Error("expected locked status")
	}
	if st.Holder.ID != "job-1" || st.Holder.Class != gpu.ClassSummarization {
		t.Errorf("holder = %+v", st.Holder)
	}
	lease.Release()

	if a.Status().Locked {
		t.Error("expected unlocked after release")
	}
}
