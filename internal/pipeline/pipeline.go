// Package pipeline turns a finished meeting's recordings into transcripts,
// summaries, and vector embeddings.
//
// Four stages run on four single-worker queues: transcribe, compile,
// summarize, embed. A stage enqueues its successor only from its completion
// callback, so within one meeting the stages execute strictly in order while
// different meetings interleave freely. Every job transition is mirrored into
// the job_status table.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kestrad/voxtail/internal/gpu"
	"github.com/kestrad/voxtail/internal/ident"
	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/internal/observe"
	"github.com/kestrad/voxtail/internal/store"
	"github.com/kestrad/voxtail/pkg/provider/embeddings"
	"github.com/kestrad/voxtail/pkg/provider/llm"
	"github.com/kestrad/voxtail/pkg/provider/stt"
)

// storeTimeout bounds the background DB writes issued from queue callbacks.
const storeTimeout = 10 * time.Second

// Notifier delivers end-of-pipeline notifications to meeting participants.
// The Discord bot implements it; both methods are best-effort.
type Notifier interface {
	MeetingCompleted(ctx context.Context, m store.Meeting)
	MeetingFailed(ctx context.Context, meetingID string, stage jobqueue.Type, cause error)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

var _ Notifier = NopNotifier{}

func (NopNotifier) MeetingCompleted(context.Context, store.Meeting) {}

func (NopNotifier) MeetingFailed(context.Context, string, jobqueue.Type, error) {}

// Config wires the Orchestrator to its collaborators. Store, Vectors, GPU,
// STT, LLM, and Embeddings are required; Notifier defaults to [NopNotifier].
type Config struct {
	Store      store.Store
	Vectors    store.VectorIndex
	GPU        *gpu.Arbitrator
	STT        stt.Provider
	LLM        llm.Provider
	Embeddings embeddings.Provider
	Notifier   Notifier

	// Dir holds the promoted recordings and receives the transcript files.
	Dir string

	// QueueOptions apply to every stage queue. Intended for tests.
	QueueOptions []jobqueue.Option
}

// Orchestrator owns the stage queues and the cleaning queue.
type Orchestrator struct {
	cfg Config

	transcribing *jobqueue.Queue
	compiling    *jobqueue.Queue
	summarizing  *jobqueue.Queue
	embedding    *jobqueue.Queue
	cleaning     *jobqueue.Queue
}

// New validates cfg and builds the stage queues with their callbacks wired.
// Queues start lazily with the first enqueued job.
func New(cfg Config) (*Orchestrator, error) {
	var errs []error
	if cfg.Store == nil {
		errs = append(errs, errors.New("pipeline: Store is required"))
	}
	if cfg.Vectors == nil {
		errs = append(errs, errors.New("pipeline: Vectors is required"))
	}
	if cfg.GPU == nil {
		errs = append(errs, errors.New("pipeline: GPU is required"))
	}
	if cfg.STT == nil {
		errs = append(errs, errors.New("pipeline: STT is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("pipeline: LLM is required"))
	}
	if cfg.Embeddings == nil {
		errs = append(errs, errors.New("pipeline: Embeddings is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}

	o := &Orchestrator{
		cfg:          cfg,
		transcribing: jobqueue.New("transcribing", cfg.QueueOptions...),
		compiling:    jobqueue.New("compiling", cfg.QueueOptions...),
		summarizing:  jobqueue.New("summarizing", cfg.QueueOptions...),
		embedding:    jobqueue.New("embedding", cfg.QueueOptions...),
		cleaning:     jobqueue.New("cleaning", cfg.QueueOptions...),
	}

	o.bind(o.transcribing, func(j jobqueue.Job) { o.EnqueueCompile(meetingOf(j)) })
	o.bind(o.compiling, func(j jobqueue.Job) { o.EnqueueSummarize(meetingOf(j)) })
	o.bind(o.summarizing, func(j jobqueue.Job) { o.EnqueueEmbed(meetingOf(j)) })
	o.bind(o.embedding, o.notifyCompleted)
	o.bind(o.cleaning, nil)
	return o, nil
}

// bind mirrors every lifecycle transition of q into the job_status table and
// runs next after a successful completion.
func (o *Orchestrator) bind(q *jobqueue.Queue, next func(jobqueue.Job)) {
	q.OnStarted = o.recordJob
	q.OnComplete = func(j jobqueue.Job) {
		o.recordJob(j)
		if next != nil {
			next(j)
		}
	}
	q.OnFailed = func(j jobqueue.Job, err error) {
		o.recordJob(j)
		h := j.Header()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		o.cfg.Notifier.MeetingFailed(ctx, meetingOf(j), h.Type, err)
	}
}

// Start launches every queue worker under ctx.
func (o *Orchestrator) Start(ctx context.Context) {
	for _, q := range o.queues() {
		q.Start(ctx)
	}
}

// Stop shuts every queue down. With wait set, Stop blocks until in-flight
// jobs have finished.
func (o *Orchestrator) Stop(wait bool) {
	for _, q := range o.queues() {
		q.Stop(wait)
	}
}

func (o *Orchestrator) queues() []*jobqueue.Queue {
	return []*jobqueue.Queue{o.transcribing, o.compiling, o.summarizing, o.embedding, o.cleaning}
}

// QueueStatistics returns a snapshot of every stage queue, keyed by the job
// type the queue processes. Used by the status command.
func (o *Orchestrator) QueueStatistics() map[jobqueue.Type]jobqueue.Statistics {
	return map[jobqueue.Type]jobqueue.Statistics{
		jobqueue.TypeTranscribing:  o.transcribing.Statistics(),
		jobqueue.TypeCompiling:     o.compiling.Statistics(),
		jobqueue.TypeSummarizing:   o.summarizing.Statistics(),
		jobqueue.TypeTextEmbedding: o.embedding.Statistics(),
		jobqueue.TypeCleaning:      o.cleaning.Statistics(),
	}
}

// EnqueueTranscription schedules stage 1 for a meeting whose recordings have
// been promoted. The session manager calls this on StopSession.
func (o *Orchestrator) EnqueueTranscription(meetingID string, recordings []store.PersistentRecording) {
	o.enqueue(o.transcribing, &transcribeJob{
		header:     newHeader(jobqueue.TypeTranscribing, meetingID),
		o:          o,
		meetingID:  meetingID,
		recordings: recordings,
	})
}

// EnqueueCompile schedules stage 2. Exposed so a stuck meeting can be
// re-driven from any stage.
func (o *Orchestrator) EnqueueCompile(meetingID string) {
	o.enqueue(o.compiling, &compileJob{
		header:    newHeader(jobqueue.TypeCompiling, meetingID),
		o:         o,
		meetingID: meetingID,
	})
}

// EnqueueSummarize schedules stage 3.
func (o *Orchestrator) EnqueueSummarize(meetingID string) {
	o.enqueue(o.summarizing, &summarizeJob{
		header:    newHeader(jobqueue.TypeSummarizing, meetingID),
		o:         o,
		meetingID: meetingID,
	})
}

// EnqueueEmbed schedules stage 4.
func (o *Orchestrator) EnqueueEmbed(meetingID string) {
	o.enqueue(o.embedding, &embedJob{
		header:    newHeader(jobqueue.TypeTextEmbedding, meetingID),
		o:         o,
		meetingID: meetingID,
	})
}

// EnqueueCleaning schedules one sweep of expired temp recordings.
func (o *Orchestrator) EnqueueCleaning() {
	o.enqueue(o.cleaning, &cleaningJob{
		header: newHeader(jobqueue.TypeCleaning, ""),
		o:      o,
	})
}

// StartCleaner enqueues a cleaning sweep every interval until ctx is
// cancelled. Run it once per day in production.
func (o *Orchestrator) StartCleaner(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.EnqueueCleaning()
			}
		}
	}()
}

// enqueue persists the pending row before handing the job to its queue, so
// the job is visible in status queries even while the queue is backed up.
func (o *Orchestrator) enqueue(q *jobqueue.Queue, j jobqueue.Job) {
	o.recordJob(j)
	q.AddJob(j)
}

func (o *Orchestrator) recordJob(j jobqueue.Job) {
	h := j.Header()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := o.cfg.Store.UpsertJob(ctx, store.JobRecord{
		ID:         h.ID,
		Type:       h.Type,
		MeetingID:  meetingOf(j),
		CreatedAt:  h.CreatedAt,
		StartedAt:  h.StartedAt,
		FinishedAt: h.FinishedAt,
		Status:     h.Status,
		ErrorLog:   h.ErrorMessage,
	})
	if err != nil {
		slog.Error("persist job status", "job_id", h.ID, "type", h.Type, "err", err)
	}

	switch h.Status {
	case jobqueue.StatusCompleted, jobqueue.StatusFailed:
		m := observe.DefaultMetrics()
		m.JobsProcessed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("queue", string(h.Type)),
			attribute.String("status", string(h.Status))))
		if !h.StartedAt.IsZero() && !h.FinishedAt.IsZero() {
			m.StageDuration.Record(ctx, h.FinishedAt.Sub(h.StartedAt).Seconds(),
				metric.WithAttributes(attribute.String("stage", string(h.Type))))
		}
	}
}

func (o *Orchestrator) notifyCompleted(j jobqueue.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	m, err := o.cfg.Store.MeetingByID(ctx, meetingOf(j))
	if err != nil {
		slog.Error("load meeting for completion notice", "meeting_id", meetingOf(j), "err", err)
		return
	}
	o.cfg.Notifier.MeetingCompleted(ctx, m)
}

func newHeader(t jobqueue.Type, meetingID string) jobqueue.Header {
	h := jobqueue.Header{
		ID:        ident.New(),
		Type:      t,
		CreatedAt: time.Now().UTC(),
		Status:    jobqueue.StatusPending,
	}
	if meetingID != "" {
		h.Metadata = map[string]string{"meeting_id": meetingID}
	}
	return h
}

func meetingOf(j jobqueue.Job) string {
	return j.Header().Metadata["meeting_id"]
}
