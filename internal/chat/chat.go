// Package chat answers user questions about recorded meetings with
// retrieval-augmented generation.
//
// Every question becomes a chatbot job on the service's own queue. The job
// embeds the question, searches the guild's segment collection and the shared
// summaries collection, optionally reranks the hits, and completes against
// the LLM with the top excerpts injected into the system prompt. GPU leases
// are held only across the embedding and completion calls so the reranker can
// take its own lease in between.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrad/voxtail/internal/gpu"
	"github.com/kestrad/voxtail/internal/ident"
	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/internal/rerank"
	"github.com/kestrad/voxtail/internal/store"
	"github.com/kestrad/voxtail/pkg/provider/embeddings"
	"github.com/kestrad/voxtail/pkg/provider/llm"
)

const (
	// defaultHistoryLimit is how many prior turns accompany a question.
	defaultHistoryLimit = 20

	// defaultSearchTopK is how many hits each collection contributes before
	// reranking.
	defaultSearchTopK = 8

	// defaultContextK is how many excerpts survive into the prompt.
	defaultContextK = 6
)

const systemPromptHeader = `You are the meeting assistant for this server. Answer the user's question
using the meeting excerpts below. When the excerpts do not contain the
answer, say so instead of guessing.

Meeting excerpts:`

// Reranker reorders retrieval candidates. [rerank.Reranker] satisfies it; a
// nil Reranker keeps the hits in vector-distance order.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []rerank.Candidate, topK int) []rerank.Candidate
}

var _ Reranker = (*rerank.Reranker)(nil)

// Config wires the Service to its collaborators. Store, Vectors, GPU, LLM,
// and Embeddings are required.
type Config struct {
	Store      store.Store
	Vectors    store.VectorIndex
	GPU        *gpu.Arbitrator
	LLM        llm.Provider
	Embeddings embeddings.Provider

	// Reranker is optional.
	Reranker Reranker

	// HistoryLimit, SearchTopK, and ContextK fall back to the package
	// defaults when zero.
	HistoryLimit int
	SearchTopK   int
	ContextK     int

	// QueueOptions apply to the chatbot queue. Intended for tests.
	QueueOptions []jobqueue.Option
}

// Service owns the chatbot queue.
type Service struct {
	cfg   Config
	queue *jobqueue.Queue
}

// New validates cfg and builds the Service. The queue starts lazily with the
// first question.
func New(cfg Config) (*Service, error) {
	var errs []error
	if cfg.Store == nil {
		errs = append(errs, errors.New("chat: Store is required"))
	}
	if cfg.Vectors == nil {
		errs = append(errs, errors.New("chat: Vectors is required"))
	}
	if cfg.GPU == nil {
		errs = append(errs, errors.New("chat: GPU is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("chat: LLM is required"))
	}
	if cfg.Embeddings == nil {
		errs = append(errs, errors.New("chat: Embeddings is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.SearchTopK <= 0 {
		cfg.SearchTopK = defaultSearchTopK
	}
	if cfg.ContextK <= 0 {
		cfg.ContextK = defaultContextK
	}

	s := &Service{
		cfg:   cfg,
		queue: jobqueue.New("chatbot", cfg.QueueOptions...),
	}
	s.queue.OnStarted = s.recordJob
	s.queue.OnComplete = s.recordJob
	s.queue.OnFailed = func(j jobqueue.Job, err error) {
		s.recordJob(j)
		if q, ok := j.(*questionJob); ok {
			q.deliver(outcome{err: err})
		}
	}
	return s, nil
}

// Stop drains the in-flight question and stops the worker.
func (s *Service) Stop() { s.queue.Stop(true) }

// Queue exposes the underlying queue for status reporting.
func (s *Service) Queue() *jobqueue.Queue { return s.queue }

// Ask answers question for userID in guildID. It blocks until the chatbot
// queue has produced an answer or ctx is cancelled; the conversation history
// is persisted either way, so an abandoned caller does not lose the turn.
func (s *Service) Ask(ctx context.Context, guildID, userID, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", errors.New("chat: question must not be empty")
	}

	j := &questionJob{
		header: jobqueue.Header{
			ID:        ident.New(),
			Type:      jobqueue.TypeChatbot,
			CreatedAt: time.Now().UTC(),
			Status:    jobqueue.StatusPending,
			Metadata:  map[string]string{"guild_id": guildID, "user_id": userID},
		},
		s:        s,
		guildID:  guildID,
		userID:   userID,
		question: question,
		done:     make(chan outcome, 1),
	}
	s.recordJob(j)
	s.queue.AddJob(j)

	select {
	case out := <-j.done:
		return out.answer, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Service) recordJob(j jobqueue.Job) {
	h := j.Header()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.cfg.Store.UpsertJob(ctx, store.JobRecord{
		ID:         h.ID,
		Type:       h.Type,
		CreatedAt:  h.CreatedAt,
		StartedAt:  h.StartedAt,
		FinishedAt: h.FinishedAt,
		Status:     h.Status,
		ErrorLog:   h.ErrorMessage,
	})
	if err != nil {
		slog.Error("persist chat job status", "job_id", h.ID, "err", err)
	}
}

type outcome struct {
	answer string
	err    error
}

// questionJob is one question working its way through the chatbot queue.
type questionJob struct {
	header jobqueue.Header
	s      *Service

	guildID  string
	userID   string
	question string

	done chan outcome
}

var _ jobqueue.Job = (*questionJob)(nil)

func (j *questionJob) Header() *jobqueue.Header { return &j.header }

func (j *questionJob) deliver(out outcome) {
	select {
	case j.done <- out:
	default:
	}
}

func (j *questionJob) Execute(ctx context.Context) error {
	s := j.s
	conv, err := s.cfg.Store.EnsureConversation(ctx, j.guildID, j.userID)
	if err != nil {
		return fmt.Errorf("chat: ensure conversation: %w", err)
	}
	// Retried attempts find the question already persisted.
	if j.header.Retries == 0 {
		err = s.cfg.Store.AppendChatMessage(ctx, store.ChatMessage{
			ID:             ident.New(),
			ConversationID: conv.ID,
			Role:           "user",
			Content:        j.question,
			CreatedAt:      time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("chat: append question: %w", err)
		}
	}

	excerpts, err := s.retrieve(ctx, j.guildID, j.question)
	if err != nil {
		return err
	}
	history, err := s.cfg.Store.ChatMessages(ctx, conv.ID, s.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("chat: load history: %w", err)
	}

	answer, err := s.complete(ctx, j.header.ID, excerpts, history)
	if err != nil {
		return err
	}

	err = s.cfg.Store.AppendChatMessage(ctx, store.ChatMessage{
		ID:             ident.New(),
		ConversationID: conv.ID,
		Role:           "assistant",
		Content:        answer,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("chat: append answer: %w", err)
	}

	j.deliver(outcome{answer: answer})
	return nil
}

// retrieve embeds the question under a chatbot lease, searches both
// collections, and narrows the merged hits to ContextK excerpts.
func (s *Service) retrieve(ctx context.Context, guildID, question string) ([]string, error) {
	vector, err := s.embedQuestion(ctx, question)
	if err != nil {
		return nil, err
	}

	var candidates []rerank.Candidate
	for _, coll := range []string{store.EmbeddingsCollection(guildID), store.SummariesCollection} {
		matches, err := s.cfg.Vectors.Search(ctx, coll, vector, s.cfg.SearchTopK)
		if err != nil {
			return nil, fmt.Errorf("chat: search %s: %w", coll, err)
		}
		for _, m := range matches {
			candidates = append(candidates, rerank.Candidate{ID: m.ID, Text: m.Content})
		}
	}

	if s.cfg.Reranker != nil {
		candidates = s.cfg.Reranker.Rerank(ctx, question, candidates, s.cfg.ContextK)
	} else if len(candidates) > s.cfg.ContextK {
		candidates = candidates[:s.cfg.ContextK]
	}

	excerpts := make([]string, len(candidates))
	for i, c := range candidates {
		excerpts[i] = c.Text
	}
	return excerpts, nil
}

func (s *Service) embedQuestion(ctx context.Context, question string) ([]float32, error) {
	lease, err := s.cfg.GPU.Acquire(ctx, gpu.ClassChatbot, "chat-embed", nil)
	if err != nil {
		return nil, fmt.Errorf("chat: acquire gpu: %w", err)
	}
	defer lease.Release()

	vector, err := s.cfg.Embeddings.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("chat: embed question: %w", err)
	}
	return embeddings.Normalize(vector), nil
}

// complete runs the LLM call under its own chatbot lease. The history
// already ends with the current question.
func (s *Service) complete(ctx context.Context, jobID string, excerpts []string, history []store.ChatMessage) (string, error) {
	var prompt strings.Builder
	prompt.WriteString(systemPromptHeader)
	if len(excerpts) == 0 {
		prompt.WriteString("\n(no relevant meeting content found)")
	}
	for _, e := range excerpts {
		prompt.WriteString("\n- ")
		prompt.WriteString(e)
	}

	messages := make([]llm.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	lease, err := s.cfg.GPU.Acquire(ctx, gpu.ClassChatbot, jobID, nil)
	if err != nil {
		return "", fmt.Errorf("chat: acquire gpu: %w", err)
	}
	defer lease.Release()

	resp, err := s.cfg.LLM.Complete(ctx, llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: prompt.String(),
	})
	if err != nil {
		return "", fmt.Errorf("chat: complete: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
