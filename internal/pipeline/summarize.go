package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kestrad/voxtail/internal/gpu"
	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/pkg/provider/llm"
)

// maxWordsPerRequest caps how much transcript text goes into one LLM call.
// Longer texts are summarized in chunks and the chunk summaries condensed
// recursively until one request fits.
const maxWordsPerRequest = 2000

const level0Template = `You are summarizing part %d of %d of a meeting transcript.
Write a summary of 200 to 500 words covering the decisions made, action items
assigned, and the key discussion points in this part. Do not invent content
that is not in the transcript.

Transcript part:
%s`

const levelNTemplate = `You are condensing part %d of %d of an intermediate meeting summary.
Merge the content into one coherent summary of 200 to 500 words, keeping all
decisions, action items, and open questions.

Summary part:
%s`

// summarizeJob runs stage 3: recursive summarization of the compiled
// transcript. Each LLM call holds a summarization GPU lease for exactly that
// call, so chat traffic can preempt between chunks.
type summarizeJob struct {
	header jobqueue.Header
	o      *Orchestrator

	meetingID string
}

var _ jobqueue.Job = (*summarizeJob)(nil)

func (j *summarizeJob) Header() *jobqueue.Header { return &j.header }

func (j *summarizeJob) Execute(ctx context.Context) error {
	row, err := j.o.cfg.Store.CompiledTranscriptByMeeting(ctx, j.meetingID)
	if err != nil {
		return fmt.Errorf("pipeline: load compiled transcript row: %w", err)
	}
	var doc CompiledTranscriptDoc
	if err := readDoc(j.o.cfg.Dir, row.Filename, &doc); err != nil {
		return err
	}

	contents := make([]string, len(doc.Segments))
	for i, seg := range doc.Segments {
		contents[i] = seg.Content
	}
	raw := strings.Join(contents, "\n")

	final, layers, err := j.o.summarizeText(ctx, j.meetingID, raw)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	doc.Summary = final
	doc.SummaryLayers = layers
	doc.SummarizedAt = &now

	sha, err := writeDoc(j.o.cfg.Dir, row.Filename, doc)
	if err != nil {
		return err
	}
	row.SHA256 = sha
	if err := j.o.cfg.Store.InsertCompiledTranscript(ctx, row); err != nil {
		return fmt.Errorf("pipeline: update compiled transcript row: %w", err)
	}

	// The per-user files get the same summary block so each is
	// self-contained. A failed rewrite is not worth failing the stage over.
	users, err := j.o.cfg.Store.UserTranscriptsByMeeting(ctx, j.meetingID)
	if err != nil {
		return fmt.Errorf("pipeline: load user transcripts: %w", err)
	}
	for _, u := range users {
		var udoc UserTranscriptDoc
		if err := readDoc(j.o.cfg.Dir, u.Filename, &udoc); err != nil {
			slog.Warn("skip summary write-back", "filename", u.Filename, "err", err)
			continue
		}
		udoc.Summary = final
		udoc.SummaryLayers = layers
		udoc.SummarizedAt = &now
		if _, err := writeDoc(j.o.cfg.Dir, u.Filename, udoc); err != nil {
			slog.Warn("skip summary write-back", "filename", u.Filename, "err", err)
		}
	}

	slog.Info("summarize stage finished",
		"meeting_id", j.meetingID, "levels", len(layers), "summary_words", len(strings.Fields(final)))
	return nil
}

// summarizeText condenses raw recursively. Level 0 summarizes transcript
// chunks; every later level condenses the previous level's summaries until a
// single request fits under maxWordsPerRequest.
func (o *Orchestrator) summarizeText(ctx context.Context, meetingID, raw string) (final string, layers map[string][]string, err error) {
	layers = map[string][]string{}
	text := raw
	for level := 0; ; level++ {
		words := strings.Fields(text)
		if len(words) <= maxWordsPerRequest && level > 0 {
			return text, layers, nil
		}

		chunks := splitWordRuns(words, maxWordsPerRequest)
		summaries := make([]string, 0, len(chunks))
		for i, chunk := range chunks {
			template := level0Template
			if level > 0 {
				template = levelNTemplate
			}
			prompt := fmt.Sprintf(template, i+1, len(chunks), chunk)

			summary, err := o.summarizeChunk(ctx, meetingID, prompt)
			if err != nil {
				return "", nil, fmt.Errorf("pipeline: summarize level %d chunk %d/%d: %w",
					level, i+1, len(chunks), err)
			}
			summaries = append(summaries, summary)
		}
		layers[strconv.Itoa(level)] = summaries
		text = strings.Join(summaries, "\n\n")
	}
}

func (o *Orchestrator) summarizeChunk(ctx context.Context, meetingID, prompt string) (string, error) {
	lease, err := o.cfg.GPU.Acquire(ctx, gpu.ClassSummarization, meetingID, map[string]string{
		"meeting_id": meetingID,
	})
	if err != nil {
		return "", fmt.Errorf("acquire gpu: %w", err)
	}
	defer lease.Release()

	resp, err := o.cfg.LLM.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// splitWordRuns partitions words into non-overlapping runs of at most n,
// re-joined with single spaces.
func splitWordRuns(words []string, n int) []string {
	var out []string
	for start := 0; start < len(words); start += n {
		end := min(start+n, len(words))
		out = append(out, strings.Join(words[start:end], " "))
	}
	return out
}
