package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/kestrad/voxtail/internal/gpu"
	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/internal/store"
	"github.com/kestrad/voxtail/pkg/provider/embeddings"
)

const (
	// embedBatchSize is how many texts go into one backend call.
	embedBatchSize = 32

	// maxPartitionTokens is the model context cap for one summary partition.
	// The effective budget is 5% below it as a safety margin against the
	// word-based token estimate undershooting.
	maxPartitionTokens     = 512
	partitionSafetyPct     = 0.05
	partitionOverlapPct    = 0.15
	estimatedWordsPerToken = 1.3
)

// embedJob runs stage 4: embed the compiled transcript's contextualized
// segments and all summary partitions, then upsert them into the vector
// collections. Document IDs are deterministic, so re-running the stage
// overwrites rather than duplicates.
type embedJob struct {
	header jobqueue.Header
	o      *Orchestrator

	meetingID string
}

var _ jobqueue.Job = (*embedJob)(nil)

func (j *embedJob) Header() *jobqueue.Header { return &j.header }

func (j *embedJob) Execute(ctx context.Context) error {
	o := j.o
	meeting, err := o.cfg.Store.MeetingByID(ctx, j.meetingID)
	if err != nil {
		return fmt.Errorf("pipeline: load meeting: %w", err)
	}
	row, err := o.cfg.Store.CompiledTranscriptByMeeting(ctx, j.meetingID)
	if err != nil {
		return fmt.Errorf("pipeline: load compiled transcript row: %w", err)
	}
	var doc CompiledTranscriptDoc
	if err := readDoc(o.cfg.Dir, row.Filename, &doc); err != nil {
		return err
	}

	segmentDocs := contextualizedDocuments(j.meetingID, meeting.GuildID, doc.Segments)
	summaryDocs := summaryDocuments(j.meetingID, meeting.GuildID, &doc)

	all := make([]store.Document, 0, len(segmentDocs)+len(summaryDocs))
	all = append(all, segmentDocs...)
	all = append(all, summaryDocs...)
	if err := o.embedDocuments(ctx, j.meetingID, all); err != nil {
		return err
	}

	segmentColl := store.EmbeddingsCollection(meeting.GuildID)
	if err := o.cfg.Vectors.Upsert(ctx, segmentColl, all[:len(segmentDocs)]); err != nil {
		return fmt.Errorf("pipeline: upsert segment embeddings: %w", err)
	}
	if err := o.cfg.Vectors.Upsert(ctx, store.SummariesCollection, all[len(segmentDocs):]); err != nil {
		return fmt.Errorf("pipeline: upsert summary embeddings: %w", err)
	}

	if err := o.cfg.Store.MarkCompiledTranscriptEmbedded(ctx, j.meetingID); err != nil {
		return fmt.Errorf("pipeline: mark transcript embedded: %w", err)
	}
	if err := o.cfg.Store.SetMeetingStatus(ctx, j.meetingID, store.MeetingCompleted); err != nil {
		return fmt.Errorf("pipeline: complete meeting: %w", err)
	}

	slog.Info("embed stage finished",
		"meeting_id", j.meetingID, "segments", len(segmentDocs), "summary_partitions", len(summaryDocs))
	return nil
}

// embedDocuments fills docs' Embedding fields in place. The GPU lease spans
// all batches of one meeting; it is released on every exit path.
func (o *Orchestrator) embedDocuments(ctx context.Context, meetingID string, docs []store.Document) error {
	if len(docs) == 0 {
		return nil
	}

	lease, err := o.cfg.GPU.Acquire(ctx, gpu.ClassTextEmbedding, meetingID, map[string]string{
		"meeting_id": meetingID,
	})
	if err != nil {
		return fmt.Errorf("pipeline: acquire gpu: %w", err)
	}
	defer lease.Release()

	for start := 0; start < len(docs); start += embedBatchSize {
		end := min(start+embedBatchSize, len(docs))
		texts := make([]string, end-start)
		for i := start; i < end; i++ {
			texts[i-start] = docs[i].Content
		}

		vectors, err := o.cfg.Embeddings.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("pipeline: embed batch %d..%d: %w", start, end, err)
		}
		for i, v := range vectors {
			docs[start+i].Embedding = embeddings.Normalize(v)
		}
	}
	return nil
}

// contextualizedDocuments maps each compiled segment to a document whose text
// is the segment plus up to two neighbours on each side. The widened text is
// what gets embedded; the bare segment rides along in metadata for display.
func contextualizedDocuments(meetingID, guildID string, segments []CompiledSegment) []store.Document {
	docs := make([]store.Document, 0, len(segments))
	for i, seg := range segments {
		lo := max(0, i-2)
		hi := min(len(segments), i+3)

		parts := make([]string, 0, hi-lo)
		for _, s := range segments[lo:hi] {
			parts = append(parts, s.Content)
		}

		docs = append(docs, store.Document{
			ID:      fmt.Sprintf("%s_%d", meetingID, i),
			Content: strings.Join(parts, "\n"),
			Metadata: map[string]any{
				"meeting_id":       meetingID,
				"guild_id":         guildID,
				"segment_index":    i,
				"original_segment": seg.Content,
				"speaker_user_id":  seg.Speaker.UserID,
				"start_time":       seg.Timestamp.StartTime,
				"end_time":         seg.Timestamp.EndTime,
				"window_start":     lo,
				"window_end":       hi,
				"window_size":      hi - lo,
			},
		})
	}
	return docs
}

// summaryDocuments partitions every subsummary and the final summary for the
// shared summaries collection.
func summaryDocuments(meetingID, guildID string, doc *CompiledTranscriptDoc) []store.Document {
	var docs []store.Document

	levels := make([]int, 0, len(doc.SummaryLayers))
	for key := range doc.SummaryLayers {
		if level, err := strconv.Atoi(key); err == nil {
			levels = append(levels, level)
		}
	}
	sort.Ints(levels)

	for _, level := range levels {
		for i, summary := range doc.SummaryLayers[strconv.Itoa(level)] {
			for s, part := range partitionSummary(summary) {
				docs = append(docs, store.Document{
					ID:      fmt.Sprintf("%s_level%d_summary%d_segment%d", meetingID, level, i, s),
					Content: part.Text,
					Metadata: map[string]any{
						"meeting_id":             meetingID,
						"guild_id":               guildID,
						"is_subsummary":          true,
						"is_final_summary":       false,
						"summary_level":          level,
						"summary_index_in_level": i,
						"segment_index":          s,
						"start_char":             part.StartChar,
						"end_char":               part.EndChar,
						"estimated_tokens":       part.EstimatedTokens,
					},
				})
			}
		}
	}

	if doc.Summary != "" {
		for s, part := range partitionSummary(doc.Summary) {
			docs = append(docs, store.Document{
				ID:      fmt.Sprintf("%s_final_segment%d", meetingID, s),
				Content: part.Text,
				Metadata: map[string]any{
					"meeting_id":       meetingID,
					"guild_id":         guildID,
					"is_subsummary":    false,
					"is_final_summary": true,
					"segment_index":    s,
					"start_char":       part.StartChar,
					"end_char":         part.EndChar,
					"estimated_tokens": part.EstimatedTokens,
				},
			})
		}
	}
	return docs
}

// summaryPartition is one embedding-sized slice of a summary text. Char
// offsets index into the source summary string.
type summaryPartition struct {
	Text            string
	StartChar       int
	EndChar         int
	EstimatedTokens int
}

// partitionSummary splits text into partitions under the token budget,
// breaking at sentence boundaries with roughly 15% overlap between adjacent
// partitions so no statement is stranded at a cut point.
func partitionSummary(text string) []summaryPartition {
	scaled := float64(maxPartitionTokens) * (1 - partitionSafetyPct)
	budget := int(scaled)

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var out []summaryPartition
	var cur []sentence
	curWords := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		start := cur[0].start
		end := cur[len(cur)-1].end
		out = append(out, summaryPartition{
			Text:            text[start:end],
			StartChar:       start,
			EndChar:         end,
			EstimatedTokens: estimateTokens(curWords),
		})
	}

	for _, s := range sentences {
		w := len(strings.Fields(s.text))
		if curWords > 0 && estimateTokens(curWords+w) > budget {
			flush()

			// Seed the next partition with the tail of this one.
			overlapWords := int(float64(curWords) * partitionOverlapPct)
			var tail []sentence
			tailWords := 0
			for i := len(cur) - 1; i >= 0 && tailWords < overlapWords; i-- {
				tail = append([]sentence{cur[i]}, tail...)
				tailWords += len(strings.Fields(cur[i].text))
			}
			cur = tail
			curWords = tailWords
		}
		cur = append(cur, s)
		curWords += w
	}
	flush()
	return out
}

func estimateTokens(words int) int {
	return int(math.Ceil(float64(words) / estimatedWordsPerToken))
}

// sentence is one sentence of a summary with its char offsets in the source.
type sentence struct {
	text  string
	start int
	end   int
}

// splitSentences cuts text after ".", "!", or "?" followed by whitespace.
// Good enough for LLM prose; transcripts never reach this path.
func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if i+1 < len(text) && text[i+1] != ' ' && text[i+1] != '\n' && text[i+1] != '\t' {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, sentence{text: s, start: start, end: i + 1})
		}
		start = i + 1
		for start < len(text) && (text[start] == ' ' || text[start] == '\n' || text[start] == '\t') {
			start++
		}
		i = start - 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, sentence{text: s, start: start, end: len(text)})
	}
	return out
}
