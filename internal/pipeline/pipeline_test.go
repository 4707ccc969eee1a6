package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrad/voxtail/internal/gpu"
	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/internal/pipeline"
	"github.com/kestrad/voxtail/internal/store"
	"github.com/kestrad/voxtail/internal/store/memory"
	"github.com/kestrad/voxtail/internal/transcode"
	"github.com/kestrad/voxtail/pkg/audio"
	embmock "github.com/kestrad/voxtail/pkg/provider/embeddings/mock"
	"github.com/kestrad/voxtail/pkg/provider/llm"
	llmmock "github.com/kestrad/voxtail/pkg/provider/llm/mock"
	"github.com/kestrad/voxtail/pkg/provider/stt"
	sttmock "github.com/kestrad/voxtail/pkg/provider/stt/mock"
)

type failedNote struct {
	meetingID string
	stage     jobqueue.Type
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed []store.Meeting
	failed    []failedNote
}

func (n *fakeNotifier) MeetingCompleted(_ context.Context, m store.Meeting) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, m)
}

func (n *fakeNotifier) MeetingFailed(_ context.Context, meetingID string, stage jobqueue.Type, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, failedNote{meetingID, stage})
}

func (n *fakeNotifier) completedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.completed)
}

func (n *fakeNotifier) failedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.failed)
}

type deps struct {
	store    *memory.Store
	llm      *llmmock.Provider
	stt      *sttmock.Provider
	emb      *embmock.Provider
	notifier *fakeNotifier
	dir      string
}

func newOrchestrator(t *testing.T, d *deps) *pipeline.Orchestrator {
	t.Helper()
	o, err := pipeline.New(pipeline.Config{
		Store:      d.store,
		Vectors:    d.store,
		GPU:        gpu.New(gpu.WithRand(rand.New(rand.NewSource(11)))),
		STT:        d.stt,
		LLM:        d.llm,
		Embeddings: d.emb,
		Notifier:   d.notifier,
		Dir:        d.dir,
		QueueOptions: []jobqueue.Option{
			jobqueue.WithIdleWake(10 * time.Millisecond),
			jobqueue.WithMaxRetries(0),
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { o.Stop(true) })
	return o
}

func newDeps(t *testing.T) *deps {
	t.Helper()
	return &deps{
		store: memory.New(),
		llm: &llmmock.Provider{Responses: []*llm.CompletionResponse{
			{Content: "The team agreed to ship on friday. Alice owns the release notes."},
		}},
		stt:      &sttmock.Provider{},
		emb:      &embmock.Provider{Dims: 8},
		notifier: &fakeNotifier{},
		dir:      t.TempDir(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seedMeeting(t *testing.T, d *deps, meetingID string) {
	t.Helper()
	err := d.store.CreateMeeting(context.Background(), store.Meeting{
		ID:           meetingID,
		GuildID:      "guild1",
		ChannelID:    "chan1",
		RequesterID:  "alice",
		StartedAt:    time.Now().UTC(),
		Status:       store.MeetingProcessing,
		Participants: []string{"alice", "bob"},
	})
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
}

func writeUserTranscript(t *testing.T, d *deps, meetingID, userID, transcriptID string, segments []pipeline.TranscriptSegment) string {
	t.Helper()
	doc := pipeline.UserTranscriptDoc{
		TranscriptID: transcriptID,
		MeetingID:    meetingID,
		UserID:       userID,
		RecordingID:  "rec-" + userID,
		Language:     "en",
		Segments:     segments,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal transcript: %v", err)
	}
	filename := pipeline.UserTranscriptFilename(meetingID, userID, transcriptID)
	if err := os.WriteFile(filepath.Join(d.dir, filename), data, 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	err = d.store.InsertUserTranscript(context.Background(), store.UserTranscript{
		ID:        transcriptID,
		MeetingID: meetingID,
		UserID:    userID,
		Filename:  filename,
	})
	if err != nil {
		t.Fatalf("InsertUserTranscript: %v", err)
	}
	return filename
}

func readCompiled(t *testing.T, d *deps, meetingID string) pipeline.CompiledTranscriptDoc {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(d.dir, pipeline.CompiledTranscriptFilename(meetingID)))
	if err != nil {
		t.Fatalf("read compiled transcript: %v", err)
	}
	var doc pipeline.CompiledTranscriptDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode compiled transcript: %v", err)
	}
	return doc
}

func meetingStatus(d *deps, meetingID string) store.MeetingStatus {
	m, err := d.store.MeetingByID(context.Background(), meetingID)
	if err != nil {
		return ""
	}
	return m.Status
}

func TestPipeline_CompileThroughEmbed(t *testing.T) {
	t.Parallel()
	d := newDeps(t)
	seedMeeting(t, d, "m1")

	// Interleaved speech: alice at 0s and 4s, bob at 2s.
	aliceFile := writeUserTranscript(t, d, "m1", "alice", "t-alice", []pipeline.TranscriptSegment{
		{StartMS: 0, EndMS: 1500, Text: "let us start with the release plan"},
		{StartMS: 4000, EndMS: 5500, Text: "then friday it is"},
	})
	writeUserTranscript(t, d, "m1", "bob", "t-bob", []pipeline.TranscriptSegment{
		{StartMS: 2000, EndMS: 3500, Text: "i can have the build ready by friday"},
	})

	o := newOrchestrator(t, d)
	o.EnqueueCompile("m1")

	waitFor(t, "meeting completion", func() bool {
		return meetingStatus(d, "m1") == store.MeetingCompleted
	})

	doc := readCompiled(t, d, "m1")
	if doc.TranscriptCount != 2 || doc.SegmentCount != 3 {
		t.Errorf("header = %d transcripts / %d segments, want 2 / 3",
			doc.TranscriptCount, doc.SegmentCount)
	}
	if want := []string{"alice", "bob"}; len(doc.UserIDs) != 2 || doc.UserIDs[0] != want[0] || doc.UserIDs[1] != want[1] {
		t.Errorf("user IDs = %v, want %v", doc.UserIDs, want)
	}
	for i, wantStart := range []int64{0, 2000, 4000} {
		if doc.Segments[i].Timestamp.StartTime != wantStart {
			t.Errorf("segment %d start = %d, want %d", i, doc.Segments[i].Timestamp.StartTime, wantStart)
		}
	}
	if doc.Segments[1].Speaker.UserID != "bob" {
		t.Errorf("segment 1 speaker = %s, want bob", doc.Segments[1].Speaker.UserID)
	}
	if doc.Summary == "" || doc.SummarizedAt == nil || len(doc.SummaryLayers["0"]) != 1 {
		t.Errorf("summary block = %q / %v / %v, want populated", doc.Summary, doc.SummarizedAt, doc.SummaryLayers)
	}

	// The summary is written back into each user transcript file too.
	var userDoc pipeline.UserTranscriptDoc
	data, err := os.ReadFile(filepath.Join(d.dir, aliceFile))
	if err != nil {
		t.Fatalf("read user transcript: %v", err)
	}
	if err := json.Unmarshal(data, &userDoc); err != nil {
		t.Fatalf("decode user transcript: %v", err)
	}
	if userDoc.Summary != doc.Summary {
		t.Errorf("user transcript summary = %q, want %q", userDoc.Summary, doc.Summary)
	}

	ctx := context.Background()
	row, err := d.store.CompiledTranscriptByMeeting(ctx, "m1")
	if err != nil || !row.Embedded {
		t.Errorf("compiled row = %+v, %v, want embedded", row, err)
	}
	segCount, _ := d.store.CountByMeeting(ctx, store.EmbeddingsCollection("guild1"), "m1")
	if segCount != 3 {
		t.Errorf("segment embeddings = %d, want 3", segCount)
	}
	sumCount, _ := d.store.CountByMeeting(ctx, store.SummariesCollection, "m1")
	if sumCount != 2 {
		t.Errorf("summary embeddings = %d, want 2 (level 0 + final)", sumCount)
	}
	if d.notifier.completedCount() != 1 {
		t.Errorf("completion notices = %d, want 1", d.notifier.completedCount())
	}

	jobs, _ := d.store.JobsByMeeting(ctx, "m1")
	seen := map[jobqueue.Type]jobqueue.Status{}
	for _, j := range jobs {
		seen[j.Type] = j.Status
	}
	for _, typ := range []jobqueue.Type{jobqueue.TypeCompiling, jobqueue.TypeSummarizing, jobqueue.TypeTextEmbedding} {
		if seen[typ] != jobqueue.StatusCompleted {
			t.Errorf("job %s status = %s, want completed", typ, seen[typ])
		}
	}

	// Re-running the embed stage overwrites by document ID instead of
	// duplicating.
	o.EnqueueEmbed("m1")
	waitFor(t, "second embed run", func() bool {
		jobs, _ := d.store.JobsByMeeting(ctx, "m1")
		n := 0
		for _, j := range jobs {
			if j.Type == jobqueue.TypeTextEmbedding && j.Status == jobqueue.StatusCompleted {
				n++
			}
		}
		return n == 2
	})
	if again, _ := d.store.CountByMeeting(ctx, store.EmbeddingsCollection("guild1"), "m1"); again != segCount {
		t.Errorf("segment embeddings after re-run = %d, want %d", again, segCount)
	}
}

func TestTranscribe_WritesTranscriptsFromRecordings(t *testing.T) {
	t.Parallel()
	d := newDeps(t)
	seedMeeting(t, d, "m2")

	// A real MP3 round-trip: one second of tone encoded the same way the
	// transcoder does it.
	pcm := make([]byte, audio.SampleRate*audio.Channels*audio.BytesPerSample)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0x10
	}
	pcmPath := filepath.Join(d.dir, "m2_alice_chunk_0000.pcm")
	if err := os.WriteFile(pcmPath, pcm, 0o644); err != nil {
		t.Fatalf("write pcm: %v", err)
	}
	mp3Path := transcode.MP3Path(pcmPath)
	if err := transcode.EncodePCMFile(pcmPath, mp3Path); err != nil {
		t.Fatalf("encode mp3: %v", err)
	}

	rec := store.PersistentRecording{
		ID:        "rec1",
		UserID:    "alice",
		MeetingID: "m2",
		Filename:  mp3Path,
	}
	if err := d.store.InsertPersistentRecording(context.Background(), rec); err != nil {
		t.Fatalf("InsertPersistentRecording: %v", err)
	}

	d.stt.Result = &stt.Result{
		Language: "en",
		Segments: []stt.Segment{
			{Start: 0, End: 600 * time.Millisecond, Text: "hello there", Words: []stt.Word{
				{Start: 0, End: 250 * time.Millisecond, Text: "hello"},
				{Start: 300 * time.Millisecond, End: 600 * time.Millisecond, Text: "there"},
			}},
			{Start: 700 * time.Millisecond, End: time.Second, Text: "goodbye"},
		},
	}

	o := newOrchestrator(t, d)
	o.EnqueueTranscription("m2", []store.PersistentRecording{rec})

	waitFor(t, "meeting completion", func() bool {
		return meetingStatus(d, "m2") == store.MeetingCompleted
	})

	rows, err := d.store.UserTranscriptsByMeeting(context.Background(), "m2")
	if err != nil || len(rows) != 1 {
		t.Fatalf("transcript rows = %v, %v, want 1", rows, err)
	}
	wantPrefix := "transcript_m2_alice_"
	if !strings.HasPrefix(rows[0].Filename, wantPrefix) || !strings.HasSuffix(rows[0].Filename, ".json") {
		t.Errorf("filename = %s, want %s*.json", rows[0].Filename, wantPrefix)
	}

	var doc pipeline.UserTranscriptDoc
	data, err := os.ReadFile(filepath.Join(d.dir, rows[0].Filename))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if doc.RecordingID != "rec1" || len(doc.Segments) != 2 {
		t.Errorf("doc = recording %s with %d segments, want rec1 with 2", doc.RecordingID, len(doc.Segments))
	}
	if len(doc.Segments[0].Words) != 2 || doc.Segments[0].Words[1].StartMS != 300 {
		t.Errorf("word timings = %+v, want 2 words with start 0/300", doc.Segments[0].Words)
	}
}

func TestTranscribe_ZeroSuccessesHoldsMeeting(t *testing.T) {
	t.Parallel()
	d := newDeps(t)
	seedMeeting(t, d, "m3")

	rec := store.PersistentRecording{
		ID:        "rec-missing",
		UserID:    "alice",
		MeetingID: "m3",
		Filename:  filepath.Join(d.dir, "does_not_exist.mp3"),
	}

	o := newOrchestrator(t, d)
	o.EnqueueTranscription("m3", []store.PersistentRecording{rec})

	waitFor(t, "failure notice", func() bool { return d.notifier.failedCount() == 1 })

	if got := meetingStatus(d, "m3"); got != store.MeetingTranscribing {
		t.Errorf("meeting status = %s, want transcribing", got)
	}
	if _, err := d.store.CompiledTranscriptByMeeting(context.Background(), "m3"); err == nil {
		t.Error("compile ran despite zero transcripts")
	}

	jobs, _ := d.store.JobsByMeeting(context.Background(), "m3")
	if len(jobs) != 1 || jobs[0].Type != jobqueue.TypeTranscribing ||
		jobs[0].Status != jobqueue.StatusFailed || jobs[0].ErrorLog == "" {
		t.Errorf("job rows = %+v, want one failed transcribing row with an error log", jobs)
	}
}

func TestSummarize_RecursesOverLongTranscripts(t *testing.T) {
	t.Parallel()
	d := newDeps(t)
	seedMeeting(t, d, "m4")

	// 45 segments of 100 words each: 4500 words forces three level-0 chunks.
	segments := make([]pipeline.TranscriptSegment, 45)
	sentence := strings.TrimSpace(strings.Repeat("every word counts toward the chunking threshold here. ", 100/8))
	for i := range segments {
		segments[i] = pipeline.TranscriptSegment{
			StartMS: int64(i) * 1000,
			EndMS:   int64(i)*1000 + 900,
			Text:    sentence,
		}
	}
	writeUserTranscript(t, d, "m4", "alice", "t-long", segments)

	o := newOrchestrator(t, d)
	o.EnqueueCompile("m4")

	waitFor(t, "meeting completion", func() bool {
		return meetingStatus(d, "m4") == store.MeetingCompleted
	})

	doc := readCompiled(t, d, "m4")
	raw := strings.Fields(strings.Repeat(sentence+" ", 45))
	wantChunks := (len(raw) + 1999) / 2000
	if got := len(doc.SummaryLayers["0"]); got != wantChunks {
		t.Errorf("level 0 summaries = %d, want %d", got, wantChunks)
	}
	if len(doc.SummaryLayers) != 1 {
		t.Errorf("summary levels = %d, want 1", len(doc.SummaryLayers))
	}
	if d.llm.CallCount() != wantChunks {
		t.Errorf("llm calls = %d, want %d", d.llm.CallCount(), wantChunks)
	}
	if doc.Summary == "" {
		t.Error("final summary is empty")
	}
}

func TestEmbed_PartitionsLongSummaries(t *testing.T) {
	t.Parallel()
	d := newDeps(t)
	seedMeeting(t, d, "m5")

	// ~1200 words of prose: estimated 924 tokens, well over the 486-token
	// partition budget, so the final summary must split.
	var sb strings.Builder
	for i := 0; i < 80; i++ {
		fmt.Fprintf(&sb, "Sentence number %d carries exactly ten words of plain meeting prose. ", i)
	}
	longSummary := strings.TrimSpace(sb.String())

	now := time.Now().UTC()
	doc := pipeline.CompiledTranscriptDoc{
		MeetingID:       "m5",
		CompiledAt:      now,
		TranscriptCount: 1,
		UserIDs:         []string{"alice"},
		SegmentCount:    1,
		Segments: []pipeline.CompiledSegment{{
			Timestamp: pipeline.Timestamp{StartTime: 0, EndTime: 1000},
			Speaker:   pipeline.Speaker{UserID: "alice", UserTranscriptionFile: "f.json"},
			Content:   "short segment",
		}},
		Summary:       longSummary,
		SummaryLayers: map[string][]string{"0": {longSummary}},
		SummarizedAt:  &now,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal compiled doc: %v", err)
	}
	filename := pipeline.CompiledTranscriptFilename("m5")
	if err := os.WriteFile(filepath.Join(d.dir, filename), data, 0o644); err != nil {
		t.Fatalf("write compiled doc: %v", err)
	}
	err = d.store.InsertCompiledTranscript(context.Background(), store.CompiledTranscript{
		ID: "ct5", MeetingID: "m5", Filename: filename,
	})
	if err != nil {
		t.Fatalf("InsertCompiledTranscript: %v", err)
	}

	o := newOrchestrator(t, d)
	o.EnqueueEmbed("m5")

	waitFor(t, "meeting completion", func() bool {
		return meetingStatus(d, "m5") == store.MeetingCompleted
	})

	matches, err := d.store.Search(context.Background(), store.SummariesCollection, make([]float32, 8), 100)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	type part struct{ start, end, tokens int }
	var finals []part
	for _, m := range matches {
		if !strings.HasPrefix(m.ID, "m5_final_segment") {
			continue
		}
		finals = append(finals, part{
			start:  m.Metadata["start_char"].(int),
			end:    m.Metadata["end_char"].(int),
			tokens: m.Metadata["estimated_tokens"].(int),
		})
	}
	if len(finals) < 2 {
		t.Fatalf("final summary partitions = %d, want at least 2", len(finals))
	}
	for i, p := range finals {
		if p.tokens > 486 {
			t.Errorf("partition %d estimated tokens = %d, want <= 486", i, p.tokens)
		}
	}
}
