package transcode_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/internal/store"
	"github.com/kestrad/voxtail/internal/transcode"
	"github.com/kestrad/voxtail/pkg/audio"
)

func TestMP3Path(t *testing.T) {
	t.Parallel()
	got := transcode.MP3Path("/tmp/m1_u1_chunk_0003.pcm")
	if got != "/tmp/m1_u1_chunk_0003.mp3" {
		t.Errorf("MP3Path = %q", got)
	}
}

func TestEncodePCMFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	pcm := filepath.Join(dir, "chunk.pcm")

	// One second of a quiet ramp, stereo interleaved.
	samples := make([]int16, audio.SampleRate*audio.Channels)
	for i := range samples {
		samples[i] = int16(i % 256)
	}
	if err := os.WriteFile(pcm, audio.Int16sToBytes(samples), 0o644); err != nil {
		t.Fatal(err)
	}

	out := transcode.MP3Path(pcm)
	if err := transcode.EncodePCMFile(pcm, out); err != nil {
		t.Fatalf("EncodePCMFile: %v", err)
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat mp3: %v", err)
	}
	if info.Size() == 0 {
		t.Error("mp3 output is empty")
	}
}

// recordingStore tracks status transitions in memory.
type recordingStore struct {
	mu       sync.Mutex
	statuses map[string][]store.TranscodeStatus
}

var _ store.Recordings = (*recordingStore)(nil)

func newRecordingStore() *recordingStore {
	return &recordingStore{statuses: map[string][]store.TranscodeStatus{}}
}

func (r *recordingStore) history(id string) []store.TranscodeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.TranscodeStatus, len(r.statuses[id]))
	copy(out, r.statuses[id])
	return out
}

func (r *recordingStore) InsertTempRecording(context.Context, store.TempRecording) error { return nil }

func (r *recordingStore) SetTranscodeStatus(_ context.Context, id string, s store.TranscodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = append(r.statuses[id], s)
	return nil
}

func (r *recordingStore) TempRecordingsByMeeting(context.Context, string) ([]store.TempRecording, error) {
	return nil, nil
}

func (r *recordingStore) CountPendingTranscodes(context.Context, string) (int, error) {
	return 0, nil
}

func (r *recordingStore) DeleteTempRecording(context.Context, string) error { return nil }

func (r *recordingStore) StaleTempRecordings(context.Context, time.Time) ([]store.TempRecording, error) {
	return nil, nil
}

func (r *recordingStore) InsertPersistentRecording(context.Context, store.PersistentRecording) error {
	return nil
}

func (r *recordingStore) PersistentRecordingsByMeeting(context.Context, string) ([]store.PersistentRecording, error) {
	return nil, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 10s")
}

func TestTranscoder_ConvertsAndRemovesSource(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	pcm := filepath.Join(dir, "m1_u1_chunk_0000.pcm")
	if err := os.WriteFile(pcm, audio.Silence(audio.FrameBytes*10), 0o644); err != nil {
		t.Fatal(err)
	}

	recs := newRecordingStore()
	tr := transcode.New(recs, jobqueue.WithIdleWake(10*time.Millisecond))
	defer tr.Stop()

	tr.Enqueue(store.TempRecording{
		ID:        "rec-1",
		UserID:    "u1",
		MeetingID: "m1",
		ChunkIdx:  0,
		Filename:  pcm,
	})

	waitFor(t, func() bool {
		h := recs.history("rec-1")
		return len(h) > 0 && h[len(h)-1] == store.TranscodeDone
	})

	if _, err := os.Stat(transcode.MP3Path(pcm)); err != nil {
		t.Errorf("mp3 missing: %v", err)
	}
	if _, err := os.Stat(pcm); !os.IsNotExist(err) {
		t.Errorf("source pcm not removed, stat err = %v", err)
	}

	h := recs.history("rec-1")
	if h[0] != store.TranscodeInProgress {
		t.Errorf("first status = %v, want in_progress", h[0])
	}
}

func TestTranscoder_MarksFailedAfterRetries(t *testing.T) {
	t.Parallel()
	recs := newRecordingStore()
	tr := transcode.New(recs,
		jobqueue.WithIdleWake(10*time.Millisecond),
		jobqueue.WithMaxRetries(1))
	defer tr.Stop()

	tr.Enqueue(store.TempRecording{
		ID:       "rec-missing",
		Filename: "/nonexistent/chunk.pcm",
	})

	waitFor(t, func() bool {
		h := recs.history("rec-missing")
		return len(h) > 0 && h[len(h)-1] == store.TranscodeFailed
	})
}
