package session_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kestrad/voxtail/internal/session"
	"github.com/kestrad/voxtail/internal/store"
	"github.com/kestrad/voxtail/internal/store/memory"
	"github.com/kestrad/voxtail/pkg/audio"
)

// doneSink marks every enqueued chunk done and drops an MP3 stand-in so the
// chunker's promotion path succeeds.
type doneSink struct {
	recs store.Recordings
}

func (s *doneSink) Enqueue(rec store.TempRecording) {
	mp3 := rec.Filename[:len(rec.Filename)-len(".pcm")] + ".mp3"
	_ = os.WriteFile(mp3, []byte("mp3\n"), 0o644)
	_ = s.recs.SetTranscodeStatus(context.Background(), rec.ID, store.TranscodeDone)
}

type capturedStart struct {
	meetingID  string
	recordings []store.PersistentRecording
}

type fakePipeline struct {
	mu     sync.Mutex
	starts []capturedStart
}

func (p *fakePipeline) EnqueueTranscription(meetingID string, recordings []store.PersistentRecording) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts = append(p.starts, capturedStart{meetingID, recordings})
}

func (p *fakePipeline) all() []capturedStart {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]capturedStart, len(p.starts))
	copy(out, p.starts)
	return out
}

func newManager(t *testing.T) (*session.Manager, *memory.Store, *fakePipeline) {
	t.Helper()
	st := memory.New()
	pipe := &fakePipeline{}
	m, err := session.NewManager(session.Config{
		Store:                st,
		Transcodes:           &doneSink{recs: st},
		Pipeline:             pipe,
		Dir:                  t.TempDir(),
		ChunkerFlushInterval: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m, st, pipe
}

func TestStartSession_CreatesRecordingMeeting(t *testing.T) {
	t.Parallel()
	m, st, _ := newManager(t)
	ctx := context.Background()

	s, err := m.StartSession(ctx, session.StartParams{
		GuildID: "g1", ChannelID: "ch1", RequesterID: "req",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(s.MeetingID) != 16 {
		t.Errorf("meeting ID %q, want 16 chars", s.MeetingID)
	}

	meeting, err := st.MeetingByID(ctx, s.MeetingID)
	if err != nil {
		t.Fatal(err)
	}
	if meeting.Status != store.MeetingRecording {
		t.Errorf("status = %v, want recording", meeting.Status)
	}
	if meeting.RequesterID != "req" || meeting.GuildID != "g1" {
		t.Errorf("meeting = %+v", meeting)
	}
}

func TestStartSession_RejectsDuplicateChannel(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t)
	ctx := context.Background()

	if _, err := m.StartSession(ctx, session.StartParams{GuildID: "g", ChannelID: "ch"}); err != nil {
		t.Fatal(err)
	}
	_, err := m.StartSession(ctx, session.StartParams{GuildID: "g", ChannelID: "ch"})
	if !errors.Is(err, session.ErrSessionExists) {
		t.Errorf("err = %v, want ErrSessionExists", err)
	}
}

func TestIngress_RegistersParticipants(t *testing.T) {
	t.Parallel()
	m, st, _ := newManager(t)
	ctx := context.Background()

	s, err := m.StartSession(ctx, session.StartParams{GuildID: "g", ChannelID: "ch"})
	if err != nil {
		t.Fatal(err)
	}

	pcm := audio.Silence(audio.FrameBytes)
	for range 3 {
		if err := s.Ingress(ctx, "alice", pcm); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Ingress(ctx, "bob", pcm); err != nil {
		t.Fatal(err)
	}

	meeting, err := st.MeetingByID(ctx, s.MeetingID)
	if err != nil {
		t.Fatal(err)
	}
	if len(meeting.Participants) != 2 {
		t.Errorf("participants = %v, want alice and bob once each", meeting.Participants)
	}
}

func TestStopSession_HandsOffToPipeline(t *testing.T) {
	t.Parallel()
	m, st, pipe := newManager(t)
	ctx := context.Background()

	s, err := m.StartSession(ctx, session.StartParams{GuildID: "g", ChannelID: "ch"})
	if err != nil {
		t.Fatal(err)
	}
	// One second of audio so the stop path emits a padded window.
	if err := s.Ingress(ctx, "alice", audio.Silence(50*audio.FrameBytes)); err != nil {
		t.Fatal(err)
	}

	if err := m.StopSession(ctx, "ch"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	meeting, err := st.MeetingByID(ctx, s.MeetingID)
	if err != nil {
		t.Fatal(err)
	}
	if meeting.Status != store.MeetingProcessing {
		t.Errorf("status = %v, want processing", meeting.Status)
	}
	if meeting.EndedAt.IsZero() {
		t.Error("ended_at not set")
	}

	starts := pipe.all()
	if len(starts) != 1 {
		t.Fatalf("pipeline starts = %d, want 1", len(starts))
	}
	if starts[0].meetingID != s.MeetingID || len(starts[0].recordings) != 1 {
		t.Errorf("handoff = %+v", starts[0])
	}

	// Channel is free again.
	if _, ok := m.Session("ch"); ok {
		t.Error("session still registered after stop")
	}
	if err := m.StopSession(ctx, "ch"); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("second stop = %v, want ErrNoSession", err)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t)
	ctx := context.Background()

	if err := m.PauseSession("ch"); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("pause without session = %v, want ErrNoSession", err)
	}

	if _, err := m.StartSession(ctx, session.StartParams{GuildID: "g", ChannelID: "ch"}); err != nil {
		t.Fatal(err)
	}
	if err := m.PauseSession("ch"); err != nil {
		t.Errorf("pause: %v", err)
	}
	if err := m.ResumeSession("ch"); err != nil {
		t.Errorf("resume: %v", err)
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()
	m, _, pipe := newManager(t)
	ctx := context.Background()

	for _, ch := range []string{"ch1", "ch2"} {
		s, err := m.StartSession(ctx, session.StartParams{GuildID: "g", ChannelID: ch})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Ingress(ctx, "u", audio.Silence(50*audio.FrameBytes)); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.StopAll(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("StopAll did not finish")
	}

	if got := len(pipe.all()); got != 2 {
		t.Errorf("pipeline starts = %d, want 2", got)
	}
}
