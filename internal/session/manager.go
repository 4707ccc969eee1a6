// Package session owns the mapping from voice channels to live recording
// sessions. It creates meeting rows, drives the chunker lifecycle, and hands
// finished meetings to the processing pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrad/voxtail/internal/chunker"
	"github.com/kestrad/voxtail/internal/ident"
	"github.com/kestrad/voxtail/internal/store"
)

var (
	// ErrSessionExists is returned when a channel already records.
	ErrSessionExists = errors.New("session: channel already has an active session")

	// ErrNoSession is returned for operations on channels without a session.
	ErrNoSession = errors.New("session: no active session for channel")
)

// PipelineStarter receives the completed meeting once its recordings are
// promoted. The pipeline orchestrator satisfies it.
type PipelineStarter interface {
	EnqueueTranscription(meetingID string, recordings []store.PersistentRecording)
}

// Config wires the Manager to its collaborators.
type Config struct {
	Store      store.Store
	Transcodes chunker.TranscodeSink
	Pipeline   PipelineStarter

	// Dir is where chunk and recording files are written.
	Dir string

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time

	// ChunkerFlushInterval is passed through to every chunker.
	ChunkerFlushInterval time.Duration

	// AwaitTranscodeTimeout is passed through to every chunker.
	AwaitTranscodeTimeout time.Duration
}

// Manager tracks one [Session] per actively recorded channel.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager validates cfg and returns an empty manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Transcodes == nil || cfg.Pipeline == nil {
		return nil, errors.New("session: store, transcode sink, and pipeline required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg, sessions: map[string]*Session{}}, nil
}

// StartParams identifies the channel and requester of a new session.
type StartParams struct {
	GuildID     string
	ChannelID   string
	RequesterID string

	// MeetingID is assigned when empty.
	MeetingID string
}

// StartSession creates a meeting row with status recording and starts a
// chunker for the channel.
func (m *Manager) StartSession(ctx context.Context, p StartParams) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[p.ChannelID]; ok {
		return nil, ErrSessionExists
	}

	meetingID := p.MeetingID
	if meetingID == "" {
		meetingID = ident.New()
	}
	if !ident.Valid(meetingID) {
		return nil, fmt.Errorf("session: invalid meeting ID %q", meetingID)
	}

	meeting := store.Meeting{
		ID:          meetingID,
		GuildID:     p.GuildID,
		ChannelID:   p.ChannelID,
		RequesterID: p.RequesterID,
		StartedAt:   m.cfg.Now().UTC(),
		Status:      store.MeetingRecording,
	}
	if err := m.cfg.Store.CreateMeeting(ctx, meeting); err != nil {
		return nil, fmt.Errorf("session: create meeting: %w", err)
	}

	ch, err := chunker.New(chunker.Config{
		MeetingID:             meetingID,
		Dir:                   m.cfg.Dir,
		Recordings:            m.cfg.Store,
		Transcodes:            m.cfg.Transcodes,
		Now:                   m.cfg.Now,
		FlushInterval:         m.cfg.ChunkerFlushInterval,
		AwaitTranscodeTimeout: m.cfg.AwaitTranscodeTimeout,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		MeetingID: meetingID,
		GuildID:   p.GuildID,
		ChannelID: p.ChannelID,
		store:     m.cfg.Store,
		chunker:   ch,
		seen:      map[string]bool{},
	}
	m.sessions[p.ChannelID] = s
	slog.Info("session started",
		"meeting_id", meetingID, "guild_id", p.GuildID, "channel_id", p.ChannelID)
	return s, nil
}

// Session returns the live session of a channel, if any.
func (m *Manager) Session(channelID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[channelID]
	return s, ok
}

// StopSession finalizes the channel's session: the chunker runs its stop
// sequence, the meeting row is closed with status processing, and the
// pipeline takes over. The session is removed even when finalization fails,
// so a broken session cannot wedge its channel.
func (m *Manager) StopSession(ctx context.Context, channelID string) error {
	m.mu.Lock()
	s, ok := m.sessions[channelID]
	delete(m.sessions, channelID)
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}

	recordings, err := s.chunker.Stop(ctx)
	if err != nil {
		return fmt.Errorf("session: finalize meeting %s: %w", s.MeetingID, err)
	}

	if err := m.cfg.Store.EndMeeting(ctx, s.MeetingID, m.cfg.Now().UTC(), store.MeetingProcessing); err != nil {
		return fmt.Errorf("session: end meeting %s: %w", s.MeetingID, err)
	}

	slog.Info("session stopped",
		"meeting_id", s.MeetingID, "channel_id", channelID, "recordings", len(recordings))
	m.cfg.Pipeline.EnqueueTranscription(s.MeetingID, recordings)
	return nil
}

// PauseSession suspends the session's silence flusher.
func (m *Manager) PauseSession(channelID string) error {
	s, ok := m.Session(channelID)
	if !ok {
		return ErrNoSession
	}
	s.chunker.Pause()
	slog.Info("session paused", "meeting_id", s.MeetingID, "channel_id", channelID)
	return nil
}

// ResumeSession restarts a paused session's silence flusher.
func (m *Manager) ResumeSession(channelID string) error {
	s, ok := m.Session(channelID)
	if !ok {
		return ErrNoSession
	}
	s.chunker.Resume()
	slog.Info("session resumed", "meeting_id", s.MeetingID, "channel_id", channelID)
	return nil
}

// StopAll finalizes every live session. Used during shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	channels := make([]string, 0, len(m.sessions))
	for ch := range m.sessions {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		if err := m.StopSession(ctx, ch); err != nil && !errors.Is(err, ErrNoSession) {
			slog.Error("stop session during shutdown", "channel_id", ch, "err", err)
		}
	}
}

// Session is one live recording bound to a voice channel.
type Session struct {
	MeetingID string
	GuildID   string
	ChannelID string

	store   store.Store
	chunker *chunker.Chunker

	mu   sync.Mutex
	seen map[string]bool
}

// Ingress feeds one decoded voice packet into the session's chunker. A
// user's first packet also registers them as a meeting participant.
func (s *Session) Ingress(ctx context.Context, userID string, pcm []byte) error {
	s.mu.Lock()
	first := !s.seen[userID]
	s.seen[userID] = true
	s.mu.Unlock()

	if first {
		if err := s.store.AddParticipant(ctx, s.MeetingID, userID); err != nil {
			slog.Error("add participant", "meeting_id", s.MeetingID, "user_id", userID, "err", err)
		}
	}
	return s.chunker.Ingress(ctx, userID, pcm)
}

// Participants returns the users that have spoken so far, unordered.
func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seen))
	for userID := range s.seen {
		out = append(out, userID)
	}
	return out
}
