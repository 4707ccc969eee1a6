// Package memory implements the store interfaces on process-local maps.
// It backs tests and local development runs that have no database at hand.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kestrad/voxtail/internal/ident"
	"github.com/kestrad/voxtail/internal/store"
)

var (
	_ store.Store       = (*Store)(nil)
	_ store.VectorIndex = (*Store)(nil)
)

// Store holds every table in memory, guarded by one mutex.
type Store struct {
	mu sync.Mutex

	meetings    map[string]store.Meeting
	temps       map[string]store.TempRecording
	persistent  map[string]store.PersistentRecording
	transcripts map[string]store.UserTranscript
	compiled    map[string]store.CompiledTranscript // keyed by meeting ID
	jobs        map[string]store.JobRecord
	convos      map[string]store.Conversation // keyed by guild+"/"+user
	messages    map[string][]store.ChatMessage
	vectors     map[string]map[string]store.Document // collection → id → doc
}

func New() *Store {
	return &Store{
		meetings:    map[string]store.Meeting{},
		temps:       map[string]store.TempRecording{},
		persistent:  map[string]store.PersistentRecording{},
		transcripts: map[string]store.UserTranscript{},
		compiled:    map[string]store.CompiledTranscript{},
		jobs:        map[string]store.JobRecord{},
		convos:      map[string]store.Conversation{},
		messages:    map[string][]store.ChatMessage{},
		vectors:     map[string]map[string]store.Document{},
	}
}

func (s *Store) CreateMeeting(_ context.Context, m store.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.ID] = m
	return nil
}

func (s *Store) MeetingByID(_ context.Context, id string) (store.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return store.Meeting{}, store.ErrNotFound
	}
	return m, nil
}

func (s *Store) SetMeetingStatus(_ context.Context, id string, status store.MeetingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Status = status
	s.meetings[id] = m
	return nil
}

func (s *Store) EndMeeting(_ context.Context, id string, endedAt time.Time, status store.MeetingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return store.ErrNotFound
	}
	m.EndedAt = endedAt
	m.Status = status
	s.meetings[id] = m
	return nil
}

func (s *Store) AddParticipant(_ context.Context, meetingID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return store.ErrNotFound
	}
	for _, p := range m.Participants {
		if p == userID {
			return nil
		}
	}
	m.Participants = append(m.Participants, userID)
	s.meetings[meetingID] = m
	return nil
}

func (s *Store) InsertTempRecording(_ context.Context, rec store.TempRecording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temps[rec.ID] = rec
	return nil
}

func (s *Store) SetTranscodeStatus(_ context.Context, id string, status store.TranscodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.temps[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.TranscodeStatus = status
	s.temps[id] = rec
	return nil
}

func (s *Store) TempRecordingsByMeeting(_ context.Context, meetingID string) ([]store.TempRecording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TempRecording
	for _, rec := range s.temps {
		if rec.MeetingID == meetingID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ChunkIdx < out[j].ChunkIdx
	})
	return out, nil
}

func (s *Store) CountPendingTranscodes(_ context.Context, meetingID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.temps {
		if rec.MeetingID == meetingID &&
			(rec.TranscodeStatus == store.TranscodeQueued || rec.TranscodeStatus == store.TranscodeInProgress) {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteTempRecording(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.temps, id)
	return nil
}

func (s *Store) StaleTempRecordings(_ context.Context, olderThan time.Time) ([]store.TempRecording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TempRecording
	for _, rec := range s.temps {
		if rec.CreatedAt.Before(olderThan) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) InsertPersistentRecording(_ context.Context, rec store.PersistentRecording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistent[rec.ID] = rec
	return nil
}

func (s *Store) PersistentRecordingsByMeeting(_ context.Context, meetingID string) ([]store.PersistentRecording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PersistentRecording
	for _, rec := range s.persistent {
		if rec.MeetingID == meetingID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) InsertUserTranscript(_ context.Context, t store.UserTranscript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[t.ID] = t
	return nil
}

func (s *Store) UserTranscriptsByMeeting(_ context.Context, meetingID string) ([]store.UserTranscript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.UserTranscript
	for _, t := range s.transcripts {
		if t.MeetingID == meetingID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) InsertCompiledTranscript(_ context.Context, t store.CompiledTranscript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compiled[t.MeetingID] = t
	return nil
}

func (s *Store) CompiledTranscriptByMeeting(_ context.Context, meetingID string) (store.CompiledTranscript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.compiled[meetingID]
	if !ok {
		return store.CompiledTranscript{}, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) MarkCompiledTranscriptEmbedded(_ context.Context, meetingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.compiled[meetingID]
	if !ok {
		return store.ErrNotFound
	}
	t.Embedded = true
	s.compiled[meetingID] = t
	return nil
}

func (s *Store) UpsertJob(_ context.Context, j store.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *Store) JobsByMeeting(_ context.Context, meetingID string) ([]store.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.JobRecord
	for _, j := range s.jobs {
		if j.MeetingID == meetingID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) EnsureConversation(_ context.Context, guildID, userID string) (store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := guildID + "/" + userID
	if c, ok := s.convos[key]; ok {
		return c, nil
	}
	c := store.Conversation{
		ID:        ident.New(),
		GuildID:   guildID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	s.convos[key] = c
	return c, nil
}

func (s *Store) AppendChatMessage(_ context.Context, m store.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *Store) ChatMessages(_ context.Context, conversationID string, limit int) ([]store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]store.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Store) Upsert(_ context.Context, collection string, docs []store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.vectors[collection]
	if coll == nil {
		coll = map[string]store.Document{}
		s.vectors[collection] = coll
	}
	for _, d := range docs {
		coll[d.ID] = d
	}
	return nil
}

func (s *Store) Search(_ context.Context, collection string, embedding []float32, topK int) ([]store.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Match
	for _, d := range s.vectors[collection] {
		out = append(out, store.Match{Document: d, Distance: cosineDistance(embedding, d.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *Store) CountByMeeting(_ context.Context, collection, meetingID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.vectors[collection] {
		if d.Metadata["meeting_id"] == meetingID {
			n++
		}
	}
	return n, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
