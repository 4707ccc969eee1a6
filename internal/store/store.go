// Package store defines the persistence model for meetings, recordings,
// transcripts, job status rows, and chat history, plus the narrow interfaces
// the pipeline consumes. The PostgreSQL implementation lives in the postgres
// subpackage.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kestrad/voxtail/internal/jobqueue"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("store: not found")

// MeetingStatus tracks a meeting through its lifecycle. Transitions advance
// monotonically except recording→processing when audio stops.
type MeetingStatus string

const (
	MeetingScheduled    MeetingStatus = "scheduled"
	MeetingRecording    MeetingStatus = "recording"
	MeetingProcessing   MeetingStatus = "processing"
	MeetingTranscribing MeetingStatus = "transcribing"
	MeetingCompleted    MeetingStatus = "completed"
)

// TranscodeStatus tracks a temp recording's PCM→MP3 conversion.
type TranscodeStatus string

const (
	TranscodeQueued     TranscodeStatus = "queued"
	TranscodeInProgress TranscodeStatus = "in_progress"
	TranscodeDone       TranscodeStatus = "done"
	TranscodeFailed     TranscodeStatus = "failed"
)

// Meeting is one recorded voice session.
type Meeting struct {
	ID           string
	GuildID      string
	ChannelID    string
	RequesterID  string
	StartedAt    time.Time
	EndedAt      time.Time // zero until the session stops
	Status       MeetingStatus
	Participants []string
}

// TempRecording is a single finalized PCM chunk for one user in one meeting.
type TempRecording struct {
	ID               string
	UserID           string
	MeetingID        string
	ChunkIdx         int
	StartTimestampMS int64
	Filename         string
	TranscodeStatus  TranscodeStatus
	CreatedAt        time.Time
}

// PersistentRecording is the durable encoded recording for one user across a
// meeting, promoted from that user's ordered temp recordings.
type PersistentRecording struct {
	ID         string
	UserID     string
	MeetingID  string
	DurationMS int64
	SHA256     string
	Filename   string
}

// UserTranscript is the JSON transcript produced for one persistent
// recording. The file is later mutated in place with summary fields.
type UserTranscript struct {
	ID        string
	MeetingID string
	UserID    string
	SHA256    string
	Filename  string
}

// CompiledTranscript is the meeting-level merged, time-sorted transcript.
type CompiledTranscript struct {
	ID        string
	MeetingID string
	SHA256    string
	Filename  string
	Embedded  bool
}

// JobRecord is one row per job in the job_status table.
type JobRecord struct {
	ID         string
	Type       jobqueue.Type
	MeetingID  string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Status     jobqueue.Status
	ErrorLog   string
}

// Conversation groups the chat messages of one user in one guild.
type Conversation struct {
	ID        string
	GuildID   string
	UserID    string
	CreatedAt time.Time
}

// ChatMessage is a single turn in a conversation.
type ChatMessage struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Meetings persists meeting rows.
type Meetings interface {
	CreateMeeting(ctx context.Context, m Meeting) error
	MeetingByID(ctx context.Context, id string) (Meeting, error)
	SetMeetingStatus(ctx context.Context, id string, status MeetingStatus) error
	EndMeeting(ctx context.Context, id string, endedAt time.Time, status MeetingStatus) error
	AddParticipant(ctx context.Context, meetingID, userID string) error
}

// Recordings persists temp and persistent recording rows.
type Recordings interface {
	InsertTempRecording(ctx context.Context, rec TempRecording) error
	SetTranscodeStatus(ctx context.Context, id string, status TranscodeStatus) error
	TempRecordingsByMeeting(ctx context.Context, meetingID string) ([]TempRecording, error)
	CountPendingTranscodes(ctx context.Context, meetingID string) (int, error)
	DeleteTempRecording(ctx context.Context, id string) error
	StaleTempRecordings(ctx context.Context, olderThan time.Time) ([]TempRecording, error)

	InsertPersistentRecording(ctx context.Context, rec PersistentRecording) error
	PersistentRecordingsByMeeting(ctx context.Context, meetingID string) ([]PersistentRecording, error)
}

// Transcripts persists user and compiled transcript rows.
type Transcripts interface {
	InsertUserTranscript(ctx context.Context, t UserTranscript) error
	UserTranscriptsByMeeting(ctx context.Context, meetingID string) ([]UserTranscript, error)
	InsertCompiledTranscript(ctx context.Context, t CompiledTranscript) error
	CompiledTranscriptByMeeting(ctx context.Context, meetingID string) (CompiledTranscript, error)
	MarkCompiledTranscriptEmbedded(ctx context.Context, meetingID string) error
}

// Jobs persists job status rows. UpsertJob is called from queue callbacks on
// every lifecycle transition, so the row always reflects the latest attempt.
type Jobs interface {
	UpsertJob(ctx context.Context, j JobRecord) error
	JobsByMeeting(ctx context.Context, meetingID string) ([]JobRecord, error)
}

// Chats persists conversations and their messages.
type Chats interface {
	EnsureConversation(ctx context.Context, guildID, userID string) (Conversation, error)
	AppendChatMessage(ctx context.Context, m ChatMessage) error
	ChatMessages(ctx context.Context, conversationID string, limit int) ([]ChatMessage, error)
}

// Store is the full relational surface.
type Store interface {
	Meetings
	Recordings
	Transcripts
	Jobs
	Chats
}

// Document is one entry in a vector collection.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]any
}

// Match is a search hit, ordered by ascending cosine distance.
type Match struct {
	Document
	Distance float64
}

// VectorIndex is the vector-store surface the embed stage and chat
// retrieval consume. Upserts are idempotent by (collection, document ID).
type VectorIndex interface {
	Upsert(ctx context.Context, collection string, docs []Document) error
	Search(ctx context.Context, collection string, embedding []float32, topK int) ([]Match, error)
	CountByMeeting(ctx context.Context, collection, meetingID string) (int, error)
}
