package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Transcript documents are JSON files on disk; the SQL rows only carry their
// filename and checksum. User transcript files are written once by the
// transcribe stage and later mutated in place by the summarize stage.

// WordTiming is one recognized word with millisecond timing.
type WordTiming struct {
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

// TranscriptSegment is one utterance in a user transcript.
type TranscriptSegment struct {
	StartMS int64        `json:"start_ms"`
	EndMS   int64        `json:"end_ms"`
	Text    string       `json:"text"`
	Words   []WordTiming `json:"words,omitempty"`
}

// UserTranscriptDoc is the per-user transcript file payload.
type UserTranscriptDoc struct {
	TranscriptID string              `json:"transcript_id"`
	MeetingID    string              `json:"meeting_id"`
	UserID       string              `json:"user_id"`
	RecordingID  string              `json:"recording_id"`
	Language     string              `json:"language"`
	Segments     []TranscriptSegment `json:"segments"`

	Summary       string              `json:"summary,omitempty"`
	SummaryLayers map[string][]string `json:"summary_layers,omitempty"`
	SummarizedAt  *time.Time          `json:"summarized_at,omitempty"`
}

// Timestamp is the timing block of a compiled segment, in milliseconds from
// recording start.
type Timestamp struct {
	StartTime int64 `json:"start_time"`
	EndTime   int64 `json:"end_time"`
}

// Speaker attributes a compiled segment to its source transcript.
type Speaker struct {
	UserID                string `json:"user_id"`
	UserTranscriptionFile string `json:"user_transcription_file"`
}

// CompiledSegment is one entry of the merged, time-sorted meeting transcript.
type CompiledSegment struct {
	Timestamp Timestamp `json:"timestamp"`
	Speaker   Speaker   `json:"speaker"`
	Content   string    `json:"content"`
}

// CompiledTranscriptDoc is the meeting-level transcript file payload.
type CompiledTranscriptDoc struct {
	MeetingID       string            `json:"meeting_id"`
	CompiledAt      time.Time         `json:"compiled_at"`
	TranscriptCount int               `json:"transcript_count"`
	UserIDs         []string          `json:"user_ids"`
	SegmentCount    int               `json:"segment_count"`
	Segments        []CompiledSegment `json:"segments"`

	Summary       string              `json:"summary,omitempty"`
	SummaryLayers map[string][]string `json:"summary_layers,omitempty"`
	SummarizedAt  *time.Time          `json:"summarized_at,omitempty"`
}

// UserTranscriptFilename names the per-user transcript file.
func UserTranscriptFilename(meetingID, userID, transcriptID string) string {
	return fmt.Sprintf("transcript_%s_%s_%s.json", meetingID, userID, transcriptID)
}

// CompiledTranscriptFilename names the meeting-level transcript file.
func CompiledTranscriptFilename(meetingID string) string {
	return fmt.Sprintf("transcript_%s.json", meetingID)
}

// writeDoc marshals v into dir/filename and returns the hex SHA-256 of the
// written bytes.
func writeDoc(dir, filename string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("pipeline: marshal %s: %w", filename, err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("pipeline: write %s: %w", filename, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// readDoc unmarshals dir/filename into v.
func readDoc(dir, filename string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		return fmt.Errorf("pipeline: read %s: %w", filename, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("pipeline: decode %s: %w", filename, err)
	}
	return nil
}
