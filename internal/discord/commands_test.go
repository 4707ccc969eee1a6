package discord

import (
	"strings"
	"testing"
	"time"

	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/internal/store"
)

func TestMeetingEmbed(t *testing.T) {
	t.Parallel()
	started := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	m := store.Meeting{
		ID:           "m1",
		Status:       store.MeetingCompleted,
		StartedAt:    started,
		EndedAt:      started.Add(time.Hour),
		Participants: []string{"alice", "bob"},
	}
	jobs := []store.JobRecord{
		{Type: jobqueue.TypeSummarizing, Status: jobqueue.StatusCompleted, CreatedAt: started.Add(2 * time.Minute)},
		{Type: jobqueue.TypeTranscribing, Status: jobqueue.StatusCompleted, CreatedAt: started.Add(time.Minute)},
		{Type: jobqueue.TypeTextEmbedding, Status: jobqueue.StatusFailed, ErrorLog: "no space", CreatedAt: started.Add(3 * time.Minute)},
	}

	embed := meetingEmbed(m, jobs)
	if embed.Title != "Meeting m1" {
		t.Errorf("title = %q", embed.Title)
	}

	var jobsField string
	for _, f := range embed.Fields {
		if f.Name == "Jobs" {
			jobsField = f.Value
		}
	}
	if jobsField == "" {
		t.Fatal("no Jobs field rendered")
	}
	lines := strings.Split(jobsField, "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "transcribing") {
		t.Errorf("job lines not in creation order: %q", jobsField)
	}
	if !strings.Contains(lines[2], "no space") {
		t.Errorf("failed job line %q does not carry the error", lines[2])
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	long := strings.Repeat("a", 30)
	got := truncate(long, 10)
	if len(got) != 10 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate = %q, want 10 chars ending in ...", got)
	}
}
