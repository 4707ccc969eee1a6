package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kestrad/voxtail/internal/ident"
	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/internal/store"
)

// compileJob runs stage 2: merge every user transcript of a meeting into one
// time-sorted document. A transcript file that fails to load is skipped so
// the remaining users still make it downstream.
type compileJob struct {
	header jobqueue.Header
	o      *Orchestrator

	meetingID string
}

var _ jobqueue.Job = (*compileJob)(nil)

func (j *compileJob) Header() *jobqueue.Header { return &j.header }

func (j *compileJob) Execute(ctx context.Context) error {
	rows, err := j.o.cfg.Store.UserTranscriptsByMeeting(ctx, j.meetingID)
	if err != nil {
		return fmt.Errorf("pipeline: load user transcripts: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("pipeline: meeting %s: no user transcripts to compile", j.meetingID)
	}

	var segments []CompiledSegment
	var userIDs []string
	loaded := 0
	for _, row := range rows {
		var doc UserTranscriptDoc
		if err := readDoc(j.o.cfg.Dir, row.Filename, &doc); err != nil {
			slog.Warn("skip user transcript",
				"meeting_id", j.meetingID, "user_id", row.UserID, "err", err)
			continue
		}
		loaded++
		userIDs = append(userIDs, row.UserID)
		for _, seg := range doc.Segments {
			segments = append(segments, CompiledSegment{
				Timestamp: Timestamp{StartTime: seg.StartMS, EndTime: seg.EndMS},
				Speaker:   Speaker{UserID: row.UserID, UserTranscriptionFile: row.Filename},
				Content:   seg.Text,
			})
		}
	}
	if loaded == 0 {
		return fmt.Errorf("pipeline: meeting %s: every user transcript failed to load", j.meetingID)
	}

	// Stable sort keeps a speaker's own segments in their spoken order when
	// start times tie.
	sort.SliceStable(segments, func(a, b int) bool {
		return segments[a].Timestamp.StartTime < segments[b].Timestamp.StartTime
	})
	sort.Strings(userIDs)

	doc := CompiledTranscriptDoc{
		MeetingID:       j.meetingID,
		CompiledAt:      time.Now().UTC(),
		TranscriptCount: loaded,
		UserIDs:         userIDs,
		SegmentCount:    len(segments),
		Segments:        segments,
	}
	filename := CompiledTranscriptFilename(j.meetingID)
	sha, err := writeDoc(j.o.cfg.Dir, filename, doc)
	if err != nil {
		return err
	}

	err = j.o.cfg.Store.InsertCompiledTranscript(ctx, store.CompiledTranscript{
		ID:        ident.New(),
		MeetingID: j.meetingID,
		SHA256:    sha,
		Filename:  filename,
	})
	if err != nil {
		return fmt.Errorf("pipeline: insert compiled transcript: %w", err)
	}

	slog.Info("compile stage finished",
		"meeting_id", j.meetingID, "transcripts", loaded, "segments", len(segments))
	return nil
}
