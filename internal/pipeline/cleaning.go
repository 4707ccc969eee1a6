package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/internal/store"
)

// tempRecordingTTL is how long finished temp recordings linger before the
// cleaner removes them. Promotion normally deletes them at session stop; the
// TTL catches rows orphaned by crashes and failed transcodes.
const tempRecordingTTL = 24 * time.Hour

// cleaningJob sweeps expired temp recordings and their files.
type cleaningJob struct {
	header jobqueue.Header
	o      *Orchestrator
}

var _ jobqueue.Job = (*cleaningJob)(nil)

func (j *cleaningJob) Header() *jobqueue.Header { return &j.header }

func (j *cleaningJob) Execute(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-tempRecordingTTL)
	stale, err := j.o.cfg.Store.StaleTempRecordings(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: list stale temp recordings: %w", err)
	}

	removed := 0
	for _, rec := range stale {
		if rec.TranscodeStatus != store.TranscodeDone && rec.TranscodeStatus != store.TranscodeFailed {
			continue
		}
		if err := os.Remove(rec.Filename); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("remove stale chunk file", "filename", rec.Filename, "err", err)
		}
		if err := j.o.cfg.Store.DeleteTempRecording(ctx, rec.ID); err != nil {
			slog.Warn("delete stale temp recording", "recording_id", rec.ID, "err", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		slog.Info("cleaned stale temp recordings", "removed", removed)
	}
	return nil
}
