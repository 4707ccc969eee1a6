// Package transcode converts finalized PCM chunks into MP3 files on a
// dedicated job queue. Encoding is pure Go via shine-mp3, so no external
// ffmpeg binary is needed.
package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/braheezy/shine-mp3/pkg/mp3"

	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/internal/store"
	"github.com/kestrad/voxtail/pkg/audio"
)

// encodeBlockSamples is the MP3 Layer III granule size per channel. The
// encoder consumes whole blocks, so trailing samples are zero-padded.
const encodeBlockSamples = 1152

// MP3Path converts a chunk's PCM filename into its MP3 counterpart.
func MP3Path(pcmPath string) string {
	return strings.TrimSuffix(pcmPath, ".pcm") + ".mp3"
}

// EncodePCMFile reads a raw s16le stereo 48kHz file and writes it as MP3.
func EncodePCMFile(pcmPath, mp3Path string) error {
	raw, err := os.ReadFile(pcmPath)
	if err != nil {
		return fmt.Errorf("transcode: read pcm: %w", err)
	}
	samples := audio.BytesToInt16s(raw)

	block := encodeBlockSamples * audio.Channels
	if rem := len(samples) % block; rem != 0 {
		samples = append(samples, make([]int16, block-rem)...)
	}

	out, err := os.Create(mp3Path)
	if err != nil {
		return fmt.Errorf("transcode: create mp3: %w", err)
	}
	enc := mp3.NewEncoder(audio.SampleRate, audio.Channels)
	enc.Write(out, samples)
	if err := out.Close(); err != nil {
		return fmt.Errorf("transcode: close mp3: %w", err)
	}
	return nil
}

// Transcoder owns the transcoding queue. Chunk producers call [Transcoder.Enqueue]
// for every finalized temp recording; the queue processes them one at a time
// and tracks progress in the temp_recordings table.
type Transcoder struct {
	queue *jobqueue.Queue
	recs  store.Recordings
}

// New wires a Transcoder onto recs. The queue starts lazily with the first
// enqueued job.
func New(recs store.Recordings, opts ...jobqueue.Option) *Transcoder {
	t := &Transcoder{
		queue: jobqueue.New("transcoding", opts...),
		recs:  recs,
	}
	t.queue.OnFailed = t.onFailed
	return t
}

// Queue exposes the underlying queue for status reporting and shutdown.
func (t *Transcoder) Queue() *jobqueue.Queue { return t.queue }

// Stop drains the in-flight job and stops the worker.
func (t *Transcoder) Stop() { t.queue.Stop(true) }

// Enqueue schedules the PCM→MP3 conversion of one temp recording.
func (t *Transcoder) Enqueue(rec store.TempRecording) {
	t.queue.AddJob(&job{
		header: jobqueue.Header{
			ID:   rec.ID,
			Type: jobqueue.TypeTranscoding,
			Metadata: map[string]string{
				"meeting_id": rec.MeetingID,
				"user_id":    rec.UserID,
			},
		},
		rec:  rec,
		recs: t.recs,
	})
}

func (t *Transcoder) onFailed(j jobqueue.Job, err error) {
	tj, ok := j.(*job)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := t.recs.SetTranscodeStatus(ctx, tj.rec.ID, store.TranscodeFailed); serr != nil {
		slog.Error("mark transcode failed", "recording_id", tj.rec.ID, "err", serr)
	}
}

// job converts a single temp recording. The source PCM file is removed only
// after the MP3 has been written and the row marked done, so a crash between
// the two leaves a retryable state behind.
type job struct {
	header jobqueue.Header
	rec    store.TempRecording
	recs   store.Recordings
}

var _ jobqueue.Job = (*job)(nil)

func (j *job) Header() *jobqueue.Header { return &j.header }

func (j *job) Execute(ctx context.Context) error {
	if err := j.recs.SetTranscodeStatus(ctx, j.rec.ID, store.TranscodeInProgress); err != nil {
		return fmt.Errorf("transcode: mark in progress: %w", err)
	}

	mp3Path := MP3Path(j.rec.Filename)
	if err := EncodePCMFile(j.rec.Filename, mp3Path); err != nil {
		return err
	}

	if err := j.recs.SetTranscodeStatus(ctx, j.rec.ID, store.TranscodeDone); err != nil {
		return fmt.Errorf("transcode: mark done: %w", err)
	}

	if err := os.Remove(j.rec.Filename); err != nil {
		slog.Warn("remove source pcm", "path", j.rec.Filename, "err", err)
	}
	return nil
}
