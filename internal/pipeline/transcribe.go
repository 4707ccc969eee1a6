package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	gomp3 "github.com/hajimehoshi/go-mp3"

	"github.com/kestrad/voxtail/internal/gpu"
	"github.com/kestrad/voxtail/internal/ident"
	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/internal/store"
	"github.com/kestrad/voxtail/pkg/audio"
	"github.com/kestrad/voxtail/pkg/provider/stt"
)

// transcribeJob runs stage 1: speech recognition over every promoted
// recording of one meeting. Per-recording failures are logged and skipped;
// the job fails only when not a single recording transcribes, in which case
// the compile stage is never enqueued and the meeting stays in transcribing.
type transcribeJob struct {
	header jobqueue.Header
	o      *Orchestrator

	meetingID  string
	recordings []store.PersistentRecording
}

var _ jobqueue.Job = (*transcribeJob)(nil)

func (j *transcribeJob) Header() *jobqueue.Header { return &j.header }

func (j *transcribeJob) Execute(ctx context.Context) error {
	if err := j.o.cfg.Store.SetMeetingStatus(ctx, j.meetingID, store.MeetingTranscribing); err != nil {
		slog.Warn("set meeting transcribing", "meeting_id", j.meetingID, "err", err)
	}

	succeeded := 0
	for _, rec := range j.recordings {
		if err := j.o.transcribeRecording(ctx, rec); err != nil {
			slog.Warn("skip recording",
				"meeting_id", j.meetingID, "user_id", rec.UserID,
				"recording_id", rec.ID, "err", err)
			continue
		}
		succeeded++
	}

	if succeeded == 0 {
		return fmt.Errorf("pipeline: meeting %s: no recording transcribed", j.meetingID)
	}
	slog.Info("transcribe stage finished",
		"meeting_id", j.meetingID, "transcribed", succeeded, "total", len(j.recordings))
	return nil
}

// transcribeRecording decodes one MP3 recording, runs recognition under a
// transcription GPU lease, and writes the transcript file plus its row.
func (o *Orchestrator) transcribeRecording(ctx context.Context, rec store.PersistentRecording) error {
	// Promoted recordings carry their full path; transcript files are named
	// relative to the pipeline directory.
	samples, err := decodeRecording(rec.Filename)
	if err != nil {
		return err
	}

	result, err := o.transcribeSamples(ctx, rec, samples)
	if err != nil {
		return err
	}

	transcriptID := ident.New()
	doc := UserTranscriptDoc{
		TranscriptID: transcriptID,
		MeetingID:    rec.MeetingID,
		UserID:       rec.UserID,
		RecordingID:  rec.ID,
		Language:     result.Language,
		Segments:     make([]TranscriptSegment, 0, len(result.Segments)),
	}
	for _, seg := range result.Segments {
		out := TranscriptSegment{
			StartMS: seg.Start.Milliseconds(),
			EndMS:   seg.End.Milliseconds(),
			Text:    seg.Text,
		}
		for _, w := range seg.Words {
			out.Words = append(out.Words, WordTiming{
				StartMS: w.Start.Milliseconds(),
				EndMS:   w.End.Milliseconds(),
				Text:    w.Text,
			})
		}
		doc.Segments = append(doc.Segments, out)
	}

	filename := UserTranscriptFilename(rec.MeetingID, rec.UserID, transcriptID)
	sha, err := writeDoc(o.cfg.Dir, filename, doc)
	if err != nil {
		return err
	}

	err = o.cfg.Store.InsertUserTranscript(ctx, store.UserTranscript{
		ID:        transcriptID,
		MeetingID: rec.MeetingID,
		UserID:    rec.UserID,
		SHA256:    sha,
		Filename:  filename,
	})
	if err != nil {
		if rerr := os.Remove(filepath.Join(o.cfg.Dir, filename)); rerr != nil {
			slog.Warn("remove orphaned transcript", "filename", filename, "err", rerr)
		}
		return fmt.Errorf("pipeline: insert user transcript: %w", err)
	}
	return nil
}

// transcribeSamples holds the GPU only for the recognition call itself;
// decoding and file writes happen outside the lease.
func (o *Orchestrator) transcribeSamples(ctx context.Context, rec store.PersistentRecording, samples []float32) (*stt.Result, error) {
	lease, err := o.cfg.GPU.Acquire(ctx, gpu.ClassTranscription, rec.ID, map[string]string{
		"meeting_id": rec.MeetingID,
		"user_id":    rec.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: acquire gpu: %w", err)
	}
	defer lease.Release()

	result, err := o.cfg.STT.Transcribe(ctx, samples)
	if err != nil {
		return nil, fmt.Errorf("pipeline: transcribe: %w", err)
	}
	return result, nil
}

// decodeRecording reads an MP3 file into the 16 kHz mono float32 samples the
// speech engine expects. go-mp3 always emits 16-bit stereo at the file's
// sample rate.
func decodeRecording(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open recording: %w", err)
	}
	defer f.Close()

	dec, err := gomp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode recording %s: %w", filepath.Base(path), err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read recording %s: %w", filepath.Base(path), err)
	}

	mono := audio.StereoToMono(pcm)
	mono = audio.ResampleMono16(mono, dec.SampleRate(), stt.SampleRate)
	ints := audio.BytesToInt16s(mono)
	samples := make([]float32, len(ints))
	for i, s := range ints {
		samples[i] = float32(s) / 32768.0
	}
	return samples, nil
}
