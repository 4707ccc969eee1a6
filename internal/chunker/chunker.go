// Package chunker reconstructs per-speaker audio timelines. Voice packets
// arrive bursty and gap-prone; the chunker aligns every speaker to a shared
// session clock by padding silence, then emits fixed 30s windows of raw PCM
// as temp recordings. At stop it equalizes chunk counts across speakers and
// promotes each speaker's ordered chunks into one persistent recording.
package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrad/voxtail/internal/ident"
	"github.com/kestrad/voxtail/internal/observe"
	"github.com/kestrad/voxtail/internal/store"
	"github.com/kestrad/voxtail/pkg/audio"
)

// ErrStopped is returned by Ingress after the session has left recording.
var ErrStopped = errors.New("chunker: session stopped")

// TranscodeSink receives finalized chunks for PCM→MP3 conversion.
// [transcode.Transcoder] satisfies it.
type TranscodeSink interface {
	Enqueue(rec store.TempRecording)
}

// Config wires a Chunker to its collaborators.
type Config struct {
	MeetingID  string
	Dir        string
	Recordings store.Recordings
	Transcodes TranscodeSink

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time

	// FlushInterval is the period of the background silence flusher.
	// Defaults to 1s. Zero or negative disables the flusher.
	FlushInterval time.Duration

	// AwaitTranscodeTimeout bounds how long Stop waits for pending
	// transcodes before promoting whatever is done. Defaults to 5m.
	AwaitTranscodeTimeout time.Duration
}

type userState struct {
	buf        []byte
	chunks     int
	lastWallMS int64
}

// Chunker holds the per-speaker buffers of one recording session. All state
// is guarded by a single mutex; ingress, flusher, and stop serialize on it,
// which also enforces the no-append-after-stop contract.
type Chunker struct {
	meetingID string
	dir       string
	recs      store.Recordings
	sink      TranscodeSink
	now       func() time.Time

	awaitTimeout time.Duration

	mu        sync.Mutex
	start     time.Time
	stopped   bool
	paused    bool
	users     map[string]*userState
	maxChunks int

	flushDone chan struct{}
	flushStop chan struct{}
}

// New creates a Chunker, anchors the session clock at the current time, and
// starts the background flusher.
func New(cfg Config) (*Chunker, error) {
	if cfg.MeetingID == "" {
		return nil, errors.New("chunker: meeting ID required")
	}
	if cfg.Recordings == nil || cfg.Transcodes == nil {
		return nil, errors.New("chunker: recordings store and transcode sink required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AwaitTranscodeTimeout == 0 {
		cfg.AwaitTranscodeTimeout = 5 * time.Minute
	}

	c := &Chunker{
		meetingID:    cfg.MeetingID,
		dir:          cfg.Dir,
		recs:         cfg.Recordings,
		sink:         cfg.Transcodes,
		now:          cfg.Now,
		awaitTimeout: cfg.AwaitTranscodeTimeout,
		start:        cfg.Now(),
		users:        map[string]*userState{},
		flushDone:    make(chan struct{}),
		flushStop:    make(chan struct{}),
	}

	interval := cfg.FlushInterval
	if interval == 0 {
		interval = time.Second
	}
	if interval > 0 {
		go c.flushLoop(interval)
	} else {
		close(c.flushDone)
	}
	return c, nil
}

// elapsedMS is milliseconds since session start.
func (c *Chunker) elapsedMS() int64 {
	return c.now().Sub(c.start).Milliseconds()
}

// Ingress appends one decoded voice packet for a user. The packet must be
// whole 20ms frames of 48kHz stereo s16le PCM.
//
// A user's first packet initializes their timeline cursor at t=0, so a late
// joiner's initial gap pad covers their entire join delay. The lazy backfill
// keeps their buffer on the shared clock without synthesizing chunks upfront.
func (c *Chunker) Ingress(ctx context.Context, userID string, pcm []byte) error {
	if !audio.FrameAligned(len(pcm)) {
		return fmt.Errorf("chunker: packet of %d bytes is not frame aligned", len(pcm))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}

	u := c.users[userID]
	if u == nil {
		u = &userState{}
		c.users[userID] = u
	}

	nowMS := c.elapsedMS()
	packetStartMS := nowMS - audio.DurationMS(len(pcm))

	gapMS := packetStartMS - u.lastWallMS
	if gapMS > 0 {
		frames := audio.CeilMSToFrames(gapMS)
		u.buf = append(u.buf, audio.Silence(int(frames)*audio.FrameBytes)...)
	}
	u.buf = append(u.buf, pcm...)
	u.lastWallMS = packetStartMS + audio.DurationMS(len(pcm))

	return c.emitFullWindowsLocked(ctx, userID, u)
}

// emitFullWindowsLocked flushes as many complete windows as the buffer
// holds. A failed emit leaves the buffer untouched so the next ingress or
// the stop path retries it.
func (c *Chunker) emitFullWindowsLocked(ctx context.Context, userID string, u *userState) error {
	for len(u.buf) >= audio.WindowBytes {
		if err := c.emitLocked(ctx, userID, u, u.buf[:audio.WindowBytes]); err != nil {
			return err
		}
		u.buf = u.buf[audio.WindowBytes:]
	}
	return nil
}

// emitLocked writes one full window to disk, records it, and hands it to the
// transcode sink. The PCM file is removed again if the row insert fails.
func (c *Chunker) emitLocked(ctx context.Context, userID string, u *userState, window []byte) error {
	if len(window) != audio.WindowBytes {
		return fmt.Errorf("chunker: window of %d bytes, want %d", len(window), audio.WindowBytes)
	}

	rec := store.TempRecording{
		ID:               ident.New(),
		UserID:           userID,
		MeetingID:        c.meetingID,
		ChunkIdx:         u.chunks,
		StartTimestampMS: int64(u.chunks) * audio.WindowMS,
		Filename:         c.chunkPath(userID, u.chunks),
		TranscodeStatus:  store.TranscodeQueued,
		CreatedAt:        c.now().UTC(),
	}

	if err := os.WriteFile(rec.Filename, window, 0o644); err != nil {
		return fmt.Errorf("chunker: write chunk %d of %s: %w", u.chunks, userID, err)
	}
	if err := c.recs.InsertTempRecording(ctx, rec); err != nil {
		if rmErr := os.Remove(rec.Filename); rmErr != nil {
			slog.Warn("remove orphaned chunk", "path", rec.Filename, "err", rmErr)
		}
		return fmt.Errorf("chunker: record chunk %d of %s: %w", u.chunks, userID, err)
	}
	c.sink.Enqueue(rec)
	observe.DefaultMetrics().ChunksEmitted.Add(ctx, 1)

	u.chunks++
	if u.chunks > c.maxChunks {
		c.maxChunks = u.chunks
	}
	return nil
}

func (c *Chunker) chunkPath(userID string, idx int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_%s_chunk_%04d.pcm", c.meetingID, userID, idx))
}

// Pause suspends the background flusher without touching buffered audio.
func (c *Chunker) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume restarts the background flusher after [Chunker.Pause].
func (c *Chunker) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// flushLoop pads silence up to the wall clock for speakers that have gone
// quiet, so a long silence still produces windows on schedule rather than in
// one burst at the next packet.
func (c *Chunker) flushLoop(interval time.Duration) {
	defer close(c.flushDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.flushStop:
			return
		case <-ticker.C:
			c.flushSilence()
		}
	}
}

// flushSilence advances every known speaker's cursor to the current wall
// clock with whole frames of silence. Only fully elapsed frames are padded,
// so an arriving packet never overlaps flushed silence.
func (c *Chunker) flushSilence() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.paused {
		return
	}

	nowMS := c.elapsedMS()
	for userID, u := range c.users {
		gapMS := nowMS - u.lastWallMS
		frames := int(gapMS / audio.FrameMS)
		if frames <= 0 {
			continue
		}
		u.buf = append(u.buf, audio.Silence(frames*audio.FrameBytes)...)
		u.lastWallMS += int64(frames) * audio.FrameMS

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := c.emitFullWindowsLocked(ctx, userID, u); err != nil {
			slog.Error("flush windows", "meeting_id", c.meetingID, "user_id", userID, "err", err)
		}
		cancel()
	}
}

// Stop finalizes the session:
//
//  1. Block further ingress and halt the flusher.
//  2. Pad every partial buffer to a full window and emit it.
//  3. Emit fully silent windows until every speaker has the same count.
//  4. Await pending transcodes with backoff, bounded by the configured
//     timeout.
//  5. Promote each speaker's done chunks into one persistent recording and
//     delete the promoted temp rows. Failed transcodes are skipped; their
//     rows stay behind for TTL cleanup.
//
// The returned recordings are sorted by user ID.
func (c *Chunker) Stop(ctx context.Context) ([]store.PersistentRecording, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.flushStop)
	<-c.flushDone

	c.mu.Lock()
	err := c.finalizeBuffersLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := c.awaitTranscodes(ctx); err != nil {
		slog.Warn("transcode drain incomplete", "meeting_id", c.meetingID, "err", err)
	}
	return c.promote(ctx)
}

// finalizeBuffersLocked runs stop steps 2 and 3.
func (c *Chunker) finalizeBuffersLocked(ctx context.Context) error {
	for userID, u := range c.users {
		if len(u.buf) > 0 {
			pad := audio.WindowBytes - len(u.buf)%audio.WindowBytes
			if pad < audio.WindowBytes {
				u.buf = append(u.buf, audio.Silence(pad)...)
			}
			if err := c.emitFullWindowsLocked(ctx, userID, u); err != nil {
				return err
			}
			u.buf = nil
		}
	}
	for userID, u := range c.users {
		for u.chunks < c.maxChunks {
			if err := c.emitLocked(ctx, userID, u, audio.Silence(audio.WindowBytes)); err != nil {
				return err
			}
		}
	}
	return nil
}

// awaitTranscodes polls the pending-transcode count with 1s→10s exponential
// backoff until it reaches zero or the timeout elapses.
func (c *Chunker) awaitTranscodes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.awaitTimeout)
	defer cancel()

	delay := time.Second
	for {
		n, err := c.recs.CountPendingTranscodes(ctx, c.meetingID)
		if err != nil {
			return fmt.Errorf("chunker: count pending transcodes: %w", err)
		}
		if n == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("chunker: %d transcodes still pending: %w", n, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}
}

// promote concatenates each user's transcoded chunks into one MP3 per user,
// in parallel across users.
func (c *Chunker) promote(ctx context.Context) ([]store.PersistentRecording, error) {
	temps, err := c.recs.TempRecordingsByMeeting(ctx, c.meetingID)
	if err != nil {
		return nil, fmt.Errorf("chunker: list temp recordings: %w", err)
	}

	byUser := map[string][]store.TempRecording{}
	for _, t := range temps {
		byUser[t.UserID] = append(byUser[t.UserID], t)
	}

	var mu sync.Mutex
	var out []store.PersistentRecording
	g, gctx := errgroup.WithContext(ctx)
	for userID, chunks := range byUser {
		g.Go(func() error {
			rec, err := c.promoteUser(gctx, userID, chunks)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, rec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (c *Chunker) promoteUser(ctx context.Context, userID string, chunks []store.TempRecording) (store.PersistentRecording, error) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIdx < chunks[j].ChunkIdx })

	outPath := filepath.Join(c.dir, fmt.Sprintf("%s_%s.mp3", c.meetingID, userID))
	outFile, err := os.Create(outPath)
	if err != nil {
		return store.PersistentRecording{}, fmt.Errorf("chunker: create recording for %s: %w", userID, err)
	}
	defer outFile.Close()

	hash := sha256.New()
	w := io.MultiWriter(outFile, hash)

	var promoted []store.TempRecording
	for _, chunk := range chunks {
		if chunk.TranscodeStatus != store.TranscodeDone {
			slog.Warn("skipping unpromotable chunk",
				"meeting_id", c.meetingID, "user_id", userID,
				"chunk_idx", chunk.ChunkIdx, "status", chunk.TranscodeStatus)
			continue
		}
		if err := appendFile(w, mp3Path(chunk.Filename)); err != nil {
			return store.PersistentRecording{}, fmt.Errorf("chunker: concatenate chunk %d of %s: %w", chunk.ChunkIdx, userID, err)
		}
		promoted = append(promoted, chunk)
	}
	if err := outFile.Close(); err != nil {
		return store.PersistentRecording{}, fmt.Errorf("chunker: close recording for %s: %w", userID, err)
	}

	rec := store.PersistentRecording{
		ID:         ident.New(),
		UserID:     userID,
		MeetingID:  c.meetingID,
		DurationMS: int64(len(promoted)) * audio.WindowMS,
		SHA256:     hex.EncodeToString(hash.Sum(nil)),
		Filename:   outPath,
	}
	if err := c.recs.InsertPersistentRecording(ctx, rec); err != nil {
		return store.PersistentRecording{}, fmt.Errorf("chunker: persist recording for %s: %w", userID, err)
	}

	for _, chunk := range promoted {
		if err := c.recs.DeleteTempRecording(ctx, chunk.ID); err != nil {
			slog.Warn("delete promoted temp recording", "id", chunk.ID, "err", err)
			continue
		}
		if err := os.Remove(mp3Path(chunk.Filename)); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove promoted chunk file", "path", mp3Path(chunk.Filename), "err", err)
		}
	}
	return rec, nil
}

// Buffered reports how many bytes are currently buffered for a user.
func (c *Chunker) Buffered(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u := c.users[userID]; u != nil {
		return len(u.buf)
	}
	return 0
}

// ChunkCounts reports the emitted chunk count per user.
func (c *Chunker) ChunkCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.users))
	for userID, u := range c.users {
		out[userID] = u.chunks
	}
	return out
}

// Users returns every user the chunker has seen, sorted.
func (c *Chunker) Users() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.users))
	for userID := range c.users {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

func mp3Path(pcmPath string) string {
	ext := filepath.Ext(pcmPath)
	return pcmPath[:len(pcmPath)-len(ext)] + ".mp3"
}

func appendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
