package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/kestrad/voxtail/internal/session"
	"github.com/kestrad/voxtail/pkg/audio"
)

// Discord voice is 48 kHz stereo Opus at 20 ms frames, which matches the
// chunker's native format exactly, so decoded packets feed straight in.
const opusFrameSamples = audio.SampleRate * audio.FrameMS / 1000 // 960 per channel

// voiceRecorder reads Opus packets from one voice connection, decodes them
// per SSRC, and feeds the PCM into the channel's recording session. The
// SSRC to user mapping comes from Discord speaking updates.
type voiceRecorder struct {
	vc   *discordgo.VoiceConnection
	sess *session.Session

	mu    sync.RWMutex
	users map[uint32]string // SSRC -> userID

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// disconnectVC defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// startRecorder joins the voice channel and begins streaming decoded audio
// into sess. The recorder lives until [voiceRecorder.stop] is called.
func startRecorder(ds *discordgo.Session, guildID, channelID string, sess *session.Session) (*voiceRecorder, error) {
	// mute=true: voxtail only listens. deaf=false so Discord sends audio.
	vc, err := ds.ChannelVoiceJoin(guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &voiceRecorder{
		vc:           vc,
		sess:         sess,
		users:        make(map[uint32]string),
		cancel:       cancel,
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}

	vc.AddHandler(r.handleSpeakingUpdate)
	go r.recvLoop(ctx)
	return r, nil
}

// stop tears down the voice connection and waits for the receive loop to
// drain. Safe to call more than once.
func (r *voiceRecorder) stop() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		if r.disconnectVC != nil {
			err = r.disconnectVC()
		}
		<-r.done
	})
	return err
}

// handleSpeakingUpdate records the SSRC to user mapping Discord announces
// when a participant starts transmitting.
func (r *voiceRecorder) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	r.mu.Lock()
	r.users[uint32(vs.SSRC)] = vs.UserID
	r.mu.Unlock()
}

// userFor resolves an SSRC to a user ID. Packets that arrive before the
// speaking update are attributed to the SSRC itself so no audio is lost.
func (r *voiceRecorder) userFor(ssrc uint32) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if userID, ok := r.users[ssrc]; ok {
		return userID
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}

// recvLoop reads Opus packets from the voice connection, demuxes them by
// SSRC, decodes to PCM, and delivers the bytes to the session.
func (r *voiceRecorder) recvLoop(ctx context.Context) {
	defer close(r.done)

	// Each SSRC gets its own decoder to maintain state across frames.
	decoders := make(map[uint32]*gopus.Decoder)

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-r.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = gopus.NewDecoder(audio.SampleRate, audio.Channels)
				if err != nil {
					slog.Error("discord: create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.Decode(pkt.Opus, opusFrameSamples, false)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}

			userID := r.userFor(pkt.SSRC)
			if err := r.sess.Ingress(ctx, userID, audio.Int16sToBytes(pcm)); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				slog.Warn("discord: ingress error",
					"meeting_id", r.sess.MeetingID, "user_id", userID, "err", err)
			}
		}
	}
}
