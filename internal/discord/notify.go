package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/internal/pipeline"
	"github.com/kestrad/voxtail/internal/store"
)

// dmSender is the slice of the Discord API the notifier needs. Satisfied by
// *discordgo.Session; faked in tests.
type dmSender interface {
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ dmSender = (*discordgo.Session)(nil)

// DMNotifier tells users about finished meetings via direct messages:
// every participant on success, the requester on failure.
type DMNotifier struct {
	api      dmSender
	meetings store.Meetings
}

var _ pipeline.Notifier = (*DMNotifier)(nil)

// NewDMNotifier builds a notifier on top of an open Discord session.
func NewDMNotifier(s *discordgo.Session, meetings store.Meetings) *DMNotifier {
	return &DMNotifier{api: s, meetings: meetings}
}

// MeetingCompleted DMs every participant that the meeting transcript is
// ready to be queried.
func (n *DMNotifier) MeetingCompleted(_ context.Context, m store.Meeting) {
	msg := fmt.Sprintf(
		"Your meeting `%s` has been transcribed and summarized. Use `/ask` to query it.", m.ID)
	for _, userID := range m.Participants {
		n.dm(userID, msg)
	}
}

// MeetingFailed DMs the requester which stage broke and why.
func (n *DMNotifier) MeetingFailed(ctx context.Context, meetingID string, stage jobqueue.Type, cause error) {
	m, err := n.meetings.MeetingByID(ctx, meetingID)
	if err != nil {
		slog.Error("notify: load failed meeting", "meeting_id", meetingID, "err", err)
		return
	}
	if m.RequesterID == "" {
		return
	}
	n.dm(m.RequesterID, fmt.Sprintf(
		"Processing of meeting `%s` failed during %s: %v", meetingID, stage, cause))
}

// dm opens (or reuses) the DM channel with userID and sends content.
func (n *DMNotifier) dm(userID, content string) {
	ch, err := n.api.UserChannelCreate(userID)
	if err != nil {
		slog.Warn("notify: open DM channel", "user_id", userID, "err", err)
		return
	}
	if _, err := n.api.ChannelMessageSend(ch.ID, content); err != nil {
		slog.Warn("notify: send DM", "user_id", userID, "err", err)
	}
}
