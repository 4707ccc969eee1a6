package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kestrad/voxtail/internal/chat"
	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/internal/observe"
	"github.com/kestrad/voxtail/internal/pipeline"
	"github.com/kestrad/voxtail/internal/session"
	"github.com/kestrad/voxtail/internal/store"
)

const (
	// commandTimeout bounds store lookups done inside a handler.
	commandTimeout = 30 * time.Second

	// askTimeout bounds one chat question end to end, including queueing
	// behind other questions and the LLM call itself.
	askTimeout = 5 * time.Minute

	// maxMessageLen is Discord's content length limit.
	maxMessageLen = 2000
)

// Commands wires the slash command handlers to the rest of the application.
type Commands struct {
	Sessions *session.Manager
	Pipeline *pipeline.Orchestrator
	Chat     *chat.Service
	Store    store.Store
	Metrics  *observe.Metrics

	mu        sync.Mutex
	recorders map[string]*voiceRecorder // keyed by channel ID
}

// Register adds the record, status, and ask commands to the bot's router.
// Call before [Bot.Run] so the definitions reach the bulk overwrite.
func (c *Commands) Register(b *Bot) {
	c.recorders = make(map[string]*voiceRecorder)
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}

	record := &discordgo.ApplicationCommand{
		Name:        "record",
		Description: "Control meeting recording in your voice channel",
		Options: []*discordgo.ApplicationCommandOption{
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "start", Description: "Start recording"},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "stop", Description: "Stop recording and process the meeting"},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "pause", Description: "Pause recording"},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "resume", Description: "Resume a paused recording"},
		},
	}
	b.Router().RegisterCommand("record/start", record, c.handleRecordStart)
	b.Router().RegisterHandler("record/stop", c.handleRecordStop)
	b.Router().RegisterHandler("record/pause", c.handleRecordPause)
	b.Router().RegisterHandler("record/resume", c.handleRecordResume)

	status := &discordgo.ApplicationCommand{
		Name:        "status",
		Description: "Show meeting processing status",
		Options: []*discordgo.ApplicationCommandOption{
			{Type: discordgo.ApplicationCommandOptionString, Name: "meeting_id", Description: "Meeting to inspect; omit for queue overview"},
		},
	}
	b.Router().RegisterCommand("status", status, c.handleStatus)

	ask := &discordgo.ApplicationCommand{
		Name:        "ask",
		Description: "Ask the assistant about recorded meetings",
		Options: []*discordgo.ApplicationCommandOption{
			{Type: discordgo.ApplicationCommandOptionString, Name: "question", Description: "Your question", Required: true},
		},
	}
	b.Router().RegisterCommand("ask", ask, c.handleAsk)
}

// StopAllRecorders disconnects every live voice recorder. Used during
// shutdown before the session manager finalizes the meetings.
func (c *Commands) StopAllRecorders() {
	c.mu.Lock()
	recorders := make([]*voiceRecorder, 0, len(c.recorders))
	for ch, r := range c.recorders {
		recorders = append(recorders, r)
		delete(c.recorders, ch)
	}
	c.mu.Unlock()

	for _, r := range recorders {
		if err := r.stop(); err != nil {
			slog.Warn("discord: stop recorder during shutdown", "err", err)
		}
	}
}

func (c *Commands) handleRecordStart(s *discordgo.Session, i *discordgo.InteractionCreate) {
	userID, ok := interactionUser(i)
	if !ok {
		RespondEphemeral(s, i, "This command only works inside a server.")
		return
	}
	channelID, ok := c.voiceChannelOf(s, i.GuildID, userID)
	if !ok {
		RespondEphemeral(s, i, "Join a voice channel first.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	sess, err := c.Sessions.StartSession(ctx, session.StartParams{
		GuildID:     i.GuildID,
		ChannelID:   channelID,
		RequesterID: userID,
	})
	if errors.Is(err, session.ErrSessionExists) {
		RespondEphemeral(s, i, "This channel is already being recorded.")
		return
	}
	if err != nil {
		RespondError(s, i, err)
		return
	}

	rec, err := startRecorder(s, i.GuildID, channelID, sess)
	if err != nil {
		// Roll the meeting back so the channel is not wedged.
		if stopErr := c.Sessions.StopSession(ctx, channelID); stopErr != nil {
			slog.Error("discord: rollback session after join failure",
				"meeting_id", sess.MeetingID, "err", stopErr)
		}
		RespondError(s, i, err)
		return
	}

	c.mu.Lock()
	c.recorders[channelID] = rec
	c.mu.Unlock()

	c.Metrics.ActiveSessions.Add(ctx, 1)
	RespondEphemeral(s, i, fmt.Sprintf("Recording started. Meeting ID: `%s`", sess.MeetingID))
}

func (c *Commands) handleRecordStop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	userID, ok := interactionUser(i)
	if !ok {
		RespondEphemeral(s, i, "This command only works inside a server.")
		return
	}
	channelID, ok := c.recordedChannelOf(s, i.GuildID, userID)
	if !ok {
		RespondEphemeral(s, i, "No active recording found.")
		return
	}

	c.mu.Lock()
	rec := c.recorders[channelID]
	delete(c.recorders, channelID)
	c.mu.Unlock()

	// Finalizing waits for pending transcodes, so defer the reply.
	DeferReply(s, i)

	if rec != nil {
		if err := rec.stop(); err != nil {
			slog.Warn("discord: disconnect voice", "channel_id", channelID, "err", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	sess, _ := c.Sessions.Session(channelID)
	if err := c.Sessions.StopSession(ctx, channelID); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			FollowUp(s, i, "No active recording found.")
		} else {
			FollowUp(s, i, fmt.Sprintf("Error: %v", err))
		}
		return
	}

	c.Metrics.ActiveSessions.Add(ctx, -1)
	msg := "Recording stopped. Processing has started."
	if sess != nil {
		msg = fmt.Sprintf("Recording stopped. Processing meeting `%s`; you will be notified when it completes.", sess.MeetingID)
	}
	FollowUp(s, i, msg)
}

func (c *Commands) handleRecordPause(s *discordgo.Session, i *discordgo.InteractionCreate) {
	c.pauseResume(s, i, true)
}

func (c *Commands) handleRecordResume(s *discordgo.Session, i *discordgo.InteractionCreate) {
	c.pauseResume(s, i, false)
}

func (c *Commands) pauseResume(s *discordgo.Session, i *discordgo.InteractionCreate, pause bool) {
	userID, ok := interactionUser(i)
	if !ok {
		RespondEphemeral(s, i, "This command only works inside a server.")
		return
	}
	channelID, ok := c.recordedChannelOf(s, i.GuildID, userID)
	if !ok {
		RespondEphemeral(s, i, "No active recording found.")
		return
	}

	var err error
	if pause {
		err = c.Sessions.PauseSession(channelID)
	} else {
		err = c.Sessions.ResumeSession(channelID)
	}
	if errors.Is(err, session.ErrNoSession) {
		RespondEphemeral(s, i, "No active recording found.")
		return
	}
	if err != nil {
		RespondError(s, i, err)
		return
	}
	if pause {
		RespondEphemeral(s, i, "Recording paused.")
	} else {
		RespondEphemeral(s, i, "Recording resumed.")
	}
}

func (c *Commands) handleStatus(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	meetingID := optionString(i.ApplicationCommandData(), "meeting_id")
	if meetingID == "" {
		RespondEmbed(s, i, c.queueOverview())
		return
	}

	meeting, err := c.Store.MeetingByID(ctx, meetingID)
	if errors.Is(err, store.ErrNotFound) {
		RespondEphemeral(s, i, fmt.Sprintf("No meeting `%s` found.", meetingID))
		return
	}
	if err != nil {
		RespondError(s, i, err)
		return
	}
	jobs, err := c.Store.JobsByMeeting(ctx, meetingID)
	if err != nil {
		RespondError(s, i, err)
		return
	}
	RespondEmbed(s, i, meetingEmbed(meeting, jobs))
}

// queueOverview renders per-stage queue statistics.
func (c *Commands) queueOverview() *discordgo.MessageEmbed {
	stats := c.Pipeline.QueueStatistics()
	stats[jobqueue.TypeChatbot] = c.Chat.Queue().Statistics()

	types := make([]jobqueue.Type, 0, len(stats))
	for t := range stats {
		types = append(types, t)
	}
	sort.Slice(types, func(a, b int) bool { return types[a] < types[b] })

	fields := make([]*discordgo.MessageEmbedField, 0, len(types))
	for _, t := range types {
		st := stats[t]
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: string(t),
			Value: fmt.Sprintf("queued: %d, processed: %d, failed: %d",
				st.QueueSize, st.TotalProcessed, st.TotalFailed),
		})
	}
	return &discordgo.MessageEmbed{
		Title:  "Processing queues",
		Fields: fields,
	}
}

// meetingEmbed renders one meeting's lifecycle and its job rows.
func meetingEmbed(m store.Meeting, jobs []store.JobRecord) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Status", Value: string(m.Status), Inline: true},
		{Name: "Participants", Value: fmt.Sprintf("%d", len(m.Participants)), Inline: true},
		{Name: "Started", Value: m.StartedAt.Format(time.RFC3339), Inline: true},
	}
	if !m.EndedAt.IsZero() {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Ended", Value: m.EndedAt.Format(time.RFC3339), Inline: true,
		})
	}

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	var lines []string
	for _, j := range jobs {
		line := fmt.Sprintf("%s: %s", j.Type, j.Status)
		if j.ErrorLog != "" {
			line += " (" + j.ErrorLog + ")"
		}
		lines = append(lines, line)
	}
	if len(lines) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Jobs",
			Value: strings.Join(lines, "\n"),
		})
	}

	return &discordgo.MessageEmbed{
		Title:  "Meeting " + m.ID,
		Fields: fields,
	}
}

func (c *Commands) handleAsk(s *discordgo.Session, i *discordgo.InteractionCreate) {
	userID, ok := interactionUser(i)
	if !ok {
		RespondEphemeral(s, i, "This command only works inside a server.")
		return
	}
	question := optionString(i.ApplicationCommandData(), "question")
	if strings.TrimSpace(question) == "" {
		RespondEphemeral(s, i, "Please provide a question.")
		return
	}

	// Answering queues behind other questions and blocks on the LLM, so
	// defer and answer from a goroutine.
	DeferReply(s, i)
	guildID := i.GuildID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), askTimeout)
		defer cancel()

		answer, err := c.Chat.Ask(ctx, guildID, userID, question)
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.Metrics.ChatQuestions.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", status)))

		if err != nil {
			FollowUp(s, i, fmt.Sprintf("Error: %v", err))
			return
		}
		FollowUp(s, i, truncate(answer, maxMessageLen))
	}()
}

// voiceChannelOf resolves the voice channel a user currently sits in.
func (c *Commands) voiceChannelOf(s *discordgo.Session, guildID, userID string) (string, bool) {
	vs, err := s.State.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", false
	}
	return vs.ChannelID, true
}

// recordedChannelOf resolves which recorded channel a command targets: the
// user's current voice channel when it has a recorder, otherwise the single
// active recorder. Users may leave the channel before stopping.
func (c *Commands) recordedChannelOf(s *discordgo.Session, guildID, userID string) (string, bool) {
	if ch, ok := c.voiceChannelOf(s, guildID, userID); ok {
		c.mu.Lock()
		_, recording := c.recorders[ch]
		c.mu.Unlock()
		if recording {
			return ch, true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recorders) == 1 {
		for ch := range c.recorders {
			return ch, true
		}
	}
	return "", false
}

// interactionUser extracts the invoking guild member's user ID.
func interactionUser(i *discordgo.InteractionCreate) (string, bool) {
	if i.Member == nil || i.Member.User == nil {
		return "", false
	}
	return i.Member.User.ID, true
}

// optionString returns the named string option, descending into the first
// subcommand when present.
func optionString(data discordgo.ApplicationCommandInteractionData, name string) string {
	opts := data.Options
	if len(opts) > 0 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		opts = opts[0].Options
	}
	for _, o := range opts {
		if o.Name == name {
			return o.StringValue()
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
