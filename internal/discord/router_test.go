package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func commandInteraction(name string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: opts,
			},
		},
	}
}

func TestRouter_DispatchesTopLevelCommand(t *testing.T) {
	t.Parallel()
	r := NewCommandRouter()

	called := false
	r.RegisterCommand("status", &discordgo.ApplicationCommand{Name: "status"},
		func(_ *discordgo.Session, _ *discordgo.InteractionCreate) { called = true })

	r.Handle(nil, commandInteraction("status"))
	if !called {
		t.Error("status handler was not invoked")
	}
}

func TestRouter_DispatchesSubcommand(t *testing.T) {
	t.Parallel()
	r := NewCommandRouter()

	var got string
	handler := func(key string) HandlerFunc {
		return func(_ *discordgo.Session, _ *discordgo.InteractionCreate) { got = key }
	}
	r.RegisterCommand("record/start", &discordgo.ApplicationCommand{Name: "record"}, handler("record/start"))
	r.RegisterHandler("record/stop", handler("record/stop"))

	r.Handle(nil, commandInteraction("record", &discordgo.ApplicationCommandInteractionDataOption{
		Name: "stop",
		Type: discordgo.ApplicationCommandOptionSubCommand,
	}))
	if got != "record/stop" {
		t.Errorf("dispatched %q, want record/stop", got)
	}
}

func TestRouter_ApplicationCommandsDeduplicates(t *testing.T) {
	t.Parallel()
	r := NewCommandRouter()

	record := &discordgo.ApplicationCommand{Name: "record"}
	noop := func(_ *discordgo.Session, _ *discordgo.InteractionCreate) {}
	r.RegisterCommand("record/start", record, noop)
	r.RegisterHandler("record/stop", noop)
	r.RegisterCommand("status", &discordgo.ApplicationCommand{Name: "status"}, noop)

	cmds := r.ApplicationCommands()
	if len(cmds) != 2 {
		t.Fatalf("got %d command definitions, want 2", len(cmds))
	}
}

func TestInteractionKey(t *testing.T) {
	t.Parallel()

	plain := discordgo.ApplicationCommandInteractionData{Name: "ask"}
	if key := interactionKey(plain); key != "ask" {
		t.Errorf("key = %q, want ask", key)
	}

	sub := discordgo.ApplicationCommandInteractionData{
		Name: "record",
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "pause", Type: discordgo.ApplicationCommandOptionSubCommand},
		},
	}
	if key := interactionKey(sub); key != "record/pause" {
		t.Errorf("key = %q, want record/pause", key)
	}
}

func TestOptionString_DescendsIntoSubcommand(t *testing.T) {
	t.Parallel()

	data := discordgo.ApplicationCommandInteractionData{
		Name: "record",
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name: "start",
				Type: discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "meeting_id", Type: discordgo.ApplicationCommandOptionString, Value: "abc123"},
				},
			},
		},
	}
	if got := optionString(data, "meeting_id"); got != "abc123" {
		t.Errorf("optionString = %q, want abc123", got)
	}
	if got := optionString(data, "missing"); got != "" {
		t.Errorf("optionString(missing) = %q, want empty", got)
	}
}
