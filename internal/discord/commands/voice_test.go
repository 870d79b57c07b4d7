package commands

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxwire/internal/config"
	"github.com/MrWong99/voxwire/internal/discord"
	"github.com/MrWong99/voxwire/internal/discord/mock"
)

// fakeController records the calls made by the /voice handlers.
type fakeController struct {
	mu        sync.Mutex
	status    discord.StatusData
	rejoins   int
	rejoinErr error
	modes     []config.SpeakingMode
	modeErr   error
}

func (f *fakeController) Status() discord.StatusData { return f.status }
func (f *fakeController) Stats() discord.Snapshot     { return discord.Snapshot{Rejoins: 7} }

func (f *fakeController) Rejoin() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejoins++
	return f.rejoinErr
}

func (f *fakeController) SetSpeakingMode(mode config.SpeakingMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	return f.modeErr
}

func newTestRouter(ctl Controller, roleID string) *discord.CommandRouter {
	r := discord.NewCommandRouter()
	vc := newVoiceCommands(ctl, discord.NewPermissionChecker(roleID), slog.New(slog.NewTextHandler(io.Discard, nil)))
	vc.Register(r)
	return r
}

func operator(roles ...string) *discordgo.Member {
	return &discordgo.Member{User: &discordgo.User{ID: "42"}, Roles: roles}
}

func voiceCommand(member *discordgo.Member, sub string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:   discordgo.InteractionApplicationCommand,
			Member: member,
			Data: discordgo.ApplicationCommandInteractionData{
				Name: "voice",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: sub, Type: discordgo.ApplicationCommandOptionSubCommand, Options: opts},
				},
			},
		},
	}
}

func modeOption(v string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  "mode",
		Type:  discordgo.ApplicationCommandOptionString,
		Value: v,
	}
}

func content(t *testing.T, resp *mock.InteractionResponder) string {
	t.Helper()
	last := resp.LastResponse()
	if last == nil || last.Data == nil {
		t.Fatal("no response recorded")
	}
	return last.Data.Content
}

func TestDefinition(t *testing.T) {
	t.Parallel()

	def := (&VoiceCommands{}).Definition()
	if def.Name != "voice" {
		t.Errorf("Name = %q, want voice", def.Name)
	}
	var subs []string
	for _, o := range def.Options {
		subs = append(subs, o.Name)
	}
	if got := strings.Join(subs, ","); got != "status,rejoin,speaking" {
		t.Errorf("subcommands = %s", got)
	}
	choices := def.Options[2].Options[0].Choices
	for _, c := range choices {
		if !config.SpeakingMode(c.Value.(string)).IsValid() {
			t.Errorf("choice %q is not a valid speaking mode", c.Value)
		}
	}
}

func TestVoiceStatus(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{status: discord.StatusData{Connected: true, State: "Connected", ChannelID: "200"}}
	r := newTestRouter(ctl, "")
	resp := &mock.InteractionResponder{}

	r.Handle(resp, voiceCommand(operator(), "status"))

	last := resp.LastResponse()
	if last == nil || last.Data == nil || len(last.Data.Embeds) != 1 {
		t.Fatalf("response = %+v, want one embed", last)
	}
	if last.Data.Flags != discordgo.MessageFlagsEphemeral {
		t.Error("status response is not ephemeral")
	}
	if got := last.Data.Embeds[0].Title; got != "Voice Status" {
		t.Errorf("embed title = %q", got)
	}
	if len(last.Data.Components) != 1 {
		t.Errorf("components = %d, want the rejoin row", len(last.Data.Components))
	}
}

func TestVoiceRejoin(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{}
	r := newTestRouter(ctl, "")
	resp := &mock.InteractionResponder{}

	r.Handle(resp, voiceCommand(operator(), "rejoin"))
	if got := content(t, resp); got != "Rejoin requested." {
		t.Errorf("reply = %q", got)
	}

	// The button under the status embed does the same.
	r.Handle(resp, &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:   discordgo.InteractionMessageComponent,
			Member: operator(),
			Data:   discordgo.MessageComponentInteractionData{CustomID: discord.RejoinButtonID},
		},
	})
	if ctl.rejoins != 2 {
		t.Errorf("rejoins = %d, want 2", ctl.rejoins)
	}

	ctl.rejoinErr = errors.New("not connected")
	r.Handle(resp, voiceCommand(operator(), "rejoin"))
	if got := content(t, resp); !strings.Contains(got, "not connected") {
		t.Errorf("error reply = %q", got)
	}
}

func TestVoiceSpeaking(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mode      string
		modeErr   error
		wantSet   bool
		wantReply string
	}{
		{"priority", "priority", nil, true, "Speaking mode set to **priority**."},
		{"soundshare", "soundshare", nil, true, "Speaking mode set to **soundshare**."},
		{"unknown mode", "whisper", nil, false, `Unknown speaking mode "whisper".`},
		{"controller error", "microphone", errors.New("no connection"), true, "Error: speaking mode: no connection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctl := &fakeController{modeErr: tt.modeErr}
			r := newTestRouter(ctl, "")
			resp := &mock.InteractionResponder{}

			r.Handle(resp, voiceCommand(operator(), "speaking", modeOption(tt.mode)))

			if got := content(t, resp); got != tt.wantReply {
				t.Errorf("reply = %q, want %q", got, tt.wantReply)
			}
			if tt.wantSet != (len(ctl.modes) == 1) {
				t.Fatalf("SetSpeakingMode calls = %v", ctl.modes)
			}
			if tt.wantSet && string(ctl.modes[0]) != tt.mode {
				t.Errorf("mode = %q, want %q", ctl.modes[0], tt.mode)
			}
		})
	}
}

func TestVoiceCommands_RequireOperator(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{}
	r := newTestRouter(ctl, "999")
	t.Cleanup(func() {
		ctl.mu.Lock()
		defer ctl.mu.Unlock()
		if ctl.rejoins != 0 || len(ctl.modes) != 0 {
			t.Errorf("controller was called: rejoins=%d modes=%v", ctl.rejoins, ctl.modes)
		}
	})

	for _, sub := range []string{"status", "rejoin", "speaking"} {
		t.Run(sub, func(t *testing.T) {
			t.Parallel()
			resp := &mock.InteractionResponder{}
			r.Handle(resp, voiceCommand(operator("111"), sub, modeOption("priority")))
			if got := content(t, resp); !strings.Contains(got, "operator role") {
				t.Errorf("reply = %q, want a permission refusal", got)
			}
		})
	}
}
