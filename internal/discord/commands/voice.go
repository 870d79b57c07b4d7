// Package commands implements the voxwire slash command handlers.
package commands

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxwire/internal/config"
	"github.com/MrWong99/voxwire/internal/discord"
)

// Controller is the part of the daemon the /voice commands drive.
type Controller interface {
	// Status describes the current voice connection.
	Status() discord.StatusData

	// Stats returns the link statistics shown next to the status.
	Stats() discord.Snapshot

	// Rejoin drops the current connection and joins the channel again.
	Rejoin() error

	// SetSpeakingMode changes the speaking flags of the live connection.
	SetSpeakingMode(mode config.SpeakingMode) error
}

// VoiceCommands holds the dependencies for /voice slash commands.
type VoiceCommands struct {
	ctl   Controller
	perms *discord.PermissionChecker
	log   *slog.Logger
}

// NewVoiceCommands creates a VoiceCommands and registers its handlers
// with the bot's router.
func NewVoiceCommands(bot *discord.Bot, ctl Controller, log *slog.Logger) *VoiceCommands {
	vc := newVoiceCommands(ctl, bot.Permissions(), log)
	vc.Register(bot.Router())
	return vc
}

func newVoiceCommands(ctl Controller, perms *discord.PermissionChecker, log *slog.Logger) *VoiceCommands {
	if log == nil {
		log = slog.Default()
	}
	return &VoiceCommands{ctl: ctl, perms: perms, log: log}
}

// Register registers the /voice command group and the rejoin button with
// the router.
func (vc *VoiceCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("voice", vc.Definition(), func(s discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/voice status`, `/voice rejoin` or `/voice speaking`.")
	})
	router.RegisterHandler("voice/status", vc.handleStatus)
	router.RegisterHandler("voice/rejoin", vc.handleRejoin)
	router.RegisterHandler("voice/speaking", vc.handleSpeaking)
	router.RegisterComponent(discord.RejoinButtonID, vc.handleRejoin)
}

// Definition returns the ApplicationCommand definition for Discord.
func (vc *VoiceCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "voice",
		Description: "Inspect and control the voice connection",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the voice connection status",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "rejoin",
				Description: "Leave and join the voice channel again",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "speaking",
				Description: "Change the speaking mode",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "mode",
						Description: "Speaking mode",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "Microphone", Value: string(config.SpeakingMicrophone)},
							{Name: "Soundshare", Value: string(config.SpeakingSoundshare)},
							{Name: "Priority", Value: string(config.SpeakingPriority)},
						},
					},
				},
			},
		},
	}
}

// handleStatus handles /voice status.
func (vc *VoiceCommands) handleStatus(s discord.Responder, i *discordgo.InteractionCreate) {
	if !vc.perms.IsOperator(i) {
		discord.RespondEphemeral(s, i, "You need the operator role to inspect the voice connection.")
		return
	}
	embed := discord.BuildStatusEmbed(vc.ctl.Status(), vc.ctl.Stats())
	discord.RespondEmbed(s, i, embed, discord.RejoinButton())
}

// handleRejoin handles /voice rejoin and the rejoin button.
func (vc *VoiceCommands) handleRejoin(s discord.Responder, i *discordgo.InteractionCreate) {
	if !vc.perms.IsOperator(i) {
		discord.RespondEphemeral(s, i, "You need the operator role to rejoin the voice channel.")
		return
	}
	if err := vc.ctl.Rejoin(); err != nil {
		discord.RespondError(s, i, fmt.Errorf("rejoin: %w", err))
		return
	}
	vc.log.Info("commands: rejoin requested", "user_id", interactionUserID(i))
	discord.RespondEphemeral(s, i, "Rejoin requested.")
}

// handleSpeaking handles /voice speaking.
func (vc *VoiceCommands) handleSpeaking(s discord.Responder, i *discordgo.InteractionCreate) {
	if !vc.perms.IsOperator(i) {
		discord.RespondEphemeral(s, i, "You need the operator role to change the speaking mode.")
		return
	}

	mode := config.SpeakingMode(subcommandOption(i, "mode"))
	if !mode.IsValid() {
		discord.RespondEphemeral(s, i, fmt.Sprintf("Unknown speaking mode %q.", mode))
		return
	}
	if err := vc.ctl.SetSpeakingMode(mode); err != nil {
		discord.RespondError(s, i, fmt.Errorf("speaking mode: %w", err))
		return
	}
	vc.log.Info("commands: speaking mode changed", "mode", mode, "user_id", interactionUserID(i))
	discord.RespondEphemeral(s, i, fmt.Sprintf("Speaking mode set to **%s**.", mode))
}

// subcommandOption returns the string value of the named option of the
// invoked subcommand, or "" if absent.
func subcommandOption(i *discordgo.InteractionCreate, name string) string {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return ""
	}
	for _, opt := range data.Options[0].Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return opt.StringValue()
		}
	}
	return ""
}

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
