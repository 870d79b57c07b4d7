// Package discord provides the Discord bot layer for voxwire. It owns the
// discordgo.Session lifecycle, hands the session to the voice platform,
// routes slash command interactions to registered handlers, and checks the
// operator role.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxwire/pkg/audio"
	discordaudio "github.com/MrWong99/voxwire/pkg/audio/discord"
	"github.com/MrWong99/voxwire/pkg/voice"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token without the "Bot " prefix.
	Token string

	// GuildID is the guild whose voice channel the bot joins.
	GuildID string

	// OperatorRoleID is the role allowed to run /voice commands. Empty
	// allows every guild member.
	OperatorRoleID string

	// SelfMute and SelfDeaf are sent with every voice channel join.
	SelfMute bool
	SelfDeaf bool

	// VoiceOptions are applied to every voice connection.
	VoiceOptions []voice.Option

	Logger *slog.Logger
}

// Bot owns the Discord gateway connection and routes interactions
// to registered command handlers.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	router    *CommandRouter
	perms     *PermissionChecker
	guildID   string
	log       *slog.Logger
	commands  []*discordgo.ApplicationCommand
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord, and registers the interaction handler.
func New(_ context.Context, cfg Config) (*Bot, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	// Voice states are needed for the join handshake and for the operator's
	// channel; nothing reads message content.
	session.Identify.Intents = discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuilds

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	platform := discordaudio.New(session, cfg.GuildID,
		discordaudio.WithLogger(log),
		discordaudio.WithSelfMute(cfg.SelfMute, cfg.SelfDeaf),
		discordaudio.WithVoiceOptions(cfg.VoiceOptions...),
	)

	b := &Bot{
		session:  session,
		platform: platform,
		router:   NewCommandRouter(),
		perms:    NewPermissionChecker(cfg.OperatorRoleID),
		guildID:  cfg.GuildID,
		log:      log,
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.GuildID != "" && i.GuildID != b.guildID {
			return
		}
		b.router.Handle(s, i)
	})

	log.Info("discord: session opened", "guild_id", cfg.GuildID)
	return b, nil
}

// Platform returns the audio.Platform for voice channel connections.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// GuildID returns the target guild ID.
func (b *Bot) GuildID() string {
	return b.guildID
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Permissions returns the permission checker.
func (b *Bot) Permissions() *PermissionChecker {
	return b.perms
}

// Run registers slash commands with the Discord API and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		b.log.Info("discord: commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close disconnects from Discord and unregisters commands.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session != nil && len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					b.log.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}

		b.log.Info("discord: bot closed")
	})
	return closeErr
}
