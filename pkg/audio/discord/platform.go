// Package discord provides an [audio.Platform] that joins Discord voice
// channels through a bwmarrin/discordgo bot session and carries the media
// with [voice.Connection].
//
// discordgo is used only for the main gateway: it sends the voice state
// update (op 4) and delivers VOICE_STATE_UPDATE and VOICE_SERVER_UPDATE,
// which together yield the session id, token and endpoint of the voice
// server. Everything after that is handled by package voice.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxwire/pkg/audio"
	"github.com/MrWong99/voxwire/pkg/voice"
	"github.com/MrWong99/voxwire/pkg/voice/gateway"
)

var _ audio.Platform = (*Platform)(nil)

// ErrNoUserID is returned when the bot's own user id is unknown. It is read
// from the session state once the session is open, or set with [WithUserID].
var ErrNoUserID = errors.New("discord: bot user id unknown")

// gatewaySession is the part of *discordgo.Session the platform uses.
type gatewaySession interface {
	AddHandler(handler any) func()
	ChannelVoiceJoinManual(guildID, channelID string, mute, deaf bool) error
}

// Platform implements [audio.Platform] for one guild.
//
// Platform is safe for concurrent use.
type Platform struct {
	session gatewaySession
	selfID  func() string
	guildID string
	log     *slog.Logger

	mute, deaf bool
	voiceOpts  []voice.Option
}

// Option configures a [Platform].
type Option func(*Platform)

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) { p.log = l }
}

// WithSelfMute sets the self mute and self deaf flags sent with the join.
func WithSelfMute(mute, deaf bool) Option {
	return func(p *Platform) { p.mute, p.deaf = mute, deaf }
}

// WithVoiceOptions passes options to every [voice.Connection] the platform
// creates.
func WithVoiceOptions(opts ...voice.Option) Option {
	return func(p *Platform) { p.voiceOpts = append(p.voiceOpts, opts...) }
}

// WithUserID fixes the bot user id instead of reading it from session state.
func WithUserID(id string) Option {
	return func(p *Platform) { p.selfID = func() string { return id } }
}

// New creates a Platform for guildID on an open discordgo session.
func New(session *discordgo.Session, guildID string, opts ...Option) *Platform {
	p := newPlatform(session, guildID, opts...)
	if p.selfID == nil {
		p.selfID = func() string {
			if session.State == nil || session.State.User == nil {
				return ""
			}
			return session.State.User.ID
		}
	}
	return p
}

func newPlatform(s gatewaySession, guildID string, opts ...Option) *Platform {
	p := &Platform{session: s, guildID: guildID, log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect joins channelID and returns once the voice connection is ready.
// ctx bounds the join and the handshake only.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	ids, err := p.parseIDs(channelID)
	if err != nil {
		return nil, err
	}
	log := p.log.With("guild_id", p.guildID, "channel_id", channelID)

	j := &join{
		guildID:   p.guildID,
		channelID: channelID,
		userID:    strconv.FormatUint(ids.UserID, 10),
		ready:     make(chan struct{}),
	}
	removeState := p.session.AddHandler(j.onVoiceStateUpdate)
	removeServer := p.session.AddHandler(j.onVoiceServerUpdate)
	detach := func() { removeState(); removeServer() }

	if err := p.session.ChannelVoiceJoinManual(p.guildID, channelID, p.mute, p.deaf); err != nil {
		detach()
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	leave := func() error {
		return p.session.ChannelVoiceJoinManual(p.guildID, "", false, false)
	}

	creds, err := j.wait(ctx, ids)
	if err != nil {
		detach()
		_ = leave()
		return nil, fmt.Errorf("discord: await voice server: %w", err)
	}
	log.Debug("discord: voice server assigned", "endpoint", creds.Endpoint)

	opts := append([]voice.Option{voice.WithLogger(p.log)}, p.voiceOpts...)
	vc, err := voice.New(creds, opts...)
	if err != nil {
		detach()
		_ = leave()
		return nil, fmt.Errorf("discord: create voice connection: %w", err)
	}
	if err := vc.Start(context.WithoutCancel(ctx)); err != nil {
		detach()
		_ = leave()
		return nil, fmt.Errorf("discord: start voice connection: %w", err)
	}
	if err := vc.WaitReady(ctx); err != nil {
		_ = vc.Close(gateway.StatusNotConnected)
		detach()
		_ = leave()
		return nil, fmt.Errorf("discord: voice connection not ready: %w", err)
	}

	conn := newConnection(vc, connParams{
		log:       log,
		guildID:   p.guildID,
		channelID: channelID,
		selfID:    j.userID,
		endpoint:  creds.Endpoint,
		leave:     leave,
	})
	conn.attach(p.session)
	detach()
	log.Info("discord: voice connected", "connection_id", vc.ID())
	return conn, nil
}

func (p *Platform) parseIDs(channelID string) (voice.Credentials, error) {
	var creds voice.Credentials
	var err error
	if creds.GuildID, err = strconv.ParseUint(p.guildID, 10, 64); err != nil {
		return creds, fmt.Errorf("discord: invalid guild id %q: %w", p.guildID, err)
	}
	if creds.ChannelID, err = strconv.ParseUint(channelID, 10, 64); err != nil {
		return creds, fmt.Errorf("discord: invalid channel id %q: %w", channelID, err)
	}
	self := ""
	if p.selfID != nil {
		self = p.selfID()
	}
	if self == "" {
		return creds, ErrNoUserID
	}
	if creds.UserID, err = strconv.ParseUint(self, 10, 64); err != nil {
		return creds, fmt.Errorf("discord: invalid user id %q: %w", self, err)
	}
	return creds, nil
}

// join collects the two dispatches that describe a voice session.
type join struct {
	guildID, channelID, userID string

	mu        sync.Mutex
	sessionID string
	token     string
	endpoint  string
	ready     chan struct{}
	closed    bool
}

func (j *join) onVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.VoiceState == nil || vsu.GuildID != j.guildID || vsu.UserID != j.userID {
		return
	}
	if vsu.ChannelID != j.channelID {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessionID = vsu.SessionID
	j.checkLocked()
}

func (j *join) onVoiceServerUpdate(_ *discordgo.Session, vsu *discordgo.VoiceServerUpdate) {
	if vsu.GuildID != j.guildID {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.token, j.endpoint = vsu.Token, vsu.Endpoint
	j.checkLocked()
}

func (j *join) checkLocked() {
	if j.closed || j.sessionID == "" || j.token == "" || j.endpoint == "" {
		return
	}
	j.closed = true
	close(j.ready)
}

func (j *join) wait(ctx context.Context, creds voice.Credentials) (voice.Credentials, error) {
	select {
	case <-j.ready:
	case <-ctx.Done():
		return creds, ctx.Err()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	creds.SessionID, creds.Token, creds.Endpoint = j.sessionID, j.token, j.endpoint
	return creds, nil
}
