// Package config defines the configuration schema for the voxwire daemon and
// provides loading and validation helpers.
//
// Configuration is loaded from a YAML file (see [Load]), then overlaid with
// VOXWIRE_* environment variables (see [ApplyEnv]). Values not present in
// either source keep the defaults from [Default].
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxwire/pkg/voice"
	"github.com/MrWong99/voxwire/pkg/voice/crypto"
	"github.com/MrWong99/voxwire/pkg/voice/gateway"
)

// LogLevel controls the verbosity of the application logger.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SpeakingMode selects the speaking flag announced while sending audio.
type SpeakingMode string

const (
	SpeakingMicrophone SpeakingMode = "microphone"
	SpeakingSoundshare SpeakingMode = "soundshare"
	SpeakingPriority   SpeakingMode = "priority"
)

// IsValid reports whether m is a recognised speaking mode.
func (m SpeakingMode) IsValid() bool {
	switch m {
	case SpeakingMicrophone, SpeakingSoundshare, SpeakingPriority:
		return true
	}
	return false
}

// Flags returns the gateway flags for m. Priority speakers also announce the
// microphone flag.
func (m SpeakingMode) Flags() gateway.SpeakingFlags {
	switch m {
	case SpeakingSoundshare:
		return gateway.SpeakingSoundshare
	case SpeakingPriority:
		return gateway.SpeakingPriority | gateway.SpeakingMicrophone
	default:
		return gateway.SpeakingMicrophone
	}
}

// Codec names understood by the daemon. Further codecs can be added to a
// [Registry] under any name.
const (
	CodecGopus = "gopus"

	// CodecNone disables PCM encode and decode. Only Opus passthrough works.
	CodecNone = "none"
)

// Config is the root configuration structure for voxwire.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Discord  DiscordConfig  `yaml:"discord"`
	Voice    VoiceConfig    `yaml:"voice"`
	Playback PlaybackConfig `yaml:"playback"`
	Rejoin   RejoinConfig   `yaml:"rejoin"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the address serving /metrics, /healthz and /readyz.
	// Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr" env:"SERVER_LISTEN_ADDR, overwrite"`

	// LogLevel is hot-reloadable.
	LogLevel LogLevel `yaml:"log_level" env:"SERVER_LOG_LEVEL, overwrite"`
}

// DiscordConfig holds the bot credentials and the channel to join.
type DiscordConfig struct {
	// Token is the bot token, without the "Bot " prefix. Prefer the
	// VOXWIRE_DISCORD_TOKEN environment variable over putting it in the file.
	Token string `yaml:"token" env:"DISCORD_TOKEN, overwrite"`

	GuildID   string `yaml:"guild_id" env:"DISCORD_GUILD_ID, overwrite"`
	ChannelID string `yaml:"channel_id" env:"DISCORD_CHANNEL_ID, overwrite"`

	SelfMute bool `yaml:"self_mute" env:"DISCORD_SELF_MUTE, overwrite"`
	SelfDeaf bool `yaml:"self_deaf" env:"DISCORD_SELF_DEAF, overwrite"`

	// OperatorRoleID restricts the /voice slash commands to members with this
	// role. Empty allows every guild member.
	OperatorRoleID string `yaml:"operator_role_id" env:"DISCORD_OPERATOR_ROLE_ID, overwrite"`
}

// VoiceConfig tunes the voice media connection.
type VoiceConfig struct {
	// Codec names the Opus provider in the codec [Registry].
	Codec string `yaml:"codec" env:"VOICE_CODEC, overwrite"`

	// EncryptionModes lists the transport encryption modes in order of
	// preference. Empty means every implemented mode.
	EncryptionModes []crypto.Mode `yaml:"encryption_modes" env:"VOICE_ENCRYPTION_MODES, overwrite"`

	ReadyTimeout time.Duration `yaml:"ready_timeout" env:"VOICE_READY_TIMEOUT, overwrite"`

	// StalenessWindow is hot-reloadable.
	StalenessWindow time.Duration `yaml:"staleness_window" env:"VOICE_STALENESS_WINDOW, overwrite"`

	DiscoveryAttempts   int           `yaml:"discovery_attempts" env:"VOICE_DISCOVERY_ATTEMPTS, overwrite"`
	DiscoveryTimeout    time.Duration `yaml:"discovery_timeout" env:"VOICE_DISCOVERY_TIMEOUT, overwrite"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats" env:"VOICE_MAX_MISSED_HEARTBEATS, overwrite"`

	AutoReconnect     bool          `yaml:"auto_reconnect" env:"VOICE_AUTO_RECONNECT, overwrite"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" env:"VOICE_RECONNECT_ATTEMPTS, overwrite"`
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff" env:"VOICE_RECONNECT_BACKOFF, overwrite"`

	KeepaliveInterval time.Duration `yaml:"keepalive_interval" env:"VOICE_KEEPALIVE_INTERVAL, overwrite"`

	// SpeakingMode is hot-reloadable.
	SpeakingMode SpeakingMode `yaml:"speaking_mode" env:"VOICE_SPEAKING_MODE, overwrite"`
}

// PlaybackConfig selects an Ogg/Opus file that is sent into the channel.
type PlaybackConfig struct {
	// File is the path of an Ogg/Opus file. Empty disables playback.
	File string `yaml:"file" env:"PLAYBACK_FILE, overwrite"`

	// Loop restarts the file from the beginning when it ends.
	Loop bool `yaml:"loop" env:"PLAYBACK_LOOP, overwrite"`
}

// RejoinConfig bounds the fresh joins after the voice connection ended.
type RejoinConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"REJOIN_MAX_RETRIES, overwrite"`
	Backoff    time.Duration `yaml:"backoff" env:"REJOIN_BACKOFF, overwrite"`
	MaxBackoff time.Duration `yaml:"max_backoff" env:"REJOIN_MAX_BACKOFF, overwrite"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":9090",
			LogLevel:   LogInfo,
		},
		Voice: VoiceConfig{
			Codec:               CodecGopus,
			ReadyTimeout:        voice.DefaultReadyTimeout,
			StalenessWindow:     voice.DefaultStaleness,
			DiscoveryAttempts:   gateway.DefaultDiscoveryAttempts,
			DiscoveryTimeout:    gateway.DefaultDiscoveryTimeout,
			MaxMissedHeartbeats: gateway.DefaultMaxMissedHeartbeats,
			AutoReconnect:       true,
			ReconnectAttempts:   gateway.DefaultReconnectAttempts,
			ReconnectBackoff:    gateway.DefaultReconnectBackoff,
			KeepaliveInterval:   voice.DefaultKeepaliveInterval,
			SpeakingMode:        SpeakingMicrophone,
		},
		Rejoin: RejoinConfig{
			MaxRetries: 10,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}
