package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxwire/pkg/voice/crypto"
)

// EnvPrefix is prepended to every environment variable read by [ApplyEnv].
const EnvPrefix = "VOXWIRE_"

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files into the process environment.
// Variables already set are not overwritten. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
		slog.Debug("config: loaded env file", "path", p)
	}
	return nil
}

// ApplyEnv overlays VOXWIRE_* variables from l onto cfg and validates the
// result. A nil l reads the process environment. Variables win over values
// from the file; unset variables leave cfg untouched.
func ApplyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	if l == nil {
		l = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, l),
	}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return Validate(cfg)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Discord ids are snowflakes; the token may still arrive through the environment.
	errs = append(errs, validateSnowflake("discord.guild_id", cfg.Discord.GuildID))
	errs = append(errs, validateSnowflake("discord.channel_id", cfg.Discord.ChannelID))
	errs = append(errs, validateSnowflake("discord.operator_role_id", cfg.Discord.OperatorRoleID))
	if cfg.Discord.SelfDeaf && cfg.Playback.File == "" {
		slog.Warn("discord.self_deaf is set and no playback file is configured; the bot will neither hear nor speak")
	}

	// Voice
	v := cfg.Voice
	if v.Codec == "" {
		errs = append(errs, errors.New("voice.codec is required; use \"none\" to disable PCM"))
	}
	for i, m := range v.EncryptionModes {
		if !m.IsValid() {
			errs = append(errs, fmt.Errorf("voice.encryption_modes[%d] %q is not an implemented mode; valid values: %v", i, m, crypto.Priority))
		}
	}
	errs = append(errs,
		positive("voice.ready_timeout", v.ReadyTimeout),
		positive("voice.staleness_window", v.StalenessWindow),
		positive("voice.discovery_timeout", v.DiscoveryTimeout),
		positive("voice.keepalive_interval", v.KeepaliveInterval),
	)
	if v.DiscoveryAttempts < 1 {
		errs = append(errs, fmt.Errorf("voice.discovery_attempts must be at least 1, got %d", v.DiscoveryAttempts))
	}
	if v.MaxMissedHeartbeats < 1 {
		errs = append(errs, fmt.Errorf("voice.max_missed_heartbeats must be at least 1, got %d", v.MaxMissedHeartbeats))
	}
	if v.AutoReconnect && v.ReconnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("voice.reconnect_attempts must be at least 1 when auto_reconnect is enabled, got %d", v.ReconnectAttempts))
	}
	if v.ReconnectBackoff < 0 {
		errs = append(errs, fmt.Errorf("voice.reconnect_backoff must not be negative, got %s", v.ReconnectBackoff))
	}
	if v.SpeakingMode != "" && !v.SpeakingMode.IsValid() {
		errs = append(errs, fmt.Errorf("voice.speaking_mode %q is invalid; valid values: microphone, soundshare, priority", v.SpeakingMode))
	}

	// Playback
	if cfg.Playback.Loop && cfg.Playback.File == "" {
		slog.Warn("playback.loop is set but playback.file is empty")
	}

	// Rejoin
	r := cfg.Rejoin
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("rejoin.max_retries must not be negative, got %d", r.MaxRetries))
	}
	errs = append(errs, positive("rejoin.backoff", r.Backoff), positive("rejoin.max_backoff", r.MaxBackoff))
	if r.Backoff > 0 && r.MaxBackoff > 0 && r.MaxBackoff < r.Backoff {
		errs = append(errs, fmt.Errorf("rejoin.max_backoff %s is shorter than rejoin.backoff %s", r.MaxBackoff, r.Backoff))
	}

	return errors.Join(errs...)
}

// Complete reports the settings that must be present before the daemon can
// join a channel. They are checked apart from [Validate] because the token
// usually arrives through the environment after the file was parsed.
func Complete(cfg *Config) error {
	var errs []error
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required (or set VOXWIRE_DISCORD_TOKEN)"))
	}
	if cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required"))
	}
	if cfg.Discord.ChannelID == "" {
		errs = append(errs, errors.New("discord.channel_id is required"))
	}
	return errors.Join(errs...)
}

func validateSnowflake(field, v string) error {
	if v == "" {
		return nil
	}
	if id, err := strconv.ParseUint(v, 10, 64); err != nil || id == 0 {
		return fmt.Errorf("%s %q is not a valid snowflake", field, v)
	}
	return nil
}

func positive(field string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %v", field, d)
	}
	return nil
}
