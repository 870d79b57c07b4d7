package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded carry their new value; every
// other change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SpeakingModeChanged bool
	NewSpeakingMode     SpeakingMode

	StalenessChanged bool
	NewStaleness     time.Duration

	// RestartRequired names the changed settings that only take effect
	// after a restart, e.g. "discord.channel_id".
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SpeakingModeChanged && !d.StalenessChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice.SpeakingMode != new.Voice.SpeakingMode {
		d.SpeakingModeChanged = true
		d.NewSpeakingMode = new.Voice.SpeakingMode
	}
	if old.Voice.StalenessWindow != new.Voice.StalenessWindow {
		d.StalenessChanged = true
		d.NewStaleness = new.Voice.StalenessWindow
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("discord.token", old.Discord.Token != new.Discord.Token)
	restart("discord.guild_id", old.Discord.GuildID != new.Discord.GuildID)
	restart("discord.channel_id", old.Discord.ChannelID != new.Discord.ChannelID)
	restart("discord.self_mute", old.Discord.SelfMute != new.Discord.SelfMute)
	restart("discord.self_deaf", old.Discord.SelfDeaf != new.Discord.SelfDeaf)
	restart("discord.operator_role_id", old.Discord.OperatorRoleID != new.Discord.OperatorRoleID)

	ov, nv := old.Voice, new.Voice
	restart("voice.codec", ov.Codec != nv.Codec)
	restart("voice.encryption_modes", !slices.Equal(ov.EncryptionModes, nv.EncryptionModes))
	restart("voice.ready_timeout", ov.ReadyTimeout != nv.ReadyTimeout)
	restart("voice.discovery_attempts", ov.DiscoveryAttempts != nv.DiscoveryAttempts)
	restart("voice.discovery_timeout", ov.DiscoveryTimeout != nv.DiscoveryTimeout)
	restart("voice.max_missed_heartbeats", ov.MaxMissedHeartbeats != nv.MaxMissedHeartbeats)
	restart("voice.auto_reconnect", ov.AutoReconnect != nv.AutoReconnect)
	restart("voice.reconnect_attempts", ov.ReconnectAttempts != nv.ReconnectAttempts)
	restart("voice.reconnect_backoff", ov.ReconnectBackoff != nv.ReconnectBackoff)
	restart("voice.keepalive_interval", ov.KeepaliveInterval != nv.KeepaliveInterval)

	restart("playback", old.Playback != new.Playback)
	restart("rejoin", old.Rejoin != new.Rejoin)

	return d
}
