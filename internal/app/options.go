package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxwire/internal/config"
	"github.com/MrWong99/voxwire/pkg/voice"
	"github.com/MrWong99/voxwire/pkg/voice/gateway"
)

// VoiceOptions translates the voice section of cfg into options for every
// voice connection. The codec is resolved once through reg; the "none" codec
// yields no provider, which leaves only Opus passthrough.
func VoiceOptions(cfg *config.Config, reg *config.Registry, log *slog.Logger) ([]voice.Option, error) {
	v := cfg.Voice

	provider, err := reg.CreateCodec(v.Codec)
	if err != nil {
		return nil, fmt.Errorf("app: voice options: %w", err)
	}

	opts := []voice.Option{
		voice.WithLogger(log),
		voice.WithReadyTimeout(v.ReadyTimeout),
		voice.WithStaleness(v.StalenessWindow),
		voice.WithKeepalive(v.KeepaliveInterval),
		voice.WithSpeakingMode(v.SpeakingMode.Flags()),
		voice.WithGatewayOptions(
			gateway.WithDiscovery(v.DiscoveryAttempts, v.DiscoveryTimeout),
			gateway.WithMaxMissedHeartbeats(v.MaxMissedHeartbeats),
			gateway.WithReconnect(v.AutoReconnect, v.ReconnectAttempts, v.ReconnectBackoff),
		),
	}
	if provider != nil {
		opts = append(opts, voice.WithCodec(provider))
	} else {
		log.Warn("app: no opus codec configured, only file playback can send audio", "codec", v.Codec)
	}
	if len(v.EncryptionModes) > 0 {
		opts = append(opts, voice.WithModes(v.EncryptionModes...))
	}
	return opts, nil
}
