// Command voxwire joins one Discord voice channel and keeps it joined. It
// serves health probes and Prometheus metrics, exposes the /voice slash
// commands to operators and can play an Ogg/Opus file into the channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/MrWong99/voxwire/internal/app"
	"github.com/MrWong99/voxwire/internal/config"
	discordbot "github.com/MrWong99/voxwire/internal/discord"
	"github.com/MrWong99/voxwire/internal/discord/commands"
	"github.com/MrWong99/voxwire/internal/observe"
	"github.com/MrWong99/voxwire/pkg/voice/codec"
	"github.com/MrWong99/voxwire/pkg/voice/codec/gopus"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	envFiles := flag.StringSlice("env-file", []string{".env"}, "dotenv files loaded before the environment overlay")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("voxwire", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFiles...); err != nil {
		fmt.Fprintf(os.Stderr, "voxwire: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, watchFile, err := loadConfig(ctx, *configPath, flag.CommandLine.Changed("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxwire: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voxwire starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxwire",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Codec registry ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	reg.RegisterCodec(config.CodecGopus, func() (codec.Provider, error) { return gopus.New(), nil })
	for _, name := range reg.Codecs() {
		slog.Debug("registered codec", "name", name)
	}

	voiceOpts, err := app.VoiceOptions(cfg, reg, logger)
	if err != nil {
		slog.Error("failed to build voice options", "err", err)
		return 1
	}

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discordbot.New(ctx, discordbot.Config{
		Token:          cfg.Discord.Token,
		GuildID:        cfg.Discord.GuildID,
		OperatorRoleID: cfg.Discord.OperatorRoleID,
		SelfMute:       cfg.Discord.SelfMute,
		SelfDeaf:       cfg.Discord.SelfDeaf,
		VoiceOptions:   voiceOpts,
		Logger:         logger,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	// The voice connection is left before the bot session closes; the
	// telemetry exporters flush last.
	application, err := app.New(cfg, bot.Platform(),
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithCloser(bot.Close),
		app.WithCloser(func() error { return otelShutdown(context.Background()) }),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = bot.Close()
		return 1
	}
	commands.NewVoiceCommands(bot, application, logger)

	// ── Hot reload ────────────────────────────────────────────────────────────
	if watchFile {
		watcher, err := config.NewWatcher(*configPath, application.Reload,
			config.WithOverlay(config.EnvOverlay(ctx)),
			config.WithWatcherLogger(logger),
		)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	printStartupSummary(cfg)

	// Start the Discord bot interaction loop in a separate goroutine.
	go func() {
		if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("discord bot error", "err", err)
		}
	}()

	slog.Info("joining voice channel, press Ctrl+C to shut down", "channel_id", cfg.Discord.ChannelID)

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// loadConfig reads the config file, applies the environment and checks the
// settings needed to join. A missing file is only an error when the path
// was given explicitly; otherwise defaults and the environment are used and
// watch is false.
func loadConfig(ctx context.Context, path string, explicit bool) (cfg *config.Config, watch bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case err == nil:
		watch = true
	case errors.Is(err, os.ErrNotExist) && !explicit:
		cfg = config.Default()
	case errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("config file %q not found", path)
	default:
		return nil, false, err
	}

	if err := config.ApplyEnv(ctx, cfg, nil); err != nil {
		return nil, false, err
	}
	if err := config.Complete(cfg); err != nil {
		return nil, false, err
	}
	return cfg, watch, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxwire startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Guild", cfg.Discord.GuildID)
	printRow("Channel", cfg.Discord.ChannelID)
	printRow("Codec", cfg.Voice.Codec)
	printRow("Speaking", string(cfg.Voice.SpeakingMode))
	if cfg.Discord.OperatorRoleID != "" {
		printRow("Operators", cfg.Discord.OperatorRoleID)
	} else {
		printRow("Operators", "(everyone)")
	}
	if cfg.Playback.File != "" {
		printRow("Playback", cfg.Playback.File)
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	} else {
		printRow("Listen addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
