// Package app wires the voxwire subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New builds the join policy and the
// HTTP surface, Run joins the configured voice channel and keeps it joined,
// and Shutdown tears everything down in order.
//
// For testing, pass any [audio.Platform] to New (see pkg/audio/mock) and
// inject metrics through [WithMetrics].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxwire/internal/config"
	"github.com/MrWong99/voxwire/internal/discord"
	"github.com/MrWong99/voxwire/internal/discord/commands"
	"github.com/MrWong99/voxwire/internal/health"
	"github.com/MrWong99/voxwire/internal/observe"
	"github.com/MrWong99/voxwire/internal/playback"
	"github.com/MrWong99/voxwire/internal/resilience"
	"github.com/MrWong99/voxwire/internal/session"
	"github.com/MrWong99/voxwire/pkg/audio"
	"github.com/MrWong99/voxwire/pkg/voice"
	"github.com/MrWong99/voxwire/pkg/voice/gateway"
)

// ErrNotRunning is returned by [App.Rejoin] before Run has joined the channel.
var ErrNotRunning = errors.New("app: not running")

// serverShutdownTimeout bounds the graceful stop of the HTTP server.
const serverShutdownTimeout = 5 * time.Second

// voiceConn is implemented by connections backed by package voice, such as
// the Discord adapter. Other connections get no transport-level tuning.
type voiceConn interface {
	Voice() *voice.Connection
}

var _ commands.Controller = (*App)(nil)

// App owns all subsystem lifetimes and keeps the bot in its voice channel.
type App struct {
	platform audio.Platform
	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	stats    *discord.LinkStats
	breaker  *resilience.CircuitBreaker
	recon    *session.Reconnector
	handler  http.Handler
	now      func() time.Time

	mu           sync.Mutex
	cfg          *config.Config
	conn         audio.Connection
	since        time.Time
	participants map[string]struct{}
	speaking     config.SpeakingMode
	staleness    time.Duration
	player       *playback.Player
	running      bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithLevelVar lets config reloads change the log level through v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLinkStats injects the link statistics shown by /voice status.
func WithLinkStats(s *discord.LinkStats) Option {
	return func(a *App) { a.stats = s }
}

// WithCloser registers fn to run during Shutdown, after the voice connection
// is gone.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App that joins cfg.Discord.ChannelID through platform.
// Nothing is joined until Run.
func New(cfg *config.Config, platform audio.Platform, opts ...Option) (*App, error) {
	if platform == nil {
		return nil, errors.New("app: platform is required")
	}
	if cfg.Discord.ChannelID == "" {
		return nil, errors.New("app: discord.channel_id is required")
	}

	a := &App{
		platform:     platform,
		log:          slog.Default(),
		now:          time.Now,
		cfg:          cfg,
		participants: make(map[string]struct{}),
		speaking:     cfg.Voice.SpeakingMode,
		staleness:    cfg.Voice.StalenessWindow,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.stats == nil {
		a.stats = discord.NewLinkStats(0)
	}
	if a.speaking == "" {
		a.speaking = config.SpeakingMicrophone
	}

	// ── 1. Join policy ───────────────────────────────────────────────────
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:   "voice-join",
		Logger: a.log,
		OnStateChange: func(from, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), from.String(), to.String())
		},
	})
	a.recon = session.NewReconnector(session.ReconnectorConfig{
		Platform:    platform,
		ChannelID:   cfg.Discord.ChannelID,
		MaxRetries:  cfg.Rejoin.MaxRetries,
		Backoff:     cfg.Rejoin.Backoff,
		MaxBackoff:  cfg.Rejoin.MaxBackoff,
		Breaker:     a.breaker,
		OnReconnect: a.onReconnect,
		OnGiveUp:    a.onGiveUp,
		Logger:      a.log,
	})

	// ── 2. HTTP surface ──────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(health.VoiceChecker(a.voiceStatus)).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	a.handler = observe.Middleware(a.metrics, observe.WithVoiceState(func() string {
		s, _ := a.voiceStatus()
		return s.String()
	}))(mux)

	return a, nil
}

// Handler returns the HTTP handler serving /healthz, /readyz and /metrics.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run joins the voice channel, serves HTTP on server.listen_addr and keeps
// the bot joined until ctx is cancelled. A failed initial join is returned
// as an error; later losses are handled by the rejoin policy.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.config().Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen on %q: %w", addr, err)
		}
		srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: 5 * time.Second}
		a.log.Info("app: serving http", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if err := a.join(gctx); err != nil {
			return err
		}
		a.recon.Monitor(gctx)
		a.log.Info("app: running", "channel_id", a.config().Discord.ChannelID)
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// join performs the initial join and records how long it took.
func (a *App) join(ctx context.Context) error {
	start := a.now()
	conn, err := a.recon.Connect(ctx)
	outcome := observe.OutcomeSuccess
	if err != nil {
		outcome = observe.OutcomeFailure
	}
	a.metrics.JoinDuration.Record(ctx, a.now().Sub(start).Seconds(),
		metric.WithAttributes(observe.Attr("outcome", outcome)))
	if err != nil {
		return fmt.Errorf("app: join voice channel: %w", err)
	}

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	a.attach(conn)
	return nil
}

// onReconnect is called by the reconnector with every rejoined connection.
func (a *App) onReconnect(conn audio.Connection) {
	a.attach(conn)
	a.metrics.RecordRejoin(context.Background(), observe.OutcomeSuccess)
	a.stats.IncrRejoins()
}

// onGiveUp is called when the voice connection ended for good.
func (a *App) onGiveUp(err error) {
	outcome := observe.OutcomeFailure
	if errors.Is(err, session.ErrGaveUp) {
		outcome = observe.OutcomeGaveUp
	}
	a.metrics.RecordRejoin(context.Background(), outcome)
	a.log.Error("app: voice channel lost", "error", err)
	a.detach()
}

// attach makes conn the current connection and wires its events.
func (a *App) attach(conn audio.Connection) {
	ctx := context.Background()

	a.mu.Lock()
	gone := len(a.participants)
	old := a.player
	a.conn = conn
	a.since = a.now()
	a.participants = make(map[string]struct{})
	a.player = nil
	mode, staleness := a.speaking, a.staleness
	pb := a.cfg.Playback
	a.mu.Unlock()

	if gone > 0 {
		a.metrics.ActiveParticipants.Add(ctx, -int64(gone))
	}
	if old != nil {
		_ = old.Close()
	}

	a.metrics.ActiveConnections.Add(ctx, 1)
	go func() {
		<-conn.Done()
		a.metrics.ActiveConnections.Add(ctx, -1)
	}()

	conn.OnParticipantChange(func(ev audio.Event) { a.onParticipant(conn, ev) })

	vc, ok := conn.(voiceConn)
	if !ok {
		return
	}
	v := vc.Voice()
	v.OnPing(a.stats.RecordPing)
	v.SetSpeakingMode(mode.Flags())
	v.SetStaleness(staleness)
	if pb.File != "" {
		a.startPlayback(conn, v, pb)
	}
}

// detach forgets the current connection after the channel was given up.
func (a *App) detach() {
	a.mu.Lock()
	gone := len(a.participants)
	old := a.player
	a.conn = nil
	a.since = time.Time{}
	a.participants = make(map[string]struct{})
	a.player = nil
	a.mu.Unlock()

	if gone > 0 {
		a.metrics.ActiveParticipants.Add(context.Background(), -int64(gone))
	}
	if old != nil {
		_ = old.Close()
	}
}

// startPlayback replaces the PCM send path of v with the configured file.
func (a *App) startPlayback(conn audio.Connection, v *voice.Connection, pb config.PlaybackConfig) {
	p, err := playback.Open(pb.File,
		playback.WithLoop(pb.Loop),
		playback.WithLogger(a.log),
		playback.WithMetrics(a.metrics),
	)
	if err != nil {
		a.log.Warn("app: playback disabled", "error", err)
		return
	}

	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		_ = p.Close()
		return
	}
	a.player = p
	a.mu.Unlock()

	v.SetSendHandler(p)
	a.log.Info("app: playback started", "file", pb.File, "loop", pb.Loop)
}

// onParticipant tracks who is in the channel. Events from a replaced
// connection are ignored.
func (a *App) onParticipant(conn audio.Connection, ev audio.Event) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	changed := true
	switch ev.Type {
	case audio.EventJoin:
		_, present := a.participants[ev.UserID]
		changed = !present
		a.participants[ev.UserID] = struct{}{}
	case audio.EventLeave:
		_, present := a.participants[ev.UserID]
		changed = present
		delete(a.participants, ev.UserID)
	}
	a.mu.Unlock()

	if !changed {
		return
	}
	a.metrics.RecordParticipantEvent(context.Background(), ev.Type.String())
	switch ev.Type {
	case audio.EventJoin:
		a.stats.IncrJoins()
		a.log.Info("app: participant joined", "user_id", ev.UserID)
	case audio.EventLeave:
		a.stats.IncrLeaves()
		a.log.Info("app: participant left", "user_id", ev.UserID)
	case audio.EventSpeaking:
		a.log.Debug("app: participant speaking", "user_id", ev.UserID, "speaking", ev.Speaking)
	}
}

// ─── Controller ──────────────────────────────────────────────────────────────

// Status describes the current voice connection.
func (a *App) Status() discord.StatusData {
	a.mu.Lock()
	conn := a.conn
	st := discord.StatusData{
		State:        "idle",
		ChannelID:    a.cfg.Discord.ChannelID,
		Participants: len(a.participants),
		SpeakingMode: string(a.speaking),
		Breaker:      a.breaker.State().String(),
	}
	if conn != nil {
		st.Since = a.since
	}
	if a.player != nil {
		select {
		case <-a.player.Done():
		default:
			st.Playback = filepath.Base(a.cfg.Playback.File)
		}
	}
	a.mu.Unlock()

	if s, ok := a.voiceStatus(); ok {
		st.State = s.String()
		st.Connected = s == gateway.StatusConnected
	}
	if vc, ok := conn.(voiceConn); ok {
		st.ConnectionID = vc.Voice().ID()
	}
	return st
}

// Stats returns the link statistics.
func (a *App) Stats() discord.Snapshot { return a.stats.Snapshot() }

// Rejoin drops the current connection and joins the channel again.
func (a *App) Rejoin() error {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	a.recon.NotifyDisconnect()
	return nil
}

// SetSpeakingMode changes the speaking flags of the live connection. The
// mode also applies to later rejoins.
func (a *App) SetSpeakingMode(mode config.SpeakingMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("app: invalid speaking mode %q", mode)
	}
	a.mu.Lock()
	a.speaking = mode
	conn := a.conn
	a.mu.Unlock()

	if vc, ok := conn.(voiceConn); ok {
		vc.Voice().SetSpeakingMode(mode.Flags())
	}
	a.log.Info("app: speaking mode set", "mode", mode)
	return nil
}

// Reload applies the hot-reloadable parts of next. It is the onChange
// callback of a [config.Watcher]. Settings that need a restart are logged
// and otherwise ignored.
func (a *App) Reload(prev, next *config.Config) {
	d := config.Diff(prev, next)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.SpeakingModeChanged {
		if err := a.SetSpeakingMode(d.NewSpeakingMode); err != nil {
			a.log.Warn("app: reload speaking mode", "err", err)
		}
	}
	if d.StalenessChanged {
		a.mu.Lock()
		a.staleness = d.NewStaleness
		conn := a.conn
		a.mu.Unlock()
		if vc, ok := conn.(voiceConn); ok {
			vc.Voice().SetStaleness(d.NewStaleness)
		}
		a.log.Info("app: staleness window changed", "window", d.NewStaleness)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("app: config changes need a restart", "fields", d.RestartRequired)
	}

	// Keep the values that are live; restart-only fields stay as started.
	a.mu.Lock()
	cfg := *a.cfg
	cfg.Server.LogLevel = next.Server.LogLevel
	cfg.Voice.SpeakingMode = next.Voice.SpeakingMode
	cfg.Voice.StalenessWindow = next.Voice.StalenessWindow
	a.cfg = &cfg
	a.mu.Unlock()

	a.metrics.ConfigReloads.Add(context.Background(), 1)
}

// voiceStatus reports the status of the current connection, false while
// there is none. Connections not backed by package voice count as
// Connected until they end.
func (a *App) voiceStatus() (gateway.Status, bool) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return gateway.StatusNotConnected, false
	}
	if vc, ok := conn.(voiceConn); ok {
		return vc.Voice().Status(), true
	}
	select {
	case <-conn.Done():
		return gateway.StatusNotConnected, true
	default:
		return gateway.StatusConnected, true
	}
}

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown leaves the voice channel and runs the registered closers. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "closers", len(a.closers))

		// Leave the channel first.
		if err := a.recon.Stop(); err != nil {
			a.log.Warn("app: voice disconnect error", "err", err)
		}
		a.detach()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}

		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}
