// Package voice implements the media side of a voice connection.
//
// A [Connection] starts a control channel ([gateway.Gateway]) and, once it
// reports Ready, runs the UDP pipelines: a receive loop that decrypts,
// attributes and decodes inbound packets, a 20 ms mixing task, a keepalive
// task and a send system that pulls encrypted packets from the connection.
// Pipelines start and stop as handlers are installed or removed.
//
// Handler and listener callbacks run on the connection's goroutines. They must
// not call [Connection.Close], [Connection.SetReceiveHandler] or
// [Connection.SetSendHandler] synchronously.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxwire/pkg/voice/crypto"
	"github.com/MrWong99/voxwire/pkg/voice/dave"
	"github.com/MrWong99/voxwire/pkg/voice/gateway"
)

var (
	// ErrClosed is returned after [Connection.Close] and by waiters that were
	// blocked when the connection ended.
	ErrClosed = errors.New("voice: connection closed")

	// ErrReadyTimeout is returned by [Connection.WaitReady] when the control
	// channel did not connect in time. The connection is closed with
	// ErrorConnectionTimeout.
	ErrReadyTimeout = errors.New("voice: timed out waiting for ready")

	errNoCodec = errors.New("voice: no codec provider")
)

// Connection is one voice session. Create it with [New].
type Connection struct {
	id       string
	cfg      config
	log      *slog.Logger
	metrics  *metrics
	gw       *gateway.Gateway
	ssrcs    *ssrcTable
	combined *combinedQueue
	gate     *readyGate
	events   listeners

	// mu guards the media state shared by every pipeline.
	mu        sync.Mutex
	conn      *net.UDPConn
	remote    *net.UDPAddr
	localSSRC uint32
	crypt     crypto.Adapter
	send      SendHandler
	recv      ReceiveHandler
	mode      SpeakingFlags

	// pipeMu serialises pipeline starts and stops.
	pipeMu   sync.Mutex
	pipeConn *net.UDPConn
	recvPipe *pipeline
	keepPipe *pipeline
	sendPipe *sendPipeline

	ctx       context.Context
	cancel    context.CancelFunc
	closing   atomic.Bool
	closeOnce sync.Once
}

// New validates creds and returns an idle connection. Invalid credentials
// are rejected here, never at runtime.
func New(creds Credentials, opts ...Option) (*Connection, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	id := ""
	if cfg.connectionIDGen != nil {
		id = cfg.connectionIDGen()
	}
	if id == "" {
		id = uuid.NewString()
	}

	met, err := newMetrics(cfg.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("voice: create metrics: %w", err)
	}

	base := cfg.logger.With("connection_id", id)
	c := &Connection{
		id:       id,
		cfg:      cfg,
		metrics:  met,
		combined: newCombinedQueue(cfg.staleness),
		gate:     newReadyGate(),
		mode:     cfg.speakingMode,
		log: base.With(
			"guild_id", creds.GuildID,
			"channel_id", creds.ChannelID,
		),
	}
	c.ssrcs = newSSRCTable(c.log, func(delta int64) {
		met.activeDecoders.Add(context.Background(), delta)
	})
	c.ctx, c.cancel = context.WithCancel(context.Background())

	gwOpts := []gateway.Option{gateway.WithLogger(base)}
	if cfg.dave != nil {
		gwOpts = append(gwOpts, gateway.WithDAVE(cfg.dave))
	}
	if cfg.tracerProvider != nil {
		gwOpts = append(gwOpts, gateway.WithTracerProvider(cfg.tracerProvider))
	}
	gwOpts = append(gwOpts, cfg.gatewayOpts...)

	gw, err := gateway.New(creds, gateway.Events{
		Status:           c.handleStatus,
		Ready:            c.handleReady,
		Speaking:         c.handleSpeaking,
		ClientConnect:    c.handleClientConnect,
		ClientDisconnect: c.handleClientDisconnect,
		Ping:             c.handlePing,
	}, gwOpts...)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("voice: %w", err)
	}
	c.gw = gw
	return c, nil
}

// ID returns the connection id attached to every log record.
func (c *Connection) ID() string { return c.id }

// Start connects in the background. Use [Connection.WaitReady] to block until
// the media path is usable.
func (c *Connection) Start(ctx context.Context) error {
	if c.closing.Load() {
		return ErrClosed
	}
	if err := c.gw.Start(ctx); err != nil {
		if errors.Is(err, gateway.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("voice: start: %w", err)
	}
	c.log.Info("voice: connecting")
	go c.watch()
	return nil
}

// watch tears the media path down once the control channel has given up.
func (c *Connection) watch() {
	<-c.gw.Done()
	c.teardown()
	c.log.Info("voice: connection ended", "status", c.gw.Status())
}

func (c *Connection) teardown() {
	c.mu.Lock()
	c.conn, c.remote, c.crypt = nil, nil, nil
	c.mu.Unlock()

	c.syncPipelines()
	c.ssrcs.releaseDecoders()
	c.combined.reset()
	c.gate.fail(ErrClosed)
}

// WaitReady blocks until the connection is Connected. On expiry of the ready
// timeout the connection is closed with ErrorConnectionTimeout and
// [ErrReadyTimeout] is returned.
func (c *Connection) WaitReady(ctx context.Context) error {
	err := c.gate.wait(ctx, c.cfg.readyTimeout)
	if errors.Is(err, ErrReadyTimeout) {
		c.log.Warn("voice: ready timeout", "timeout", c.cfg.readyTimeout)
		_ = c.Close(gateway.StatusErrorConnectionTimeout)
	}
	return err
}

// Close stops every pipeline, closes the control channel and sockets, releases
// decoders and wakes any [Connection.WaitReady] caller. The connection ends in
// reason. Closing twice is a no-op.
func (c *Connection) Close(reason Status) error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.syncPipelines()
		err = c.gw.Close(reason)
		c.teardown()
		c.cancel()
	})
	return err
}

// Status returns the current connection status.
func (c *Connection) Status() Status { return c.gw.Status() }

// Done is closed once the control channel has stopped for good. Status then
// holds the terminal status.
func (c *Connection) Done() <-chan struct{} { return c.gw.Done() }

// SetSendHandler installs or, with nil, removes the send handler.
func (c *Connection) SetSendHandler(h SendHandler) {
	c.mu.Lock()
	c.send = h
	c.mu.Unlock()
	c.syncPipelines()
}

// SetReceiveHandler installs or, with nil, removes the receive handler.
func (c *Connection) SetReceiveHandler(h ReceiveHandler) {
	c.mu.Lock()
	c.recv = h
	c.mu.Unlock()
	c.syncPipelines()
}

// SetSpeakingMode changes the announced speaking flags. An ongoing
// transmission is re-announced with the new flags.
func (c *Connection) SetSpeakingMode(flags SpeakingFlags) {
	c.mu.Lock()
	c.mode = flags
	c.mu.Unlock()

	c.pipeMu.Lock()
	sp := c.sendPipe
	c.pipeMu.Unlock()
	if sp == nil || !sp.sender.speaking.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), speakingTimeout)
	defer cancel()
	if err := c.gw.SetSpeaking(ctx, flags); err != nil {
		c.log.Debug("voice: speaking update", "error", err)
	}
}

// SetStaleness changes the window after which queued frames are left out of
// the combined mix. Non-positive values are ignored.
func (c *Connection) SetStaleness(d time.Duration) {
	if d > 0 {
		c.combined.setStaleness(d)
	}
}

// UpdateSSRC maps ssrc to userID. A mapping to a different user is kept and
// the collision logged.
func (c *Connection) UpdateSSRC(ssrc uint32, userID uint64) {
	c.ssrcs.update(ssrc, userID)
}

// RemoveSSRC unmaps userID and releases its decoder.
func (c *Connection) RemoveSSRC(userID uint64) {
	if ssrc, ok := c.ssrcs.remove(userID); ok {
		c.log.Debug("voice: ssrc removed", "ssrc", ssrc, "user_id", userID)
	}
	c.combined.forget(userID)
}

// UserForSSRC resolves a remote ssrc.
func (c *Connection) UserForSSRC(ssrc uint32) (uint64, bool) {
	return c.ssrcs.user(ssrc)
}

// ── Accessors used by the pipelines ──────────────────────────────────────────

func (c *Connection) sendHandler() SendHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send
}

func (c *Connection) receiveHandler() ReceiveHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recv
}

func (c *Connection) adapter() crypto.Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crypt
}

func (c *Connection) ssrc() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSSRC
}

func (c *Connection) udpConn() *net.UDPConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Connection) remoteAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Connection) speakingMode() SpeakingFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// ── Control channel events ───────────────────────────────────────────────────

func (c *Connection) handleStatus(old, new Status, err error) {
	c.metrics.status(new)
	if new != gateway.StatusConnected {
		c.gate.reset()
	}
	switch {
	case err != nil:
		c.log.Warn("voice: status changed", "from", old, "to", new, "error", err)
	case new.IsTerminal():
		c.log.Info("voice: status changed", "from", old, "to", new)
	default:
		c.log.Debug("voice: status changed", "from", old, "to", new)
	}
	c.events.status(old, new)
}

func (c *Connection) handleReady(r gateway.Ready) {
	c.mu.Lock()
	reuse := r.Resumed && c.crypt != nil && c.conn == r.Conn
	c.mu.Unlock()

	var adapter crypto.Adapter
	if !reuse {
		inner, err := crypto.New(r.Mode, r.Key)
		if err != nil {
			c.log.Error("voice: create crypto adapter", "mode", r.Mode, "error", err)
			c.gw.Fail(gateway.StatusErrorUnsupportedEncryption, err)
			return
		}
		adapter = inner
		if c.cfg.dave != nil && r.DAVEVersion > 0 {
			adapter = dave.NewOverlay(inner, c.cfg.dave, c.ssrcs.user)
		}
	}

	c.mu.Lock()
	c.conn, c.remote, c.localSSRC = r.Conn, r.Remote, r.SSRC
	if adapter != nil {
		c.crypt = adapter
	}
	c.mu.Unlock()

	c.log.Info("voice: media ready",
		"ssrc", r.SSRC,
		"mode", r.Mode,
		"remote", r.Remote,
		"resumed", r.Resumed,
		"dave_version", r.DAVEVersion,
	)
	c.syncPipelines()
	c.gate.open()
}

func (c *Connection) handleSpeaking(s gateway.Speaking) {
	c.ssrcs.update(s.SSRC, s.UserID)
	c.events.speaking(s.UserID, s.SSRC, s.Flags)
}

func (c *Connection) handleClientConnect(userIDs []uint64) {
	for _, id := range userIDs {
		c.events.userConnect(id)
	}
}

func (c *Connection) handleClientDisconnect(userID uint64) {
	c.RemoveSSRC(userID)
	c.events.userDisconnect(userID)
}

func (c *Connection) handlePing(rtt time.Duration) {
	c.metrics.heartbeatRTT.Record(context.Background(), rtt.Seconds())
	c.events.ping(rtt)
}

// ── Pipelines ────────────────────────────────────────────────────────────────

// pipeline is a group of tasks started and stopped together.
type pipeline struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *pipeline) running() bool {
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *pipeline) stop() {
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
}

type sendPipeline struct {
	system SendSystem
	sender *sender
}

func (p *sendPipeline) stop() {
	if p == nil {
		return
	}
	p.system.Shutdown()
	p.sender.close()
}

// startPipeline runs tasks in one errgroup. A task error other than a
// deliberate stop is reported to the control channel as a lost connection.
func (c *Connection) startPipeline(name string, tasks ...func(context.Context) error) *pipeline {
	ctx, cancel := context.WithCancel(c.ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(recoverTask(name, func() error { return task(gctx) }))
	}
	p := &pipeline{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			c.log.Error("voice: pipeline failed", "pipeline", name, "error", err)
			c.gw.Fail(gateway.StatusErrorLostConnection, err)
		}
		cancel()
	}()
	return p
}

// recoverTask turns a panic in fn into an error.
func recoverTask(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("voice: %s task panicked: %v", name, r)
			}
		}()
		return fn()
	}
}

// syncPipelines starts or stops pipelines to match the installed handlers
// and the current socket. Pipelines bound to a replaced socket restart.
func (c *Connection) syncPipelines() {
	c.pipeMu.Lock()
	defer c.pipeMu.Unlock()

	c.mu.Lock()
	conn, remote, recv, send := c.conn, c.remote, c.recv, c.send
	c.mu.Unlock()
	if c.closing.Load() {
		conn = nil
	}

	if conn != c.pipeConn {
		c.stopReceiveLocked()
		c.stopSendLocked()
		c.keepPipe.stop()
		c.keepPipe = nil
		c.pipeConn = conn
	}
	if conn == nil {
		return
	}

	if c.cfg.keepalive > 0 && !c.keepPipe.running() {
		c.keepPipe = c.startPipeline("keepalive", func(ctx context.Context) error {
			return c.keepaliveLoop(ctx, conn, remote)
		})
	}

	switch {
	case recv != nil && !c.recvPipe.running():
		c.recvPipe = c.startPipeline("receive",
			func(ctx context.Context) error { return c.receiveLoop(ctx, conn) },
			c.mixLoop,
		)
		c.log.Debug("voice: receive pipeline started")
	case recv == nil && c.recvPipe != nil:
		c.stopReceiveLocked()
		c.log.Debug("voice: receive pipeline stopped")
	}

	switch {
	case send != nil && c.sendPipe == nil:
		s := newSender(c)
		sys := c.cfg.sendSystem(s)
		sys.Start()
		c.sendPipe = &sendPipeline{system: sys, sender: s}
		c.log.Debug("voice: send pipeline started")
	case send == nil && c.sendPipe != nil:
		c.stopSendLocked()
		c.log.Debug("voice: send pipeline stopped")
	}
}

func (c *Connection) stopReceiveLocked() {
	if c.recvPipe == nil {
		return
	}
	c.recvPipe.stop()
	c.recvPipe = nil
	c.ssrcs.releaseDecoders()
	c.combined.reset()
}

func (c *Connection) stopSendLocked() {
	c.sendPipe.stop()
	c.sendPipe = nil
}
