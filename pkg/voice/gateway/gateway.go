// Package gateway implements the control channel of a voice connection.
//
// A [Gateway] dials the voice server over a websocket, authenticates with
// Identify (or Resume after a drop), discovers the external UDP address,
// negotiates the transport encryption and keeps the session alive with
// heartbeats. Server events are reported through [Events]; the media path
// itself lives in the parent voice package.
//
// Status changes are driven exclusively by the gateway. Recoverable failures
// (lost socket, missed heartbeats, unknown close codes) are resumed with the
// same credentials up to a bounded number of attempts; all other terminal
// statuses end the connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxwire/pkg/voice/crypto"
	"github.com/MrWong99/voxwire/pkg/voice/dave"
)

// gatewayVersion is the protocol version requested in the dial URL.
const gatewayVersion = "8"

// readLimit bounds a single websocket message. Key-exchange frames can be
// considerably larger than the library default.
const readLimit = 1 << 20

var (
	// ErrNotConnected is returned when a message is sent without a live
	// control channel.
	ErrNotConnected = errors.New("voice gateway: not connected")

	// ErrAlreadyStarted is returned by a second call to [Gateway.Start].
	ErrAlreadyStarted = errors.New("voice gateway: already started")

	// ErrClosed is returned by [Gateway.Start] after [Gateway.Close].
	ErrClosed = errors.New("voice gateway: closed")
)

// Credentials identify one voice session. They are immutable for the
// lifetime of a [Gateway]; a move to another server needs a new one.
type Credentials struct {
	// Endpoint is the voice server host, optionally with port or scheme.
	Endpoint  string
	SessionID string
	Token     string
	GuildID   uint64
	ChannelID uint64
	UserID    uint64
}

// Validate reports every missing field.
func (c Credentials) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.SessionID == "" {
		errs = append(errs, errors.New("session id is required"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.GuildID == 0 {
		errs = append(errs, errors.New("guild id is required"))
	}
	if c.UserID == 0 {
		errs = append(errs, errors.New("user id is required"))
	}
	return errors.Join(errs...)
}

// URL returns the websocket URL for the endpoint. Bare hosts get the wss
// scheme.
func (c Credentials) URL() (string, error) {
	raw := c.Endpoint
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("voice gateway: endpoint %q: %w", c.Endpoint, err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set("v", gatewayVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Ready describes an established media session.
type Ready struct {
	SSRC        uint32
	Mode        crypto.Mode
	Key         []byte
	DAVEVersion int

	// Conn is the socket used for discovery. The gateway owns it and closes
	// it when the connection ends.
	Conn   *net.UDPConn
	Remote *net.UDPAddr

	// Resumed is set when the session was resumed and Conn was kept.
	Resumed bool
}

// Speaking is a speaking update for a remote user.
type Speaking struct {
	UserID uint64
	SSRC   uint32
	Flags  SpeakingFlags
}

// Events are invoked from the gateway's goroutines and must not block. Nil
// fields are skipped.
type Events struct {
	Status           func(old, new Status, err error)
	Ready            func(Ready)
	Speaking         func(Speaking)
	ClientConnect    func(userIDs []uint64)
	ClientDisconnect func(userID uint64)
	Ping             func(rtt time.Duration)
}

// Gateway is the voice control channel. Create it with [New].
type Gateway struct {
	creds  Credentials
	events Events
	cfg    config
	log    *slog.Logger

	mu          sync.Mutex
	status      Status
	conn        *websocket.Conn
	ssrc        uint32
	udp         *net.UDPConn
	remote      *net.UDPAddr
	mode        crypto.Mode
	key         []byte
	daveVersion int
	established bool

	seqAck   atomic.Int64
	missed   atomic.Int32
	beatSent atomic.Int64

	failCh  chan error
	started atomic.Bool
	closing atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	// closeReason is written by Close before closeSet is closed.
	closeReason Status
	closeSet    chan struct{}
	settled     atomic.Bool
}

var _ dave.Sender = (*Gateway)(nil)

// New validates creds and returns an idle gateway.
func New(creds Credentials, events Events, opts ...Option) (*Gateway, error) {
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("voice gateway: invalid credentials: %w", err)
	}
	if _, err := creds.URL(); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	g := &Gateway{
		creds:  creds,
		events: events,
		cfg:    cfg,
		log: cfg.logger.With(
			"guild_id", creds.GuildID,
			"channel_id", creds.ChannelID,
		),
		failCh:   make(chan error, 1),
		done:     make(chan struct{}),
		closeSet: make(chan struct{}),
	}
	g.seqAck.Store(-1)
	return g, nil
}

// Start launches the connect loop and returns immediately. Cancelling ctx
// tears the connection down like [Gateway.Close] with StatusNotConnected.
func (g *Gateway) Start(ctx context.Context) error {
	if g.closing.Load() {
		return ErrClosed
	}
	if !g.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	go g.run(runCtx)
	return nil
}

// Done is closed once the connect loop has exited.
func (g *Gateway) Done() <-chan struct{} { return g.done }

// Status returns the current status.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// SSRC returns the ssrc assigned by the server, or zero before Ready.
func (g *Gateway) SSRC() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ssrc
}

// Close shuts the connection down and leaves it in reason. It blocks until
// the connect loop has exited. Closing twice is a no-op.
func (g *Gateway) Close(reason Status) error {
	if !g.closing.CompareAndSwap(false, true) {
		if g.started.Load() {
			<-g.done
		}
		return nil
	}
	g.setStatus(StatusShuttingDown, nil)
	g.closeReason = reason
	close(g.closeSet)

	if conn := g.currentConn(); conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
	if g.started.Load() {
		g.cancel()
		<-g.done
	} else {
		g.closeUDP()
	}
	if !g.settled.Load() {
		g.setStatus(reason, nil)
	}
	return nil
}

// Fail ends the current connection attempt with status. Recoverable statuses
// are resumed per the reconnect policy. Calls without an active attempt are
// dropped.
func (g *Gateway) Fail(status Status, err error) {
	select {
	case g.failCh <- statusErr(status, err):
	default:
	}
}

// SetSpeaking announces the local speaking state.
func (g *Gateway) SetSpeaking(ctx context.Context, flags SpeakingFlags) error {
	g.mu.Lock()
	conn, ssrc, status := g.conn, g.ssrc, g.status
	g.mu.Unlock()
	if conn == nil || status != StatusConnected {
		return ErrNotConnected
	}
	return writeJSON(ctx, conn, OpSpeaking, speakingOut{Speaking: flags, SSRC: ssrc})
}

// SendJSON implements [dave.Sender].
func (g *Gateway) SendJSON(ctx context.Context, op dave.Opcode, data any) error {
	conn := g.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return writeJSON(ctx, conn, Opcode(op), data)
}

// SendBinary implements [dave.Sender].
func (g *Gateway) SendBinary(ctx context.Context, op dave.Opcode, payload []byte) error {
	conn := g.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(op)
	copy(frame[1:], payload)
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("voice gateway: write binary op %d: %w", op, err)
	}
	return nil
}

// ── Connect loop ──────────────────────────────────────────────────────────────

func (g *Gateway) run(ctx context.Context) {
	defer close(g.done)
	defer g.finish()

	failures := 0
	for {
		up, err := g.connect(ctx)
		if g.closing.Load() {
			return
		}
		if ctx.Err() != nil {
			g.setStatus(StatusNotConnected, nil)
			return
		}

		status, cause := classify(err)
		g.setStatus(status, cause)
		if !status.ShouldReconnect() || !g.cfg.autoReconnect {
			return
		}

		// A connection that drops right after the handshake still counts
		// towards the attempt budget.
		if up >= g.cfg.stableAfter {
			failures = 0
		}
		failures++
		if failures > g.cfg.reconnectAttempts {
			g.log.Warn("voice gateway: giving up after reconnect attempts", "attempts", failures-1, "status", status)
			return
		}

		backoff := g.cfg.reconnectBackoff * time.Duration(failures)
		g.log.Info("voice gateway: reconnecting", "attempt", failures, "backoff", backoff, "resume", g.canResume())
		select {
		case <-ctx.Done():
			if !g.closing.Load() {
				g.setStatus(StatusNotConnected, nil)
			}
			return
		case <-time.After(backoff):
		}
	}
}

// connect runs one connection attempt until it fails. It reports how long
// the attempt stayed Connected, zero if it never got there.
func (g *Gateway) connect(ctx context.Context) (time.Duration, error) {
	select {
	case <-g.failCh:
	default:
	}
	g.missed.Store(0)

	resume := g.canResume()
	ctx, span := g.cfg.tracer.Start(ctx, "voice.handshake", trace.WithAttributes(
		attribute.Bool("voice.resume", resume),
		attribute.String("voice.guild_id", strconv.FormatUint(g.creds.GuildID, 10)),
	))
	endSpan := sync.OnceFunc(func() { span.End() })
	defer endSpan()

	g.setStatus(StatusConnectingWebsocket, nil)
	u, _ := g.creds.URL()
	dialCtx, cancel := context.WithTimeout(ctx, g.cfg.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, u, nil)
	cancel()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, statusErr(StatusErrorWebsocketUnableToConnect, err)
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.conn = nil
		g.mu.Unlock()
	}()

	g.setStatus(StatusConnectingAuthenticating, nil)

	grp, gctx := errgroup.WithContext(ctx)
	a := &attempt{g: g, conn: conn, resume: resume, grp: grp, endSpan: endSpan}
	grp.Go(recoverTask("read loop", func() error { return a.readLoop(gctx) }))
	grp.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-g.failCh:
			return err
		}
	})
	grp.Go(recoverTask("handshake timer", func() error {
		t := time.NewTimer(g.cfg.handshakeTimeout)
		defer t.Stop()
		select {
		case <-gctx.Done():
			return nil
		case <-t.C:
			if a.connected.Load() {
				return nil
			}
			return statusErr(StatusErrorConnectionTimeout, errors.New("handshake timed out"))
		}
	}))

	err = grp.Wait()
	if !a.connected.Load() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return 0, err
	}
	return time.Since(a.connectedAt), err
}

// recoverTask turns a panic in an attempt task, usually raised by an event
// callback, into a lost connection.
func recoverTask(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = statusErr(StatusErrorLostConnection, fmt.Errorf("voice gateway: %s panicked: %v", name, r))
			}
		}()
		return fn()
	}
}

func (g *Gateway) canResume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.established
}

func (g *Gateway) currentConn() *websocket.Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn
}

// finish releases the socket and, after Close, settles on the close reason
// before Done is closed.
func (g *Gateway) finish() {
	g.closeUDP()
	if g.closing.Load() {
		<-g.closeSet
		g.setStatus(g.closeReason, nil)
		g.settled.Store(true)
	}
}

func (g *Gateway) closeUDP() {
	g.mu.Lock()
	udp := g.udp
	g.udp = nil
	g.mu.Unlock()
	if udp != nil {
		_ = udp.Close()
	}
}

func (g *Gateway) setStatus(s Status, err error) {
	g.mu.Lock()
	old := g.status
	if old == s {
		g.mu.Unlock()
		return
	}
	g.status = s
	g.mu.Unlock()

	if err != nil {
		g.log.Warn("voice gateway: status changed", "from", old, "to", s, "err", err)
	} else {
		g.log.Debug("voice gateway: status changed", "from", old, "to", s)
	}
	if g.events.Status != nil {
		g.notifyStatus(old, s, err)
	}
}

// notifyStatus runs the Status callback. It is also called from the connect
// loop, where a panic has no task to fail.
func (g *Gateway) notifyStatus(old, s Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("voice gateway: status listener panicked", "from", old, "to", s, "panic", r)
		}
	}()
	g.events.Status(old, s, err)
}

func classify(err error) (Status, error) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, se.Err
	}
	return StatusErrorLostConnection, err
}

func writeJSON(ctx context.Context, conn *websocket.Conn, op Opcode, data any) error {
	b, err := json.Marshal(outEnvelope{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("voice gateway: marshal op %d: %w", op, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("voice gateway: write op %d: %w", op, err)
	}
	return nil
}

// ── Attempt ───────────────────────────────────────────────────────────────────

// attempt holds the state of one websocket connection.
type attempt struct {
	g         *Gateway
	conn      *websocket.Conn
	resume    bool
	grp       *errgroup.Group
	endSpan   func()
	heartbeat bool
	connected atomic.Bool

	// connectedAt is written by the read loop and read after the group is done.
	connectedAt time.Time
}

func (a *attempt) readLoop(ctx context.Context) error {
	for {
		typ, data, err := a.conn.Read(ctx)
		if err != nil {
			if code := websocket.CloseStatus(err); code != -1 {
				return statusErr(statusForClose(code), fmt.Errorf("closed by server with code %d: %w", code, err))
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return statusErr(StatusErrorLostConnection, err)
		}

		if typ == websocket.MessageBinary {
			err = a.handleBinary(ctx, data)
		} else {
			err = a.handleText(ctx, data)
		}
		if err != nil {
			return err
		}
	}
}

func (a *attempt) handleText(ctx context.Context, data []byte) error {
	g := a.g

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		g.log.Warn("voice gateway: malformed message", "err", err)
		return nil
	}
	if env.Seq != nil {
		g.seqAck.Store(int64(*env.Seq))
	}

	switch env.Op {
	case OpHello:
		var d helloData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.HeartbeatInterval <= 0 {
			return statusErr(StatusErrorLostConnection, fmt.Errorf("invalid hello: %s", env.Data))
		}
		return a.handleHello(ctx, time.Duration(d.HeartbeatInterval*float64(time.Millisecond)))

	case OpReady:
		var d readyData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return statusErr(StatusErrorLostConnection, fmt.Errorf("invalid ready: %w", err))
		}
		return a.handleReady(ctx, d)

	case OpSessionDescription:
		var d sessionDescriptionData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return statusErr(StatusErrorLostConnection, fmt.Errorf("invalid session description: %w", err))
		}
		return a.handleSessionDescription(ctx, d)

	case OpResumed:
		return a.handleResumed(ctx)

	case OpHeartbeat:
		return a.sendHeartbeat(ctx)

	case OpHeartbeatAck:
		var d heartbeatAckData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			g.log.Debug("voice gateway: malformed heartbeat ack", "err", err)
			return nil
		}
		a.handleHeartbeatAck(d)

	case OpSpeaking:
		var d speakingIn
		if err := json.Unmarshal(env.Data, &d); err != nil {
			g.log.Debug("voice gateway: malformed speaking update", "err", err)
			return nil
		}
		if g.events.Speaking != nil {
			g.events.Speaking(Speaking{UserID: d.UserID, SSRC: d.SSRC, Flags: d.Speaking})
		}

	case OpClientsConnect:
		var d clientsConnectData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			g.log.Debug("voice gateway: malformed clients connect", "err", err)
			return nil
		}
		a.clientsConnected(parseUserIDs(d.UserIDs))

	case OpClientConnect:
		var d clientConnectData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			g.log.Debug("voice gateway: malformed client connect", "err", err)
			return nil
		}
		a.clientsConnected([]uint64{d.UserID})

	case OpClientDisconnect:
		var d clientDisconnectData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			g.log.Debug("voice gateway: malformed client disconnect", "err", err)
			return nil
		}
		if g.cfg.dave != nil {
			g.cfg.dave.UserDisconnected(d.UserID)
		}
		if g.events.ClientDisconnect != nil {
			g.events.ClientDisconnect(d.UserID)
		}

	default:
		if op := dave.Opcode(env.Op); op.IsKeyExchange() {
			a.forwardKeyExchange(ctx, op, env.Data)
			return nil
		}
		g.log.Debug("voice gateway: ignoring opcode", "op", env.Op)
	}
	return nil
}

func (a *attempt) handleBinary(ctx context.Context, data []byte) error {
	seq, op, payload, err := parseBinary(data)
	if err != nil {
		a.g.log.Debug("voice gateway: malformed binary frame", "err", err)
		return nil
	}
	a.g.seqAck.Store(int64(seq))
	a.forwardKeyExchange(ctx, op, payload)
	return nil
}

func (a *attempt) forwardKeyExchange(ctx context.Context, op dave.Opcode, payload []byte) {
	s := a.g.cfg.dave
	if s == nil {
		a.g.log.Debug("voice gateway: key exchange message without session", "op", int(op))
		return
	}
	if err := s.HandleMessage(ctx, op, payload, a.g); err != nil {
		a.g.log.Warn("voice gateway: key exchange message failed", "op", int(op), "err", err)
	}
}

func (a *attempt) handleHello(ctx context.Context, interval time.Duration) error {
	g := a.g

	if !a.heartbeat {
		a.heartbeat = true
		a.grp.Go(recoverTask("heartbeat", func() error { return a.heartbeatLoop(ctx, interval) }))
	}

	guild := strconv.FormatUint(g.creds.GuildID, 10)
	if a.resume {
		seq := int(g.seqAck.Load())
		g.log.Debug("voice gateway: resuming", "seq_ack", seq)
		return a.send(ctx, OpResume, resumeData{
			ServerID:  guild,
			SessionID: g.creds.SessionID,
			Token:     g.creds.Token,
			SeqAck:    seq,
		})
	}

	id := identifyData{
		ServerID:  guild,
		UserID:    strconv.FormatUint(g.creds.UserID, 10),
		SessionID: g.creds.SessionID,
		Token:     g.creds.Token,
	}
	if g.cfg.dave != nil {
		id.MaxDAVEProtocolVersion = g.cfg.dave.ProtocolVersion()
	}
	return a.send(ctx, OpIdentify, id)
}

func (a *attempt) handleReady(ctx context.Context, d readyData) error {
	g := a.g

	mode, err := crypto.Negotiate(g.cfg.modes, d.Modes)
	if err != nil {
		return statusErr(StatusErrorUnsupportedEncryption, err)
	}
	g.log.Debug("voice gateway: ready", "ssrc", d.SSRC, "mode", mode, "offered", d.Modes)

	g.setStatus(StatusConnectingUDPDiscovery, nil)
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.IP, strconv.Itoa(d.Port)))
	if err != nil {
		return statusErr(StatusErrorUDPUnableToConnect, err)
	}

	g.closeUDP()
	udp, external, err := Discover(ctx, remote, d.SSRC, g.cfg.discoveryAttempts, g.cfg.discoveryTimeout)
	if err != nil {
		return statusErr(StatusErrorUDPUnableToConnect, err)
	}
	g.log.Debug("voice gateway: discovered external address", "address", external)

	g.mu.Lock()
	g.ssrc = d.SSRC
	g.udp = udp
	g.remote = remote
	g.mode = mode
	g.mu.Unlock()

	if err := a.send(ctx, OpSelectProtocol, selectProtocolData{
		Protocol: "udp",
		Data: selectProtocolInner{
			Address: external.IP.String(),
			Port:    uint16(external.Port),
			Mode:    string(mode),
		},
	}); err != nil {
		return statusErr(StatusErrorLostConnection, err)
	}

	g.setStatus(StatusConnectingAwaitingReady, nil)
	return nil
}

func (a *attempt) handleSessionDescription(ctx context.Context, d sessionDescriptionData) error {
	g := a.g

	mode := crypto.Mode(d.Mode)
	if !mode.IsValid() {
		return statusErr(StatusErrorUnsupportedEncryption, fmt.Errorf("server selected unknown mode %q", d.Mode))
	}
	if len(d.SecretKey) != crypto.KeySize {
		return statusErr(StatusErrorUnsupportedEncryption, fmt.Errorf("secret key is %d bytes, want %d", len(d.SecretKey), crypto.KeySize))
	}

	g.mu.Lock()
	g.mode = mode
	g.key = append([]byte(nil), d.SecretKey...)
	g.daveVersion = d.DAVEProtocolVersion
	g.established = true
	ready := g.readyLocked(false)
	g.mu.Unlock()

	return a.markConnected(ctx, ready)
}

func (a *attempt) handleResumed(ctx context.Context) error {
	g := a.g

	g.mu.Lock()
	if !g.established || g.udp == nil {
		g.mu.Unlock()
		return statusErr(StatusErrorCannotResume, errors.New("resumed without an established session"))
	}
	ready := g.readyLocked(true)
	g.mu.Unlock()

	return a.markConnected(ctx, ready)
}

func (g *Gateway) readyLocked(resumed bool) Ready {
	return Ready{
		SSRC:        g.ssrc,
		Mode:        g.mode,
		Key:         g.key,
		DAVEVersion: g.daveVersion,
		Conn:        g.udp,
		Remote:      g.remote,
		Resumed:     resumed,
	}
}

func (a *attempt) markConnected(ctx context.Context, ready Ready) error {
	g := a.g

	a.connectedAt = time.Now()
	a.connected.Store(true)
	g.setStatus(StatusConnected, nil)
	a.endSpan()

	if err := a.send(ctx, OpSpeaking, speakingOut{Speaking: 0, SSRC: ready.SSRC}); err != nil {
		return statusErr(StatusErrorLostConnection, err)
	}
	g.log.Info("voice gateway: connected", "ssrc", ready.SSRC, "mode", ready.Mode, "resumed", ready.Resumed)
	if g.events.Ready != nil {
		g.events.Ready(ready)
	}
	return nil
}

func (a *attempt) clientsConnected(ids []uint64) {
	g := a.g
	if len(ids) == 0 {
		return
	}
	if g.cfg.dave != nil {
		for _, id := range ids {
			g.cfg.dave.UserConnected(id)
		}
	}
	if g.events.ClientConnect != nil {
		g.events.ClientConnect(ids)
	}
}

// ── Heartbeats ────────────────────────────────────────────────────────────────

func (a *attempt) heartbeatLoop(ctx context.Context, interval time.Duration) error {
	g := a.g
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if n := int(g.missed.Load()); n >= g.cfg.maxMissedHeartbeats {
			return statusErr(StatusErrorConnectionTimeout, fmt.Errorf("%d heartbeats unacknowledged", n))
		}
		if err := a.sendHeartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return statusErr(StatusErrorLostConnection, err)
		}
	}
}

func (a *attempt) sendHeartbeat(ctx context.Context) error {
	g := a.g
	now := time.Now()
	g.beatSent.Store(now.UnixNano())
	g.missed.Add(1)
	return a.send(ctx, OpHeartbeat, heartbeatData{
		T:      now.UnixMilli(),
		SeqAck: int(g.seqAck.Load()),
	})
}

func (a *attempt) handleHeartbeatAck(d heartbeatAckData) {
	g := a.g
	sent := g.beatSent.Load()
	if sent == 0 || d.T != time.Unix(0, sent).UnixMilli() {
		g.log.Debug("voice gateway: stale heartbeat ack", "t", d.T)
		return
	}
	g.missed.Store(0)
	rtt := time.Since(time.Unix(0, sent))
	if g.events.Ping != nil {
		g.events.Ping(rtt)
	}
}

func (a *attempt) send(ctx context.Context, op Opcode, data any) error {
	return writeJSON(ctx, a.conn, op, data)
}
