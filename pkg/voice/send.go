package voice

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxwire/pkg/voice/codec"
	"github.com/MrWong99/voxwire/pkg/voice/gateway"
	"github.com/MrWong99/voxwire/pkg/voice/rtp"
)

// silenceFrames is the number of silence frames sent after the handler runs
// dry, before speaking is cleared.
const silenceFrames = 5

// maxSendFailures is the run of consecutive write failures after which the
// ticker send system reports connection loss.
const maxSendFailures = 10

// speakingTimeout bounds a speaking update issued from the send path.
const speakingTimeout = time.Second

// PacketProvider is the connection side of a send system.
type PacketProvider interface {
	// NextPacket returns the next datagram, or nil when there is nothing to
	// send. With changeTalking the provider also announces speaking state
	// transitions.
	NextPacket(changeTalking bool) []byte

	// UDPConn returns the media socket.
	UDPConn() *net.UDPConn

	// SocketAddress returns the voice server's media address.
	SocketAddress() *net.UDPAddr

	// ConnectionLost reports an unrecoverable send failure. The connection
	// closes itself in response.
	ConnectionLost(err error)
}

// SendSystem paces outbound packets.
type SendSystem interface {
	Start()

	// Shutdown stops the system and waits for its goroutines.
	Shutdown()
}

// SendSystemFactory builds a SendSystem for one send pipeline.
type SendSystemFactory func(PacketProvider) SendSystem

// NewTickerSendSystem returns the default send system: one packet every
// 20 ms, written directly to the provider's socket.
func NewTickerSendSystem(p PacketProvider) SendSystem {
	return &tickerSendSystem{provider: p, interval: codec.FrameDuration}
}

type tickerSendSystem struct {
	provider PacketProvider
	interval time.Duration

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *tickerSendSystem) Start() {
	s.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.loop(ctx)
	})
}

func (s *tickerSendSystem) Shutdown() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *tickerSendSystem) loop(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.provider.ConnectionLost(fmt.Errorf("send loop panicked: %v", r))
		}
	}()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		packet := s.provider.NextPacket(true)
		if packet == nil {
			continue
		}
		conn, addr := s.provider.UDPConn(), s.provider.SocketAddress()
		if conn == nil || addr == nil {
			continue
		}
		if _, err := conn.WriteToUDP(packet, addr); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= maxSendFailures {
				s.provider.ConnectionLost(err)
				return
			}
			continue
		}
		failures = 0
	}
}

// ── Packet provider ──────────────────────────────────────────────────────────

// sender builds outbound packets. Only the send system's goroutine calls
// NextPacket, so sequence state needs no lock.
type sender struct {
	c   *Connection
	log *slog.Logger

	encoder codec.Encoder

	seq         uint16
	timestamp   uint32
	silenceLeft int

	// speaking is also read by SetSpeakingMode.
	speaking atomic.Bool
	lost     atomic.Bool
}

var _ PacketProvider = (*sender)(nil)

func newSender(c *Connection) *sender {
	return &sender{c: c, log: c.log}
}

func (s *sender) NextPacket(changeTalking bool) (packet []byte) {
	if s.lost.Load() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			s.c.metrics.sendErrors.Add(context.Background(), 1)
			s.ConnectionLost(fmt.Errorf("send handler panicked: %v", r))
			packet = nil
		}
	}()

	if opus := s.provide(); opus != nil {
		s.silenceLeft = silenceFrames
		if changeTalking && !s.speaking.Load() {
			s.setSpeaking(true)
		}
		return s.packet(opus)
	}
	if s.silenceLeft > 0 {
		s.silenceLeft--
		return s.packet(codec.Silence)
	}
	if changeTalking && s.speaking.Load() {
		s.setSpeaking(false)
	}
	return nil
}

// provide pulls one frame from the handler and returns it encoded.
func (s *sender) provide() []byte {
	h := s.c.sendHandler()
	if h == nil || !h.CanProvide() {
		return nil
	}
	data := h.Provide20MsAudio()
	if len(data) == 0 {
		return nil
	}
	if h.IsOpus() {
		return data
	}
	enc, err := s.encoderFor()
	if err != nil {
		s.log.Debug("voice: no encoder for pcm frame", "error", err)
		s.c.metrics.sendErrors.Add(context.Background(), 1)
		return nil
	}
	pcm := codec.BytesToPCM(data)
	if len(pcm) != codec.FrameLength {
		padded := make([]int16, codec.FrameLength)
		copy(padded, pcm)
		pcm = padded
	}
	opus, err := enc.Encode(pcm)
	if err != nil {
		s.log.Debug("voice: encode frame", "error", err)
		s.c.metrics.sendErrors.Add(context.Background(), 1)
		return nil
	}
	return opus
}

func (s *sender) encoderFor() (codec.Encoder, error) {
	if s.encoder != nil {
		return s.encoder, nil
	}
	if s.c.cfg.codec == nil {
		return nil, errNoCodec
	}
	enc, err := s.c.cfg.codec.NewEncoder()
	if err != nil {
		return nil, err
	}
	s.encoder = enc
	return enc, nil
}

// packet frames and encrypts one Opus payload.
func (s *sender) packet(opus []byte) []byte {
	adapter := s.c.adapter()
	ssrc := s.c.ssrc()
	if adapter == nil || ssrc == 0 {
		return nil
	}
	s.seq++
	s.timestamp += codec.FrameSamples

	header := rtp.Encode(s.seq, s.timestamp, ssrc, nil)
	body, err := adapter.Encrypt(header, opus)
	if err != nil {
		s.log.Debug("voice: encrypt frame", "error", err)
		s.c.metrics.sendErrors.Add(context.Background(), 1)
		return nil
	}
	s.c.metrics.packetsSent.Add(context.Background(), 1)
	return append(header, body...)
}

func (s *sender) setSpeaking(on bool) {
	s.speaking.Store(on)
	flags := SpeakingFlags(0)
	if on {
		flags = s.c.speakingMode()
	}
	ctx, cancel := context.WithTimeout(context.Background(), speakingTimeout)
	defer cancel()
	if err := s.c.gw.SetSpeaking(ctx, flags); err != nil {
		s.log.Debug("voice: speaking update", "speaking", on, "error", err)
	}
}

func (s *sender) UDPConn() *net.UDPConn { return s.c.udpConn() }

func (s *sender) SocketAddress() *net.UDPAddr { return s.c.remoteAddr() }

func (s *sender) ConnectionLost(err error) {
	if s.lost.Swap(true) {
		return
	}
	s.log.Warn("voice: send system lost connection", "error", err)
	go func() { _ = s.c.Close(gateway.StatusErrorLostConnection) }()
}

// close clears speaking and releases the encoder. Called after the send
// system has shut down.
func (s *sender) close() {
	if s.speaking.Load() {
		s.setSpeaking(false)
	}
	if s.encoder != nil {
		_ = s.encoder.Close()
		s.encoder = nil
	}
}
