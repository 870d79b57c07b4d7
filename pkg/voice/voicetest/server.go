// Package voicetest runs an in-process voice server for tests: a websocket
// control channel and a UDP media endpoint, both on loopback.
//
// The server completes the handshake for every connection (Identify or
// Resume), answers heartbeats and discovery probes, and records what the
// client sends. Tests push server events and media through its methods.
package voicetest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxwire/pkg/voice/codec"
	"github.com/MrWong99/voxwire/pkg/voice/crypto"
	"github.com/MrWong99/voxwire/pkg/voice/gateway"
	"github.com/MrWong99/voxwire/pkg/voice/rtp"
)

// SSRC is the ssrc the server assigns to clients.
const SSRC = 1234

// HeartbeatInterval is announced in Hello.
const HeartbeatInterval = 5 * time.Second

const writeTimeout = 5 * time.Second

// ErrNoClient is returned when media is sent before a client was discovered.
var ErrNoClient = errors.New("voicetest: no client address yet")

// Server is a fake voice server. Create it with [NewServer].
type Server struct {
	// Endpoint is the ws:// address to use in credentials.
	Endpoint string

	Mode crypto.Mode
	Key  []byte

	t    testing.TB
	http *httptest.Server
	udp  *net.UDPConn

	handshakes chan struct{}
	media      chan []byte
	keepalives atomic.Int32

	mu          sync.Mutex
	ws          *websocket.Conn
	client      *net.UDPAddr
	connections int
	resumes     int
	speaking    []int
}

// NewServer starts a server offering only mode. It is shut down when the test
// ends.
func NewServer(t testing.TB, mode crypto.Mode) *Server {
	t.Helper()
	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("voicetest: listen udp: %v", err)
	}
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	s := &Server{
		Mode:       mode,
		Key:        key,
		t:          t,
		udp:        udp,
		handshakes: make(chan struct{}, 16),
		media:      make(chan []byte, 256),
	}
	s.http = httptest.NewServer(http.HandlerFunc(s.serveWS))
	s.Endpoint = "ws://" + strings.TrimPrefix(s.http.URL, "http://")

	go s.serveUDP()
	t.Cleanup(func() {
		s.http.Close()
		_ = udp.Close()
	})
	return s
}

// Adapter returns a fresh adapter for the negotiated mode and key, for
// encrypting media sent to the client or decrypting what it sent.
func (s *Server) Adapter() crypto.Adapter {
	a, err := crypto.New(s.Mode, s.Key)
	if err != nil {
		s.t.Fatalf("voicetest: adapter: %v", err)
	}
	return a
}

// WaitHandshake blocks until the next completed handshake.
func (s *Server) WaitHandshake(ctx context.Context) error {
	select {
	case <-s.handshakes:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Media returns the datagrams the client sent, excluding discovery and
// keepalive packets.
func (s *Server) Media() <-chan []byte { return s.media }

// Keepalives returns the number of keepalive datagrams received.
func (s *Server) Keepalives() int { return int(s.keepalives.Load()) }

// Connections returns the number of accepted websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Resumes returns the number of Resume handshakes.
func (s *Server) Resumes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumes
}

// SpeakingUpdates returns the speaking flags the client announced, in order.
func (s *Server) SpeakingUpdates() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.speaking))
	copy(out, s.speaking)
	return out
}

// Speaking announces a remote user's speaking state.
func (s *Server) Speaking(ctx context.Context, userID uint64, ssrc uint32, flags int) error {
	return s.send(ctx, gateway.OpSpeaking, map[string]any{
		"user_id":  strconv.FormatUint(userID, 10),
		"ssrc":     ssrc,
		"speaking": flags,
	})
}

// ClientDisconnect announces that userID left.
func (s *Server) ClientDisconnect(ctx context.Context, userID uint64) error {
	return s.send(ctx, gateway.OpClientDisconnect, map[string]any{
		"user_id": strconv.FormatUint(userID, 10),
	})
}

// CloseWebsocket closes the current control connection with code.
func (s *Server) CloseWebsocket(code websocket.StatusCode) {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws != nil {
		_ = ws.Close(code, "voicetest")
	}
}

// SendMedia writes a datagram to the discovered client address.
func (s *Server) SendMedia(packet []byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return ErrNoClient
	}
	_, err := s.udp.WriteToUDP(packet, client)
	return err
}

// Packet seals payload into a media packet from ssrc, ready for SendMedia.
func (s *Server) Packet(ssrc uint32, seq uint16, payload []byte) []byte {
	header := rtp.Encode(seq, uint32(seq)*codec.FrameSamples, ssrc, nil)
	body, err := s.Adapter().Encrypt(header, payload)
	if err != nil {
		s.t.Fatalf("voicetest: encrypt: %v", err)
	}
	return append(header, body...)
}

// Open decrypts a packet received from the client.
func (s *Server) Open(b []byte) (rtp.Packet, []byte, bool) {
	p, err := rtp.Decode(b)
	if err != nil {
		return rtp.Packet{}, nil, false
	}
	plain, ok := s.Adapter().Decrypt(p)
	return p, plain, ok
}

func (s *Server) send(ctx context.Context, op gateway.Opcode, d any) error {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		return gateway.ErrNotConnected
	}
	return writeJSON(ctx, ws, op, d)
}

func writeJSON(ctx context.Context, ws *websocket.Conn, op gateway.Opcode, d any) error {
	b, err := json.Marshal(map[string]any{"op": op, "d": d})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, b)
}

// ── Control channel ──────────────────────────────────────────────────────────

type frame struct {
	Op gateway.Opcode  `json:"op"`
	D  json.RawMessage `json:"d"`
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.t.Errorf("voicetest: accept: %v", err)
		return
	}
	defer ws.CloseNow()
	ctx := r.Context()

	s.mu.Lock()
	s.ws = ws
	s.connections++
	s.mu.Unlock()

	if err := writeJSON(ctx, ws, gateway.OpHello, map[string]any{
		"heartbeat_interval": HeartbeatInterval.Milliseconds(),
	}); err != nil {
		return
	}

	for {
		_, b, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(b, &f); err != nil {
			s.t.Errorf("voicetest: malformed client frame %q: %v", b, err)
			return
		}
		if err := s.handle(ctx, ws, f); err != nil {
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, ws *websocket.Conn, f frame) error {
	switch f.Op {
	case gateway.OpIdentify:
		port := s.udp.LocalAddr().(*net.UDPAddr).Port
		return writeJSON(ctx, ws, gateway.OpReady, map[string]any{
			"ssrc":  SSRC,
			"ip":    "127.0.0.1",
			"port":  port,
			"modes": []string{string(s.Mode)},
		})

	case gateway.OpSelectProtocol:
		key := make([]int, len(s.Key))
		for i, b := range s.Key {
			key[i] = int(b)
		}
		if err := writeJSON(ctx, ws, gateway.OpSessionDescription, map[string]any{
			"mode":       string(s.Mode),
			"secret_key": key,
		}); err != nil {
			return err
		}
		s.handshakes <- struct{}{}
		return nil

	case gateway.OpResume:
		s.mu.Lock()
		s.resumes++
		s.mu.Unlock()
		if err := writeJSON(ctx, ws, gateway.OpResumed, nil); err != nil {
			return err
		}
		s.handshakes <- struct{}{}
		return nil

	case gateway.OpHeartbeat:
		var hb struct {
			T int64 `json:"t"`
		}
		_ = json.Unmarshal(f.D, &hb)
		return writeJSON(ctx, ws, gateway.OpHeartbeatAck, map[string]any{"t": hb.T})

	case gateway.OpSpeaking:
		var sp struct {
			Speaking int `json:"speaking"`
		}
		if err := json.Unmarshal(f.D, &sp); err == nil {
			s.mu.Lock()
			s.speaking = append(s.speaking, sp.Speaking)
			s.mu.Unlock()
		}
	}
	return nil
}

// ── Media endpoint ───────────────────────────────────────────────────────────

const (
	discoverySize     = 74
	discoveryBodySize = 70
	keepaliveSize     = 9
)

func (s *Server) serveUDP() {
	buf := make([]byte, 2048)
	for {
		n, from, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		switch {
		case n == discoverySize && binary.BigEndian.Uint16(buf[0:2]) == 0x1:
			s.setClient(from)
			resp := make([]byte, discoverySize)
			binary.BigEndian.PutUint16(resp[0:2], 0x2)
			binary.BigEndian.PutUint16(resp[2:4], discoveryBodySize)
			copy(resp[4:8], buf[4:8])
			copy(resp[8:], from.IP.String())
			binary.BigEndian.PutUint16(resp[72:74], uint16(from.Port))
			_, _ = s.udp.WriteToUDP(resp, from)

		case n == keepaliveSize && buf[0] == 0xC9:
			s.setClient(from)
			s.keepalives.Add(1)

		default:
			packet := make([]byte, n)
			copy(packet, buf[:n])
			select {
			case s.media <- packet:
			default:
			}
		}
	}
}

func (s *Server) setClient(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = addr
}
