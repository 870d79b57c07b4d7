package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

const scriptTimeout = 5 * time.Second

// serverConn is the server side of one test websocket connection.
type serverConn struct {
	t   *testing.T
	ctx context.Context
	c   *websocket.Conn
}

// send writes a text frame. seq < 0 omits the sequence number.
func (s *serverConn) send(op Opcode, d any, seq int) bool {
	s.t.Helper()
	env := map[string]any{"op": op, "d": d}
	if seq >= 0 {
		env["seq"] = seq
	}
	b, err := json.Marshal(env)
	if err != nil {
		s.t.Errorf("marshal: %v", err)
		return false
	}
	ctx, cancel := context.WithTimeout(s.ctx, scriptTimeout)
	defer cancel()
	if err := s.c.Write(ctx, websocket.MessageText, b); err != nil {
		s.t.Errorf("server write op %d: %v", op, err)
		return false
	}
	return true
}

// expect reads client frames until a text frame with op arrives. Heartbeats
// are skipped unless op is OpHeartbeat.
func (s *serverConn) expect(op Opcode) (json.RawMessage, bool) {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(s.ctx, scriptTimeout)
	defer cancel()
	for {
		typ, b, err := s.c.Read(ctx)
		if err != nil {
			s.t.Errorf("server waiting for op %d: %v", op, err)
			return nil, false
		}
		if typ != websocket.MessageText {
			continue
		}
		var env struct {
			Op Opcode          `json:"op"`
			D  json.RawMessage `json:"d"`
		}
		if err := json.Unmarshal(b, &env); err != nil {
			s.t.Errorf("client sent malformed frame %q: %v", b, err)
			return nil, false
		}
		if env.Op == op {
			return env.D, true
		}
		if env.Op != OpHeartbeat {
			s.t.Errorf("client sent op %d, want %d", env.Op, op)
			return nil, false
		}
	}
}

// expectBinary reads client frames until a binary frame arrives.
func (s *serverConn) expectBinary() ([]byte, bool) {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(s.ctx, scriptTimeout)
	defer cancel()
	for {
		typ, b, err := s.c.Read(ctx)
		if err != nil {
			s.t.Errorf("server waiting for binary frame: %v", err)
			return nil, false
		}
		if typ == websocket.MessageBinary {
			return b, true
		}
	}
}

// handshake performs Hello, Identify, Ready, SelectProtocol and
// SessionDescription. It returns the SelectProtocol data.
func (s *serverConn) handshake(udp *net.UDPAddr, modes []string, mode string) (selectProtocolData, bool) {
	s.t.Helper()
	var sel selectProtocolData
	if !s.send(OpHello, map[string]any{"heartbeat_interval": 5000}, -1) {
		return sel, false
	}
	if _, ok := s.expect(OpIdentify); !ok {
		return sel, false
	}
	if !s.send(OpReady, map[string]any{"ssrc": 1234, "ip": udp.IP.String(), "port": udp.Port, "modes": modes}, 1) {
		return sel, false
	}
	raw, ok := s.expect(OpSelectProtocol)
	if !ok {
		return sel, false
	}
	if err := json.Unmarshal(raw, &sel); err != nil {
		s.t.Errorf("select protocol: %v", err)
		return sel, false
	}
	if !s.send(OpSessionDescription, map[string]any{"mode": mode, "secret_key": testKeyInts()}, 2) {
		return sel, false
	}
	_, ok = s.expect(OpSpeaking)
	return sel, ok
}

func testKeyInts() []int {
	key := make([]int, 32)
	for i := range key {
		key[i] = i
	}
	return key
}

// newVoiceServer starts a websocket server running script once per accepted
// connection; n counts connections from 1. It returns the ws:// endpoint and
// the connection counter.
func newVoiceServer(t *testing.T, script func(s *serverConn, n int)) (string, *atomic.Int32) {
	t.Helper()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()

		if r.URL.Query().Get("v") != gatewayVersion {
			t.Errorf("dial query = %q, want v=%s", r.URL.RawQuery, gatewayVersion)
		}

		n := int(count.Add(1))
		s := &serverConn{t: t, ctx: r.Context(), c: c}
		script(s, n)
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws://" + strings.TrimPrefix(srv.URL, "http://"), &count
}

// startResponder runs a UDP discovery responder that reports ip:port as the
// observed address.
func startResponder(t *testing.T, ip string, port uint16) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 128)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n != discoveryPacketSize || binary.BigEndian.Uint16(buf[0:2]) != discoveryRequest {
				continue
			}
			resp := make([]byte, discoveryPacketSize)
			binary.BigEndian.PutUint16(resp[0:2], discoveryResponse)
			binary.BigEndian.PutUint16(resp[2:4], discoveryBodySize)
			copy(resp[4:8], buf[4:8])
			copy(resp[8:], ip)
			binary.BigEndian.PutUint16(resp[72:74], port)
			_, _ = conn.WriteToUDP(resp, from)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

// silentUDP returns the address of a socket that never answers.
func silentUDP(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn.LocalAddr().(*net.UDPAddr)
}
