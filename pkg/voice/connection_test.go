package voice_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxwire/pkg/voice"
	"github.com/MrWong99/voxwire/pkg/voice/codec"
	"github.com/MrWong99/voxwire/pkg/voice/crypto"
	"github.com/MrWong99/voxwire/pkg/voice/gateway"
	"github.com/MrWong99/voxwire/pkg/voice/mock"
	"github.com/MrWong99/voxwire/pkg/voice/rtp"
	"github.com/MrWong99/voxwire/pkg/voice/voicetest"
)

const testTimeout = 5 * time.Second

func testCreds(endpoint string) voice.Credentials {
	return voice.Credentials{
		Endpoint:  endpoint,
		SessionID: "session",
		Token:     "token",
		GuildID:   1,
		ChannelID: 2,
		UserID:    3,
	}
}

func newConnection(t *testing.T, endpoint string, opts ...voice.Option) *voice.Connection {
	t.Helper()
	c, err := voice.New(testCreds(endpoint), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(gateway.StatusNotConnected) })
	return c
}

func testAdapter(t *testing.T) crypto.Adapter {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	a, err := crypto.New(crypto.ModeAES256GCMRTPSize, key)
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	return a
}

// mediaPacket builds an encrypted voice packet carrying the mock encoding of
// sample.
func mediaPacket(t *testing.T, a crypto.Adapter, ssrc uint32, seq uint16, sample int16) []byte {
	t.Helper()
	header := rtp.Encode(seq, uint32(seq)*codec.FrameSamples, ssrc, nil)
	body, err := a.Encrypt(header, mock.Encode(sample))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return append(header, body...)
}

// openPacket decrypts a packet the connection produced.
func openPacket(t *testing.T, a crypto.Adapter, b []byte) (rtp.Packet, []byte) {
	t.Helper()
	p, err := rtp.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	plain, ok := a.Decrypt(p)
	if !ok {
		t.Fatalf("Decrypt failed for seq %d", p.Sequence)
	}
	return p, plain
}

// eventually polls cond until it holds or the test timeout elapses.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Receive path ─────────────────────────────────────────────────────────────

func TestConnection_AttributesPacketsToSpeakingUser(t *testing.T) {
	t.Parallel()

	cc := &mock.Codec{}
	c := newConnection(t, "voice.invalid", voice.WithCodec(cc))
	a := testAdapter(t)
	c.SetMedia(1234, a)
	rh := &mock.ReceiveHandler{WantUser: true, WantEncoded: true}
	c.SetReceiveHandler(rh)

	c.UpdateSSRC(77, 999)
	for i := range 3 {
		c.HandlePacket(mediaPacket(t, a, 77, uint16(i+1), int16(100+i)), time.Now())
	}
	c.HandlePacket(mediaPacket(t, a, 88, 1, 5), time.Now())

	users := rh.User()
	if len(users) != 3 {
		t.Fatalf("got %d user frames, want 3", len(users))
	}
	for i, u := range users {
		if u.UserID != 999 || u.SSRC != 77 {
			t.Errorf("frame %d attributed to user %d ssrc %d", i, u.UserID, u.SSRC)
		}
		if u.PCM[0] != int16(100+i) {
			t.Errorf("frame %d sample = %d, want %d", i, u.PCM[0], 100+i)
		}
	}
	encoded := rh.Encoded()
	if len(encoded) != 3 {
		t.Fatalf("got %d encoded packets, want 3", len(encoded))
	}
	if !bytes.Equal(encoded[2].Opus, mock.Encode(102)) || encoded[2].Sequence != 3 {
		t.Errorf("encoded[2] = %+v", encoded[2])
	}
	if _, ok := c.UserForSSRC(88); ok {
		t.Error("unmapped ssrc 88 resolved")
	}
}

func TestConnection_DropsBadPackets(t *testing.T) {
	t.Parallel()

	c := newConnection(t, "voice.invalid", voice.WithCodec(&mock.Codec{}))
	a := testAdapter(t)
	c.SetMedia(1234, a)
	rh := &mock.ReceiveHandler{WantUser: true}
	c.SetReceiveHandler(rh)
	c.UpdateSSRC(77, 999)

	tampered := mediaPacket(t, a, 77, 9, 1)
	tampered[len(tampered)-6] ^= 0xFF

	wrongType := mediaPacket(t, a, 77, 8, 1)
	wrongType[1] = 0xC8

	c.HandlePacket(mediaPacket(t, a, 77, 5, 1), time.Now())
	c.HandlePacket(mediaPacket(t, a, 77, 4, 2), time.Now())
	c.HandlePacket(mediaPacket(t, a, 77, 5, 3), time.Now())
	c.HandlePacket(tampered, time.Now())
	c.HandlePacket(wrongType, time.Now())
	c.HandlePacket([]byte{0xC9, 0, 0, 0, 0, 0, 0, 0, 0}, time.Now())
	c.HandlePacket(mediaPacket(t, a, 77, 6, 4), time.Now())

	var got []int16
	for _, u := range rh.User() {
		got = append(got, u.PCM[0])
	}
	if !slices.Equal(got, []int16{1, 4}) {
		t.Errorf("delivered samples = %v, want [1 4]", got)
	}
}

func TestConnection_RemoveSSRCReleasesDecoder(t *testing.T) {
	t.Parallel()

	cc := &mock.Codec{}
	c := newConnection(t, "voice.invalid", voice.WithCodec(cc))
	a := testAdapter(t)
	c.SetMedia(1234, a)
	c.SetReceiveHandler(&mock.ReceiveHandler{WantUser: true})

	c.UpdateSSRC(77, 999)
	c.HandlePacket(mediaPacket(t, a, 77, 1, 1), time.Now())
	if cc.DecodersOpen() != 1 {
		t.Fatalf("open decoders = %d, want 1", cc.DecodersOpen())
	}

	c.RemoveSSRC(999)
	if cc.DecodersOpen() != 0 {
		t.Errorf("open decoders after RemoveSSRC = %d, want 0", cc.DecodersOpen())
	}
	if _, ok := c.UserForSSRC(77); ok {
		t.Error("ssrc 77 still mapped")
	}
}

func TestConnection_EncodedPassthroughWithoutCodec(t *testing.T) {
	t.Parallel()

	c := newConnection(t, "voice.invalid")
	a := testAdapter(t)
	c.SetMedia(1234, a)
	rh := &mock.ReceiveHandler{WantUser: true, WantEncoded: true}
	c.SetReceiveHandler(rh)
	c.UpdateSSRC(77, 999)

	c.HandlePacket(mediaPacket(t, a, 77, 1, 1), time.Now())
	if len(rh.Encoded()) != 1 {
		t.Errorf("encoded = %d, want 1", len(rh.Encoded()))
	}
	if len(rh.User()) != 0 {
		t.Errorf("user frames = %d without a codec", len(rh.User()))
	}
}

func TestConnection_CombinedHonoursExclusion(t *testing.T) {
	t.Parallel()

	c := newConnection(t, "voice.invalid", voice.WithCodec(&mock.Codec{}))
	a := testAdapter(t)
	c.SetMedia(1234, a)
	c.SetReceiveHandler(&mock.ReceiveHandler{WantCombined: true, Exclude: map[uint64]bool{2: true}})
	c.UpdateSSRC(10, 1)
	c.UpdateSSRC(20, 2)

	now := time.Now()
	c.HandlePacket(mediaPacket(t, a, 10, 1, 100), now)
	c.HandlePacket(mediaPacket(t, a, 20, 1, 200), now)

	mixed := c.Mix(now)
	if !slices.Equal(mixed.Users, []uint64{1}) {
		t.Errorf("users = %v, want [1]", mixed.Users)
	}
	if mixed.PCM[0] != 100 {
		t.Errorf("sample = %d, want 100", mixed.PCM[0])
	}
}

func TestConnection_DropMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	c := newConnection(t, "voice.invalid", voice.WithMeterProvider(mp))
	a := testAdapter(t)
	c.SetMedia(1234, a)
	c.SetReceiveHandler(&mock.ReceiveHandler{WantEncoded: true})
	c.UpdateSSRC(77, 999)

	c.HandlePacket(mediaPacket(t, a, 88, 1, 1), time.Now())
	c.HandlePacket(mediaPacket(t, a, 88, 2, 1), time.Now())
	c.HandlePacket(mediaPacket(t, a, 77, 1, 1), time.Now())

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(t.Context(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counterValue(rm, "voxwire.voice.packets.dropped", "reason", "unknown_ssrc"); got != 2 {
		t.Errorf("unknown_ssrc drops = %d, want 2", got)
	}
	if got := counterValue(rm, "voxwire.voice.packets.received", "", ""); got != 1 {
		t.Errorf("received = %d, want 1", got)
	}
}

func counterValue(rm metricdata.ResourceMetrics, name, key, value string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if key != "" {
					if v, ok := dp.Attributes.Value(attribute.Key(key)); !ok || v.AsString() != value {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

// ── Send path ────────────────────────────────────────────────────────────────

func TestPacketProvider_FramesAndSilence(t *testing.T) {
	t.Parallel()

	c := newConnection(t, "voice.invalid")
	a := testAdapter(t)
	c.SetMedia(1234, a)
	sh := &mock.SendHandler{Opus: true}
	sh.Queue(mock.Encode(1), mock.Encode(2))
	c.SetSendHandler(sh)
	p := c.NewPacketProvider()

	for i := range 2 {
		b := p.NextPacket(true)
		if b == nil {
			t.Fatalf("packet %d is nil", i)
		}
		pkt, plain := openPacket(t, a, b)
		if pkt.SSRC != 1234 || pkt.Sequence != uint16(i+1) || pkt.Timestamp != uint32(i+1)*codec.FrameSamples {
			t.Errorf("packet %d header = ssrc %d seq %d ts %d", i, pkt.SSRC, pkt.Sequence, pkt.Timestamp)
		}
		if !bytes.Equal(plain, mock.Encode(int16(i+1))) {
			t.Errorf("packet %d payload = %x", i, plain)
		}
	}
	for i := range 5 {
		b := p.NextPacket(true)
		if b == nil {
			t.Fatalf("silence frame %d missing", i)
		}
		if _, plain := openPacket(t, a, b); !bytes.Equal(plain, codec.Silence) {
			t.Errorf("silence frame %d = %x", i, plain)
		}
	}
	if b := p.NextPacket(true); b != nil {
		t.Errorf("packet after silence = %x, want nil", b)
	}
}

func TestPacketProvider_EncodesPCM(t *testing.T) {
	t.Parallel()

	pcm := make([]int16, codec.FrameLength)
	pcm[0] = 42

	t.Run("with codec", func(t *testing.T) {
		t.Parallel()
		c := newConnection(t, "voice.invalid", voice.WithCodec(&mock.Codec{}))
		a := testAdapter(t)
		c.SetMedia(1234, a)
		sh := &mock.SendHandler{}
		sh.Queue(codec.PCMToBytes(pcm))
		c.SetSendHandler(sh)

		b := c.NewPacketProvider().NextPacket(false)
		if b == nil {
			t.Fatal("no packet")
		}
		if _, plain := openPacket(t, a, b); !bytes.Equal(plain, mock.Encode(42)) {
			t.Errorf("payload = %x", plain)
		}
	})

	t.Run("without codec", func(t *testing.T) {
		t.Parallel()
		c := newConnection(t, "voice.invalid")
		c.SetMedia(1234, testAdapter(t))
		sh := &mock.SendHandler{}
		sh.Queue(codec.PCMToBytes(pcm))
		c.SetSendHandler(sh)

		if b := c.NewPacketProvider().NextPacket(false); b != nil {
			t.Errorf("packet without codec = %x", b)
		}
	})
}

func TestPacketProvider_NoAdapter(t *testing.T) {
	t.Parallel()

	c := newConnection(t, "voice.invalid")
	sh := &mock.SendHandler{Opus: true}
	sh.Queue(mock.Encode(1))
	c.SetSendHandler(sh)
	if b := c.NewPacketProvider().NextPacket(true); b != nil {
		t.Errorf("packet before ready = %x", b)
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func TestNew_RejectsInvalidCredentials(t *testing.T) {
	t.Parallel()

	_, err := voice.New(voice.Credentials{Endpoint: "voice.invalid"})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"session id", "token", "guild id", "user id"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestConnection_CloseBeforeStart(t *testing.T) {
	t.Parallel()

	c := newConnection(t, "voice.invalid")
	if err := c.Close(gateway.StatusNotConnected); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Start(t.Context()); !errors.Is(err, voice.ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
	if err := c.WaitReady(t.Context()); !errors.Is(err, voice.ErrClosed) {
		t.Errorf("WaitReady after Close = %v, want ErrClosed", err)
	}
}

func TestConnection_ReadyTimeoutIsFatal(t *testing.T) {
	t.Parallel()

	// Accepts the websocket and never says Hello.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		for {
			if _, _, err := ws.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c := newConnection(t, "ws://"+strings.TrimPrefix(srv.URL, "http://"),
		voice.WithReadyTimeout(150*time.Millisecond))
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.WaitReady(t.Context()); !errors.Is(err, voice.ErrReadyTimeout) {
		t.Fatalf("WaitReady = %v, want ErrReadyTimeout", err)
	}
	if got := c.Status(); got != gateway.StatusErrorConnectionTimeout {
		t.Errorf("Status = %s, want ErrorConnectionTimeout", got)
	}
	if err := c.WaitReady(t.Context()); !errors.Is(err, voice.ErrClosed) {
		t.Errorf("second WaitReady = %v, want ErrClosed", err)
	}
}

// ── End to end ───────────────────────────────────────────────────────────────

func startAgainst(t *testing.T, srv *voicetest.Server, opts ...voice.Option) *voice.Connection {
	t.Helper()
	opts = append([]voice.Option{
		voice.WithGatewayOptions(gateway.WithReconnect(true, 3, 10*time.Millisecond)),
	}, opts...)
	c := newConnection(t, srv.Endpoint, opts...)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), testTimeout)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	return c
}

func receiveUser(t *testing.T, ch <-chan voice.UserAudio) voice.UserAudio {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for user audio")
		return voice.UserAudio{}
	}
}

func TestConnection_EndToEnd(t *testing.T) {
	t.Parallel()

	srv := voicetest.NewServer(t, crypto.ModeAES256GCMRTPSize)
	cc := &mock.Codec{}
	c := startAgainst(t, srv, voice.WithCodec(cc), voice.WithKeepalive(20*time.Millisecond))

	if c.Status() != gateway.StatusConnected {
		t.Fatalf("Status = %s", c.Status())
	}

	speaking := make(chan uint64, 4)
	c.OnUserSpeaking(func(userID uint64, _ uint32, _ voice.SpeakingFlags) { speaking <- userID })
	rh := &mock.ReceiveHandler{WantUser: true, UserAudioCh: make(chan voice.UserAudio, 8)}
	c.SetReceiveHandler(rh)

	if err := srv.Speaking(t.Context(), 999, 77, 1); err != nil {
		t.Fatalf("Speaking: %v", err)
	}
	select {
	case id := <-speaking:
		if id != 999 {
			t.Fatalf("speaking user = %d", id)
		}
	case <-time.After(testTimeout):
		t.Fatal("no speaking event")
	}

	sa := srv.Adapter()
	for i := range 3 {
		if err := srv.SendMedia(mediaPacket(t, sa, 77, uint16(i+1), int16(10+i))); err != nil {
			t.Fatalf("SendMedia: %v", err)
		}
	}
	if err := srv.SendMedia(mediaPacket(t, sa, 88, 1, 99)); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	for i := range 3 {
		u := receiveUser(t, rh.UserAudioCh)
		if u.UserID != 999 || u.PCM[0] != int16(10+i) {
			t.Errorf("frame %d = user %d sample %d", i, u.UserID, u.PCM[0])
		}
	}

	eventually(t, "keepalive", func() bool { return srv.Keepalives() > 0 })

	// Outbound.
	sh := &mock.SendHandler{Opus: true}
	sh.Queue(mock.Encode(7), mock.Encode(8))
	c.SetSendHandler(sh)
	var payloads [][]byte
	for len(payloads) < 7 {
		select {
		case b := <-srv.Media():
			_, plain := openPacket(t, sa, b)
			payloads = append(payloads, plain)
		case <-time.After(testTimeout):
			t.Fatalf("got %d outbound packets, want 7", len(payloads))
		}
	}
	if !bytes.Equal(payloads[0], mock.Encode(7)) || !bytes.Equal(payloads[1], mock.Encode(8)) {
		t.Errorf("audio payloads = %x %x", payloads[0], payloads[1])
	}
	for i, p := range payloads[2:] {
		if !bytes.Equal(p, codec.Silence) {
			t.Errorf("silence frame %d = %x", i, p)
		}
	}
	eventually(t, "speaking cleared", func() bool {
		return slices.Equal(srv.SpeakingUpdates(), []int{0, int(voice.DefaultSpeakingMode), 0})
	})

	if err := srv.ClientDisconnect(t.Context(), 999); err != nil {
		t.Fatalf("ClientDisconnect: %v", err)
	}
	eventually(t, "decoder release", func() bool { return cc.DecodersOpen() == 0 })
	if _, ok := c.UserForSSRC(77); ok {
		t.Error("ssrc 77 still mapped after disconnect")
	}

	if err := c.Close(gateway.StatusNotConnected); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Status() != gateway.StatusNotConnected {
		t.Errorf("Status after Close = %s", c.Status())
	}
}

func TestConnection_ResumeKeepsMediaPath(t *testing.T) {
	t.Parallel()

	srv := voicetest.NewServer(t, crypto.ModeXChaCha20Poly1305RTPSize)
	c := startAgainst(t, srv, voice.WithCodec(&mock.Codec{}))
	if err := srv.WaitHandshake(t.Context()); err != nil {
		t.Fatal(err)
	}

	rh := &mock.ReceiveHandler{WantUser: true, UserAudioCh: make(chan voice.UserAudio, 8)}
	c.SetReceiveHandler(rh)
	c.UpdateSSRC(77, 999)

	srv.CloseWebsocket(4900)
	ctx, cancel := context.WithTimeout(t.Context(), testTimeout)
	defer cancel()
	if err := srv.WaitHandshake(ctx); err != nil {
		t.Fatalf("no second handshake: %v", err)
	}
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady after resume: %v", err)
	}
	if srv.Resumes() != 1 || srv.Connections() != 2 {
		t.Errorf("resumes=%d connections=%d, want 1 and 2", srv.Resumes(), srv.Connections())
	}

	if err := srv.SendMedia(mediaPacket(t, srv.Adapter(), 77, 1, 5)); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if u := receiveUser(t, rh.UserAudioCh); u.UserID != 999 {
		t.Errorf("user = %d after resume", u.UserID)
	}
}

// panicHandler fails inside the receive pipeline.
type panicHandler struct{ mock.ReceiveHandler }

func (*panicHandler) HandleUserAudio(voice.UserAudio) { panic("handler bug") }

func TestConnection_TaskPanicIsReported(t *testing.T) {
	t.Parallel()

	srv := voicetest.NewServer(t, crypto.ModeAES256GCMRTPSize)
	c := startAgainst(t, srv, voice.WithCodec(&mock.Codec{}))

	statuses := make(chan voice.Status, 32)
	c.OnStatusChange(func(_, s voice.Status) {
		select {
		case statuses <- s:
		default:
		}
	})
	c.SetReceiveHandler(&panicHandler{mock.ReceiveHandler{WantUser: true}})
	c.UpdateSSRC(77, 999)

	if err := srv.SendMedia(mediaPacket(t, srv.Adapter(), 77, 1, 1)); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	deadline := time.After(testTimeout)
	for {
		select {
		case s := <-statuses:
			if s == gateway.StatusErrorLostConnection {
				return
			}
		case <-deadline:
			t.Fatal("panic was not reported as ErrorLostConnection")
		}
	}
}

// panicSendHandler fails inside the send loop.
type panicSendHandler struct{ mock.SendHandler }

func (*panicSendHandler) CanProvide() bool { return true }

func (*panicSendHandler) Provide20MsAudio() []byte { panic("send handler bug") }

// waitLostConnection waits for an ErrorLostConnection status change.
func waitLostConnection(t *testing.T, statuses <-chan voice.Status) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case s := <-statuses:
			if s == gateway.StatusErrorLostConnection {
				return
			}
		case <-deadline:
			t.Fatal("panic was not reported as ErrorLostConnection")
		}
	}
}

func recordStatuses(c *voice.Connection) <-chan voice.Status {
	statuses := make(chan voice.Status, 32)
	c.OnStatusChange(func(_, s voice.Status) {
		select {
		case statuses <- s:
		default:
		}
	})
	return statuses
}

func TestConnection_SendHandlerPanicClosesConnection(t *testing.T) {
	t.Parallel()

	srv := voicetest.NewServer(t, crypto.ModeAES256GCMRTPSize)
	c := startAgainst(t, srv, voice.WithCodec(&mock.Codec{}))
	statuses := recordStatuses(c)

	c.SetSendHandler(&panicSendHandler{SendHandler: mock.SendHandler{Opus: true}})

	waitLostConnection(t, statuses)
	eventually(t, "connection closed", func() bool { return c.Status() == gateway.StatusErrorLostConnection })
}

func TestConnection_SpeakingListenerPanicIsReported(t *testing.T) {
	t.Parallel()

	srv := voicetest.NewServer(t, crypto.ModeAES256GCMRTPSize)
	c := startAgainst(t, srv, voice.WithCodec(&mock.Codec{}))
	statuses := recordStatuses(c)

	c.OnUserSpeaking(func(uint64, uint32, voice.SpeakingFlags) { panic("listener bug") })
	if err := srv.Speaking(t.Context(), 999, 77, 1); err != nil {
		t.Fatalf("Speaking: %v", err)
	}

	waitLostConnection(t, statuses)
}
