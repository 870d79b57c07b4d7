package discord

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxwire/pkg/audio"
	"github.com/MrWong99/voxwire/pkg/voice"
	"github.com/MrWong99/voxwire/pkg/voice/codec"
	"github.com/MrWong99/voxwire/pkg/voice/crypto"
	"github.com/MrWong99/voxwire/pkg/voice/gateway"
	"github.com/MrWong99/voxwire/pkg/voice/mock"
	"github.com/MrWong99/voxwire/pkg/voice/voicetest"
)

const (
	testGuild   = "100"
	testChannel = "200"
	testSelf    = "42"
	testTimeout = 5 * time.Second
)

// ─── fake gateway session ────────────────────────────────────────────────────

// fakeSession answers voice joins with the two dispatches Discord would send,
// pointing at endpoint.
type fakeSession struct {
	mu       sync.Mutex
	handlers map[int]any
	next     int
	joins    []string
	endpoint string
	silent   bool
}

func newFakeSession(endpoint string) *fakeSession {
	return &fakeSession{handlers: make(map[int]any), endpoint: endpoint}
}

func (s *fakeSession) AddHandler(h any) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.handlers[id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

func (s *fakeSession) ChannelVoiceJoinManual(guildID, channelID string, _, _ bool) error {
	s.mu.Lock()
	s.joins = append(s.joins, channelID)
	silent := s.silent
	s.mu.Unlock()
	if channelID == "" || silent {
		return nil
	}
	go func() {
		s.dispatch(&discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{
			GuildID: guildID, ChannelID: channelID, UserID: testSelf, SessionID: "session",
		}})
		s.dispatch(&discordgo.VoiceServerUpdate{GuildID: guildID, Token: "token", Endpoint: s.endpoint})
	}()
	return nil
}

func (s *fakeSession) dispatch(ev any) {
	s.mu.Lock()
	hs := make([]any, 0, len(s.handlers))
	for _, h := range s.handlers {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		switch fn := h.(type) {
		case func(*discordgo.Session, *discordgo.VoiceStateUpdate):
			if e, ok := ev.(*discordgo.VoiceStateUpdate); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.VoiceServerUpdate):
			if e, ok := ev.(*discordgo.VoiceServerUpdate); ok {
				fn(nil, e)
			}
		}
	}
}

func (s *fakeSession) handlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func (s *fakeSession) joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.joins...)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func connect(t *testing.T, fs *fakeSession) *Connection {
	t.Helper()
	p := newPlatform(fs, testGuild,
		WithUserID(testSelf),
		WithLogger(discard()),
		WithVoiceOptions(
			voice.WithCodec(&mock.Codec{}),
			voice.WithGatewayOptions(gateway.WithReconnect(true, 3, 10*time.Millisecond)),
		),
	)
	ctx, cancel := context.WithTimeout(t.Context(), testTimeout)
	defer cancel()
	ac, err := p.Connect(ctx, testChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c := ac.(*Connection)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

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

// ─── Platform ────────────────────────────────────────────────────────────────

func TestPlatform_RejectsBadIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		guild   string
		channel string
		opts    []Option
		wantErr error
	}{
		{name: "guild", guild: "abc", channel: "1", opts: []Option{WithUserID("1")}},
		{name: "channel", guild: "1", channel: "", opts: []Option{WithUserID("1")}},
		{name: "no user id", guild: "1", channel: "1", wantErr: ErrNoUserID},
		{name: "bad user id", guild: "1", channel: "1", opts: []Option{WithUserID("me")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fs := newFakeSession("")
			p := newPlatform(fs, tt.guild, tt.opts...)
			_, err := p.Connect(t.Context(), tt.channel)
			if err == nil {
				t.Fatal("Connect succeeded")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if len(fs.joined()) != 0 {
				t.Error("join sent despite invalid ids")
			}
		})
	}
}

func TestPlatform_NewReadsSelfFromState(t *testing.T) {
	t.Parallel()

	s := &discordgo.Session{State: discordgo.NewState()}
	p := New(s, testGuild)
	if got := p.selfID(); got != "" {
		t.Errorf("selfID before ready = %q", got)
	}
	s.State.User = &discordgo.User{ID: testSelf}
	if got := p.selfID(); got != testSelf {
		t.Errorf("selfID = %q, want %q", got, testSelf)
	}
}

func TestPlatform_ConnectTimesOutWithoutServerUpdate(t *testing.T) {
	t.Parallel()

	fs := newFakeSession("")
	fs.silent = true
	p := newPlatform(fs, testGuild, WithUserID(testSelf), WithLogger(discard()))
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Connect(ctx, testChannel); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect = %v, want deadline exceeded", err)
	}
	if got := fs.joined(); len(got) != 2 || got[1] != "" {
		t.Errorf("joins = %q, want join then leave", got)
	}
	if fs.handlerCount() != 0 {
		t.Errorf("%d handlers left registered", fs.handlerCount())
	}
}

// ─── Connection ──────────────────────────────────────────────────────────────

func TestConnection_ReceivesPerUserStreams(t *testing.T) {
	t.Parallel()

	srv := voicetest.NewServer(t, crypto.ModeAES256GCMRTPSize)
	c := connect(t, newFakeSession(srv.Endpoint))

	events := make(chan audio.Event, 4)
	c.OnParticipantChange(func(ev audio.Event) { events <- ev })

	if err := srv.Speaking(t.Context(), 7, 555, 1); err != nil {
		t.Fatalf("Speaking: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != audio.EventSpeaking || ev.UserID != "7" || !ev.Speaking {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(testTimeout):
		t.Fatal("no speaking event")
	}

	if err := srv.SendMedia(srv.Packet(555, 1, mock.Encode(321))); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	var in <-chan audio.AudioFrame
	eventually(t, "input stream", func() bool {
		in = c.InputStreams()["7"]
		return in != nil
	})
	select {
	case f := <-in:
		if f.SampleRate != 48000 || f.Channels != 2 || len(f.Data) != codec.FrameLength*2 {
			t.Errorf("frame = %dHz %dch %d bytes", f.SampleRate, f.Channels, len(f.Data))
		}
		if got := codec.BytesToPCM(f.Data)[0]; got != 321 {
			t.Errorf("sample = %d, want 321", got)
		}
	case <-time.After(testTimeout):
		t.Fatal("no frame on input stream")
	}

	if err := srv.ClientDisconnect(t.Context(), 7); err != nil {
		t.Fatalf("ClientDisconnect: %v", err)
	}
	eventually(t, "input stream closed", func() bool { return c.InputStreams()["7"] == nil })
	if _, ok := <-in; ok {
		// Drain a frame that was queued before the close.
		for range in {
		}
	}
}

func TestConnection_SendsOutputStream(t *testing.T) {
	t.Parallel()

	srv := voicetest.NewServer(t, crypto.ModeXChaCha20Poly1305RTPSize)
	c := connect(t, newFakeSession(srv.Endpoint))

	// 30 ms of mono 48 kHz: one full frame after upmixing plus a remainder
	// that is padded once the writer goes idle.
	mono := make([]int16, 1440)
	for i := range mono {
		mono[i] = 55
	}
	c.OutputStream() <- audio.AudioFrame{Data: codec.PCMToBytes(mono), SampleRate: 48000, Channels: 1}

	var got [][]byte
	for len(got) < 2 {
		select {
		case b := <-srv.Media():
			_, plain, ok := srv.Open(b)
			if !ok {
				t.Fatal("could not open outbound packet")
			}
			got = append(got, plain)
		case <-time.After(testTimeout):
			t.Fatalf("got %d packets, want 2", len(got))
		}
	}
	for i, p := range got {
		if string(p) != string(mock.Encode(55)) {
			t.Errorf("packet %d payload = %x", i, p)
		}
	}
}

func TestConnection_ParticipantEvents(t *testing.T) {
	t.Parallel()

	srv := voicetest.NewServer(t, crypto.ModeAES256GCMRTPSize)
	fs := newFakeSession(srv.Endpoint)
	c := connect(t, fs)

	events := make(chan audio.Event, 4)
	c.OnParticipantChange(func(ev audio.Event) { events <- ev })

	member := &discordgo.Member{User: &discordgo.User{Username: "ada"}}
	fs.dispatch(&discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{
		GuildID: testGuild, ChannelID: testChannel, UserID: "9", Member: member,
	}})
	fs.dispatch(&discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: testGuild, ChannelID: "", UserID: "9", Member: member},
		BeforeUpdate: &discordgo.VoiceState{GuildID: testGuild, ChannelID: testChannel, UserID: "9"},
	})
	// Other guilds and the bot itself are ignored.
	fs.dispatch(&discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "1", ChannelID: testChannel, UserID: "9"}})
	fs.dispatch(&discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: testGuild, ChannelID: testChannel, UserID: testSelf}})

	want := map[audio.EventType]bool{audio.EventJoin: true, audio.EventLeave: true}
	for range 2 {
		select {
		case ev := <-events:
			if !want[ev.Type] || ev.UserID != "9" || ev.Username != "ada" {
				t.Errorf("unexpected event %+v", ev)
			}
			delete(want, ev.Type)
		case <-time.After(testTimeout):
			t.Fatal("missing participant event")
		}
	}
	select {
	case ev := <-events:
		t.Errorf("extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnection_RegionChangeEndsConnection(t *testing.T) {
	t.Parallel()

	srv := voicetest.NewServer(t, crypto.ModeAES256GCMRTPSize)
	fs := newFakeSession(srv.Endpoint)
	c := connect(t, fs)

	// Same endpoint: nothing happens.
	fs.dispatch(&discordgo.VoiceServerUpdate{GuildID: testGuild, Token: "token", Endpoint: srv.Endpoint})
	select {
	case <-c.Done():
		t.Fatal("connection ended on an unchanged endpoint")
	case <-time.After(50 * time.Millisecond):
	}

	fs.dispatch(&discordgo.VoiceServerUpdate{GuildID: testGuild, Token: "token2", Endpoint: "elsewhere.example:443"})
	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("connection did not end after region change")
	}
	var se *gateway.StatusError
	if !errors.As(c.Err(), &se) || se.Status != gateway.StatusAudioRegionChange {
		t.Errorf("Err = %v, want AudioRegionChange", c.Err())
	}
	if len(c.InputStreams()) != 0 {
		t.Error("input streams left open")
	}
}

func TestConnection_DisconnectLeavesChannel(t *testing.T) {
	t.Parallel()

	srv := voicetest.NewServer(t, crypto.ModeAES256GCMRTPSize)
	fs := newFakeSession(srv.Endpoint)
	c := connect(t, fs)

	for i := range 3 {
		if err := c.Disconnect(); err != nil && i > 0 {
			t.Fatalf("Disconnect[%d] = %v", i, err)
		}
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Disconnect")
	}
	if c.Err() != nil {
		t.Errorf("Err after Disconnect = %v", c.Err())
	}
	if got := fs.joined(); len(got) != 2 || got[0] != testChannel || got[1] != "" {
		t.Errorf("joins = %q", got)
	}
	if fs.handlerCount() != 0 {
		t.Errorf("%d handlers left registered", fs.handlerCount())
	}
	if c.Voice().Status() != gateway.StatusNotConnected {
		t.Errorf("voice status = %s", c.Voice().Status())
	}

	// Writes after Disconnect are dropped, never a panic.
	select {
	case c.OutputStream() <- audio.AudioFrame{Data: []byte{0, 0}, SampleRate: 48000, Channels: 2}:
	default:
	}
}
