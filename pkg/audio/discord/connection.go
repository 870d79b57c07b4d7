package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxwire/pkg/audio"
	"github.com/MrWong99/voxwire/pkg/voice"
	"github.com/MrWong99/voxwire/pkg/voice/codec"
	"github.com/MrWong99/voxwire/pkg/voice/gateway"
)

var (
	_ audio.Connection     = (*Connection)(nil)
	_ voice.ReceiveHandler = (*Connection)(nil)
	_ voice.SendHandler    = (*Connection)(nil)
)

const (
	inputChannelBuffer  = 64
	outputChannelBuffer = 64

	// sendQueueFrames is one second of framed outbound audio.
	sendQueueFrames = 50

	// flushAfter pads and sends a partial frame once the writer pauses.
	flushAfter = 2 * codec.FrameDuration
)

type connParams struct {
	log       *slog.Logger
	guildID   string
	channelID string
	selfID    string
	endpoint  string
	leave     func() error
}

// Connection adapts a [voice.Connection] to [audio.Connection]. Decoded audio
// of each user is delivered on its own input stream keyed by user id. Frames
// written to the output stream are converted to 48 kHz stereo, cut into 20 ms
// frames and handed to the voice send system.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc     *voice.Connection
	params connParams
	log    *slog.Logger
	start  time.Time

	inputsMu sync.RWMutex
	inputs   map[string]chan audio.AudioFrame

	output chan audio.AudioFrame
	frames chan []byte

	changeMu sync.Mutex
	changeCb func(audio.Event)

	handlersMu sync.Mutex
	removers   []func()

	done     chan struct{}
	ended    chan struct{}
	endOnce  sync.Once
	errMu    sync.Mutex
	endErr   error
	endpoint string
}

func newConnection(vc *voice.Connection, p connParams) *Connection {
	if p.log == nil {
		p.log = slog.Default()
	}
	c := &Connection{
		vc:       vc,
		params:   p,
		log:      p.log,
		start:    time.Now(),
		inputs:   make(map[string]chan audio.AudioFrame),
		output:   make(chan audio.AudioFrame, outputChannelBuffer),
		frames:   make(chan []byte, sendQueueFrames),
		done:     make(chan struct{}),
		ended:    make(chan struct{}),
		endpoint: p.endpoint,
	}

	vc.OnUserSpeaking(func(userID uint64, _ uint32, flags voice.SpeakingFlags) {
		c.emit(audio.Event{Type: audio.EventSpeaking, UserID: formatID(userID), Speaking: flags != 0})
	})
	vc.OnUserDisconnect(func(userID uint64) {
		c.dropInput(formatID(userID))
	})
	vc.SetReceiveHandler(c)
	vc.SetSendHandler(c)

	go c.pump()
	go c.watch()
	return c
}

// attach subscribes to the dispatches that concern an established
// connection: participant changes and voice server moves.
func (c *Connection) attach(s gatewaySession) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.removers = append(c.removers,
		s.AddHandler(c.handleVoiceStateUpdate),
		s.AddHandler(c.handleVoiceServerUpdate),
	)
}

// Voice returns the underlying voice connection.
func (c *Connection) Voice() *voice.Connection { return c.vc }

// InputStreams returns a snapshot of the per-user input channels.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.inputs))
	for id, ch := range c.inputs {
		snap[id] = ch
	}
	return snap
}

// OutputStream returns the channel for outbound audio.
func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.output }

// OnParticipantChange registers cb, replacing the previous callback.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Done is closed when the connection has ended.
func (c *Connection) Done() <-chan struct{} { return c.ended }

// Err returns a *gateway.StatusError when the voice connection ended on its
// own, and nil otherwise.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.endErr
}

// Disconnect closes the voice connection and leaves the channel.
func (c *Connection) Disconnect() error {
	var err error
	c.endOnce.Do(func() {
		close(c.done)
		c.release()
		if cerr := c.vc.Close(gateway.StatusNotConnected); cerr != nil {
			err = cerr
		}
		if c.params.leave != nil {
			if lerr := c.params.leave(); lerr != nil && err == nil {
				err = lerr
			}
		}
		close(c.ended)
		c.log.Info("discord: voice disconnected")
	})
	return err
}

// watch ends the adapter when the voice connection stops by itself.
func (c *Connection) watch() {
	select {
	case <-c.done:
	case <-c.vc.Done():
		c.endOnce.Do(func() {
			st := c.vc.Status()
			c.errMu.Lock()
			c.endErr = &gateway.StatusError{Status: st}
			c.errMu.Unlock()
			close(c.done)
			c.release()
			close(c.ended)
			c.log.Warn("discord: voice connection ended", "status", st)
		})
	}
}

func (c *Connection) release() {
	c.handlersMu.Lock()
	for _, remove := range c.removers {
		remove()
	}
	c.removers = nil
	c.handlersMu.Unlock()

	c.vc.SetSendHandler(nil)
	c.vc.SetReceiveHandler(nil)

	c.inputsMu.Lock()
	for id, ch := range c.inputs {
		close(ch)
		delete(c.inputs, id)
	}
	c.inputsMu.Unlock()
}

// ── Receive ─────────────────────────────────────────────────────────────────

func (c *Connection) CanReceiveCombined() bool { return false }
func (c *Connection) CanReceiveUser() bool { return true }
func (c *Connection) CanReceiveEncoded() bool { return false }

func (c *Connection) HandleCombinedAudio(voice.CombinedAudio) {}
func (c *Connection) HandleEncodedAudio(voice.EncodedAudio) {}

func (c *Connection) IncludeUserInCombinedAudio(uint64) bool { return true }

// HandleUserAudio delivers a decoded frame to the user's input stream and
// drops it when the consumer lags.
func (c *Connection) HandleUserAudio(u voice.UserAudio) {
	id := formatID(u.UserID)
	frame := audio.AudioFrame{
		Data:       codec.PCMToBytes(u.PCM),
		SampleRate: audio.Transport.SampleRate,
		Channels:   audio.Transport.Channels,
		Timestamp:  time.Since(c.start),
	}

	c.inputsMu.RLock()
	ch, ok := c.inputs[id]
	if ok {
		select {
		case ch <- frame:
		default:
		}
	}
	c.inputsMu.RUnlock()
	if ok {
		return
	}

	c.inputsMu.Lock()
	select {
	case <-c.done:
		c.inputsMu.Unlock()
		return
	default:
	}
	ch, ok = c.inputs[id]
	if !ok {
		ch = make(chan audio.AudioFrame, inputChannelBuffer)
		c.inputs[id] = ch
	}
	select {
	case ch <- frame:
	default:
	}
	c.inputsMu.Unlock()
	if !ok {
		c.log.Debug("discord: new input stream", "user_id", id)
	}
}

func (c *Connection) dropInput(id string) {
	c.inputsMu.Lock()
	defer c.inputsMu.Unlock()
	if ch, ok := c.inputs[id]; ok {
		close(ch)
		delete(c.inputs, id)
	}
}

// ── Send ────────────────────────────────────────────────────────────────────

func (c *Connection) CanProvide() bool { return len(c.frames) > 0 }

func (c *Connection) Provide20MsAudio() []byte {
	select {
	case f := <-c.frames:
		return f
	default:
		return nil
	}
}

func (c *Connection) IsOpus() bool { return false }

// pump converts and frames the output stream for the send system.
func (c *Connection) pump() {
	conv := audio.FormatConverter{Target: audio.Transport, Logger: c.log}
	framer := audio.Framer{Size: audio.Transport.FrameBytes(int(codec.FrameDuration / time.Millisecond))}
	idle := time.NewTimer(flushAfter)
	defer idle.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-idle.C:
			if f := framer.Flush(); f != nil && !c.enqueue(f) {
				return
			}
		case frame := <-c.output:
			for _, f := range framer.Push(conv.Convert(frame).Data) {
				if !c.enqueue(f) {
					return
				}
			}
			idle.Reset(flushAfter)
		}
	}
}

func (c *Connection) enqueue(frame []byte) bool {
	select {
	case c.frames <- frame:
		return true
	case <-c.done:
		return false
	}
}

// ── Dispatch handlers ───────────────────────────────────────────────────────

func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.VoiceState == nil || vsu.GuildID != c.params.guildID || vsu.UserID == c.params.selfID {
		return
	}
	channelID := c.params.channelID
	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	wasHere := vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID
	isHere := vsu.ChannelID == channelID
	switch {
	case wasHere && !isHere:
		c.dropInput(vsu.UserID)
		c.emit(audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
	case isHere && !wasHere:
		c.emit(audio.Event{Type: audio.EventJoin, UserID: vsu.UserID, Username: username})
	}
}

// handleVoiceServerUpdate ends the connection when the guild is moved to a
// different voice server. The owner is expected to join again.
func (c *Connection) handleVoiceServerUpdate(_ *discordgo.Session, vsu *discordgo.VoiceServerUpdate) {
	if vsu.GuildID != c.params.guildID || vsu.Endpoint == "" {
		return
	}
	c.errMu.Lock()
	moved := vsu.Endpoint != c.endpoint
	c.endpoint = vsu.Endpoint
	c.errMu.Unlock()
	if !moved {
		return
	}
	c.log.Info("discord: voice server changed", "endpoint", vsu.Endpoint)
	go func() { _ = c.vc.Close(gateway.StatusAudioRegionChange) }()
}

func (c *Connection) emit(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }
