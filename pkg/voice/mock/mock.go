// Package mock provides in-memory implementations of the codec provider and
// the audio handlers of package voice for use in tests.
//
// All mocks are safe for concurrent use and record what they receive.
//
// The codec is not Opus: an encoded frame is the first PCM sample as two
// little-endian bytes, and decoding yields a full frame filled with that
// sample. [codec.Silence] decodes to zeros.
package mock

import (
	"bytes"
	"errors"
	"sync"

	"github.com/MrWong99/voxwire/pkg/voice"
	"github.com/MrWong99/voxwire/pkg/voice/codec"
)

// ─── Codec ────────────────────────────────────────────────────────────────────

// ErrShortPacket is returned by the mock decoder for packets under two bytes.
var ErrShortPacket = errors.New("mock: packet too short")

// Codec is a fake [codec.Provider].
type Codec struct {
	mu sync.Mutex

	// NewDecoderErr is returned by NewDecoder when set.
	NewDecoderErr error

	// NewEncoderErr is returned by NewEncoder when set.
	NewEncoderErr error

	decodersCreated int
	decodersOpen    int
	encodersCreated int
}

var _ codec.Provider = (*Codec)(nil)

// NewEncoder implements [codec.Provider].
func (c *Codec) NewEncoder() (codec.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NewEncoderErr != nil {
		return nil, c.NewEncoderErr
	}
	c.encodersCreated++
	return encoder{}, nil
}

// NewDecoder implements [codec.Provider].
func (c *Codec) NewDecoder() (codec.Decoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NewDecoderErr != nil {
		return nil, c.NewDecoderErr
	}
	c.decodersCreated++
	c.decodersOpen++
	return &decoder{owner: c}, nil
}

// DecodersCreated returns how many decoders were created.
func (c *Codec) DecodersCreated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decodersCreated
}

// DecodersOpen returns how many decoders were created and not closed.
func (c *Codec) DecodersOpen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decodersOpen
}

// EncodersCreated returns how many encoders were created.
func (c *Codec) EncodersCreated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encodersCreated
}

// Encode returns the packet the mock encoder produces for a frame starting
// with sample.
func Encode(sample int16) []byte {
	return []byte{byte(sample), byte(sample >> 8)}
}

type encoder struct{}

func (encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, errors.New("mock: empty frame")
	}
	return Encode(pcm[0]), nil
}

func (encoder) Close() error { return nil }

type decoder struct {
	owner  *Codec
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

func (d *decoder) Decode(opus []byte) ([]int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("mock: decoder closed")
	}
	pcm := make([]int16, codec.FrameLength)
	if bytes.Equal(opus, codec.Silence) {
		return pcm, nil
	}
	if len(opus) < 2 {
		return nil, ErrShortPacket
	}
	v := int16(opus[0]) | int16(opus[1])<<8
	for i := range pcm {
		pcm[i] = v
	}
	return pcm, nil
}

func (d *decoder) Close() error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.owner.mu.Lock()
		d.owner.decodersOpen--
		d.owner.mu.Unlock()
	})
	return nil
}

// ─── SendHandler ──────────────────────────────────────────────────────────────

// SendHandler is a fake [voice.SendHandler] that hands out queued frames.
type SendHandler struct {
	mu     sync.Mutex
	frames [][]byte

	// Opus is returned by IsOpus.
	Opus bool

	provided int
}

var _ voice.SendHandler = (*SendHandler)(nil)

// Queue appends frames to hand out.
func (h *SendHandler) Queue(frames ...[]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frames...)
}

// CanProvide implements [voice.SendHandler].
func (h *SendHandler) CanProvide() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames) > 0
}

// Provide20MsAudio implements [voice.SendHandler].
func (h *SendHandler) Provide20MsAudio() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.frames) == 0 {
		return nil
	}
	f := h.frames[0]
	h.frames = h.frames[1:]
	h.provided++
	return f
}

// IsOpus implements [voice.SendHandler].
func (h *SendHandler) IsOpus() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Opus
}

// Provided returns how many frames were handed out.
func (h *SendHandler) Provided() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.provided
}

// ─── ReceiveHandler ───────────────────────────────────────────────────────────

// ReceiveHandler is a fake [voice.ReceiveHandler] that records every
// delivery. The zero value accepts nothing; set the Want fields.
type ReceiveHandler struct {
	WantCombined bool
	WantUser     bool
	WantEncoded  bool

	// Exclude lists users left out of the mix.
	Exclude map[uint64]bool

	mu       sync.Mutex
	combined []voice.CombinedAudio
	user     []voice.UserAudio
	encoded  []voice.EncodedAudio

	// UserAudioCh, when set, receives every user frame without blocking.
	UserAudioCh chan voice.UserAudio
}

var _ voice.ReceiveHandler = (*ReceiveHandler)(nil)

func (h *ReceiveHandler) CanReceiveCombined() bool { return h.WantCombined }
func (h *ReceiveHandler) CanReceiveUser() bool     { return h.WantUser }
func (h *ReceiveHandler) CanReceiveEncoded() bool  { return h.WantEncoded }

// HandleCombinedAudio implements [voice.ReceiveHandler].
func (h *ReceiveHandler) HandleCombinedAudio(a voice.CombinedAudio) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.combined = append(h.combined, a)
}

// HandleUserAudio implements [voice.ReceiveHandler].
func (h *ReceiveHandler) HandleUserAudio(a voice.UserAudio) {
	h.mu.Lock()
	h.user = append(h.user, a)
	h.mu.Unlock()
	if h.UserAudioCh != nil {
		select {
		case h.UserAudioCh <- a:
		default:
		}
	}
}

// HandleEncodedAudio implements [voice.ReceiveHandler].
func (h *ReceiveHandler) HandleEncodedAudio(a voice.EncodedAudio) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.encoded = append(h.encoded, a)
}

// IncludeUserInCombinedAudio implements [voice.ReceiveHandler].
func (h *ReceiveHandler) IncludeUserInCombinedAudio(userID uint64) bool {
	return !h.Exclude[userID]
}

// Combined returns the recorded combined frames.
func (h *ReceiveHandler) Combined() []voice.CombinedAudio {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]voice.CombinedAudio(nil), h.combined...)
}

// User returns the recorded user frames.
func (h *ReceiveHandler) User() []voice.UserAudio {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]voice.UserAudio(nil), h.user...)
}

// Encoded returns the recorded encoded packets.
func (h *ReceiveHandler) Encoded() []voice.EncodedAudio {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]voice.EncodedAudio(nil), h.encoded...)
}
