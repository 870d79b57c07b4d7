// Package playback sends an Ogg/Opus file into a voice channel.
//
// A [Player] is a voice.SendHandler that hands the Opus packets of the file
// to the connection unchanged, one per 20 ms frame. No codec is involved, so
// playback works even when PCM encoding is disabled.
package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/jonas747/ogg"

	"github.com/MrWong99/voxwire/internal/observe"
	"github.com/MrWong99/voxwire/pkg/voice"
)

// ErrNotOpus is returned by [New] when the stream does not start with an
// OpusHead header packet.
var ErrNotOpus = errors.New("playback: not an Ogg/Opus stream")

var (
	opusHead = []byte("OpusHead")
	opusTags = []byte("OpusTags")
)

// Player streams Opus packets from an Ogg container. It is safe for
// concurrent use; the send system polls it from one goroutine while Close
// may be called from another.
type Player struct {
	src     io.ReadSeeker
	closer  io.Closer
	loop    bool
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	dec     *ogg.PacketDecoder
	next    []byte
	done    chan struct{}
	ended   bool
	frames  int64
	loops   int
	lastErr error
}

var _ voice.SendHandler = (*Player)(nil)

// Option configures a [Player].
type Option func(*Player)

// WithLoop restarts the stream from the beginning when it ends.
func WithLoop(loop bool) Option {
	return func(p *Player) { p.loop = loop }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics counts sent frames on m.PlaybackFrames.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Player) { p.metrics = m }
}

// Open opens the Ogg/Opus file at path. The file is closed by [Player.Close].
func Open(path string, opts ...Option) (*Player, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("playback: open %q: %w", path, err)
	}
	p, err := New(f, opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("playback: %q: %w", path, err)
	}
	p.closer = f
	return p, nil
}

// New creates a player reading from src. The header packets are validated
// immediately.
func New(src io.ReadSeeker, opts ...Option) (*Player, error) {
	p := &Player{
		src:  src,
		log:  slog.Default(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.rewind(); err != nil {
		return nil, err
	}
	return p, nil
}

// rewind seeks to the start, checks the headers and buffers the first audio
// packet.
func (p *Player) rewind() error {
	if _, err := p.src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("playback: seek: %w", err)
	}
	p.dec = ogg.NewPacketDecoder(ogg.NewDecoder(p.src))

	head, _, err := p.dec.Decode()
	if err != nil || !bytes.HasPrefix(head, opusHead) {
		return ErrNotOpus
	}
	p.next = nil
	return p.advance()
}

// advance buffers the next audio packet, skipping comment headers. At the
// end of the stream next stays nil.
func (p *Player) advance() error {
	for {
		pkt, _, err := p.dec.Decode()
		if err != nil {
			p.next = nil
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("playback: decode: %w", err)
		}
		if bytes.HasPrefix(pkt, opusTags) || len(pkt) == 0 {
			continue
		}
		p.next = append([]byte(nil), pkt...)
		return nil
	}
}

// CanProvide reports whether another packet is buffered.
func (p *Player) CanProvide() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next != nil
}

// Provide20MsAudio returns the next Opus packet, or nil when the stream ended.
func (p *Player) Provide20MsAudio() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	pkt := p.next
	if pkt == nil {
		return nil
	}
	p.frames++
	if p.metrics != nil {
		p.metrics.PlaybackFrames.Add(context.Background(), 1)
	}

	err := p.advance()
	if err == nil && p.next == nil && p.loop && !p.ended {
		p.loops++
		p.log.Debug("playback: restarting stream", "loops", p.loops)
		err = p.rewind()
	}
	if err != nil {
		p.log.Warn("playback: stream error, stopping", "error", err)
		p.lastErr = err
		p.next = nil
	}
	if p.next == nil {
		p.finishLocked()
	}
	return pkt
}

// IsOpus is always true; the packets are sent as they are.
func (p *Player) IsOpus() bool { return true }

// Frames returns the number of packets handed out so far.
func (p *Player) Frames() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Done is closed when the stream ended or the player was closed.
func (p *Player) Done() <-chan struct{} { return p.done }

// Err returns the error that stopped the stream early, if any.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Close stops playback and closes the file opened by [Open].
func (p *Player) Close() error {
	p.mu.Lock()
	p.next = nil
	p.finishLocked()
	p.mu.Unlock()
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

func (p *Player) finishLocked() {
	if p.ended {
		return
	}
	p.ended = true
	close(p.done)
	p.log.Info("playback: finished", "frames", p.frames)
}
