// Package gopus provides a [codec.Provider] backed by libopus through
// layeh.com/gopus.
package gopus

import (
	"errors"
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/voxwire/pkg/voice/codec"
)

// maxPacketSize is the largest Opus packet the encoder may produce.
const maxPacketSize = 4000

var errClosed = errors.New("gopus: codec closed")

// Application selects the encoder tuning.
type Application int

const (
	ApplicationAudio Application = iota
	ApplicationVoIP
	ApplicationLowDelay
)

func (a Application) gopus() gopus.Application {
	switch a {
	case ApplicationVoIP:
		return gopus.Voip
	case ApplicationLowDelay:
		return gopus.RestrictedLowDelay
	default:
		return gopus.Audio
	}
}

// Provider creates 48 kHz stereo encoders and decoders.
type Provider struct {
	// Application tunes new encoders. Defaults to [ApplicationAudio].
	Application Application

	// Bitrate in bits per second for new encoders. Zero keeps the libopus
	// default.
	Bitrate int
}

var _ codec.Provider = (*Provider)(nil)

// New returns a provider with default settings.
func New() *Provider { return &Provider{} }

// NewEncoder implements [codec.Provider].
func (p *Provider) NewEncoder() (codec.Encoder, error) {
	enc, err := gopus.NewEncoder(codec.SampleRate, codec.Channels, p.Application.gopus())
	if err != nil {
		return nil, fmt.Errorf("gopus: create encoder: %w", err)
	}
	if p.Bitrate > 0 {
		enc.SetBitrate(p.Bitrate)
	}
	return &encoder{enc: enc}, nil
}

// NewDecoder implements [codec.Provider].
func (p *Provider) NewDecoder() (codec.Decoder, error) {
	dec, err := gopus.NewDecoder(codec.SampleRate, codec.Channels)
	if err != nil {
		return nil, fmt.Errorf("gopus: create decoder: %w", err)
	}
	return &decoder{dec: dec}, nil
}

type encoder struct {
	mu  sync.Mutex
	enc *gopus.Encoder
}

func (e *encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != codec.FrameLength {
		return nil, fmt.Errorf("gopus: encode: got %d samples, want %d", len(pcm), codec.FrameLength)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return nil, errClosed
	}
	out, err := e.enc.Encode(pcm, codec.FrameSamples, maxPacketSize)
	if err != nil {
		return nil, fmt.Errorf("gopus: encode: %w", err)
	}
	return out, nil
}

func (e *encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enc = nil
	return nil
}

type decoder struct {
	mu  sync.Mutex
	dec *gopus.Decoder
}

func (d *decoder) Decode(opus []byte) ([]int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dec == nil {
		return nil, errClosed
	}
	pcm, err := d.dec.Decode(opus, codec.FrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("gopus: decode: %w", err)
	}
	return pcm, nil
}

func (d *decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dec = nil
	return nil
}
