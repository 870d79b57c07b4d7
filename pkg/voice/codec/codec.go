// Package codec defines the boundary between the voice media path and an Opus
// implementation.
//
// The media path never implements Opus itself. A [Provider] is resolved once
// by the application and handed to the voice connection; without one, PCM
// encode and decode are disabled while encoded passthrough keeps working.
package codec

import "time"

// Voice audio is 48 kHz stereo Opus in 20 ms frames.
const (
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel in one frame.
	FrameSamples = SampleRate / 1000 * 20

	// FrameLength is the number of interleaved int16 samples in one frame.
	FrameLength = FrameSamples * Channels
)

// Silence is an Opus frame that decodes to 20 ms of silence.
var Silence = []byte{0xF8, 0xFF, 0xFE}

// Encoder turns one frame of interleaved PCM into an Opus packet.
type Encoder interface {
	// Encode encodes exactly [FrameLength] samples.
	Encode(pcm []int16) ([]byte, error)

	// Close releases the encoder. It must not be used afterwards.
	Close() error
}

// Decoder turns Opus packets of one source into interleaved PCM. Decoders are
// stateful and must not be shared between sources.
type Decoder interface {
	Decode(opus []byte) ([]int16, error)

	// Close releases the decoder. It must not be used afterwards.
	Close() error
}

// Provider creates encoders and decoders.
type Provider interface {
	NewEncoder() (Encoder, error)
	NewDecoder() (Decoder, error)
}

// PCMToBytes converts int16 samples to little-endian bytes.
func PCMToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToPCM converts little-endian bytes to int16 samples. A trailing odd
// byte is ignored.
func BytesToPCM(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
