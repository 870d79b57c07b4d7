package audio

import "time"

// AudioFrame is one chunk of little-endian int16 PCM.
type AudioFrame struct {
	Data []byte

	SampleRate int

	// Channels is 1 for mono and 2 for interleaved stereo.
	Channels int

	// Timestamp is the capture time relative to the start of the stream.
	Timestamp time.Duration
}

// Transport is the format voice connections send and receive: 48 kHz
// interleaved stereo.
var Transport = Format{SampleRate: 48000, Channels: 2}
