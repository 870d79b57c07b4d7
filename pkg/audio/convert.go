package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FrameBytes returns the size of one frame of d milliseconds in f.
func (f Format) FrameBytes(ms int) int {
	return f.SampleRate / 1000 * ms * f.Channels * 2
}

// FormatConverter converts frames to Target. It warns once on the first
// format mismatch and once on misaligned PCM.
// Use one per stream; it is not safe for concurrent use.
type FormatConverter struct {
	Target Format

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Convert returns frame in the target format. Matching frames are returned
// as is. Frames with an odd byte count are replaced by an empty frame.
// Resampling happens before channel conversion.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			c.logger().Warn("audio: odd byte count in pcm frame, dropping",
				"bytes", len(frame.Data),
				"format", Format{frame.SampleRate, frame.Channels},
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	src := Format{frame.SampleRate, frame.Channels}
	if src == c.Target {
		return frame
	}
	c.warnedMismatch.Do(func() {
		c.logger().Warn("audio: converting frame format", "from", src, "to", c.Target)
	})

	pcm := frame.Data
	if src.SampleRate != c.Target.SampleRate {
		if src.Channels == 1 {
			pcm = ResampleMono16(pcm, src.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, src.SampleRate, c.Target.SampleRate)
		}
	}
	switch {
	case src.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case src.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// ConvertStream converts every frame read from in and closes the returned
// channel when in is closed. Frames that convert to nothing are skipped.
func ConvertStream(in <-chan AudioFrame, target Format) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		for frame := range in {
			if f := conv.Convert(frame); len(f.Data) > 0 {
				out <- f
			}
		}
	}()
	return out
}

// Framer regroups a PCM byte stream into frames of a fixed size.
type Framer struct {
	Size int
	buf  []byte
}

// Push appends pcm and returns every complete frame now available.
func (f *Framer) Push(pcm []byte) [][]byte {
	f.buf = append(f.buf, pcm...)
	var frames [][]byte
	for len(f.buf) >= f.Size {
		frame := make([]byte, f.Size)
		copy(frame, f.buf)
		frames = append(frames, frame)
		f.buf = f.buf[f.Size:]
	}
	return frames
}

// Flush returns the buffered remainder padded with silence, or nil.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, f.Size)
	copy(frame, f.buf)
	f.buf = f.buf[:0]
	return frame
}

// ── Sample helpers ──────────────────────────────────────────────────────────

func sample(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
}

func lerp(a, b int16, frac float64) int16 {
	return int16(float64(a)*(1-frac) + float64(b)*frac)
}

// MonoToStereo duplicates every little-endian int16 sample into an L/R pair.
// A trailing odd byte is ignored.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := sample(pcm, i)
		putSample(out, 2*i, s)
		putSample(out, 2*i+1, s)
	}
	return out
}

// StereoToMono averages each L/R pair.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		avg := (int32(sample(pcm, 2*i)) + int32(sample(pcm, 2*i+1))) / 2
		putSample(out, i, int16(max(math.MinInt16, min(math.MaxInt16, avg))))
	}
	return out
}

// ResampleMono16 resamples mono PCM from srcRate to dstRate by linear
// interpolation. Invalid or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 is [ResampleMono16] for interleaved stereo.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 2, srcRate, dstRate)
}

func resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		next := min(idx+1, srcFrames-1)
		frac := pos - float64(idx)
		for ch := range channels {
			a := sample(pcm, idx*channels+ch)
			b := sample(pcm, next*channels+ch)
			putSample(out, i*channels+ch, lerp(a, b, frac))
		}
	}
	return out
}
