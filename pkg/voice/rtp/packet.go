// Package rtp encodes and decodes the RTP-compatible datagrams used on the
// voice media path.
//
// Outbound packets always carry a bare 12-byte header (no CSRC list, no
// extension). Inbound packets may carry a CSRC list and a one-byte header
// extension announced with the 0xBEDE profile. On encrypted layouts the
// extension body is part of the ciphertext, so [Decode] only records its
// length; [SkipExtension] walks past it once the payload is plaintext.
package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// HeaderSize is the size of the fixed RTP header in bytes.
	HeaderSize = 12

	// PayloadType is the payload type used for Opus voice packets.
	PayloadType = 0x78

	// ExtensionProfile marks the one-byte header extension the voice server
	// inserts in front of the audio payload.
	ExtensionProfile = 0xBEDE

	// extensionPreambleSize is the size of the profile + length words that
	// precede an extension body.
	extensionPreambleSize = 4

	rtpVersion = 2
)

var (
	// ErrShortPacket is returned when a datagram ends before the header does.
	ErrShortPacket = errors.New("rtp: packet too short")

	// ErrBadVersion is returned for datagrams whose version bits are not 2.
	ErrBadVersion = errors.New("rtp: unsupported version")
)

// Packet is a decoded voice datagram. Header and Payload alias the slice
// passed to [Decode].
type Packet struct {
	PayloadType byte
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32

	// CSRCCount is the number of contributing sources listed after the fixed header.
	CSRCCount int

	// Extension reports whether the extension bit was set.
	Extension bool

	// ExtensionProfile is the profile tag read after the CSRC list. Only
	// meaningful when Extension is true.
	ExtensionProfile uint16

	// ExtensionWords is the number of 4-byte words in the extension body.
	// It is zero unless the profile matched [ExtensionProfile].
	ExtensionWords int

	// Header holds the bytes that travel in the clear ahead of Payload: the
	// fixed header, the CSRC list and, for a recognised extension, its
	// 4-byte preamble.
	Header []byte

	// Payload holds everything after Header.
	Payload []byte

	// Raw is the whole datagram.
	Raw []byte
}

// Encode writes a fixed 12-byte header followed by payload.
func Encode(seq uint16, timestamp, ssrc uint32, payload []byte) []byte {
	h := rtp.Header{
		Version:        rtpVersion,
		PayloadType:    PayloadType,
		SequenceNumber: seq,
		Timestamp:      timestamp,
		SSRC:           ssrc,
	}
	out := make([]byte, HeaderSize+len(payload))
	// A bare header always fits in HeaderSize bytes.
	_, _ = h.MarshalTo(out)
	copy(out[HeaderSize:], payload)
	return out
}

// Decode parses b. Truncated or malformed input yields an error; callers on
// the receive path drop such datagrams.
//
// The header is read by hand rather than with rtp.Header.Unmarshal, which
// also parses the extension elements. Here those are still ciphertext.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	if b[0]>>6 != rtpVersion {
		return Packet{}, fmt.Errorf("%w: %d", ErrBadVersion, b[0]>>6)
	}

	p := Packet{
		PayloadType: b[1] & 0x7f,
		Sequence:    binary.BigEndian.Uint16(b[2:4]),
		Timestamp:   binary.BigEndian.Uint32(b[4:8]),
		SSRC:        binary.BigEndian.Uint32(b[8:12]),
		CSRCCount:   int(b[0] & 0x0f),
		Extension:   b[0]&0x10 != 0,
	}

	offset := HeaderSize + p.CSRCCount*4
	if len(b) < offset {
		return Packet{}, fmt.Errorf("%w: csrc list of %d entries", ErrShortPacket, p.CSRCCount)
	}

	if p.Extension {
		if len(b) < offset+extensionPreambleSize {
			return Packet{}, fmt.Errorf("%w: extension preamble", ErrShortPacket)
		}
		p.ExtensionProfile = binary.BigEndian.Uint16(b[offset : offset+2])
		if p.ExtensionProfile == ExtensionProfile {
			p.ExtensionWords = int(binary.BigEndian.Uint16(b[offset+2 : offset+4]))
			offset += extensionPreambleSize
		}
	}

	p.Header = b[:offset]
	p.Payload = b[offset:]
	p.Raw = b
	return p, nil
}

// Plain returns the audio bytes of an unencrypted packet, walking past the
// extension body when one was announced.
func (p Packet) Plain() []byte {
	return SkipExtension(p.Payload, p.ExtensionWords)
}

// SkipExtension drops an extension body of the given number of 4-byte words
// from the start of b, followed by any zero bytes the remote pads it with.
// It returns nil when b is shorter than the announced body.
func SkipExtension(b []byte, words int) []byte {
	if words <= 0 {
		return b
	}
	n := words * 4
	if n > len(b) {
		return nil
	}
	for n < len(b) && b[n] == 0 {
		n++
	}
	return b[n:]
}
