// Package dave layers end-to-end group encryption over a transport
// [crypto.Adapter].
//
// The group session itself (key packages, commits, epoch ratchets) is an
// external collaborator supplied through [Session]. This package only routes
// media frames through it in the right order and defines the control-plane
// messages the voice gateway forwards to it.
package dave

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/MrWong99/voxwire/pkg/voice/crypto"
	"github.com/MrWong99/voxwire/pkg/voice/rtp"
)

// Opcode identifies a key-exchange message on the voice control channel.
type Opcode int

const (
	OpPrepareTransition           Opcode = 21
	OpExecuteTransition           Opcode = 22
	OpTransitionReady             Opcode = 23
	OpPrepareEpoch                Opcode = 24
	OpMLSExternalSender           Opcode = 25
	OpMLSKeyPackage               Opcode = 26
	OpMLSProposals                Opcode = 27
	OpMLSCommitWelcome            Opcode = 28
	OpMLSAnnounceCommitTransition Opcode = 29
	OpMLSWelcome                  Opcode = 30
	OpMLSInvalidCommitWelcome     Opcode = 31
)

// IsBinary reports whether op travels as a binary websocket frame.
func (op Opcode) IsBinary() bool {
	switch op {
	case OpMLSExternalSender, OpMLSKeyPackage, OpMLSProposals,
		OpMLSCommitWelcome, OpMLSAnnounceCommitTransition, OpMLSWelcome:
		return true
	}
	return false
}

// IsKeyExchange reports whether op belongs to the key-exchange range.
func (op Opcode) IsKeyExchange() bool {
	return op >= OpPrepareTransition && op <= OpMLSInvalidCommitWelcome
}

// MediaType selects the frame codec a group session transforms.
type MediaType int

const (
	MediaAudio MediaType = iota
	MediaVideo
)

// Sender delivers key-exchange replies back to the voice server. The voice
// gateway implements it.
type Sender interface {
	// SendJSON sends a text frame {op, d: data}.
	SendJSON(ctx context.Context, op Opcode, data any) error

	// SendBinary sends a binary frame [op][payload].
	SendBinary(ctx context.Context, op Opcode, payload []byte) error
}

// Session is an end-to-end group-encryption session.
//
// Implementations must be safe for concurrent use: media calls arrive from the
// send and receive loops while control messages arrive from the gateway.
type Session interface {
	// ProtocolVersion is advertised in Identify as the highest supported
	// version. Zero disables the overlay on the server side.
	ProtocolVersion() int

	// HandleMessage consumes one key-exchange message. For text opcodes
	// payload is the raw JSON of the envelope's data field; for binary opcodes
	// it is everything after the opcode byte.
	HandleMessage(ctx context.Context, op Opcode, payload []byte, tx Sender) error

	// UserConnected and UserDisconnected keep the session's roster in sync
	// with the channel.
	UserConnected(userID uint64)
	UserDisconnected(userID uint64)

	// MaxEncryptedFrameSize bounds the output of Encrypt for a frame of n bytes.
	MaxEncryptedFrameSize(n int) int

	// Encrypt transforms frame for the local sender identified by ssrc and
	// writes the result into out, returning the number of bytes written.
	Encrypt(media MediaType, ssrc uint32, frame, out []byte) (int, error)

	// MaxDecryptedFrameSize bounds the output of Decrypt for a frame of n bytes.
	MaxDecryptedFrameSize(media MediaType, userID uint64, n int) int

	// Decrypt reverses Encrypt for a frame sent by userID.
	Decrypt(media MediaType, userID uint64, frame, out []byte) (int, error)
}

// Overlay wraps a transport adapter with a group session. It satisfies
// [crypto.Adapter], so the media pipeline treats it like any other scheme.
type Overlay struct {
	inner   crypto.Adapter
	session Session
	resolve func(ssrc uint32) (uint64, bool)
}

var _ crypto.Adapter = (*Overlay)(nil)

// NewOverlay returns an adapter that group-encrypts before inner encrypts and
// group-decrypts after inner decrypts. resolve maps a sender's ssrc to its
// user id; packets from unresolved sources fail to decrypt.
func NewOverlay(inner crypto.Adapter, s Session, resolve func(ssrc uint32) (uint64, bool)) *Overlay {
	return &Overlay{inner: inner, session: s, resolve: resolve}
}

// Inner returns the wrapped transport adapter.
func (o *Overlay) Inner() crypto.Adapter { return o.inner }

func (o *Overlay) Mode() crypto.Mode         { return o.inner.Mode() }
func (o *Overlay) HeaderAuthenticated() bool { return o.inner.HeaderAuthenticated() }

// Encrypt implements [crypto.Adapter].
func (o *Overlay) Encrypt(header, audio []byte) ([]byte, error) {
	if len(header) < rtp.HeaderSize {
		return nil, fmt.Errorf("dave: header too short: %d bytes", len(header))
	}
	ssrc := binary.BigEndian.Uint32(header[8:12])

	out := make([]byte, o.session.MaxEncryptedFrameSize(len(audio)))
	n, err := o.session.Encrypt(MediaAudio, ssrc, audio, out)
	if err != nil {
		return nil, fmt.Errorf("dave: encrypt frame: %w", err)
	}
	return o.inner.Encrypt(header, out[:n])
}

// Decrypt implements [crypto.Adapter].
func (o *Overlay) Decrypt(p rtp.Packet) ([]byte, bool) {
	frame, ok := o.inner.Decrypt(p)
	if !ok {
		return nil, false
	}
	userID, ok := o.resolve(p.SSRC)
	if !ok {
		return nil, false
	}

	out := make([]byte, o.session.MaxDecryptedFrameSize(MediaAudio, userID, len(frame)))
	n, err := o.session.Decrypt(MediaAudio, userID, frame, out)
	if err != nil || n > len(out) {
		return nil, false
	}
	return out[:n], true
}
