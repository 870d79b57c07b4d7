package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/MrWong99/voxwire/pkg/voice/rtp"
)

// Adapter encrypts outbound audio and decrypts inbound packets for one
// negotiated mode.
//
// Implementations must be safe for concurrent use: the send loop encrypts
// while the receive loop decrypts.
type Adapter interface {
	// Mode returns the negotiated scheme.
	Mode() Mode

	// HeaderAuthenticated reports whether the RTP header is bound to the
	// ciphertext as additional authenticated data.
	HeaderAuthenticated() bool

	// Encrypt seals audio for the packet whose 12-byte header is given and
	// returns the bytes to append to that header: ciphertext, tag and any
	// nonce suffix.
	Encrypt(header, audio []byte) ([]byte, error)

	// Decrypt opens p and returns the audio payload with any extension body
	// removed. It reports false when authentication fails or the packet is
	// too short; it never panics on hostile input.
	Decrypt(p rtp.Packet) ([]byte, bool)
}

const (
	// counterSize is the length of the nonce counter appended to packets.
	counterSize = 4

	// secretboxNonceSize is the XSalsa20 nonce length.
	secretboxNonceSize = 24
)

// New creates the adapter for mode keyed with key.
func New(mode Mode, key []byte) (Adapter, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}

	switch mode {
	case ModeAES256GCMRTPSize:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: aes: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("crypto: gcm: %w", err)
		}
		return &aeadAdapter{mode: mode, aead: gcm}, nil
	case ModeXChaCha20Poly1305RTPSize:
		x, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: xchacha20poly1305: %w", err)
		}
		return &aeadAdapter{mode: mode, aead: x}, nil
	case ModeXSalsa20Poly1305LiteRTPSize, ModeXSalsa20Poly1305Lite,
		ModeXSalsa20Poly1305Suffix, ModeXSalsa20Poly1305:
		a := &secretboxAdapter{mode: mode}
		copy(a.key[:], key)
		return a, nil
	default:
		return nil, fmt.Errorf("crypto: unsupported mode %q", mode)
	}
}

// aeadAdapter implements the rtpsize AEAD modes. The nonce is a 32-bit
// big-endian counter followed by zero bytes; the counter travels as a
// 4-byte suffix after the tag.
type aeadAdapter struct {
	mode    Mode
	aead    cipher.AEAD
	counter atomic.Uint32
}

func (a *aeadAdapter) Mode() Mode                { return a.mode }
func (a *aeadAdapter) HeaderAuthenticated() bool { return true }

func (a *aeadAdapter) Encrypt(header, audio []byte) ([]byte, error) {
	n := a.counter.Add(1) - 1
	nonce := make([]byte, a.aead.NonceSize())
	binary.BigEndian.PutUint32(nonce, n)

	out := make([]byte, 0, len(audio)+a.aead.Overhead()+counterSize)
	out = a.aead.Seal(out, nonce, audio, header)
	return binary.BigEndian.AppendUint32(out, n), nil
}

func (a *aeadAdapter) Decrypt(p rtp.Packet) ([]byte, bool) {
	body := p.Payload
	if len(body) < a.aead.Overhead()+counterSize {
		return nil, false
	}
	nonce := make([]byte, a.aead.NonceSize())
	copy(nonce, body[len(body)-counterSize:])

	plain, err := a.aead.Open(nil, nonce, body[:len(body)-counterSize], p.Header)
	if err != nil {
		return nil, false
	}
	return rtp.SkipExtension(plain, p.ExtensionWords), true
}

// secretboxAdapter implements the XSalsa20-Poly1305 family. None of its
// modes authenticate the header.
type secretboxAdapter struct {
	mode    Mode
	key     [KeySize]byte
	counter atomic.Uint32
}

func (a *secretboxAdapter) Mode() Mode                { return a.mode }
func (a *secretboxAdapter) HeaderAuthenticated() bool { return false }

func (a *secretboxAdapter) Encrypt(header, audio []byte) ([]byte, error) {
	var nonce [secretboxNonceSize]byte

	switch a.mode {
	case ModeXSalsa20Poly1305:
		copy(nonce[:], header[:rtp.HeaderSize])
		return secretbox.Seal(nil, audio, &nonce, &a.key), nil
	case ModeXSalsa20Poly1305Suffix:
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("crypto: nonce: %w", err)
		}
		out := secretbox.Seal(nil, audio, &nonce, &a.key)
		return append(out, nonce[:]...), nil
	default:
		n := a.counter.Add(1) - 1
		binary.BigEndian.PutUint32(nonce[:], n)
		out := secretbox.Seal(nil, audio, &nonce, &a.key)
		return binary.BigEndian.AppendUint32(out, n), nil
	}
}

func (a *secretboxAdapter) Decrypt(p rtp.Packet) ([]byte, bool) {
	var (
		nonce [secretboxNonceSize]byte
		body  []byte
	)

	if a.mode.RTPSize() {
		body = p.Payload
	} else {
		start := rtp.HeaderSize + p.CSRCCount*4
		if len(p.Raw) < start {
			return nil, false
		}
		body = p.Raw[start:]
	}

	switch a.mode {
	case ModeXSalsa20Poly1305:
		copy(nonce[:], p.Raw[:rtp.HeaderSize])
	case ModeXSalsa20Poly1305Suffix:
		if len(body) < secretboxNonceSize {
			return nil, false
		}
		copy(nonce[:], body[len(body)-secretboxNonceSize:])
		body = body[:len(body)-secretboxNonceSize]
	default:
		if len(body) < counterSize {
			return nil, false
		}
		copy(nonce[:], body[len(body)-counterSize:])
		body = body[:len(body)-counterSize]
	}

	plain, ok := secretbox.Open(nil, body, &nonce, &a.key)
	if !ok {
		return nil, false
	}
	if a.mode.RTPSize() {
		return rtp.SkipExtension(plain, p.ExtensionWords), true
	}
	return skipInlineExtension(plain, p.Extension), true
}

// skipInlineExtension removes an extension preamble and body from a legacy
// plaintext, where the whole extension was encrypted with the audio.
func skipInlineExtension(plain []byte, extension bool) []byte {
	if !extension || len(plain) < 4 {
		return plain
	}
	if binary.BigEndian.Uint16(plain[0:2]) != rtp.ExtensionProfile {
		return plain
	}
	words := int(binary.BigEndian.Uint16(plain[2:4]))
	return rtp.SkipExtension(plain[4:], words)
}
