// Package crypto implements the transport encryption schemes a voice server
// may offer and the negotiation that picks one of them.
//
// Every scheme satisfies [Adapter]. Adapters own their nonce counters, so a
// new adapter must be created for every session description received from
// the server.
package crypto

import (
	"errors"
	"fmt"
	"slices"
)

// KeySize is the length of the secret key delivered in the session description.
const KeySize = 32

// ErrNoCommonMode is returned by [Negotiate] when the server offers none of
// the locally supported modes.
var ErrNoCommonMode = errors.New("crypto: no mutually supported encryption mode")

// Mode is the wire name of an encryption scheme.
type Mode string

const (
	ModeAES256GCMRTPSize            Mode = "aead_aes256_gcm_rtpsize"
	ModeXChaCha20Poly1305RTPSize    Mode = "aead_xchacha20_poly1305_rtpsize"
	ModeXSalsa20Poly1305LiteRTPSize Mode = "xsalsa20_poly1305_lite_rtpsize"
	ModeXSalsa20Poly1305Lite        Mode = "xsalsa20_poly1305_lite"
	ModeXSalsa20Poly1305Suffix      Mode = "xsalsa20_poly1305_suffix"
	ModeXSalsa20Poly1305            Mode = "xsalsa20_poly1305"
)

// Priority lists every implemented mode, most preferred first.
var Priority = []Mode{
	ModeAES256GCMRTPSize,
	ModeXChaCha20Poly1305RTPSize,
	ModeXSalsa20Poly1305LiteRTPSize,
	ModeXSalsa20Poly1305Lite,
	ModeXSalsa20Poly1305Suffix,
	ModeXSalsa20Poly1305,
}

// IsValid reports whether m is an implemented mode.
func (m Mode) IsValid() bool {
	return slices.Contains(Priority, m)
}

// HeaderAuthenticated reports whether the RTP header is passed to the cipher
// as additional authenticated data.
func (m Mode) HeaderAuthenticated() bool {
	return m == ModeAES256GCMRTPSize || m == ModeXChaCha20Poly1305RTPSize
}

// RTPSize reports whether the mode keeps the CSRC list and extension
// preamble in the clear. Legacy modes encrypt everything after the fixed header.
func (m Mode) RTPSize() bool {
	switch m {
	case ModeAES256GCMRTPSize, ModeXChaCha20Poly1305RTPSize, ModeXSalsa20Poly1305LiteRTPSize:
		return true
	}
	return false
}

// Negotiate returns the first mode of supported that the server offered.
// A nil supported list means [Priority]. The result depends only on the order
// of supported, never on the order of offered.
func Negotiate(supported []Mode, offered []string) (Mode, error) {
	if supported == nil {
		supported = Priority
	}
	for _, m := range supported {
		if slices.Contains(offered, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: offered %v", ErrNoCommonMode, offered)
}
