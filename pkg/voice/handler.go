package voice

import "github.com/MrWong99/voxwire/pkg/voice/gateway"

// SendHandler supplies outbound audio. It is polled once per 20 ms frame from
// the send system's goroutine.
type SendHandler interface {
	// CanProvide reports whether a frame is available right now.
	CanProvide() bool

	// Provide20MsAudio returns one frame. When IsOpus is true the frame is an
	// Opus packet; otherwise it is 20 ms of 48 kHz stereo little-endian PCM
	// that the connection encodes with the configured codec. An empty result
	// counts as "nothing to send".
	Provide20MsAudio() []byte

	// IsOpus reports whether Provide20MsAudio returns encoded audio.
	IsOpus() bool
}

// ReceiveHandler consumes inbound audio. All methods are called from the
// receive or mixing goroutine and must not block for long.
type ReceiveHandler interface {
	CanReceiveCombined() bool
	CanReceiveUser() bool
	CanReceiveEncoded() bool

	// HandleCombinedAudio receives one mixed frame every 20 ms.
	HandleCombinedAudio(CombinedAudio)

	// HandleUserAudio receives each decoded frame of a single user.
	HandleUserAudio(UserAudio)

	// HandleEncodedAudio receives each decrypted Opus packet before decoding.
	HandleEncodedAudio(EncodedAudio)

	// IncludeUserInCombinedAudio filters users out of the mix.
	IncludeUserInCombinedAudio(userID uint64) bool
}

// UserAudio is one decoded frame from a single user.
type UserAudio struct {
	UserID uint64
	SSRC   uint32

	// PCM holds interleaved 48 kHz stereo samples.
	PCM []int16
}

// CombinedAudio is the mix of every included user for one 20 ms tick.
type CombinedAudio struct {
	// Users lists the users that contributed a frame, in ascending order.
	Users []uint64

	// PCM is always one full frame; silence when Users is empty.
	PCM []int16
}

// EncodedAudio is a decrypted but still encoded packet.
type EncodedAudio struct {
	UserID    uint64
	SSRC      uint32
	Sequence  uint16
	Timestamp uint32
	Opus      []byte
}

// Status is the connection state, driven by the control channel.
type Status = gateway.Status

// SpeakingFlags is the speaking mode announced while sending.
type SpeakingFlags = gateway.SpeakingFlags

// Credentials identify the voice session to join.
type Credentials = gateway.Credentials
