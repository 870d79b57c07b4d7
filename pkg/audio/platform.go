// Package audio defines the boundary between a voice transport and the code
// that produces or consumes PCM.
//
// A [Platform] joins a voice channel and returns a [Connection]. The
// connection exposes one input stream per participant, a single output stream
// and participant lifecycle events. The transport behind it (see
// audio/discord) owns packets, encryption and codecs; callers only see
// [AudioFrame] values.
package audio

import (
	"context"
)

// EventType classifies participant events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave

	// EventSpeaking is emitted when a participant starts or stops
	// transmitting. [Event.Speaking] carries the new state.
	EventSpeaking
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	case EventSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant change on a voice channel.
type Event struct {
	Type EventType

	// UserID is the platform-specific identifier of the participant.
	UserID string

	// Username is the display name, when the platform reports one.
	Username string

	// Speaking is set for [EventSpeaking].
	Speaking bool
}

// Connection is an active session on a voice channel, obtained from
// [Platform.Connect]. It stays valid until [Connection.Disconnect] is called
// or the transport gives up, which closes [Connection.Done].
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// InputStreams returns a snapshot of the per-participant audio channels,
	// keyed by participant id. Entries appear when a participant first sends
	// audio and are closed when the participant leaves.
	InputStreams() map[string]<-chan AudioFrame

	// OutputStream returns the channel for outbound audio. Frames in any
	// format are converted to the transport format before sending.
	//
	// The caller owns the channel. Disconnect does not close it, and frames
	// written after Disconnect are dropped.
	OutputStream() chan<- AudioFrame

	// OnParticipantChange registers cb for participant events, replacing any
	// previous callback. cb runs on its own goroutine.
	OnParticipantChange(cb func(Event))

	// Done is closed when the connection has ended, either through
	// Disconnect or because the transport stopped.
	Done() <-chan struct{}

	// Err reports why the connection ended. It returns nil while the
	// connection is alive and after a clean Disconnect.
	Err() error

	// Disconnect tears the connection down and closes every input stream.
	// Calling it more than once is a no-op.
	Disconnect() error
}

// Platform joins voice channels.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID and blocks until the media path is usable or
	// ctx ends. ctx only governs the attempt; the returned Connection lives
	// until it is disconnected.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
