package gateway

import (
	"fmt"

	"github.com/coder/websocket"
)

// Status is the state of a voice connection. Only the gateway's connect loop
// and [Gateway.Close] change it.
type Status int

const (
	StatusNotConnected Status = iota
	StatusShuttingDown
	StatusConnectingWebsocket
	StatusConnectingAuthenticating
	StatusConnectingUDPDiscovery
	StatusConnectingAwaitingReady
	StatusConnected

	StatusErrorLostConnection
	StatusErrorCannotResume
	StatusErrorWebsocketUnableToConnect
	StatusErrorUDPUnableToConnect
	StatusErrorUnsupportedEncryption
	StatusErrorConnectionTimeout

	StatusDisconnectedKicked
	StatusDisconnectedChannelDeleted
	StatusDisconnectedRemovedFromGuild
	StatusDisconnectedAuthenticationFailure
	StatusAudioRegionChange
)

var statusNames = [...]string{
	StatusNotConnected:                      "NotConnected",
	StatusShuttingDown:                      "ShuttingDown",
	StatusConnectingWebsocket:               "ConnectingWebsocket",
	StatusConnectingAuthenticating:          "ConnectingAuthenticating",
	StatusConnectingUDPDiscovery:            "ConnectingUDPDiscovery",
	StatusConnectingAwaitingReady:           "ConnectingAwaitingReady",
	StatusConnected:                         "Connected",
	StatusErrorLostConnection:               "ErrorLostConnection",
	StatusErrorCannotResume:                 "ErrorCannotResume",
	StatusErrorWebsocketUnableToConnect:     "ErrorWebsocketUnableToConnect",
	StatusErrorUDPUnableToConnect:           "ErrorUDPUnableToConnect",
	StatusErrorUnsupportedEncryption:        "ErrorUnsupportedEncryption",
	StatusErrorConnectionTimeout:            "ErrorConnectionTimeout",
	StatusDisconnectedKicked:                "DisconnectedKicked",
	StatusDisconnectedChannelDeleted:        "DisconnectedChannelDeleted",
	StatusDisconnectedRemovedFromGuild:      "DisconnectedRemovedFromGuild",
	StatusDisconnectedAuthenticationFailure: "DisconnectedAuthenticationFailure",
	StatusAudioRegionChange:                 "AudioRegionChange",
}

// String returns the status name.
func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// IsConnecting reports whether s is one of the handshake states.
func (s Status) IsConnecting() bool {
	return s >= StatusConnectingWebsocket && s <= StatusConnectingAwaitingReady
}

// IsTerminal reports whether s ends a connection attempt.
func (s Status) IsTerminal() bool {
	return s >= StatusErrorLostConnection
}

// ShouldReconnect reports whether a connection that ended in s may be
// re-established. Lost connections and timeouts are resumed by the gateway
// itself; a region change requires fresh credentials from the caller.
func (s Status) ShouldReconnect() bool {
	switch s {
	case StatusErrorLostConnection, StatusErrorConnectionTimeout,
		StatusErrorWebsocketUnableToConnect, StatusAudioRegionChange:
		return true
	}
	return false
}

// Voice gateway close codes that end a session.
const (
	CloseAuthenticationFailed websocket.StatusCode = 4004
	CloseSessionNoLongerValid websocket.StatusCode = 4006
	CloseDisconnected         websocket.StatusCode = 4014
	CloseVoiceServerCrashed   websocket.StatusCode = 4015
	CloseUnknownEncryption    websocket.StatusCode = 4016
	CloseCallTerminated       websocket.StatusCode = 4022
)

// statusForClose maps a close code sent by the server to the status the
// connection ends in. Codes without a dedicated mapping are treated as a lost
// connection and resumed.
func statusForClose(code websocket.StatusCode) Status {
	switch code {
	case CloseSessionNoLongerValid, CloseVoiceServerCrashed:
		return StatusErrorCannotResume
	case CloseAuthenticationFailed:
		return StatusDisconnectedAuthenticationFailure
	case CloseDisconnected:
		return StatusDisconnectedKicked
	case CloseUnknownEncryption:
		return StatusErrorUnsupportedEncryption
	case CloseCallTerminated:
		return StatusDisconnectedChannelDeleted
	default:
		return StatusErrorLostConnection
	}
}

// StatusError ends a connection attempt with a specific status.
type StatusError struct {
	Status Status
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return "voice gateway: " + e.Status.String()
	}
	return fmt.Sprintf("voice gateway: %s: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func statusErr(s Status, err error) error {
	return &StatusError{Status: s, Err: err}
}
