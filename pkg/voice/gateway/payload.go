package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/MrWong99/voxwire/pkg/voice/dave"
)

// Opcode identifies a voice gateway message.
type Opcode int

const (
	OpIdentify           Opcode = 0
	OpSelectProtocol     Opcode = 1
	OpReady              Opcode = 2
	OpHeartbeat          Opcode = 3
	OpSessionDescription Opcode = 4
	OpSpeaking           Opcode = 5
	OpHeartbeatAck       Opcode = 6
	OpResume             Opcode = 7
	OpHello              Opcode = 8
	OpResumed            Opcode = 9
	OpClientsConnect     Opcode = 11
	OpClientConnect      Opcode = 12
	OpClientDisconnect   Opcode = 13
)

// SpeakingFlags is the bit set announced with a speaking update.
type SpeakingFlags int

const (
	SpeakingMicrophone SpeakingFlags = 1 << iota
	SpeakingSoundshare
	SpeakingPriority
)

// ── Envelope ──────────────────────────────────────────────────────────────────

// envelope is a text frame. Seq is only set by the server.
type envelope struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int            `json:"seq,omitempty"`
}

type outEnvelope struct {
	Op   Opcode `json:"op"`
	Data any    `json:"d"`
}

// ── Client → server ───────────────────────────────────────────────────────────

type identifyData struct {
	ServerID               string `json:"server_id"`
	UserID                 string `json:"user_id"`
	SessionID              string `json:"session_id"`
	Token                  string `json:"token"`
	MaxDAVEProtocolVersion int    `json:"max_dave_protocol_version"`
}

type resumeData struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	SeqAck    int    `json:"seq_ack"`
}

type selectProtocolData struct {
	Protocol string              `json:"protocol"`
	Data     selectProtocolInner `json:"data"`
}

type selectProtocolInner struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type heartbeatData struct {
	T      int64 `json:"t"`
	SeqAck int   `json:"seq_ack"`
}

type speakingOut struct {
	Speaking SpeakingFlags `json:"speaking"`
	Delay    int           `json:"delay"`
	SSRC     uint32        `json:"ssrc"`
}

// ── Server → client ───────────────────────────────────────────────────────────

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

type sessionDescriptionData struct {
	Mode                string  `json:"mode"`
	SecretKey           keyData `json:"secret_key"`
	DAVEProtocolVersion int     `json:"dave_protocol_version"`
}

type heartbeatAckData struct {
	T int64 `json:"t"`
}

type speakingIn struct {
	UserID   uint64        `json:"user_id,string"`
	SSRC     uint32        `json:"ssrc"`
	Speaking SpeakingFlags `json:"speaking"`
}

type clientsConnectData struct {
	UserIDs []string `json:"user_ids"`
}

type clientConnectData struct {
	UserID uint64 `json:"user_id,string"`
}

type clientDisconnectData struct {
	UserID uint64 `json:"user_id,string"`
}

// keyData decodes the secret key, which the server sends as a JSON array of
// byte values rather than base64.
type keyData []byte

func (k *keyData) UnmarshalJSON(b []byte) error {
	var vals []int
	if err := json.Unmarshal(b, &vals); err != nil {
		return err
	}
	out := make([]byte, len(vals))
	for i, v := range vals {
		if v < 0 || v > 255 {
			return fmt.Errorf("secret key byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*k = out
	return nil
}

func parseUserIDs(ids []string) []uint64 {
	out := make([]uint64, 0, len(ids))
	for _, s := range ids {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// ── Binary frames ─────────────────────────────────────────────────────────────

// parseBinary splits a server binary frame [seq u16][op u8][payload].
func parseBinary(b []byte) (seq int, op dave.Opcode, payload []byte, err error) {
	if len(b) < 3 {
		return 0, 0, nil, fmt.Errorf("binary frame too short: %d bytes", len(b))
	}
	return int(b[0])<<8 | int(b[1]), dave.Opcode(b[2]), b[3:], nil
}
