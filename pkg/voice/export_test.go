package voice

import (
	"time"

	"github.com/MrWong99/voxwire/pkg/voice/crypto"
)

// Hooks for the external tests. They drive the media path without a socket.

func (c *Connection) HandlePacket(data []byte, at time.Time) { c.handlePacket(data, at) }

func (c *Connection) SetMedia(ssrc uint32, a crypto.Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localSSRC = ssrc
	c.crypt = a
}

func (c *Connection) NewPacketProvider() PacketProvider { return newSender(c) }

func (c *Connection) Mix(at time.Time) CombinedAudio { return c.combined.mix(at) }
