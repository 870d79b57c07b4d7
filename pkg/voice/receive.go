package voice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/MrWong99/voxwire/pkg/voice/codec"
	"github.com/MrWong99/voxwire/pkg/voice/rtp"
)

// keepalivePacket is sent periodically to hold the NAT mapping open.
var keepalivePacket = []byte{0xC9, 0, 0, 0, 0, 0, 0, 0, 0}

// maxDatagram is larger than any voice packet.
const maxDatagram = 2048

// receiveLoop reads datagrams until ctx is done or the socket is closed.
func (c *Connection) receiveLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("voice: set read deadline: %w", err)
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				continue
			case ctx.Err() != nil, errors.Is(err, net.ErrClosed):
				return nil
			default:
				return fmt.Errorf("voice: udp read: %w", err)
			}
		}
		c.handlePacket(buf[:n], time.Now())
	}
}

// handlePacket processes one datagram. Every failure drops only this packet.
// data is reused by the caller after return.
func (c *Connection) handlePacket(data []byte, at time.Time) {
	h := c.receiveHandler()
	if h == nil {
		return
	}
	// Keepalive echoes and RTCP share the socket.
	if len(data) < rtp.HeaderSize || data[1]&0x7F != rtp.PayloadType {
		c.metrics.dropped(dropPayload)
		return
	}
	p, err := rtp.Decode(data)
	if err != nil {
		c.metrics.dropped(dropDecode)
		return
	}
	userID, ok := c.ssrcs.user(p.SSRC)
	if !ok {
		c.metrics.dropped(dropUnknown)
		return
	}
	adapter := c.adapter()
	if adapter == nil {
		c.metrics.dropped(dropDecrypt)
		return
	}
	opus, ok := adapter.Decrypt(p)
	if !ok {
		c.metrics.dropped(dropDecrypt)
		return
	}
	if !c.ssrcs.accept(p.SSRC, p.Sequence) {
		c.metrics.dropped(dropOutOfOrder)
		return
	}
	c.metrics.packetsReceived.Add(context.Background(), 1)

	if h.CanReceiveEncoded() {
		h.HandleEncodedAudio(EncodedAudio{
			UserID:    userID,
			SSRC:      p.SSRC,
			Sequence:  p.Sequence,
			Timestamp: p.Timestamp,
			Opus:      opus,
		})
	}

	wantUser, wantCombined := h.CanReceiveUser(), h.CanReceiveCombined()
	if !wantUser && !wantCombined {
		return
	}
	dec, err := c.ssrcs.decoder(p.SSRC, c.cfg.codec)
	if err != nil {
		c.log.Warn("voice: create decoder", "ssrc", p.SSRC, "error", err)
		c.metrics.dropped(dropOpus)
		return
	}
	if dec == nil {
		return
	}
	pcm, err := dec.Decode(opus)
	if err != nil {
		c.metrics.dropped(dropOpus)
		return
	}

	if wantUser {
		h.HandleUserAudio(UserAudio{UserID: userID, SSRC: p.SSRC, PCM: pcm})
	}
	if wantCombined && h.IncludeUserInCombinedAudio(userID) {
		c.combined.push(userID, pcm, at)
	}
}

// mixLoop emits one combined frame every 20 ms while the handler wants it.
func (c *Connection) mixLoop(ctx context.Context) error {
	ticker := time.NewTicker(codec.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			h := c.receiveHandler()
			if h == nil || !h.CanReceiveCombined() {
				c.combined.reset()
				continue
			}
			h.HandleCombinedAudio(c.combined.mix(now))
		}
	}
}

// keepaliveLoop pings the media server until ctx is done.
func (c *Connection) keepaliveLoop(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr) error {
	ticker := time.NewTicker(c.cfg.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := conn.WriteToUDP(keepalivePacket, remote); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				c.log.Debug("voice: keepalive", "error", err)
			}
		}
	}
}
