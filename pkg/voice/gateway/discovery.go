package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// ErrDiscoveryFailed is returned by [Discover] when no valid response arrived
// within the allowed attempts.
var ErrDiscoveryFailed = errors.New("voice gateway: udp discovery failed")

const (
	discoveryRequest  = 0x1
	discoveryResponse = 0x2

	// discoveryBodySize is the length announced in the probe: ssrc, a 64-byte
	// address field and a 2-byte port.
	discoveryBodySize = 70

	// discoveryPacketSize adds the type and length fields to the body.
	discoveryPacketSize = 4 + discoveryBodySize
)

// Discover opens a UDP socket, sends an address probe for ssrc to remote and
// returns the socket together with the externally visible address the server
// observed. Each attempt waits at most timeout for a reply; after attempts
// failures it gives up with [ErrDiscoveryFailed]. The socket is closed on
// failure and owned by the caller on success.
func Discover(ctx context.Context, remote *net.UDPAddr, ssrc uint32, attempts int, timeout time.Duration) (*net.UDPConn, *net.UDPAddr, error) {
	if attempts < 1 {
		attempts = 1
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: listen: %v", ErrDiscoveryFailed, err)
	}

	probe := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint16(probe[0:2], discoveryRequest)
	binary.BigEndian.PutUint16(probe[2:4], discoveryBodySize)
	binary.BigEndian.PutUint32(probe[4:8], ssrc)

	buf := make([]byte, 128)
	var lastErr error
	for range attempts {
		if err := ctx.Err(); err != nil {
			conn.Close()
			return nil, nil, err
		}

		if _, err := conn.WriteToUDP(probe, remote); err != nil {
			lastErr = err
			continue
		}
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			lastErr = err
			continue
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			lastErr = err
			continue
		}
		if !from.IP.Equal(remote.IP) {
			lastErr = fmt.Errorf("response from unexpected peer %s", from)
			continue
		}
		external, err := parseDiscovery(buf[:n])
		if err != nil {
			lastErr = err
			continue
		}

		_ = conn.SetReadDeadline(time.Time{})
		return conn, external, nil
	}

	conn.Close()
	return nil, nil, fmt.Errorf("%w after %d attempts: %v", ErrDiscoveryFailed, attempts, lastErr)
}

// parseDiscovery reads the external address from a discovery response.
//
// Two layouts exist. The current one mirrors the probe: type, length, ssrc,
// a 64-byte address and a big-endian port. The legacy one is 70 bytes: ssrc,
// the address and a little-endian port.
func parseDiscovery(b []byte) (*net.UDPAddr, error) {
	var (
		field []byte
		port  uint16
	)
	switch {
	case len(b) >= discoveryPacketSize && binary.BigEndian.Uint16(b[0:2]) == discoveryResponse:
		field = b[8 : discoveryPacketSize-2]
		port = binary.BigEndian.Uint16(b[discoveryPacketSize-2 : discoveryPacketSize])
	case len(b) == discoveryBodySize:
		field = b[4 : discoveryBodySize-2]
		port = binary.LittleEndian.Uint16(b[discoveryBodySize-2:])
	default:
		return nil, fmt.Errorf("malformed discovery response of %d bytes", len(b))
	}

	ip := string(bytes.Trim(field, "\x00 "))
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("discovery address %q: %w", ip, err)
	}
	if port == 0 {
		return nil, errors.New("discovery response carries port 0")
	}
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, port)), nil
}
