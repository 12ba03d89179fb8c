// Package netio provides the UDP socket abstraction for AKARI-UDP
// packet I/O used by the proxy daemon: a listener with pooled-buffer
// receives and address-targeted sends. Recv checks its context only
// before blocking; closing the listener unblocks a pending Recv.
package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/ncc2025seisaku/akari-go/internal/akari"
)

// ErrPoolType indicates the packet pool returned an unexpected type.
var ErrPoolType = errors.New("packet pool returned unexpected type")

// Listener wraps a UDP socket and provides pooled-buffer receives and
// address-targeted sends. Closing the listener unblocks any pending
// Recv, which is how the receive loop shuts down.
type Listener struct {
	conn *net.UDPConn
}

// Listen binds a UDP socket at addr (e.g. ":7643").
func Listen(addr string) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %q: %w", addr, err)
	}
	return &Listener{conn: conn}, nil
}

// NewListenerFromConn wraps an existing socket. Useful for tests with
// pre-bound loopback sockets.
func NewListenerFromConn(conn *net.UDPConn) *Listener {
	return &Listener{conn: conn}
}

// Recv blocks until a datagram arrives or the listener is closed.
// The returned buffer comes from akari.PacketPool; the caller MUST
// call release exactly once after processing.
func (l *Listener) Recv(ctx context.Context) (buf []byte, addr netip.AddrPort, release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, netip.AddrPort{}, nil, fmt.Errorf("listener recv: %w", err)
	}

	bufp, ok := akari.PacketPool.Get().(*[]byte)
	if !ok {
		return nil, netip.AddrPort{}, nil, fmt.Errorf("listener recv: %w", ErrPoolType)
	}

	n, src, err := l.conn.ReadFromUDPAddrPort(*bufp)
	if err != nil {
		akari.PacketPool.Put(bufp)
		return nil, netip.AddrPort{}, nil, fmt.Errorf("listener read: %w", err)
	}

	return (*bufp)[:n], src, func() { akari.PacketPool.Put(bufp) }, nil
}

// Send transmits one datagram to addr.
func (l *Listener) Send(datagram []byte, addr netip.AddrPort) error {
	if _, err := l.conn.WriteToUDPAddrPort(datagram, addr); err != nil {
		return fmt.Errorf("listener send to %s: %w", addr, err)
	}
	return nil
}

// LocalAddr returns the bound socket address.
func (l *Listener) LocalAddr() netip.AddrPort {
	return l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close closes the socket, unblocking pending receives.
func (l *Listener) Close() error {
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}
