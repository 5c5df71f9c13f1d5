package client

import (
	"errors"
	"net"
	"time"
)

// ErrWouldBlock reports that a non-blocking channel operation cannot make
// progress right now.
var ErrWouldBlock = errors.New("client: operation would block")

// Channel is a non-blocking datagram endpoint.
type Channel interface {
	// SendTo returns ErrWouldBlock when the socket buffer is full.
	SendTo(b []byte, addr net.Addr) (int, error)

	// RecvFrom returns ErrWouldBlock when no datagram is queued.
	RecvFrom(b []byte) (int, net.Addr, error)

	// Wait blocks until the channel is readable or timeout elapses and
	// reports which one happened. A negative timeout waits forever.
	Wait(timeout time.Duration) (bool, error)

	LocalAddr() net.Addr
	Close() error
}

// ListenChannel binds a UDP channel on network ("udp4" or "udp6") at addr.
func ListenChannel(network, addr string) (Channel, error) {
	laddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	ch, err := newUDPChannel(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}
