//go:build !linux

package client

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/TheSmallBoat/h3pump/lib"
)

// udpChannel emulates readiness with read deadlines: Wait reads at most one
// datagram ahead and RecvFrom hands it out.
type udpChannel struct {
	conn    *net.UDPConn
	pending []byte
	n       int
	from    net.Addr
}

func newUDPChannel(conn *net.UDPConn) (*udpChannel, error) {
	return &udpChannel{conn: conn}, nil
}

func (c *udpChannel) SendTo(b []byte, addr net.Addr) (int, error) {
	n, err := c.conn.WriteTo(b, addr)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, ErrWouldBlock
	}
	return n, err
}

func (c *udpChannel) RecvFrom(b []byte) (int, net.Addr, error) {
	if c.from == nil {
		return 0, nil, ErrWouldBlock
	}
	n := copy(b, c.pending[:c.n])
	from := c.from
	c.from = nil
	return n, from, nil
}

func (c *udpChannel) Wait(timeout time.Duration) (bool, error) {
	if c.from != nil {
		return true, nil
	}
	if c.pending == nil {
		c.pending = lib.AcquireRecvBuffer()
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return false, err
	}
	n, from, err := c.conn.ReadFrom(c.pending)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.n, c.from = n, from
	return true, nil
}

func (c *udpChannel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *udpChannel) Close() error {
	if c.pending != nil {
		lib.ReleaseRecvBuffer(c.pending)
		c.pending = nil
	}
	return c.conn.Close()
}
