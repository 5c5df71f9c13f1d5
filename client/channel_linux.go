package client

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// udpChannel drives the socket directly with MSG_DONTWAIT and poll(2), so
// the loop's only suspension point is Wait.
type udpChannel struct {
	conn *net.UDPConn
	raw  syscall.RawConn
}

func newUDPChannel(conn *net.UDPConn) (*udpChannel, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	return &udpChannel{conn: conn, raw: raw}, nil
}

func (c *udpChannel) SendTo(b []byte, addr net.Addr) (int, error) {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("client: %T is not a UDP address", addr)
	}
	to, err := sockaddr(udp)
	if err != nil {
		return 0, err
	}

	var serr error
	if err := c.raw.Control(func(fd uintptr) {
		serr = unix.Sendto(int(fd), b, unix.MSG_DONTWAIT, to)
	}); err != nil {
		return 0, err
	}
	if errors.Is(serr, unix.EAGAIN) {
		return 0, ErrWouldBlock
	}
	if serr != nil {
		return 0, serr
	}
	return len(b), nil
}

func (c *udpChannel) RecvFrom(b []byte) (int, net.Addr, error) {
	var (
		n    int
		from unix.Sockaddr
		rerr error
	)
	if err := c.raw.Control(func(fd uintptr) {
		n, from, rerr = unix.Recvfrom(int(fd), b, unix.MSG_DONTWAIT)
	}); err != nil {
		return 0, nil, err
	}
	if errors.Is(rerr, unix.EAGAIN) {
		return 0, nil, ErrWouldBlock
	}
	if rerr != nil {
		return 0, nil, rerr
	}
	return n, udpAddr(from), nil
}

func (c *udpChannel) Wait(timeout time.Duration) (bool, error) {
	ms := -1
	if timeout >= 0 {
		// Round up so a sub-millisecond timer does not spin.
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	var (
		n    int
		revs int16
		perr error
	)
	if err := c.raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			n, perr = unix.Poll(fds, ms)
			if !errors.Is(perr, unix.EINTR) {
				break
			}
		}
		revs = fds[0].Revents
	}); err != nil {
		return false, err
	}
	if perr != nil {
		return false, perr
	}
	return n > 0 && revs&(unix.POLLIN|unix.POLLERR) != 0, nil
}

func (c *udpChannel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *udpChannel) Close() error { return c.conn.Close() }

func sockaddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		if addr.Zone != "" {
			ifi, err := net.InterfaceByName(addr.Zone)
			if err != nil {
				return nil, err
			}
			sa.ZoneId = uint32(ifi.Index)
		}
		return sa, nil
	}
	return nil, fmt.Errorf("client: '%s' is an invalid IP address", addr.IP)
}

func udpAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		addr := &net.UDPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				addr.Zone = ifi.Name
			}
		}
		return addr
	default:
		return nil
	}
}
