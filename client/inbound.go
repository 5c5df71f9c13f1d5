package client

import (
	"errors"
	"fmt"

	"github.com/TheSmallBoat/h3pump/transport"
)

// drainInbound feeds every datagram available right now into the session.
// A wake-up without readability means the session timer fired instead.
func (d *Driver) drainInbound(readable bool, buf []byte) {
	if !readable {
		d.Logger.Debug().Msg("timed out")
		d.Metrics.timeoutFired()
		d.Session.OnTimeout()
		return
	}

	local := d.Channel.LocalAddr()
	for {
		n, from, err := d.Channel.RecvFrom(buf)
		if errors.Is(err, ErrWouldBlock) {
			d.Logger.Debug().Msg("recv() would block")
			return
		}
		if err != nil {
			d.fail(fmt.Errorf("client: recv failed: %w", err))
			return
		}
		d.Metrics.datagramReceived()
		d.Logger.Trace().Int("len", n).Stringer("from", from).Msg("got datagram")

		read, err := d.Session.Recv(buf[:n], transport.RecvInfo{From: from, To: local})
		switch {
		case errors.Is(err, transport.ErrDone):
			d.Logger.Debug().Int("len", n).Msg("session no longer accepts datagrams")
		case err != nil:
			d.Metrics.datagramRejected()
			d.Logger.Error().Err(err).Int("len", n).Stringer("from", from).Msg("recv failed")
		default:
			d.Logger.Trace().Int("read", read).Msg("processed datagram")
		}
	}
}
