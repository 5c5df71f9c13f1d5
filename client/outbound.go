package client

import (
	"errors"
	"fmt"

	"github.com/TheSmallBoat/h3pump/transport"
)

// drainOutbound sends datagrams until the session has nothing left or the
// channel pushes back.
func (d *Driver) drainOutbound(out []byte) {
	for !d.abandoned {
		n, info, err := d.Session.Send(out)
		if errors.Is(err, transport.ErrDone) {
			d.Logger.Debug().Msg("done writing")
			return
		}
		if err != nil {
			d.failSend(fmt.Errorf("client: send failed: %w", err))
			return
		}

		if _, err := d.Channel.SendTo(out[:n], info.To); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				d.Logger.Debug().Msg("send() would block")
				return
			}
			d.failSend(fmt.Errorf("client: send_to %s failed: %w", info.To, err))
			return
		}
		d.Metrics.datagramSent()
		d.Logger.Trace().Int("len", n).Msg("written")
	}
}
