package client

import (
	"errors"
	"fmt"

	"github.com/TheSmallBoat/h3pump/h3"
)

// paceRequest opens the request stream once and then pushes as much of the
// body as the multiplexer accepts. A refusal for lack of capacity leaves the
// cursor where it is for the next iteration.
func (d *Driver) paceRequest() {
	if d.mux == nil || d.state != Running || d.progress.allSent {
		return
	}
	p := &d.progress
	body := d.Request.Body

	if !p.headersSent {
		id, err := d.mux.SendRequest(d.Request.Headers, d.Request.Fin())
		if errors.Is(err, h3.ErrStreamBlocked) || errors.Is(err, h3.ErrDone) {
			d.Logger.Debug().Err(err).Msg("request headers deferred")
			return
		}
		if err != nil {
			d.fail(fmt.Errorf("client: failed to send request: %w", err))
			return
		}
		p.streamID, p.headersSent = id, true
		d.Logger.Info().Uint64("stream_id", id).Interface("headers", d.Request.Headers).Msg("sent HTTP request")
	}

	if p.bytesSent < len(body) {
		n, err := d.mux.SendBody(p.streamID, body[p.bytesSent:], true)
		switch {
		case errors.Is(err, h3.ErrDone):
			d.Metrics.sendDeferred()
		case err != nil:
			d.fail(fmt.Errorf("client: failed to send body: %w", err))
			return
		case n > len(body)-p.bytesSent:
			d.fail(fmt.Errorf("client: multiplexer accepted %d bytes, only %d remained", n, len(body)-p.bytesSent))
			return
		default:
			p.bytesSent += n
			d.Metrics.bodySent(n)
			d.Logger.Info().Msgf("%d/%d", p.bytesSent, len(body))
		}
	}

	if p.bytesSent == len(body) {
		p.allSent = true
		d.Logger.Debug().Uint64("stream_id", p.streamID).Msg("request fully sent")
	}
}
