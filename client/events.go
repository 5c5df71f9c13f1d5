package client

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/TheSmallBoat/h3pump/h3"
)

// processEvents drains the multiplexer's events for this iteration.
func (d *Driver) processEvents() {
	if d.mux == nil {
		return
	}
	for {
		id, ev, err := d.mux.Poll()
		if errors.Is(err, h3.ErrDone) {
			return
		}
		if err != nil {
			d.Logger.Error().Err(err).Msg("HTTP/3 processing failed")
			return
		}

		switch ev.Type {
		case h3.EventHeaders:
			d.Logger.Info().Uint64("stream_id", id).Interface("headers", ev.Headers).Msg("got response headers")
		case h3.EventData:
			d.readBody(id)
		case h3.EventFinished:
			d.complete(id, false, 0)
		case h3.EventReset:
			d.Logger.Error().Uint64("stream_id", id).Uint64("code", ev.ResetCode).Msg("request was reset by peer, closing...")
			d.complete(id, true, ev.ResetCode)
		case h3.EventDatagram:
			d.Logger.Debug().Msg("ignoring datagram")
		case h3.EventGoAway:
			d.Logger.Info().Uint64("id", ev.GoAwayID).Msg("GOAWAY")
		default:
			d.fail(fmt.Errorf("%w: %s on stream %d", ErrUnexpectedEvent, ev.Type, id))
			return
		}
	}
}

// readBody reads response bytes until the stream has none left right now.
func (d *Driver) readBody(id uint64) {
	for {
		n, err := d.mux.RecvBody(id, d.bodyBuf)
		if errors.Is(err, h3.ErrDone) {
			return
		}
		if n > 0 {
			d.acc.total += uint64(n)
			d.Metrics.responseReceived(n)
			d.Logger.Debug().Int("len", n).Uint64("stream_id", id).Msg("got response data")
			if d.Request.Method == MethodPost {
				d.onUploadEcho(d.bodyBuf[:n])
			}
		}
		if err != nil {
			d.Logger.Error().Err(err).Uint64("stream_id", id).Msg("failed to read response body")
			return
		}
		if n == 0 {
			return
		}
	}
}

// onUploadEcho records the byte count an upload server replies with.
func (d *Driver) onUploadEcho(b []byte) {
	count, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		d.Logger.Warn().Err(err).Msg("server reply is not a byte count")
		return
	}
	d.acc.serverReported, d.acc.hasServerReported = count, true
	d.Logger.Info().Msgf("server reported receiving %d bytes", count)
}

// complete records the end of the exchange and closes the session.
func (d *Driver) complete(id uint64, reset bool, code uint64) {
	if d.acc.completed {
		d.Logger.Warn().Uint64("stream_id", id).Msg("exchange already completed")
		return
	}
	now := d.now()
	d.acc.completed, d.acc.completedAt = true, now
	d.acc.reset, d.acc.resetCode = reset, code
	if d.state == Running {
		d.state = ClosedNormally
	}

	d.Logger.Info().Dur("elapsed", now.Sub(d.acc.start)).Msg("response received, closing...")
	d.close(true, closeCodeDone, closeReasonDone)
}
