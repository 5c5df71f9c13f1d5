package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/TheSmallBoat/h3pump/h3"
	"github.com/TheSmallBoat/h3pump/lib"
	"github.com/TheSmallBoat/h3pump/transport"
	"github.com/rs/zerolog"
)

// Session is the transport state machine the driver feeds and drains.
// *transport.Session implements it.
type Session interface {
	Recv(buf []byte, info transport.RecvInfo) (int, error)
	Send(out []byte) (int, transport.SendInfo, error)
	IsEstablished() bool
	IsClosed() bool
	Timeout() (time.Duration, bool)
	OnTimeout()
	Close(app bool, code uint64, reason []byte) error
}

var _ Session = (*transport.Session)(nil)

// Multiplexer maps the request onto a transport stream and response bytes
// onto events. h3.ErrDone means no capacity or no more events right now.
type Multiplexer interface {
	SendRequest(headers []h3.Header, fin bool) (uint64, error)
	SendBody(id uint64, body []byte, fin bool) (int, error)
	Poll() (uint64, h3.Event, error)
	RecvBody(id uint64, b []byte) (int, error)
}

// ErrUnexpectedEvent reports an event a single-request client never expects.
var ErrUnexpectedEvent = errors.New("client: unexpected event")

const (
	closeCodeDone = 0x00
	closeCodeFail = 0x1
)

var (
	closeReasonDone = []byte("kthxbye")
	closeReasonFail = []byte("fail")
)

type progress struct {
	headersSent bool
	streamID    uint64
	bytesSent   int
	allSent     bool
}

type accumulator struct {
	total       uint64
	start       time.Time
	completedAt time.Time
	completed   bool
	reset       bool
	resetCode   uint64

	serverReported    uint64
	hasServerReported bool
}

// Driver runs one request/response exchange over a Session and Channel.
// It is single-threaded: Run owns every field for its whole duration.
type Driver struct {
	Session Session
	Channel Channel
	Request *Request

	// NewMultiplexer is called once, as soon as the session is established.
	NewMultiplexer func() (Multiplexer, error)

	Metrics *Metrics
	Logger  zerolog.Logger

	now func() time.Time

	mux       Multiplexer
	progress  progress
	acc       accumulator
	state     TerminalState
	err       error
	closing   bool
	abandoned bool

	bodyBuf []byte
}

func (d *Driver) validate() error {
	switch {
	case d.Session == nil:
		return fmt.Errorf("%w: driver has no session", ErrInvalidConfig)
	case d.Channel == nil:
		return fmt.Errorf("%w: driver has no channel", ErrInvalidConfig)
	case d.Request == nil:
		return fmt.Errorf("%w: driver has no request", ErrInvalidConfig)
	case d.NewMultiplexer == nil:
		return fmt.Errorf("%w: driver has no multiplexer factory", ErrInvalidConfig)
	}
	return nil
}

// Run pumps the exchange until the session closes. The report is returned
// even when the exchange failed; the error is the fatal condition that
// forced the close, if any.
func (d *Driver) Run() (*Report, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if d.now == nil {
		d.now = time.Now
	}

	recv := lib.AcquireRecvBuffer()
	defer lib.ReleaseRecvBuffer(recv)
	out := lib.AcquireSendBuffer()
	defer lib.ReleaseSendBuffer(out)
	d.bodyBuf = recv

	d.acc.start = d.now()
	d.Logger.Info().Str("url", d.Request.URL).Str("method", string(d.Request.Method)).Msg("starting exchange")

	// The first Initial goes out before the first wait.
	d.drainOutbound(out)

	for !d.Session.IsClosed() && !d.abandoned {
		if readable, err := d.wait(); err != nil {
			d.fail(fmt.Errorf("client: wait failed: %w", err))
		} else {
			d.drainInbound(readable, recv)
		}
		if d.Session.IsClosed() {
			d.Logger.Debug().Msg("connection closed while reading")
			break
		}

		d.ensureMultiplexer()
		d.paceRequest()
		d.processEvents()

		d.drainOutbound(out)
	}

	r := d.report()
	d.Metrics.observe(r)
	d.Logger.Info().EmbedObject(r).Msg("connection closed")
	return r, d.err
}

func (d *Driver) wait() (bool, error) {
	timeout, armed := d.Session.Timeout()
	if !armed {
		timeout = -1
	}
	return d.Channel.Wait(timeout)
}

// ensureMultiplexer builds the multiplexer the first time the session is
// established.
func (d *Driver) ensureMultiplexer() {
	if d.mux != nil || d.state != Running || !d.Session.IsEstablished() {
		return
	}
	mux, err := d.NewMultiplexer()
	if err != nil {
		d.fail(fmt.Errorf("client: failed to create multiplexer: %w", err))
		return
	}
	d.mux = mux
	d.Logger.Debug().Msg("session established")
}

// fail records the first fatal error and forces the session closed. A
// terminal state reached earlier is kept. When a close is already queued the
// loop keeps draining so it still gets flushed.
func (d *Driver) fail(err error) {
	if d.err == nil {
		d.err = err
	}
	if d.state == Running {
		d.state = ClosedOnError
	}
	d.Logger.Error().Err(err).Msg("exchange failed")
	d.close(false, closeCodeFail, closeReasonFail)
}

// failSend is fail for a broken send path. If a close was already pending
// there is no way left to flush it, so the loop gives up.
func (d *Driver) failSend(err error) {
	pending := d.closing
	d.fail(err)
	if pending {
		d.Logger.Warn().Msg("abandoning connection with an unflushed close")
		d.abandoned = true
	}
}

func (d *Driver) close(app bool, code uint64, reason []byte) {
	if err := d.Session.Close(app, code, reason); err != nil {
		d.Logger.Debug().Err(err).Msg("session already closing")
	}
	d.closing = true
}

func (d *Driver) report() *Report {
	state := d.state
	if state == Running {
		state = ClosedOnError
		if d.acc.completed {
			state = ClosedNormally
		}
	}

	r := &Report{
		URL:               d.Request.URL,
		Method:            d.Request.Method,
		State:             state,
		BodyBytesSent:     d.progress.bytesSent,
		TotalBytes:        d.acc.total,
		Completed:         d.acc.completed,
		Reset:             d.acc.reset,
		ResetCode:         d.acc.resetCode,
		ServerReported:    d.acc.serverReported,
		HasServerReported: d.acc.hasServerReported,
	}
	if d.acc.completed {
		r.Elapsed = d.acc.completedAt.Sub(d.acc.start)
	}
	if s, ok := d.Session.(interface{ Stats() transport.Stats }); ok {
		r.Stats, r.HasStats = s.Stats(), true
	}
	return r
}

// Close releases the channel.
func (d *Driver) Close() error {
	if d.Channel == nil {
		return nil
	}
	return d.Channel.Close()
}

// LocalAddr is the address the channel is bound to.
func (d *Driver) LocalAddr() net.Addr { return d.Channel.LocalAddr() }
