package client

import (
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/TheSmallBoat/h3pump/h3"
	"github.com/TheSmallBoat/h3pump/transport"
	"github.com/lithdew/kademlia"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// responder serves exactly one exchange: GET /N answers N bytes, POST
// answers the number of body bytes it received.
type responder struct {
	conn   *net.UDPConn
	secret kademlia.PrivateKey

	sess *transport.Session
	h3   *h3.Connection

	method   string
	size     int
	received int

	streamID    uint64
	responding  bool
	headersSent bool
	body        []byte
	bodySent    int
	finSent     bool

	done chan struct{}
}

func newResponder(t testing.TB) *responder {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return &responder{conn: conn, secret: transport.GenerateSecretKey(), done: make(chan struct{})}
}

func (r *responder) port() int { return r.conn.LocalAddr().(*net.UDPAddr).Port }

func (r *responder) run(stop <-chan struct{}) {
	defer close(r.done)
	defer r.conn.Close()

	buf := make([]byte, 65535)
	out := make([]byte, transport.DefaultMaxUDPPayloadSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		wait := 10 * time.Millisecond
		if r.sess != nil {
			if d, ok := r.sess.Timeout(); ok && d < wait {
				wait = d
			}
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return
		}

		n, from, err := r.conn.ReadFromUDP(buf)
		switch {
		case err == nil:
			if !r.accept(buf[:n], from) {
				continue
			}
			_, _ = r.sess.Recv(buf[:n], transport.RecvInfo{From: from, To: r.conn.LocalAddr()})
		case errors.Is(err, os.ErrDeadlineExceeded):
			if r.sess == nil {
				continue
			}
			r.sess.OnTimeout()
		default:
			return
		}

		if r.sess.IsEstablished() && r.h3 == nil {
			if r.h3, err = h3.NewConnection(r.sess, nil); err != nil {
				return
			}
		}
		if r.h3 != nil {
			r.serve()
		}

		for {
			n, info, err := r.sess.Send(out)
			if err != nil {
				break
			}
			if _, err := r.conn.WriteTo(out[:n], info.To); err != nil {
				return
			}
		}
		if r.sess.IsClosed() {
			return
		}
	}
}

func (r *responder) accept(b []byte, from *net.UDPAddr) bool {
	if r.sess != nil {
		return true
	}
	hdr, err := transport.ParseHeader(b)
	if err != nil {
		return false
	}
	cfg, err := transport.NewConfig(transport.ProtocolVersion)
	if err != nil {
		return false
	}
	cfg.SecretKey = r.secret
	scid, err := transport.NewConnectionID()
	if err != nil {
		return false
	}
	r.sess, err = transport.Accept(scid, hdr.DCID, r.conn.LocalAddr(), from, cfg)
	return err == nil
}

func (r *responder) serve() {
	buf := make([]byte, 16<<10)
	for {
		id, ev, err := r.h3.Poll(r.sess)
		if err != nil {
			break
		}
		switch ev.Type {
		case h3.EventHeaders:
			r.streamID = id
			for _, h := range ev.Headers {
				switch h.Name {
				case ":method":
					r.method = h.Value
				case ":path":
					r.size, _ = strconv.Atoi(strings.TrimPrefix(h.Value, "/"))
				}
			}
		case h3.EventData:
			for {
				n, err := r.h3.RecvBody(r.sess, id, buf)
				if err != nil {
					break
				}
				r.received += n
			}
		case h3.EventFinished:
			r.responding = true
			if r.method == "POST" {
				r.body = []byte(strconv.Itoa(r.received))
			} else {
				r.body = make([]byte, r.size)
			}
		}
	}

	if !r.responding {
		return
	}
	if !r.headersSent {
		if err := r.h3.SendResponse(r.sess, r.streamID, []h3.Header{{Name: ":status", Value: "200"}}, false); err != nil {
			return
		}
		r.headersSent = true
	}
	for !r.finSent {
		n, err := r.h3.SendBody(r.sess, r.streamID, r.body[r.bodySent:], true)
		if err != nil {
			return
		}
		r.bodySent += n
		r.finSent = r.bodySent == len(r.body)
	}
}

func runExchange(t *testing.T, upload bool, size int) (*Report, *responder, *Driver) {
	t.Helper()

	srv := newResponder(t)
	stop := make(chan struct{})
	go srv.run(stop)
	defer func() {
		close(stop)
		<-srv.done
	}()

	cfg := NewConfig("127.0.0.1", srv.port())
	cfg.RequestSize = size
	cfg.Upload = upload
	cfg.VerifyPeer = true
	cfg.PeerKey = srv.secret.Public()
	cfg.Registerer = prometheus.NewRegistry()

	d, err := Dial(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()

	r, err := d.Run()
	require.NoError(t, err)
	return r, srv, d
}

func TestExchangeOverLoopbackGet(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, _, d := runExchange(t, false, 100_000)

	require.True(t, r.Completed)
	require.False(t, r.Reset)
	require.Equal(t, ClosedNormally, r.State)
	require.EqualValues(t, 100_000, r.TotalBytes)
	require.Positive(t, r.Elapsed)
	require.True(t, r.HasStats)
	require.Positive(t, testutil.ToFloat64(d.Metrics.DatagramsSent))
	require.EqualValues(t, 100_000, testutil.ToFloat64(d.Metrics.ResponseBytes))
}

func TestExchangeOverLoopbackPost(t *testing.T) {
	defer goleak.VerifyNone(t)

	const size = 300_000
	r, srv, _ := runExchange(t, true, size)

	require.True(t, r.Completed)
	require.Equal(t, ClosedNormally, r.State)
	require.Equal(t, size, r.BodyBytesSent)
	require.Equal(t, size, srv.received)
	require.True(t, r.HasServerReported)
	require.EqualValues(t, size, r.ServerReported)
	require.EqualValues(t, len(strconv.Itoa(size)), r.TotalBytes)
}

func TestDialRejectsOversizedRequest(t *testing.T) {
	cfg := NewConfig("127.0.0.1", 4433)
	cfg.RequestSize = MaxRequestSize + 1
	_, err := Dial(cfg)
	require.ErrorIs(t, err, ErrRequestTooLarge)
}
