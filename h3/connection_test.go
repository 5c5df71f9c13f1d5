package h3

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/TheSmallBoat/h3pump/transport"
	"github.com/stretchr/testify/require"
)

var (
	clientAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	serverAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
)

// link is an established client/server transport pair joined in memory.
type link struct {
	client *transport.Session
	server *transport.Session
}

func newLink(t testing.TB) *link {
	t.Helper()

	ccfg, err := transport.NewConfig(transport.ProtocolVersion)
	require.NoError(t, err)
	scfg, err := transport.NewConfig(transport.ProtocolVersion)
	require.NoError(t, err)
	scfg.SecretKey = transport.GenerateSecretKey()

	cscid, err := transport.NewConnectionID()
	require.NoError(t, err)
	client, err := transport.Connect("localhost", cscid, clientAddr, serverAddr, ccfg)
	require.NoError(t, err)

	buf := make([]byte, transport.DefaultMaxUDPPayloadSize)
	n, _, err := client.Send(buf)
	require.NoError(t, err)
	hdr, err := transport.ParseHeader(buf[:n])
	require.NoError(t, err)

	sscid, err := transport.NewConnectionID()
	require.NoError(t, err)
	server, err := transport.Accept(sscid, hdr.DCID, serverAddr, clientAddr, scfg)
	require.NoError(t, err)
	_, err = server.Recv(buf[:n], transport.RecvInfo{From: clientAddr, To: serverAddr})
	require.NoError(t, err)

	l := &link{client: client, server: server}
	l.exchange(t)
	require.True(t, client.IsEstablished())
	require.True(t, server.IsEstablished())
	return l
}

func move(t testing.TB, from, to *transport.Session) int {
	buf := make([]byte, transport.DefaultMaxUDPPayloadSize)
	count := 0
	for {
		n, _, err := from.Send(buf)
		if errors.Is(err, transport.ErrDone) {
			return count
		}
		require.NoError(t, err)
		_, err = to.Recv(buf[:n], transport.RecvInfo{From: from.LocalAddr(), To: to.LocalAddr()})
		require.NoError(t, err)
		count++
	}
}

func (l *link) exchange(t testing.TB) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if move(t, l.client, l.server)+move(t, l.server, l.client) == 0 {
			return
		}
	}
	t.Fatal("link never went quiet")
}

type polled struct {
	id uint64
	ev Event
}

// pollAll collects events until ErrDone, draining bodies as Data arrives.
func pollAll(t testing.TB, c *Connection, tr Transport, body *bytes.Buffer) []polled {
	t.Helper()
	var out []polled
	buf := make([]byte, 1000)
	for {
		id, ev, err := c.Poll(tr)
		if errors.Is(err, ErrDone) {
			return out
		}
		require.NoError(t, err)
		out = append(out, polled{id, ev})
		if ev.Type != EventData {
			continue
		}
		for {
			n, err := c.RecvBody(tr, id, buf)
			if errors.Is(err, ErrDone) {
				break
			}
			require.NoError(t, err)
			if body != nil {
				body.Write(buf[:n])
			}
		}
	}
}

func types(events []polled) []EventType {
	var out []EventType
	for _, e := range events {
		out = append(out, e.ev.Type)
	}
	return out
}

func request(method, path string) []Header {
	return []Header{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "localhost:4433"},
		{Name: ":path", Value: path},
		{Name: "user-agent", Value: "h3pump"},
	}
}

func TestRequestResponse(t *testing.T) {
	l := newLink(t)

	client, err := NewConnection(l.client, nil)
	require.NoError(t, err)
	server, err := NewConnection(l.server, nil)
	require.NoError(t, err)

	id, err := client.SendRequest(l.client, request("GET", "/11"), true)
	require.NoError(t, err)
	require.EqualValues(t, 0, id)
	l.exchange(t)

	var reqBody bytes.Buffer
	events := pollAll(t, server, l.server, &reqBody)
	require.Equal(t, []EventType{EventHeaders, EventFinished}, types(events))
	require.Equal(t, request("GET", "/11"), events[0].ev.Headers)
	require.Zero(t, reqBody.Len())
	require.True(t, server.PeerSettingsReceived())

	require.NoError(t, server.SendResponse(l.server, id, []Header{{Name: ":status", Value: "200"}}, false))
	n, err := server.SendBody(l.server, id, []byte("hello world"), true)
	require.NoError(t, err)
	require.Equal(t, 11, n)
	l.exchange(t)

	var body bytes.Buffer
	events = pollAll(t, client, l.client, &body)
	require.Equal(t, []EventType{EventHeaders, EventData, EventFinished}, types(events))
	require.Equal(t, []Header{{Name: ":status", Value: "200"}}, events[0].ev.Headers)
	require.Equal(t, "hello world", body.String())
	for _, e := range events {
		require.EqualValues(t, id, e.id)
	}

	_, _, err = client.Poll(l.client)
	require.ErrorIs(t, err, ErrDone)
}

func TestUploadUnderFlowControl(t *testing.T) {
	l := newLink(t)

	client, err := NewConnection(l.client, nil)
	require.NoError(t, err)
	server, err := NewConnection(l.server, nil)
	require.NoError(t, err)

	upload := bytes.Repeat([]byte("abcdefghij"), 30_000)
	id, err := client.SendRequest(l.client, request("POST", "/300000"), false)
	require.NoError(t, err)

	var (
		got    bytes.Buffer
		events []polled
		sent   int
	)
	for i := 0; i < 10_000 && sent < len(upload); i++ {
		n, err := client.SendBody(l.client, id, upload[sent:], true)
		if !errors.Is(err, ErrDone) {
			require.NoError(t, err)
			sent += n
		}
		l.exchange(t)
		events = append(events, pollAll(t, server, l.server, &got)...)
		l.exchange(t)
	}
	require.Equal(t, len(upload), sent)
	require.Equal(t, upload, got.Bytes())
	require.Equal(t, EventHeaders, events[0].ev.Type)
	require.Equal(t, EventFinished, events[len(events)-1].ev.Type)
}

func TestResetIsReported(t *testing.T) {
	l := newLink(t)

	client, err := NewConnection(l.client, nil)
	require.NoError(t, err)
	server, err := NewConnection(l.server, nil)
	require.NoError(t, err)

	id, err := client.SendRequest(l.client, request("GET", "/"), true)
	require.NoError(t, err)
	l.exchange(t)
	pollAll(t, server, l.server, &bytes.Buffer{})

	require.NoError(t, l.server.StreamReset(id, CodeRequestRejected))
	l.exchange(t)

	events := pollAll(t, client, l.client, &bytes.Buffer{})
	require.Equal(t, []EventType{EventReset}, types(events))
	require.Equal(t, CodeRequestRejected, events[0].ev.ResetCode)
}

func TestGoAway(t *testing.T) {
	l := newLink(t)

	client, err := NewConnection(l.client, nil)
	require.NoError(t, err)
	server, err := NewConnection(l.server, nil)
	require.NoError(t, err)

	_, err = client.SendRequest(l.client, request("GET", "/"), true)
	require.NoError(t, err)
	l.exchange(t)
	pollAll(t, server, l.server, &bytes.Buffer{})

	require.NoError(t, server.SendGoAway(l.server, 4))
	l.exchange(t)

	events := pollAll(t, client, l.client, &bytes.Buffer{})
	require.Equal(t, []EventType{EventGoAway}, types(events))
	require.EqualValues(t, 4, events[0].ev.GoAwayID)

	_, err = client.SendRequest(l.client, request("GET", "/"), true)
	require.ErrorIs(t, err, ErrRequestRejected)
}

func TestPriorityUpdate(t *testing.T) {
	l := newLink(t)

	client, err := NewConnection(l.client, nil)
	require.NoError(t, err)
	server, err := NewConnection(l.server, nil)
	require.NoError(t, err)

	id, err := client.SendRequest(l.client, request("GET", "/"), false)
	require.NoError(t, err)
	require.NoError(t, client.SendPriorityUpdate(l.client, id, "u=1"))
	l.exchange(t)

	events := pollAll(t, server, l.server, &bytes.Buffer{})
	require.Contains(t, events, polled{id: id, ev: Event{Type: EventPriorityUpdate, PriorityField: "u=1"}})
}

func TestClosedControlStreamClosesConnection(t *testing.T) {
	l := newLink(t)

	client, err := NewConnection(l.client, nil)
	require.NoError(t, err)
	_, err = NewConnection(l.server, nil)
	require.NoError(t, err)
	l.exchange(t)
	pollAll(t, client, l.client, nil)

	_, err = l.server.StreamSend(3, nil, true)
	require.NoError(t, err)
	l.exchange(t)

	_, _, err = client.Poll(l.client)
	require.ErrorIs(t, err, ErrClosedCriticalStream)
	l.exchange(t)

	require.True(t, l.client.IsClosed())
	require.True(t, l.server.IsClosed())
	require.Equal(t, &transport.PeerCloseError{App: true, Code: CodeClosedCriticalStream, Reason: ""}, l.server.PeerError())
}

func TestDatagrams(t *testing.T) {
	l := newLink(t)

	cfg := NewConfig()
	cfg.EnableDatagrams = true
	client, err := NewConnection(l.client, cfg)
	require.NoError(t, err)
	server, err := NewConnection(l.server, cfg)
	require.NoError(t, err)

	l.exchange(t)
	pollAll(t, client, l.client, &bytes.Buffer{})
	pollAll(t, server, l.server, &bytes.Buffer{})

	require.NoError(t, client.SendDgram(l.client, 0, []byte("tick")))
	l.exchange(t)

	id, ev, err := server.Poll(l.server)
	require.NoError(t, err)
	require.Equal(t, EventDatagram, ev.Type)
	require.Zero(t, id)

	buf := make([]byte, 64)
	n, flow, err := server.RecvDgram(l.server, buf)
	require.NoError(t, err)
	require.Zero(t, flow)
	require.Equal(t, "tick", string(buf[:n]))

	_, _, err = server.RecvDgram(l.server, buf)
	require.ErrorIs(t, err, ErrDone)
}
