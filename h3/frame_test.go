package h3

import (
	"errors"
	"sort"
	"testing"

	"github.com/TheSmallBoat/h3pump/transport"
	"github.com/quic-go/quic-go/quicvarint"
	"github.com/stretchr/testify/require"
)

// scripted is a Transport whose inbound stream bytes are set by the test.
type scripted struct {
	server   bool
	capacity int

	sent   map[uint64][]byte
	fins   map[uint64]bool
	in     map[uint64][]byte
	inFin  map[uint64]bool
	resets map[uint64]uint64
	closes []uint64
}

func newScripted(capacity int) *scripted {
	return &scripted{
		capacity: capacity,
		sent:     make(map[uint64][]byte),
		fins:     make(map[uint64]bool),
		in:       make(map[uint64][]byte),
		inFin:    make(map[uint64]bool),
		resets:   make(map[uint64]uint64),
	}
}

func (s *scripted) StreamSend(id uint64, b []byte, fin bool) (int, error) {
	n := len(b)
	if n > s.capacity {
		n = s.capacity
		fin = false
	}
	if n == 0 && len(b) > 0 {
		return 0, transport.ErrDone
	}
	s.capacity -= n
	s.sent[id] = append(s.sent[id], b[:n]...)
	if fin {
		s.fins[id] = true
	}
	return n, nil
}

func (s *scripted) StreamRecv(id uint64, b []byte) (int, bool, error) {
	if code, ok := s.resets[id]; ok {
		delete(s.resets, id)
		return 0, false, &transport.StreamResetError{StreamID: id, Code: code}
	}
	data := s.in[id]
	if len(data) == 0 && !s.inFin[id] {
		return 0, false, transport.ErrDone
	}
	n := copy(b, data)
	s.in[id] = data[n:]
	fin := s.inFin[id] && len(s.in[id]) == 0
	if fin {
		delete(s.inFin, id)
	}
	return n, fin, nil
}

func (s *scripted) StreamCapacity(uint64) (int, error) { return s.capacity, nil }

func (s *scripted) Readable() []uint64 {
	var ids []uint64
	seen := make(map[uint64]bool)
	add := func(id uint64) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id, b := range s.in {
		if len(b) > 0 {
			add(id)
		}
	}
	for id := range s.inFin {
		add(id)
	}
	for id := range s.resets {
		add(id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *scripted) DgramSend([]byte) error        { return nil }
func (s *scripted) DgramRecv([]byte) (int, error) { return 0, transport.ErrDone }
func (s *scripted) DgramRecvQueueLen() int        { return 0 }
func (s *scripted) IsServer() bool                { return s.server }

func (s *scripted) Close(app bool, code uint64, reason []byte) error {
	if len(s.closes) > 0 {
		return transport.ErrDone
	}
	s.closes = append(s.closes, code)
	return nil
}

func (s *scripted) push(id uint64, b ...[]byte) {
	for _, p := range b {
		s.in[id] = append(s.in[id], p...)
	}
}

func controlPreface() []byte {
	return settings{maxFieldSectionSize: 1 << 10}.AppendTo(quicvarint.Append(nil, streamTypeControl))
}

func TestSettingsRoundTrip(t *testing.T) {
	s := settings{maxFieldSectionSize: 4096, qpackBlockedStreams: 0, h3Datagram: true}
	frame := s.AppendTo(nil)

	typ, n, err := quicvarint.Parse(frame)
	require.NoError(t, err)
	require.EqualValues(t, frameSettings, typ)
	length, m, err := quicvarint.Parse(frame[n:])
	require.NoError(t, err)
	require.EqualValues(t, len(frame)-n-m, length)

	got, err := unmarshalSettings(frame[n+m:])
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestSettingsRejectsDuplicatesAndHTTP2Settings(t *testing.T) {
	dup := quicvarint.Append(nil, settingMaxFieldSectionSize)
	dup = quicvarint.Append(dup, 1)
	dup = quicvarint.Append(dup, settingMaxFieldSectionSize)
	dup = quicvarint.Append(dup, 2)
	_, err := unmarshalSettings(dup)
	require.ErrorIs(t, err, ErrSettingsError)

	h2 := quicvarint.Append(nil, 0x2)
	h2 = quicvarint.Append(h2, 1)
	_, err = unmarshalSettings(h2)
	require.ErrorIs(t, err, ErrSettingsError)
}

func TestHeadersRoundTrip(t *testing.T) {
	headers := request("POST", "/50000")
	frame, err := encodeHeaders(headers)
	require.NoError(t, err)

	typ, n, err := quicvarint.Parse(frame)
	require.NoError(t, err)
	require.EqualValues(t, frameHeaders, typ)
	_, m, err := quicvarint.Parse(frame[n:])
	require.NoError(t, err)

	c, err := NewConnection(newScripted(1<<20), nil)
	require.NoError(t, err)
	got, err := decodeHeaders(c.dec, frame[n+m:])
	require.NoError(t, err)
	require.Equal(t, headers, got)
}

func TestNewConnectionWritesControlStream(t *testing.T) {
	tr := newScripted(1 << 20)
	_, err := NewConnection(tr, nil)
	require.NoError(t, err)

	ctrl := tr.sent[2]
	require.NotEmpty(t, ctrl)
	require.EqualValues(t, streamTypeControl, ctrl[0])
	require.False(t, tr.fins[2])
}

func TestControlStreamRetriedWhenBlocked(t *testing.T) {
	tr := newScripted(0)
	c, err := NewConnection(tr, nil)
	require.NoError(t, err)
	require.Empty(t, tr.sent[2])

	tr.capacity = 1 << 20
	_, _, err = c.Poll(tr)
	require.ErrorIs(t, err, ErrDone)
	require.NotEmpty(t, tr.sent[2])
}

func TestSendRequestBlocked(t *testing.T) {
	tr := newScripted(1 << 20)
	c, err := NewConnection(tr, nil)
	require.NoError(t, err)

	tr.capacity = 4
	_, err = c.SendRequest(tr, request("GET", "/"), true)
	require.ErrorIs(t, err, ErrStreamBlocked)
	require.Empty(t, tr.sent[0])

	tr.capacity = 1 << 20
	id, err := c.SendRequest(tr, request("GET", "/"), true)
	require.NoError(t, err)
	require.EqualValues(t, 0, id)
	require.True(t, tr.fins[0])
}

func TestSendBodyHonorsCapacity(t *testing.T) {
	tr := newScripted(1 << 20)
	c, err := NewConnection(tr, nil)
	require.NoError(t, err)
	id, err := c.SendRequest(tr, request("POST", "/50000"), false)
	require.NoError(t, err)

	tr.capacity = 3
	n, err := c.SendBody(tr, id, make([]byte, 50_000), true)
	require.ErrorIs(t, err, ErrDone)
	require.Zero(t, n)

	tr.capacity = 1200
	n, err = c.SendBody(tr, id, make([]byte, 50_000), true)
	require.NoError(t, err)
	require.Equal(t, 1200-frameHeaderLen(frameData, 50_000), n)
	require.False(t, tr.fins[id])

	tr.capacity = 100
	n, err = c.SendBody(tr, id, make([]byte, 10), true)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.True(t, tr.fins[id])
}

func TestPollErrors(t *testing.T) {
	tests := []struct {
		name string
		feed func(tr *scripted)
		err  error
	}{
		{
			name: "control stream without settings",
			feed: func(tr *scripted) {
				tr.push(3, quicvarint.Append(nil, streamTypeControl), appendGoAway(nil, 0))
			},
			err: ErrMissingSettings,
		},
		{
			name: "second settings frame",
			feed: func(tr *scripted) {
				tr.push(3, controlPreface(), settings{}.AppendTo(nil))
			},
			err: ErrFrameUnexpected,
		},
		{
			name: "second control stream",
			feed: func(tr *scripted) {
				tr.push(3, controlPreface())
				tr.push(7, controlPreface())
			},
			err: ErrStreamCreation,
		},
		{
			name: "control stream closed",
			feed: func(tr *scripted) {
				tr.push(3, controlPreface())
				tr.inFin[3] = true
			},
			err: ErrClosedCriticalStream,
		},
		{
			name: "goaway naming a unidirectional stream",
			feed: func(tr *scripted) {
				tr.push(3, controlPreface(), appendGoAway(nil, 3))
			},
			err: ErrIDError,
		},
		{
			name: "data before headers",
			feed: func(tr *scripted) {
				tr.push(0, appendFrameHeader(nil, frameData, 2), []byte("hi"))
			},
			err: ErrFrameUnexpected,
		},
		{
			name: "settings on request stream",
			feed: func(tr *scripted) {
				tr.push(0, settings{}.AppendTo(nil))
			},
			err: ErrFrameUnexpected,
		},
		{
			name: "server initiated bidirectional stream",
			feed: func(tr *scripted) {
				tr.push(1, appendFrameHeader(nil, frameHeaders, 0))
			},
			err: ErrStreamCreation,
		},
		{
			name: "push stream",
			feed: func(tr *scripted) {
				tr.push(3, quicvarint.Append(nil, streamTypePush))
			},
			err: ErrIDError,
		},
		{
			name: "stream ends mid-frame",
			feed: func(tr *scripted) {
				tr.push(0, appendFrameHeader(nil, 0x21, 10), []byte("abc"))
				tr.inFin[0] = true
			},
			err: ErrFrameError,
		},
		{
			name: "priority update from server",
			feed: func(tr *scripted) {
				tr.push(3, controlPreface(), appendPriorityUpdate(nil, 0, "u=1"))
			},
			err: ErrFrameUnexpected,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tr := newScripted(1 << 20)
			c, err := NewConnection(tr, nil)
			require.NoError(t, err)
			_, err = c.SendRequest(tr, request("GET", "/"), true)
			require.NoError(t, err)

			test.feed(tr)

			for i := 0; i < 10; i++ {
				_, _, err = c.Poll(tr)
				if err != nil && !errors.Is(err, ErrDone) {
					break
				}
			}
			require.ErrorIs(t, err, test.err)
			require.Equal(t, []uint64{ErrorCode(test.err)}, tr.closes)
		})
	}
}

func TestUnknownFramesAndStreamsAreSkipped(t *testing.T) {
	tr := newScripted(1 << 20)
	c, err := NewConnection(tr, nil)
	require.NoError(t, err)
	id, err := c.SendRequest(tr, request("GET", "/"), true)
	require.NoError(t, err)

	headers, err := encodeHeaders([]Header{{Name: ":status", Value: "200"}})
	require.NoError(t, err)

	tr.push(3, controlPreface(), appendFrameHeader(nil, 0x21, 3), []byte("xyz"))
	tr.push(7, quicvarint.Append(nil, 0x54), []byte("grease"))
	tr.push(id, appendFrameHeader(nil, 0x21, 2), []byte("zz"), headers, appendFrameHeader(nil, frameData, 0))
	tr.inFin[id] = true

	events := pollAll(t, c, tr, nil)
	require.Equal(t, []EventType{EventHeaders, EventFinished}, types(events))
	require.Equal(t, []Header{{Name: ":status", Value: "200"}}, events[0].ev.Headers)
}

func TestDataEventIsEdgeTriggered(t *testing.T) {
	tr := newScripted(1 << 20)
	c, err := NewConnection(tr, nil)
	require.NoError(t, err)
	id, err := c.SendRequest(tr, request("GET", "/"), true)
	require.NoError(t, err)

	headers, err := encodeHeaders([]Header{{Name: ":status", Value: "200"}})
	require.NoError(t, err)
	tr.push(id, headers, appendFrameHeader(nil, frameData, 10), []byte("01234"))

	_, ev, err := c.Poll(tr)
	require.NoError(t, err)
	require.Equal(t, EventHeaders, ev.Type)

	_, ev, err = c.Poll(tr)
	require.NoError(t, err)
	require.Equal(t, EventData, ev.Type)

	// not re-announced until the body has been drained
	tr.push(id, []byte("5"))
	_, _, err = c.Poll(tr)
	require.ErrorIs(t, err, ErrDone)

	buf := make([]byte, 64)
	n, err := c.RecvBody(tr, id, buf)
	require.NoError(t, err)
	require.Equal(t, "012345", string(buf[:n]))
	_, err = c.RecvBody(tr, id, buf)
	require.ErrorIs(t, err, ErrDone)

	tr.push(id, []byte("6789"))
	tr.inFin[id] = true
	_, ev, err = c.Poll(tr)
	require.NoError(t, err)
	require.Equal(t, EventData, ev.Type)

	n, err = c.RecvBody(tr, id, buf)
	require.NoError(t, err)
	require.Equal(t, "6789", string(buf[:n]))

	_, ev, err = c.Poll(tr)
	require.NoError(t, err)
	require.Equal(t, EventFinished, ev.Type)
}

func TestErrorCode(t *testing.T) {
	require.Equal(t, CodeMissingSettings, ErrorCode(ErrMissingSettings))
	require.Equal(t, CodeFrameUnexpected, ErrorCode(ErrFrameUnexpected))
	require.Equal(t, CodeInternalError, ErrorCode(transport.ErrInvalidState))
}
