package h3

import (
	"errors"
	"fmt"

	"github.com/TheSmallBoat/h3pump/transport"
	"github.com/quic-go/qpack"
	"github.com/quic-go/quic-go/quicvarint"
	"github.com/rs/zerolog"
)

// Transport is the stream and datagram surface Connection needs.
// *transport.Session implements it.
type Transport interface {
	StreamSend(id uint64, b []byte, fin bool) (int, error)
	StreamRecv(id uint64, b []byte) (int, bool, error)
	StreamCapacity(id uint64) (int, error)
	Readable() []uint64
	DgramSend(b []byte) error
	DgramRecv(b []byte) (int, error)
	DgramRecvQueueLen() int
	IsServer() bool
	Close(app bool, code uint64, reason []byte) error
}

var _ Transport = (*transport.Session)(nil)

type recvState int

const (
	stateStreamType recvState = iota
	stateFrameType
	stateFrameLen
	stateFramePayload
	stateData
	stateDrain
	stateDone
)

type stream struct {
	id       uint64
	uni      bool
	critical bool
	state    recvState

	buf       []byte
	frameType uint64
	frameLen  uint64
	dataLeft  uint64

	headersRecvd  bool
	settingsRecvd bool
	dataNotified  bool
	fin           bool
}

type queuedEvent struct {
	id uint64
	ev Event
}

// Connection maps requests and responses onto transport streams. Like the
// transport it is driven from a single goroutine.
type Connection struct {
	cfg      *Config
	log      zerolog.Logger
	isServer bool
	dec      *qpack.Decoder

	nextRequestID uint64
	nextUniID     uint64

	controlID  uint64
	controlOut []byte

	hasPeerControl  bool
	peerSettings    settings
	hasPeerSettings bool

	goAwayRecvd bool
	goAwayID    uint64

	streams       map[uint64]*stream
	queued        []queuedEvent
	dgramNotified bool
}

// NewConnection opens the local control stream and queues SETTINGS on it.
func NewConnection(t Transport, cfg *Config) (*Connection, error) {
	if cfg == nil {
		cfg = NewConfig()
	}

	c := &Connection{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("layer", "h3").Logger(),
		isServer: t.IsServer(),
		dec:      qpack.NewDecoder(nil),
		streams:  make(map[uint64]*stream),
	}
	if c.isServer {
		c.nextRequestID = 1
		c.nextUniID = 3
	} else {
		c.nextUniID = 2
	}

	c.controlID = c.nextUniID
	c.nextUniID += 4

	c.controlOut = quicvarint.Append(nil, streamTypeControl)
	c.controlOut = settings{
		maxFieldSectionSize: cfg.MaxFieldSectionSize,
		h3Datagram:          cfg.EnableDatagrams,
	}.AppendTo(c.controlOut)

	if err := c.flushControl(t); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) flushControl(t Transport) error {
	if len(c.controlOut) == 0 {
		return nil
	}
	n, err := t.StreamSend(c.controlID, c.controlOut, false)
	if errors.Is(err, transport.ErrDone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to write control stream: %w", err)
	}
	c.controlOut = c.controlOut[n:]
	return nil
}

// SendRequest opens the next request stream and writes headers on it.
func (c *Connection) SendRequest(t Transport, headers []Header, fin bool) (uint64, error) {
	if c.isServer {
		return 0, fmt.Errorf("%w: servers cannot open request streams", ErrStreamCreation)
	}
	if c.goAwayRecvd && c.nextRequestID >= c.goAwayID {
		return 0, fmt.Errorf("%w: peer is going away", ErrRequestRejected)
	}
	if err := c.flushControl(t); err != nil {
		return 0, err
	}

	id := c.nextRequestID
	if err := c.sendHeaders(t, id, headers, fin); err != nil {
		return 0, err
	}
	c.nextRequestID += 4
	c.streams[id] = &stream{id: id, state: stateFrameType}

	c.log.Debug().Uint64("stream_id", id).Bool("fin", fin).Msg("sent request headers")
	return id, nil
}

// SendResponse writes response headers on a request stream the peer opened.
func (c *Connection) SendResponse(t Transport, id uint64, headers []Header, fin bool) error {
	if !c.isServer {
		return fmt.Errorf("%w: clients cannot send responses", ErrStreamCreation)
	}
	if _, ok := c.streams[id]; !ok {
		return fmt.Errorf("%w: unknown request stream %d", ErrIDError, id)
	}
	return c.sendHeaders(t, id, headers, fin)
}

func (c *Connection) sendHeaders(t Transport, id uint64, headers []Header, fin bool) error {
	frame, err := encodeHeaders(headers)
	if err != nil {
		return err
	}

	capacity, err := t.StreamCapacity(id)
	if err != nil {
		return fmt.Errorf("failed to query capacity of stream %d: %w", id, err)
	}
	if capacity < len(frame) {
		return ErrStreamBlocked
	}

	n, err := t.StreamSend(id, frame, fin)
	if err != nil {
		return fmt.Errorf("failed to write headers on stream %d: %w", id, err)
	}
	if n != len(frame) {
		return fmt.Errorf("headers on stream %d written partially (%d of %d bytes)", id, n, len(frame))
	}
	return nil
}

// SendBody writes as much of body as the stream admits in one DATA frame and
// returns the number of body bytes written. fin is honored only when all of
// body fits. ErrDone means there is no capacity right now.
func (c *Connection) SendBody(t Transport, id uint64, body []byte, fin bool) (int, error) {
	if len(body) == 0 {
		if !fin {
			return 0, nil
		}
		if _, err := t.StreamSend(id, nil, true); err != nil {
			return 0, fmt.Errorf("failed to finish stream %d: %w", id, err)
		}
		return 0, nil
	}

	capacity, err := t.StreamCapacity(id)
	if err != nil {
		return 0, fmt.Errorf("failed to query capacity of stream %d: %w", id, err)
	}

	overhead := frameHeaderLen(frameData, uint64(len(body)))
	if capacity <= overhead {
		return 0, ErrDone
	}

	n := len(body)
	if n > capacity-overhead {
		n = capacity - overhead
		fin = false
	}

	var hdr [16]byte
	if _, err := t.StreamSend(id, appendFrameHeader(hdr[:0], frameData, uint64(n)), false); err != nil {
		return 0, fmt.Errorf("failed to write DATA frame header on stream %d: %w", id, err)
	}
	written, err := t.StreamSend(id, body[:n], fin)
	if err != nil {
		return 0, fmt.Errorf("failed to write body on stream %d: %w", id, err)
	}
	if written != n {
		return written, fmt.Errorf("body on stream %d written partially (%d of %d bytes)", id, written, n)
	}
	return n, nil
}

// SendGoAway tells the peer no stream at or above id will be processed.
func (c *Connection) SendGoAway(t Transport, id uint64) error {
	c.controlOut = appendGoAway(c.controlOut, id)
	return c.flushControl(t)
}

// SendPriorityUpdate reprioritizes a request stream.
func (c *Connection) SendPriorityUpdate(t Transport, id uint64, field string) error {
	if c.isServer {
		return fmt.Errorf("%w: only clients send priority updates", ErrFrameUnexpected)
	}
	c.controlOut = appendPriorityUpdate(c.controlOut, id, field)
	return c.flushControl(t)
}

// SendDgram sends payload as an HTTP datagram tied to a request stream.
func (c *Connection) SendDgram(t Transport, id uint64, payload []byte) error {
	if !c.peerSettings.h3Datagram {
		return ErrDatagramsNotSupported
	}
	b := quicvarint.Append(make([]byte, 0, 8+len(payload)), id/4)
	return t.DgramSend(append(b, payload...))
}

// Poll returns the next event. ErrDone means there are none right now. Any
// other error is a connection error and the transport has already been asked
// to close with the matching ErrorCode.
func (c *Connection) Poll(t Transport) (uint64, Event, error) {
	if err := c.flushControl(t); err != nil {
		return 0, Event{}, c.closeOnError(t, err)
	}
	if id, ev, ok := c.popQueued(); ok {
		return id, ev, nil
	}

	for _, id := range t.Readable() {
		evID, ev, ok, err := c.processStream(t, id)
		if err != nil {
			return 0, Event{}, c.closeOnError(t, err)
		}
		if ok {
			return evID, ev, nil
		}
	}

	if id, ev, ok := c.popQueued(); ok {
		return id, ev, nil
	}
	if !c.dgramNotified && t.DgramRecvQueueLen() > 0 {
		c.dgramNotified = true
		return 0, Event{Type: EventDatagram}, nil
	}
	return 0, Event{}, ErrDone
}

func (c *Connection) closeOnError(t Transport, err error) error {
	code := ErrorCode(err)
	if cerr := t.Close(true, code, nil); cerr != nil && !errors.Is(cerr, transport.ErrDone) {
		c.log.Debug().Err(cerr).Msg("failed to close connection")
	}
	c.log.Debug().Err(err).Uint64("code", code).Msg("closing connection")
	return err
}

func (c *Connection) popQueued() (uint64, Event, bool) {
	if len(c.queued) == 0 {
		return 0, Event{}, false
	}
	q := c.queued[0]
	c.queued = c.queued[1:]
	return q.id, q.ev, true
}

func (c *Connection) streamFor(id uint64) (*stream, error) {
	if st, ok := c.streams[id]; ok {
		return st, nil
	}

	if id&0x2 == 0 {
		clientInitiated := id&0x1 == 0
		if !c.isServer || !clientInitiated {
			return nil, fmt.Errorf("%w: unexpected bidirectional stream %d", ErrStreamCreation, id)
		}
		st := &stream{id: id, state: stateFrameType}
		c.streams[id] = st
		return st, nil
	}

	st := &stream{id: id, uni: true, state: stateStreamType}
	c.streams[id] = st
	return st, nil
}

func (c *Connection) openUni(st *stream, typ uint64) error {
	switch typ {
	case streamTypeControl:
		if c.hasPeerControl {
			return fmt.Errorf("%w: second control stream %d", ErrStreamCreation, st.id)
		}
		c.hasPeerControl = true
		st.critical = true
		st.state = stateFrameType
	case streamTypePush:
		return fmt.Errorf("%w: push stream %d without MAX_PUSH_ID", ErrIDError, st.id)
	case streamTypeQpackEncoder, streamTypeQpackDecoder:
		st.critical = true
		st.state = stateDrain
	default:
		st.state = stateDrain
	}
	c.log.Trace().Uint64("stream_id", st.id).Uint64("type", typ).Msg("peer opened unidirectional stream")
	return nil
}

// processStream advances a readable stream until it yields an event or runs
// out of bytes.
func (c *Connection) processStream(t Transport, id uint64) (uint64, Event, bool, error) {
	st, err := c.streamFor(id)
	if err != nil {
		return 0, Event{}, false, err
	}

	for {
		switch st.state {
		case stateStreamType:
			v, ok, err := c.readVarint(t, st)
			if !ok {
				return c.interrupted(st, err)
			}
			if err := c.openUni(st, v); err != nil {
				return 0, Event{}, false, err
			}

		case stateFrameType:
			v, ok, err := c.readVarint(t, st)
			if !ok {
				return c.interrupted(st, err)
			}
			st.frameType = v
			st.state = stateFrameLen

		case stateFrameLen:
			v, ok, err := c.readVarint(t, st)
			if !ok {
				return c.interrupted(st, err)
			}
			st.frameLen = v
			if err := c.onFrameHeader(st); err != nil {
				return 0, Event{}, false, err
			}
			c.maybeFinished(st)

		case stateFramePayload:
			ok, err := c.readInto(t, st, int(st.frameLen))
			if !ok {
				return c.interrupted(st, err)
			}
			st.state = stateFrameType
			evID, ev, emitted, err := c.onFrame(st, st.buf)
			st.buf = st.buf[:0]
			if err != nil {
				return 0, Event{}, false, err
			}
			c.maybeFinished(st)
			if emitted {
				return evID, ev, true, nil
			}

		case stateData:
			if st.dataNotified {
				return 0, Event{}, false, nil
			}
			st.dataNotified = true
			return st.id, Event{Type: EventData}, true, nil

		case stateDrain:
			return 0, Event{}, false, c.drain(t, st)

		default:
			return 0, Event{}, false, nil
		}
	}
}

// interrupted handles a read that could not complete: no bytes yet, the
// peer finished the stream, or the peer reset it.
func (c *Connection) interrupted(st *stream, err error) (uint64, Event, bool, error) {
	var reset *transport.StreamResetError
	switch {
	case errors.As(err, &reset):
		if st.critical {
			return 0, Event{}, false, fmt.Errorf("%w: stream %d reset", ErrClosedCriticalStream, st.id)
		}
		st.state = stateDone
		if st.uni {
			return 0, Event{}, false, nil
		}
		return st.id, Event{Type: EventReset, ResetCode: reset.Code}, true, nil
	case err != nil:
		return 0, Event{}, false, err
	case !st.fin:
		return 0, Event{}, false, nil
	case st.critical:
		return 0, Event{}, false, fmt.Errorf("%w: stream %d finished", ErrClosedCriticalStream, st.id)
	case st.state == stateFrameType && len(st.buf) == 0:
		st.state = stateDone
		if st.uni {
			return 0, Event{}, false, nil
		}
		return st.id, Event{Type: EventFinished}, true, nil
	default:
		st.state = stateDone
		return 0, Event{}, false, fmt.Errorf("%w: stream %d ended mid-frame", ErrFrameError, st.id)
	}
}

// maybeFinished queues Finished for a request stream whose fin was read
// together with its last frame; the transport will not report it again.
func (c *Connection) maybeFinished(st *stream) {
	if !st.fin || st.uni || st.state != stateFrameType || len(st.buf) > 0 {
		return
	}
	st.state = stateDone
	c.queued = append(c.queued, queuedEvent{id: st.id, ev: Event{Type: EventFinished}})
}

// readInto fills st.buf up to total bytes. It reports false when the
// transport has nothing more right now or the stream ended first.
func (c *Connection) readInto(t Transport, st *stream, total int) (bool, error) {
	if total > cap(st.buf) {
		buf := make([]byte, len(st.buf), total)
		copy(buf, st.buf)
		st.buf = buf
	}
	for len(st.buf) < total {
		if st.fin {
			return false, nil
		}
		n, fin, err := t.StreamRecv(st.id, st.buf[len(st.buf):total])
		if errors.Is(err, transport.ErrDone) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		st.buf = st.buf[:len(st.buf)+n]
		if fin {
			st.fin = true
		}
	}
	return true, nil
}

func (c *Connection) readVarint(t Transport, st *stream) (uint64, bool, error) {
	if ok, err := c.readInto(t, st, 1); !ok {
		return 0, false, err
	}
	if ok, err := c.readInto(t, st, 1<<(st.buf[0]>>6)); !ok {
		return 0, false, err
	}
	v, _, err := quicvarint.Parse(st.buf)
	st.buf = st.buf[:0]
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrFrameError, err)
	}
	return v, true, nil
}

func (c *Connection) drain(t Transport, st *stream) error {
	var scratch [512]byte
	for {
		_, fin, err := t.StreamRecv(st.id, scratch[:])
		if errors.Is(err, transport.ErrDone) {
			return nil
		}
		var reset *transport.StreamResetError
		if errors.As(err, &reset) || fin {
			st.state = stateDone
			if st.critical {
				return fmt.Errorf("%w: stream %d closed", ErrClosedCriticalStream, st.id)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Connection) onFrameHeader(st *stream) error {
	if st.uni {
		if !st.settingsRecvd && st.frameType != frameSettings {
			return fmt.Errorf("%w: control stream began with frame 0x%x", ErrMissingSettings, st.frameType)
		}
		switch st.frameType {
		case frameData, frameHeaders, framePushPromise:
			return fmt.Errorf("%w: frame 0x%x on control stream", ErrFrameUnexpected, st.frameType)
		}
		if st.frameLen > maxBufferedFrame {
			return fmt.Errorf("%w: control frame of %d bytes", ErrExcessiveLoad, st.frameLen)
		}
		st.state = stateFramePayload
		return nil
	}

	switch st.frameType {
	case frameData:
		if !st.headersRecvd {
			return fmt.Errorf("%w: DATA before HEADERS on stream %d", ErrFrameUnexpected, st.id)
		}
		st.dataLeft = st.frameLen
		st.dataNotified = false
		st.state = stateData
		if st.frameLen == 0 {
			st.state = stateFrameType
		}
		return nil
	case frameHeaders:
		limit := c.cfg.MaxFieldSectionSize
		if limit == 0 {
			limit = maxBufferedFrame
		}
		if st.frameLen > limit {
			return fmt.Errorf("%w: header block of %d bytes", ErrExcessiveLoad, st.frameLen)
		}
	case framePushPromise:
		return fmt.Errorf("%w: PUSH_PROMISE without MAX_PUSH_ID", ErrIDError)
	case frameSettings, frameGoAway, frameMaxPushID, frameCancelPush, framePriorityUpdateRequest, framePriorityUpdatePush:
		return fmt.Errorf("%w: frame 0x%x on request stream %d", ErrFrameUnexpected, st.frameType, st.id)
	default:
		if st.frameLen > maxBufferedFrame {
			return fmt.Errorf("%w: unknown frame of %d bytes", ErrExcessiveLoad, st.frameLen)
		}
	}
	st.state = stateFramePayload
	return nil
}

func (c *Connection) onFrame(st *stream, payload []byte) (uint64, Event, bool, error) {
	if st.uni {
		return c.onControlFrame(st, payload)
	}

	if st.frameType != frameHeaders {
		c.log.Trace().Uint64("stream_id", st.id).Uint64("type", st.frameType).Msg("skipped unknown frame")
		return 0, Event{}, false, nil
	}

	headers, err := decodeHeaders(c.dec, payload)
	if err != nil {
		return 0, Event{}, false, err
	}
	st.headersRecvd = true
	return st.id, Event{Type: EventHeaders, Headers: headers, MoreFrames: !st.fin}, true, nil
}

func (c *Connection) onControlFrame(st *stream, payload []byte) (uint64, Event, bool, error) {
	switch st.frameType {
	case frameSettings:
		if st.settingsRecvd {
			return 0, Event{}, false, fmt.Errorf("%w: second SETTINGS frame", ErrFrameUnexpected)
		}
		s, err := unmarshalSettings(payload)
		if err != nil {
			return 0, Event{}, false, err
		}
		st.settingsRecvd = true
		c.peerSettings = s
		c.hasPeerSettings = true
		c.log.Debug().
			Uint64("max_field_section_size", s.maxFieldSectionSize).
			Bool("h3_datagram", s.h3Datagram).
			Msg("received peer settings")

	case frameGoAway:
		id, _, err := quicvarint.Parse(payload)
		if err != nil {
			return 0, Event{}, false, fmt.Errorf("%w: malformed GOAWAY", ErrFrameError)
		}
		if !c.isServer && id&0x3 != 0 {
			return 0, Event{}, false, fmt.Errorf("%w: GOAWAY names stream %d", ErrIDError, id)
		}
		if c.goAwayRecvd && id > c.goAwayID {
			return 0, Event{}, false, fmt.Errorf("%w: GOAWAY id grew from %d to %d", ErrIDError, c.goAwayID, id)
		}
		c.goAwayRecvd = true
		c.goAwayID = id
		return id, Event{Type: EventGoAway, GoAwayID: id}, true, nil

	case framePriorityUpdateRequest, framePriorityUpdatePush:
		id, n, err := quicvarint.Parse(payload)
		if err != nil {
			return 0, Event{}, false, fmt.Errorf("%w: malformed PRIORITY_UPDATE", ErrFrameError)
		}
		if !c.isServer {
			return 0, Event{}, false, fmt.Errorf("%w: PRIORITY_UPDATE sent by server", ErrFrameUnexpected)
		}
		return id, Event{Type: EventPriorityUpdate, PriorityField: string(payload[n:])}, true, nil
	}
	return 0, Event{}, false, nil
}

// RecvBody reads body bytes of the current DATA frame. ErrDone re-arms the
// Data event for the stream.
func (c *Connection) RecvBody(t Transport, id uint64, b []byte) (int, error) {
	st, ok := c.streams[id]
	if !ok || st.state != stateData {
		return 0, ErrDone
	}
	if len(b) == 0 {
		return 0, nil
	}

	n := len(b)
	if uint64(n) > st.dataLeft {
		n = int(st.dataLeft)
	}

	read, fin, err := t.StreamRecv(id, b[:n])
	if errors.Is(err, transport.ErrDone) {
		st.dataNotified = false
		return 0, ErrDone
	}
	var reset *transport.StreamResetError
	if errors.As(err, &reset) {
		st.state = stateDone
		c.queued = append(c.queued, queuedEvent{id: id, ev: Event{Type: EventReset, ResetCode: reset.Code}})
		return 0, ErrDone
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read body of stream %d: %w", id, err)
	}

	st.dataLeft -= uint64(read)
	if fin {
		st.fin = true
	}
	switch {
	case st.dataLeft == 0:
		st.state = stateFrameType
		st.dataNotified = false
		c.maybeFinished(st)
	case fin:
		st.state = stateDone
		return read, fmt.Errorf("%w: stream %d ended inside a DATA frame", ErrFrameError, id)
	}
	return read, nil
}

// RecvDgram reads the next HTTP datagram into b and returns the payload
// length and the request stream it belongs to.
func (c *Connection) RecvDgram(t Transport, b []byte) (int, uint64, error) {
	n, err := t.DgramRecv(b)
	if errors.Is(err, transport.ErrDone) {
		c.dgramNotified = false
		return 0, 0, ErrDone
	}
	if err != nil {
		return 0, 0, err
	}
	quarter, l, err := quicvarint.Parse(b[:n])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: datagram without stream id", ErrGeneralProtocol)
	}
	copy(b, b[l:n])
	return n - l, quarter * 4, nil
}

// PeerSettingsReceived reports whether the peer's SETTINGS arrived.
func (c *Connection) PeerSettingsReceived() bool { return c.hasPeerSettings }

// GoingAway reports whether the peer sent GOAWAY and the id it named.
func (c *Connection) GoingAway() (uint64, bool) { return c.goAwayID, c.goAwayRecvd }
