package transport

import (
	"fmt"
	"sort"
)

func (s *Session) newStream(id uint64) *stream {
	st := &stream{id: id}
	local := isLocal(id, s.isServer)
	p := s.peerParams

	switch {
	case isBidi(id) && local:
		st.send = &sendStream{maxData: p.initialMaxStreamDataBidiRemote}
		st.recv = newRecvStream(s.cfg.InitialMaxStreamDataBidiLocal)
	case isBidi(id):
		st.send = &sendStream{maxData: p.initialMaxStreamDataBidiLocal}
		st.recv = newRecvStream(s.cfg.InitialMaxStreamDataBidiRemote)
	case local:
		st.send = &sendStream{maxData: p.initialMaxStreamDataUni}
	default:
		st.recv = newRecvStream(s.cfg.InitialMaxStreamDataUni)
	}

	s.streams[id] = st
	return st
}

// streamForRecv returns the stream a peer frame carrying data refers to,
// opening peer-initiated streams on first use. A nil stream means the
// stream already completed and the frame is stale.
func (s *Session) streamForRecv(id uint64) (*stream, error) {
	if st, ok := s.streams[id]; ok {
		if st.recv == nil {
			return nil, fmt.Errorf("%w: stream %d is send-only", ErrInvalidStreamState, id)
		}
		return st, nil
	}
	if _, ok := s.gone[id]; ok {
		return nil, nil
	}
	if isLocal(id, s.isServer) {
		if !isBidi(id) {
			return nil, fmt.Errorf("%w: stream %d is send-only", ErrInvalidStreamState, id)
		}
		return nil, fmt.Errorf("%w: stream %d not opened", ErrInvalidStreamState, id)
	}

	limit := s.cfg.InitialMaxStreamsUni
	if isBidi(id) {
		limit = s.cfg.InitialMaxStreamsBidi
	}
	if id>>2 >= limit {
		return nil, fmt.Errorf("%w: stream %d", ErrStreamLimit, id)
	}
	return s.newStream(id), nil
}

// streamForPeerCredit resolves the target of MAX_STREAM_DATA or STOP_SENDING.
func (s *Session) streamForPeerCredit(id uint64) (*stream, error) {
	if st, ok := s.streams[id]; ok {
		if st.send == nil {
			return nil, fmt.Errorf("%w: stream %d is receive-only", ErrInvalidStreamState, id)
		}
		return st, nil
	}
	if _, ok := s.gone[id]; ok {
		return nil, nil
	}
	if !isLocal(id, s.isServer) && isBidi(id) {
		return s.streamForRecv(id)
	}
	return nil, fmt.Errorf("%w: stream %d not opened", ErrInvalidStreamState, id)
}

// streamForSend returns a stream this end may write to, opening local
// streams on first use.
func (s *Session) streamForSend(id uint64) (*stream, error) {
	if st, ok := s.streams[id]; ok {
		if st.send == nil {
			return nil, fmt.Errorf("%w: stream %d is receive-only", ErrInvalidStreamState, id)
		}
		return st, nil
	}
	if _, ok := s.gone[id]; ok {
		return nil, fmt.Errorf("%w: stream %d is closed", ErrInvalidStreamState, id)
	}
	if !isLocal(id, s.isServer) {
		return nil, fmt.Errorf("%w: stream %d not opened by peer", ErrInvalidStreamState, id)
	}
	if !s.hasPeerParams {
		return nil, fmt.Errorf("%w: handshake not complete", ErrInvalidState)
	}

	limit := s.peerParams.initialMaxStreamsUni
	if isBidi(id) {
		limit = s.peerParams.initialMaxStreamsBidi
	}
	if id>>2 >= limit {
		return nil, fmt.Errorf("%w: stream %d", ErrStreamLimit, id)
	}
	return s.newStream(id), nil
}

func (s *Session) gcStream(st *stream) {
	if !st.complete() {
		return
	}
	delete(s.streams, st.id)
	s.gone[st.id] = struct{}{}
}

func (s *Session) onStreamFrame(f streamFrame) error {
	st, err := s.streamForRecv(f.streamID)
	if err != nil || st == nil {
		return err
	}
	grown, err := st.recv.push(f.offset, f.data, f.fin)
	if err != nil {
		return err
	}
	return s.onDataGrown(grown)
}

func (s *Session) onDataGrown(grown uint64) error {
	s.dataRecvd += grown
	if s.dataRecvd > s.localMaxData {
		return fmt.Errorf("%w: connection data %d exceeds limit %d", ErrFlowControl, s.dataRecvd, s.localMaxData)
	}
	return nil
}

func (s *Session) onResetStream(f resetStreamFrame) error {
	st, err := s.streamForRecv(f.streamID)
	if err != nil || st == nil {
		return err
	}
	if st.recv.reset {
		return nil
	}
	readOff := st.recv.readOff
	grown, err := st.recv.onReset(f.code, f.finalSize)
	if err != nil {
		return err
	}
	if err := s.onDataGrown(grown); err != nil {
		return err
	}
	s.consume(f.finalSize - readOff)
	return nil
}

func (s *Session) onStopSending(f stopSendingFrame) error {
	st, err := s.streamForPeerCredit(f.streamID)
	if err != nil || st == nil {
		return err
	}
	if st.send.stopped == nil {
		st.send.stopped = &StreamStoppedError{StreamID: f.streamID, Code: f.code}
	}
	s.resetSend(st, f.code)
	return nil
}

func (s *Session) resetSend(st *stream, code uint64) {
	if st.send.reset {
		return
	}
	st.send.reset = true
	st.send.resetCode = code
	st.send.lost = nil
	s.control = append(s.control, resetStreamFrame{streamID: st.id, code: code, finalSize: st.send.written()})
	s.gcStream(st)
}

// consume credits n bytes to the connection window, queueing MAX_DATA when
// half of it is spent.
func (s *Session) consume(n uint64) {
	s.dataConsumed += n
	if s.localMaxData-s.dataConsumed < s.dataWindow/2 {
		s.localMaxData = s.dataConsumed + s.dataWindow
		s.queueControl(maxDataFrame{max: s.localMaxData})
	}
}

// unsent counts bytes written to streams but not yet put on the wire.
func (s *Session) unsent() int {
	n := 0
	for _, st := range s.streams {
		if st.send != nil && !st.send.reset {
			n += int(st.send.written() - st.send.next)
		}
	}
	return n
}

func (s *Session) sendCapacity(st *stream) uint64 {
	c := st.send.capacity()
	if s.maxData <= s.dataWritten {
		return 0
	}
	if conn := s.maxData - s.dataWritten; conn < c {
		c = conn
	}
	cwnd := s.rec.available() - s.unsent()
	if cwnd <= 0 {
		return 0
	}
	if uint64(cwnd) < c {
		c = uint64(cwnd)
	}
	return c
}

// StreamCapacity reports how many bytes StreamSend would accept right now.
func (s *Session) StreamCapacity(id uint64) (int, error) {
	if s.closed || s.closeFrame != nil {
		return 0, fmt.Errorf("%w: connection closing", ErrInvalidState)
	}
	st, err := s.streamForSend(id)
	if err != nil {
		return 0, err
	}
	if st.send.stopped != nil {
		return 0, st.send.stopped
	}
	return int(s.sendCapacity(st)), nil
}

// StreamSend buffers as much of b as flow and congestion control admit.
// fin is honored only if all of b was accepted. ErrDone means no room.
func (s *Session) StreamSend(id uint64, b []byte, fin bool) (int, error) {
	if s.closed || s.closeFrame != nil {
		return 0, fmt.Errorf("%w: connection closing", ErrInvalidState)
	}
	st, err := s.streamForSend(id)
	if err != nil {
		return 0, err
	}
	if st.send.stopped != nil {
		return 0, st.send.stopped
	}
	if st.send.fin || st.send.reset {
		return 0, fmt.Errorf("%w: stream %d already finished", ErrFinalSize, id)
	}

	n := len(b)
	if c := s.sendCapacity(st); uint64(n) > c {
		n = int(c)
		fin = false
	}
	if n == 0 && len(b) > 0 {
		return 0, ErrDone
	}

	st.send.write(b[:n], fin)
	s.dataWritten += uint64(n)
	return n, nil
}

// StreamRecv reads in-order stream data into b. A reset stream reports
// a *StreamResetError once.
func (s *Session) StreamRecv(id uint64, b []byte) (int, bool, error) {
	st, ok := s.streams[id]
	if !ok || st.recv == nil {
		return 0, false, fmt.Errorf("%w: stream %d not readable", ErrInvalidStreamState, id)
	}
	r := st.recv

	if r.reset {
		r.resetRead = true
		s.gcStream(st)
		return 0, false, &StreamResetError{StreamID: id, Code: r.resetCode}
	}
	if !r.readable() {
		return 0, false, ErrDone
	}

	n, fin := r.read(b)
	s.consume(uint64(n))
	if limit, ok := r.windowUpdate(); ok {
		s.queueControl(maxStreamDataFrame{streamID: id, max: limit})
	}
	if fin {
		s.gcStream(st)
	}
	return n, fin, nil
}

// StreamFinished reports whether the stream has been fully read or reset.
func (s *Session) StreamFinished(id uint64) bool {
	st, ok := s.streams[id]
	if !ok {
		_, gone := s.gone[id]
		return gone
	}
	return st.recv == nil || st.recv.complete()
}

// StreamReset abandons the sending side of a stream.
func (s *Session) StreamReset(id uint64, code uint64) error {
	st, err := s.streamForSend(id)
	if err != nil {
		return err
	}
	s.resetSend(st, code)
	return nil
}

// StreamStopSending asks the peer to stop sending on a stream.
func (s *Session) StreamStopSending(id uint64, code uint64) error {
	st, ok := s.streams[id]
	if !ok || st.recv == nil {
		return fmt.Errorf("%w: stream %d not readable", ErrInvalidStreamState, id)
	}
	s.control = append(s.control, stopSendingFrame{streamID: id, code: code})
	return nil
}

func (s *Session) sortedStreamIDs(match func(*stream) bool) []uint64 {
	var ids []uint64
	for id, st := range s.streams {
		if match(st) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Readable returns the streams with data, a fin or a reset to report.
func (s *Session) Readable() []uint64 {
	return s.sortedStreamIDs(func(st *stream) bool { return st.recv != nil && st.recv.readable() })
}

// DgramSend queues an unreliable datagram.
func (s *Session) DgramSend(b []byte) error {
	if s.closed || s.closeFrame != nil {
		return fmt.Errorf("%w: connection closing", ErrInvalidState)
	}
	if !s.hasPeerParams || s.peerParams.maxDatagramFrameSize == 0 {
		return fmt.Errorf("%w: peer does not accept datagrams", ErrInvalidState)
	}
	if uint64(frameLen(datagramFrame{data: b})) > s.peerParams.maxDatagramFrameSize {
		return ErrBufferTooShort
	}
	s.dgramSend = append(s.dgramSend, append([]byte(nil), b...))
	return nil
}

// DgramRecv pops the oldest received datagram into b.
func (s *Session) DgramRecv(b []byte) (int, error) {
	if len(s.dgramRecv) == 0 {
		return 0, ErrDone
	}
	d := s.dgramRecv[0]
	if len(b) < len(d) {
		return 0, ErrBufferTooShort
	}
	s.dgramRecv = s.dgramRecv[1:]
	return copy(b, d), nil
}

// DgramRecvQueueLen is the number of datagrams waiting for DgramRecv.
func (s *Session) DgramRecvQueueLen() int { return len(s.dgramRecv) }
