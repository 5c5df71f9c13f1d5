package transport

import (
	"fmt"
	"sort"
)

func isBidi(id uint64) bool { return id&0x2 == 0 }

func isLocal(id uint64, isServer bool) bool { return (id&0x1 == 1) == isServer }

type stream struct {
	id   uint64
	send *sendStream // nil for peer-initiated unidirectional streams
	recv *recvStream // nil for local unidirectional streams
}

func (s *stream) complete() bool {
	sendDone := s.send == nil || s.send.complete()
	recvDone := s.recv == nil || s.recv.complete()
	return sendDone && recvDone
}

// sendStream buffers written data until the peer acknowledges it.
type sendStream struct {
	buf  []byte // unacknowledged data starting at base
	base uint64
	next uint64 // first offset never sent

	maxData uint64 // peer credit

	fin      bool
	finSent  bool
	finAcked bool
	lostFin  bool

	acked rangeSet
	lost  rangeSet

	reset     bool
	resetCode uint64
	stopped   *StreamStoppedError
}

func (s *sendStream) written() uint64 { return s.base + uint64(len(s.buf)) }

func (s *sendStream) capacity() uint64 {
	if s.fin || s.reset || s.maxData <= s.written() {
		return 0
	}
	return s.maxData - s.written()
}

func (s *sendStream) write(b []byte, fin bool) {
	s.buf = append(s.buf, b...)
	if fin {
		s.fin = true
	}
}

func (s *sendStream) pending() bool {
	if s.reset {
		return false
	}
	return len(s.lost) > 0 || s.lostFin || s.next < s.written() || (s.fin && !s.finSent)
}

// emit returns the next range to put on the wire, at most max bytes long.
// Lost ranges are retransmitted before new data.
func (s *sendStream) emit(max int) (off uint64, data []byte, fin bool, ok bool) {
	if s.reset {
		return 0, nil, false, false
	}
	if r, popped := s.lost.popFirst(uint64(max)); popped {
		data = s.buf[r.start-s.base : r.end-s.base]
		fin = s.fin && r.end == s.written() && (s.lostFin || !s.finSent)
		if fin {
			s.lostFin = false
			s.finSent = true
		}
		return r.start, data, fin, true
	}
	if s.next < s.written() && max > 0 {
		n := s.written() - s.next
		if n > uint64(max) {
			n = uint64(max)
		}
		off = s.next
		data = s.buf[off-s.base : off-s.base+n]
		s.next += n
		fin = s.fin && s.next == s.written()
		if fin {
			s.finSent = true
			s.lostFin = false
		}
		return off, data, fin, true
	}
	if s.fin && (!s.finSent || s.lostFin) && s.next == s.written() {
		s.finSent = true
		s.lostFin = false
		return s.written(), nil, true, true
	}
	return 0, nil, false, false
}

func (s *sendStream) onAcked(off, n uint64, fin bool) {
	s.acked.add(off, off+n)
	s.lost.remove(off, off+n)
	if fin {
		s.finAcked = true
		s.lostFin = false
	}
	if len(s.acked) > 0 && s.acked[0].start <= s.base && s.acked[0].end > s.base {
		trim := s.acked[0].end - s.base
		s.buf = s.buf[trim:]
		s.base += trim
		s.acked.trimBelow(s.base)
		if len(s.buf) == 0 {
			s.buf = nil
		}
	}
}

func (s *sendStream) onLost(off, n uint64, fin bool) {
	if s.reset {
		return
	}
	start, end := off, off+n
	if start < s.base {
		start = s.base
	}
	if start < end {
		s.lost.add(start, end)
		for _, r := range s.acked {
			s.lost.remove(r.start, r.end)
		}
	}
	if fin && !s.finAcked {
		s.lostFin = true
	}
}

func (s *sendStream) complete() bool {
	if s.reset {
		return true
	}
	return s.fin && s.finAcked && s.base == s.written()
}

type segment struct {
	off  uint64
	data []byte
}

func (s segment) end() uint64 { return s.off + uint64(len(s.data)) }

// recvStream reassembles incoming data in offset order.
type recvStream struct {
	segs    []segment
	readOff uint64
	highest uint64

	finalSize uint64
	finKnown  bool
	finRead   bool

	maxData uint64 // advertised limit
	window  uint64

	reset     bool
	resetCode uint64
	resetRead bool
}

func newRecvStream(window uint64) *recvStream {
	return &recvStream{maxData: window, window: window}
}

// push stores data and returns how far it moved the highest received offset.
func (r *recvStream) push(off uint64, data []byte, fin bool) (uint64, error) {
	end := off + uint64(len(data))
	if end > r.maxData {
		return 0, fmt.Errorf("%w: stream data up to %d exceeds limit %d", ErrFlowControl, end, r.maxData)
	}
	if r.finKnown && (end > r.finalSize || (fin && end != r.finalSize)) {
		return 0, fmt.Errorf("%w: final size %d changed", ErrFinalSize, r.finalSize)
	}
	if fin {
		if end < r.highest {
			return 0, fmt.Errorf("%w: final size %d below received data", ErrFinalSize, end)
		}
		r.finalSize = end
		r.finKnown = true
	}
	if r.reset {
		return 0, nil
	}

	var grown uint64
	if end > r.highest {
		grown = end - r.highest
		r.highest = end
	}

	if end <= r.readOff || len(data) == 0 {
		return grown, nil
	}
	if off < r.readOff {
		data = data[r.readOff-off:]
		off = r.readOff
	}

	seg := segment{off: off, data: append([]byte(nil), data...)}
	i := sort.Search(len(r.segs), func(i int) bool { return r.segs[i].off > off })
	r.segs = append(r.segs, segment{})
	copy(r.segs[i+1:], r.segs[i:])
	r.segs[i] = seg

	return grown, nil
}

func (r *recvStream) readable() bool {
	if r.reset {
		return !r.resetRead
	}
	if len(r.segs) > 0 && r.segs[0].off <= r.readOff {
		return true
	}
	return r.finKnown && !r.finRead && r.readOff == r.finalSize
}

func (r *recvStream) read(b []byte) (int, bool) {
	n := 0
	for n < len(b) && len(r.segs) > 0 {
		s := r.segs[0]
		if s.off > r.readOff {
			break
		}
		if s.end() <= r.readOff {
			r.segs = r.segs[1:]
			continue
		}
		c := copy(b[n:], s.data[r.readOff-s.off:])
		n += c
		r.readOff += uint64(c)
		if s.end() <= r.readOff {
			r.segs = r.segs[1:]
		}
	}
	fin := r.finKnown && r.readOff == r.finalSize
	if fin {
		r.finRead = true
	}
	return n, fin
}

// onReset returns how far the final size moved the highest received offset.
func (r *recvStream) onReset(code, finalSize uint64) (uint64, error) {
	if r.finKnown && r.finalSize != finalSize {
		return 0, fmt.Errorf("%w: reset final size %d differs from %d", ErrFinalSize, finalSize, r.finalSize)
	}
	if finalSize < r.highest || finalSize > r.maxData {
		return 0, fmt.Errorf("%w: reset final size %d", ErrFinalSize, finalSize)
	}
	var grown uint64
	if !r.reset {
		grown = finalSize - r.highest
		r.highest = finalSize
		r.reset = true
		r.resetCode = code
		r.finalSize = finalSize
		r.finKnown = true
		r.segs = nil
	}
	return grown, nil
}

// windowUpdate returns the new limit to advertise, if the window is half spent.
func (r *recvStream) windowUpdate() (uint64, bool) {
	if r.finKnown || r.reset {
		return 0, false
	}
	if r.maxData-r.readOff >= r.window/2 {
		return 0, false
	}
	r.maxData = r.readOff + r.window
	return r.maxData, true
}

func (r *recvStream) complete() bool {
	if r.reset {
		return r.resetRead
	}
	return r.finRead
}
