package transport

import (
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

const (
	frameTypePadding          = 0x00
	frameTypePing             = 0x01
	frameTypeAck              = 0x02
	frameTypeResetStream      = 0x04
	frameTypeStopSending      = 0x05
	frameTypeHello            = 0x06
	frameTypeStream           = 0x08 // 0x08..0x0f
	frameTypeMaxData          = 0x10
	frameTypeMaxStreamData    = 0x11
	frameTypeConnectionClose  = 0x1c
	frameTypeApplicationClose = 0x1d
	frameTypeDatagram         = 0x31
)

const (
	streamBitFin = 0x01
	streamBitLen = 0x02
	streamBitOff = 0x04
)

// maxAckRanges bounds the ranges carried by one ACK frame.
const maxAckRanges = 32

type frame interface {
	AppendTo(dst []byte) []byte
	ackEliciting() bool
}

type paddingFrame struct{ n int }

func (f paddingFrame) AppendTo(dst []byte) []byte {
	for i := 0; i < f.n; i++ {
		dst = append(dst, frameTypePadding)
	}
	return dst
}
func (paddingFrame) ackEliciting() bool { return false }

type pingFrame struct{}

func (pingFrame) AppendTo(dst []byte) []byte { return append(dst, frameTypePing) }
func (pingFrame) ackEliciting() bool         { return true }

// ackFrame acknowledges the packet numbers in ranges.
type ackFrame struct {
	ranges rangeSet
	delay  uint64 // microseconds
}

func (f ackFrame) AppendTo(dst []byte) []byte {
	rs := f.ranges
	if len(rs) > maxAckRanges {
		rs = rs[len(rs)-maxAckRanges:]
	}
	last := rs[len(rs)-1]
	dst = quicvarint.Append(dst, frameTypeAck)
	dst = quicvarint.Append(dst, last.end-1)
	dst = quicvarint.Append(dst, f.delay)
	dst = quicvarint.Append(dst, uint64(len(rs)-1))
	dst = quicvarint.Append(dst, last.len()-1)
	smallest := last.start
	for i := len(rs) - 2; i >= 0; i-- {
		r := rs[i]
		dst = quicvarint.Append(dst, smallest-r.end-1)
		dst = quicvarint.Append(dst, r.len()-1)
		smallest = r.start
	}
	return dst
}
func (ackFrame) ackEliciting() bool { return false }

type resetStreamFrame struct {
	streamID  uint64
	code      uint64
	finalSize uint64
}

func (f resetStreamFrame) AppendTo(dst []byte) []byte {
	dst = quicvarint.Append(dst, frameTypeResetStream)
	dst = quicvarint.Append(dst, f.streamID)
	dst = quicvarint.Append(dst, f.code)
	return quicvarint.Append(dst, f.finalSize)
}
func (resetStreamFrame) ackEliciting() bool { return true }

type stopSendingFrame struct {
	streamID uint64
	code     uint64
}

func (f stopSendingFrame) AppendTo(dst []byte) []byte {
	dst = quicvarint.Append(dst, frameTypeStopSending)
	dst = quicvarint.Append(dst, f.streamID)
	return quicvarint.Append(dst, f.code)
}
func (stopSendingFrame) ackEliciting() bool { return true }

// helloFrame carries one handshake message.
type helloFrame struct{ data []byte }

func (f helloFrame) AppendTo(dst []byte) []byte {
	dst = quicvarint.Append(dst, frameTypeHello)
	dst = quicvarint.Append(dst, uint64(len(f.data)))
	return append(dst, f.data...)
}
func (helloFrame) ackEliciting() bool { return true }

type streamFrame struct {
	streamID uint64
	offset   uint64
	data     []byte
	fin      bool
}

func (f streamFrame) AppendTo(dst []byte) []byte {
	typ := uint64(frameTypeStream | streamBitOff | streamBitLen)
	if f.fin {
		typ |= streamBitFin
	}
	dst = quicvarint.Append(dst, typ)
	dst = quicvarint.Append(dst, f.streamID)
	dst = quicvarint.Append(dst, f.offset)
	dst = quicvarint.Append(dst, uint64(len(f.data)))
	return append(dst, f.data...)
}
func (streamFrame) ackEliciting() bool { return true }

// streamFrameOverhead is the encoded size of a stream frame minus its data.
func streamFrameOverhead(id, off uint64, n int) int {
	return 1 + quicvarint.Len(id) + quicvarint.Len(off) + quicvarint.Len(uint64(n))
}

type maxDataFrame struct{ max uint64 }

func (f maxDataFrame) AppendTo(dst []byte) []byte {
	dst = quicvarint.Append(dst, frameTypeMaxData)
	return quicvarint.Append(dst, f.max)
}
func (maxDataFrame) ackEliciting() bool { return true }

type maxStreamDataFrame struct {
	streamID uint64
	max      uint64
}

func (f maxStreamDataFrame) AppendTo(dst []byte) []byte {
	dst = quicvarint.Append(dst, frameTypeMaxStreamData)
	dst = quicvarint.Append(dst, f.streamID)
	return quicvarint.Append(dst, f.max)
}
func (maxStreamDataFrame) ackEliciting() bool { return true }

type closeFrame struct {
	app       bool
	code      uint64
	frameType uint64
	reason    []byte
}

func (f closeFrame) AppendTo(dst []byte) []byte {
	if f.app {
		dst = quicvarint.Append(dst, frameTypeApplicationClose)
	} else {
		dst = quicvarint.Append(dst, frameTypeConnectionClose)
	}
	dst = quicvarint.Append(dst, f.code)
	if !f.app {
		dst = quicvarint.Append(dst, f.frameType)
	}
	dst = quicvarint.Append(dst, uint64(len(f.reason)))
	return append(dst, f.reason...)
}
func (closeFrame) ackEliciting() bool { return false }

type datagramFrame struct{ data []byte }

func (f datagramFrame) AppendTo(dst []byte) []byte {
	dst = quicvarint.Append(dst, frameTypeDatagram)
	dst = quicvarint.Append(dst, uint64(len(f.data)))
	return append(dst, f.data...)
}
func (datagramFrame) ackEliciting() bool { return true }

func frameLen(f frame) int { return len(f.AppendTo(nil)) }

func readVarint(b []byte) (uint64, []byte, error) {
	v, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, b, fmt.Errorf("%w: %s", ErrInvalidFrame, err)
	}
	return v, b[n:], nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	n, b, err := readVarint(b)
	if err != nil {
		return nil, b, err
	}
	if uint64(len(b)) < n {
		return nil, b, fmt.Errorf("%w: length %d exceeds payload", ErrInvalidFrame, n)
	}
	return b[:n], b[n:], nil
}

// parseFrame decodes the first frame in b and returns the remaining bytes.
// Decoded frames alias b.
func parseFrame(b []byte) (frame, []byte, error) {
	typ, rest, err := readVarint(b)
	if err != nil {
		return nil, b, err
	}

	switch {
	case typ == frameTypePadding:
		n := 1
		for n < len(b) && b[n] == frameTypePadding {
			n++
		}
		return paddingFrame{n: n}, b[n:], nil
	case typ == frameTypePing:
		return pingFrame{}, rest, nil
	case typ == frameTypeAck:
		return parseAckFrame(rest)
	case typ == frameTypeResetStream:
		var f resetStreamFrame
		if f.streamID, rest, err = readVarint(rest); err != nil {
			return nil, rest, err
		}
		if f.code, rest, err = readVarint(rest); err != nil {
			return nil, rest, err
		}
		if f.finalSize, rest, err = readVarint(rest); err != nil {
			return nil, rest, err
		}
		return f, rest, nil
	case typ == frameTypeStopSending:
		var f stopSendingFrame
		if f.streamID, rest, err = readVarint(rest); err != nil {
			return nil, rest, err
		}
		if f.code, rest, err = readVarint(rest); err != nil {
			return nil, rest, err
		}
		return f, rest, nil
	case typ == frameTypeHello:
		var f helloFrame
		if f.data, rest, err = readBytes(rest); err != nil {
			return nil, rest, err
		}
		return f, rest, nil
	case typ >= frameTypeStream && typ <= frameTypeStream|0x07:
		return parseStreamFrame(typ, rest)
	case typ == frameTypeMaxData:
		var f maxDataFrame
		if f.max, rest, err = readVarint(rest); err != nil {
			return nil, rest, err
		}
		return f, rest, nil
	case typ == frameTypeMaxStreamData:
		var f maxStreamDataFrame
		if f.streamID, rest, err = readVarint(rest); err != nil {
			return nil, rest, err
		}
		if f.max, rest, err = readVarint(rest); err != nil {
			return nil, rest, err
		}
		return f, rest, nil
	case typ == frameTypeConnectionClose || typ == frameTypeApplicationClose:
		f := closeFrame{app: typ == frameTypeApplicationClose}
		if f.code, rest, err = readVarint(rest); err != nil {
			return nil, rest, err
		}
		if !f.app {
			if f.frameType, rest, err = readVarint(rest); err != nil {
				return nil, rest, err
			}
		}
		if f.reason, rest, err = readBytes(rest); err != nil {
			return nil, rest, err
		}
		return f, rest, nil
	case typ == frameTypeDatagram:
		var f datagramFrame
		if f.data, rest, err = readBytes(rest); err != nil {
			return nil, rest, err
		}
		return f, rest, nil
	}

	return nil, rest, fmt.Errorf("%w: unknown frame type 0x%x", ErrInvalidFrame, typ)
}

func parseAckFrame(b []byte) (frame, []byte, error) {
	var (
		f                          ackFrame
		largest, count, firstRange uint64
		err                        error
	)
	if largest, b, err = readVarint(b); err != nil {
		return nil, b, err
	}
	if f.delay, b, err = readVarint(b); err != nil {
		return nil, b, err
	}
	if count, b, err = readVarint(b); err != nil {
		return nil, b, err
	}
	if firstRange, b, err = readVarint(b); err != nil {
		return nil, b, err
	}
	if firstRange > largest {
		return nil, b, fmt.Errorf("%w: ack range underflow", ErrInvalidFrame)
	}
	smallest := largest - firstRange
	f.ranges.add(smallest, largest+1)

	for i := uint64(0); i < count; i++ {
		var gap, length uint64
		if gap, b, err = readVarint(b); err != nil {
			return nil, b, err
		}
		if length, b, err = readVarint(b); err != nil {
			return nil, b, err
		}
		if smallest < gap+2 {
			return nil, b, fmt.Errorf("%w: ack gap underflow", ErrInvalidFrame)
		}
		hi := smallest - gap - 2
		if length > hi {
			return nil, b, fmt.Errorf("%w: ack range underflow", ErrInvalidFrame)
		}
		smallest = hi - length
		f.ranges.add(smallest, hi+1)
	}
	return f, b, nil
}

func parseStreamFrame(typ uint64, b []byte) (frame, []byte, error) {
	var (
		f   streamFrame
		err error
	)
	f.fin = typ&streamBitFin != 0
	if f.streamID, b, err = readVarint(b); err != nil {
		return nil, b, err
	}
	if typ&streamBitOff != 0 {
		if f.offset, b, err = readVarint(b); err != nil {
			return nil, b, err
		}
	}
	if typ&streamBitLen != 0 {
		if f.data, b, err = readBytes(b); err != nil {
			return nil, b, err
		}
	} else {
		f.data, b = b, b[len(b):]
	}
	if f.offset+uint64(len(f.data)) > quicvarint.Max {
		return nil, b, fmt.Errorf("%w: stream offset overflow", ErrInvalidFrame)
	}
	return f, b, nil
}
