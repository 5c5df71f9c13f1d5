package transport

import (
	"fmt"
	"io"

	"github.com/lithdew/bytesutil"
)

type PacketType uint8

const (
	PacketInitial PacketType = iota
	PacketHandshake
	PacketOneRTT
)

func (t PacketType) String() string {
	switch t {
	case PacketInitial:
		return "initial"
	case PacketHandshake:
		return "handshake"
	case PacketOneRTT:
		return "1rtt"
	default:
		return "unknown"
	}
}

const (
	longHeaderBit  = 0x80
	fixedBit       = 0x40
	longTypeMask   = 0x30
	longTypeShift  = 4
	longInitial    = 0x0
	longHandshake  = 0x2
	packetNumLen   = 4
	aeadOverhead   = 16
	shortHeaderLen = 1 + ConnIDLen + packetNumLen
)

// Header is the unprotected part of a packet.
type Header struct {
	Type    PacketType
	Version uint32
	DCID    []byte
	SCID    []byte
	PN      uint32

	// Length is the number of bytes following the length field of a long
	// header packet: packet number plus sealed payload.
	Length int

	pnOffset int
}

func (h *Header) Long() bool { return h.Type != PacketOneRTT }

// ParseHeader decodes the header of the first packet in buf. Short header
// packets are assumed to carry a ConnIDLen destination connection ID.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < 1 {
		return nil, io.ErrUnexpectedEOF
	}
	first := buf[0]
	if first&fixedBit == 0 {
		return nil, fmt.Errorf("%w: fixed bit not set", ErrInvalidPacket)
	}

	var h Header

	if first&longHeaderBit == 0 {
		if len(buf) < shortHeaderLen {
			return nil, fmt.Errorf("%w: short header truncated", ErrInvalidPacket)
		}
		h.Type = PacketOneRTT
		h.DCID = buf[1 : 1+ConnIDLen]
		h.pnOffset = 1 + ConnIDLen
		h.PN = bytesutil.Uint32BE(buf[h.pnOffset : h.pnOffset+packetNumLen])
		h.Length = len(buf) - h.pnOffset
		return &h, nil
	}

	switch (first & longTypeMask) >> longTypeShift {
	case longInitial:
		h.Type = PacketInitial
	case longHandshake:
		h.Type = PacketHandshake
	default:
		return nil, fmt.Errorf("%w: unsupported long packet type", ErrInvalidPacket)
	}

	b := buf[1:]
	if len(b) < 4+1 {
		return nil, fmt.Errorf("%w: long header truncated", ErrInvalidPacket)
	}
	h.Version, b = bytesutil.Uint32BE(b[:4]), b[4:]

	var size uint8
	size, b = b[0], b[1:]
	if size > MaxConnIDLen || len(b) < int(size)+1 {
		return nil, fmt.Errorf("%w: bad destination connection id", ErrInvalidPacket)
	}
	h.DCID, b = b[:size], b[size:]

	size, b = b[0], b[1:]
	if size > MaxConnIDLen || len(b) < int(size)+2 {
		return nil, fmt.Errorf("%w: bad source connection id", ErrInvalidPacket)
	}
	h.SCID, b = b[:size], b[size:]

	var length uint16
	length, b = bytesutil.Uint16BE(b[:2]), b[2:]
	if int(length) < packetNumLen+aeadOverhead || len(b) < int(length) {
		return nil, fmt.Errorf("%w: bad packet length %d", ErrInvalidPacket, length)
	}
	h.Length = int(length)
	h.pnOffset = len(buf) - len(b)
	h.PN = bytesutil.Uint32BE(b[:packetNumLen])

	return &h, nil
}

// size is the number of bytes the whole packet occupies in its datagram.
func (h *Header) size() int { return h.pnOffset + h.Length }

// AppendTo encodes the header up to and including the packet number.
func (h *Header) AppendTo(dst []byte) []byte {
	if h.Type == PacketOneRTT {
		dst = append(dst, fixedBit)
		dst = append(dst, h.DCID...)
		return bytesutil.AppendUint32BE(dst, h.PN)
	}

	typ := byte(longInitial)
	if h.Type == PacketHandshake {
		typ = longHandshake
	}
	dst = append(dst, longHeaderBit|fixedBit|typ<<longTypeShift)
	dst = bytesutil.AppendUint32BE(dst, h.Version)
	dst = append(dst, uint8(len(h.DCID)))
	dst = append(dst, h.DCID...)
	dst = append(dst, uint8(len(h.SCID)))
	dst = append(dst, h.SCID...)
	dst = bytesutil.AppendUint16BE(dst, uint16(h.Length))
	return bytesutil.AppendUint32BE(dst, h.PN)
}

func longHeaderLen(dcid, scid []byte) int {
	return 1 + 4 + 1 + len(dcid) + 1 + len(scid) + 2 + packetNumLen
}
