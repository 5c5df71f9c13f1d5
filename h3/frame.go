package h3

import (
	"fmt"

	"github.com/TheSmallBoat/h3pump/lib"
	"github.com/quic-go/qpack"
	"github.com/quic-go/quic-go/quicvarint"
)

const (
	frameData                  = 0x0
	frameHeaders               = 0x1
	frameCancelPush            = 0x3
	frameSettings              = 0x4
	framePushPromise           = 0x5
	frameGoAway                = 0x7
	frameMaxPushID             = 0xd
	framePriorityUpdateRequest = 0xf0700
	framePriorityUpdatePush    = 0xf0701
)

const (
	streamTypeControl      = 0x00
	streamTypePush         = 0x01
	streamTypeQpackEncoder = 0x02
	streamTypeQpackDecoder = 0x03
)

const (
	settingQpackMaxTableCapacity = 0x1
	settingMaxFieldSectionSize   = 0x6
	settingQpackBlockedStreams   = 0x7
	settingH3Datagram            = 0x33
)

func appendFrameHeader(dst []byte, typ, length uint64) []byte {
	dst = quicvarint.Append(dst, typ)
	return quicvarint.Append(dst, length)
}

func frameHeaderLen(typ, length uint64) int {
	return quicvarint.Len(typ) + quicvarint.Len(length)
}

type settings struct {
	maxFieldSectionSize   uint64
	qpackMaxTableCapacity uint64
	qpackBlockedStreams   uint64
	h3Datagram            bool
}

func (s settings) AppendTo(dst []byte) []byte {
	var payload []byte
	if s.maxFieldSectionSize > 0 {
		payload = quicvarint.Append(payload, settingMaxFieldSectionSize)
		payload = quicvarint.Append(payload, s.maxFieldSectionSize)
	}
	payload = quicvarint.Append(payload, settingQpackMaxTableCapacity)
	payload = quicvarint.Append(payload, s.qpackMaxTableCapacity)
	payload = quicvarint.Append(payload, settingQpackBlockedStreams)
	payload = quicvarint.Append(payload, s.qpackBlockedStreams)
	if s.h3Datagram {
		payload = quicvarint.Append(payload, settingH3Datagram)
		payload = quicvarint.Append(payload, 1)
	}

	dst = appendFrameHeader(dst, frameSettings, uint64(len(payload)))
	return append(dst, payload...)
}

func unmarshalSettings(buf []byte) (settings, error) {
	var s settings
	seen := make(map[uint64]struct{})
	for len(buf) > 0 {
		id, n, err := quicvarint.Parse(buf)
		if err != nil {
			return s, fmt.Errorf("%w: truncated setting id", ErrFrameError)
		}
		buf = buf[n:]
		val, n, err := quicvarint.Parse(buf)
		if err != nil {
			return s, fmt.Errorf("%w: truncated setting value", ErrFrameError)
		}
		buf = buf[n:]

		if _, dup := seen[id]; dup {
			return s, fmt.Errorf("%w: duplicate setting 0x%x", ErrSettingsError, id)
		}
		seen[id] = struct{}{}

		switch id {
		case settingMaxFieldSectionSize:
			s.maxFieldSectionSize = val
		case settingQpackMaxTableCapacity:
			s.qpackMaxTableCapacity = val
		case settingQpackBlockedStreams:
			s.qpackBlockedStreams = val
		case settingH3Datagram:
			if val > 1 {
				return s, fmt.Errorf("%w: H3_DATAGRAM must be 0 or 1", ErrSettingsError)
			}
			s.h3Datagram = val == 1
		case 0x2, 0x3, 0x4, 0x5:
			// HTTP/2 settings are forbidden in HTTP/3.
			return s, fmt.Errorf("%w: reserved setting 0x%x", ErrSettingsError, id)
		}
	}
	return s, nil
}

func appendGoAway(dst []byte, id uint64) []byte {
	dst = appendFrameHeader(dst, frameGoAway, uint64(quicvarint.Len(id)))
	return quicvarint.Append(dst, id)
}

func appendPriorityUpdate(dst []byte, id uint64, field string) []byte {
	dst = appendFrameHeader(dst, framePriorityUpdateRequest, uint64(quicvarint.Len(id)+len(field)))
	dst = quicvarint.Append(dst, id)
	return append(dst, field...)
}

// encodeHeaders returns a complete HEADERS frame. Only the static table is
// used, so no encoder stream instructions are ever needed.
func encodeHeaders(headers []Header) ([]byte, error) {
	buf := lib.AcquireBuffer()
	defer lib.ReleaseBuffer(buf)

	enc := qpack.NewEncoder(buf)
	for _, h := range headers {
		if err := enc.WriteField(qpack.HeaderField{Name: h.Name, Value: h.Value}); err != nil {
			return nil, fmt.Errorf("failed to encode header %q: %w", h.Name, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish header block: %w", err)
	}

	frame := make([]byte, 0, frameHeaderLen(frameHeaders, uint64(buf.Len()))+buf.Len())
	frame = appendFrameHeader(frame, frameHeaders, uint64(buf.Len()))
	return append(frame, buf.B...), nil
}

func decodeHeaders(dec *qpack.Decoder, block []byte) ([]Header, error) {
	fields, err := dec.DecodeFull(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQpackDecompression, err)
	}
	headers := make([]Header, 0, len(fields))
	for _, f := range fields {
		headers = append(headers, Header{Name: f.Name, Value: f.Value})
	}
	return headers, nil
}
