package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrDone reports that there is no more work to do right now. It is not
	// a failure: callers stop the current loop and retry on the next wake-up.
	ErrDone = errors.New("transport: done")

	ErrBufferTooShort     = errors.New("transport: buffer too short")
	ErrUnknownVersion     = errors.New("transport: unknown version")
	ErrInvalidPacket      = errors.New("transport: invalid packet")
	ErrInvalidFrame       = errors.New("transport: invalid frame")
	ErrInvalidState       = errors.New("transport: invalid state")
	ErrInvalidStreamState = errors.New("transport: invalid stream state")
	ErrCryptoFail         = errors.New("transport: packet authentication failed")
	ErrTLSFail            = errors.New("transport: handshake verification failed")
	ErrFlowControl        = errors.New("transport: flow control violation")
	ErrStreamLimit        = errors.New("transport: stream limit exceeded")
	ErrFinalSize          = errors.New("transport: final size violation")
)

// Transport error codes carried in CONNECTION_CLOSE frames.
const (
	CodeNoError            uint64 = 0x0
	CodeInternalError      uint64 = 0x1
	CodeFlowControlError   uint64 = 0x3
	CodeStreamLimitError   uint64 = 0x4
	CodeStreamStateError   uint64 = 0x5
	CodeFinalSizeError     uint64 = 0x6
	CodeFrameEncodingError uint64 = 0x7
	CodeProtocolViolation  uint64 = 0xa
	CodeCryptoError        uint64 = 0x100
)

// StreamResetError is returned by StreamRecv once the peer reset the stream.
type StreamResetError struct {
	StreamID uint64
	Code     uint64
}

func (e *StreamResetError) Error() string {
	return fmt.Sprintf("transport: stream %d reset by peer with code %d", e.StreamID, e.Code)
}

// StreamStoppedError is returned by StreamSend once the peer asked us to stop sending.
type StreamStoppedError struct {
	StreamID uint64
	Code     uint64
}

func (e *StreamStoppedError) Error() string {
	return fmt.Sprintf("transport: stream %d stopped by peer with code %d", e.StreamID, e.Code)
}

// PeerCloseError describes the CONNECTION_CLOSE received from the peer.
type PeerCloseError struct {
	App    bool
	Code   uint64
	Reason string
}

func (e *PeerCloseError) Error() string {
	kind := "transport"
	if e.App {
		kind = "application"
	}
	return fmt.Sprintf("transport: peer closed connection (%s code 0x%x): %q", kind, e.Code, e.Reason)
}

func errorCode(err error) uint64 {
	switch {
	case errors.Is(err, ErrFlowControl):
		return CodeFlowControlError
	case errors.Is(err, ErrStreamLimit):
		return CodeStreamLimitError
	case errors.Is(err, ErrInvalidStreamState):
		return CodeStreamStateError
	case errors.Is(err, ErrFinalSize):
		return CodeFinalSizeError
	case errors.Is(err, ErrInvalidFrame):
		return CodeFrameEncodingError
	case errors.Is(err, ErrTLSFail):
		return CodeCryptoError
	default:
		return CodeProtocolViolation
	}
}
