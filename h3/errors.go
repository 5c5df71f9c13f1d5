package h3

import (
	"errors"
)

var (
	// ErrDone reports that there are no more events or no send capacity
	// right now.
	ErrDone = errors.New("h3: done")

	// ErrStreamBlocked reports that a HEADERS frame could not be written in
	// one piece. Retry once the stream has more capacity.
	ErrStreamBlocked = errors.New("h3: stream blocked")

	ErrGeneralProtocol       = errors.New("h3: general protocol error")
	ErrStreamCreation        = errors.New("h3: stream creation error")
	ErrClosedCriticalStream  = errors.New("h3: closed critical stream")
	ErrFrameUnexpected       = errors.New("h3: frame unexpected")
	ErrFrameError            = errors.New("h3: frame error")
	ErrExcessiveLoad         = errors.New("h3: excessive load")
	ErrIDError               = errors.New("h3: id error")
	ErrSettingsError         = errors.New("h3: settings error")
	ErrMissingSettings       = errors.New("h3: missing settings")
	ErrRequestRejected       = errors.New("h3: request rejected")
	ErrMessageError          = errors.New("h3: message error")
	ErrQpackDecompression    = errors.New("h3: qpack decompression failed")
	ErrDatagramsNotSupported = errors.New("h3: datagrams not supported")
)

// Application error codes carried in CONNECTION_CLOSE and RESET_STREAM.
const (
	CodeNoError              uint64 = 0x100
	CodeGeneralProtocolError uint64 = 0x101
	CodeInternalError        uint64 = 0x102
	CodeStreamCreationError  uint64 = 0x103
	CodeClosedCriticalStream uint64 = 0x104
	CodeFrameUnexpected      uint64 = 0x105
	CodeFrameError           uint64 = 0x106
	CodeExcessiveLoad        uint64 = 0x107
	CodeIDError              uint64 = 0x108
	CodeSettingsError        uint64 = 0x109
	CodeMissingSettings      uint64 = 0x10a
	CodeRequestRejected      uint64 = 0x10b
	CodeRequestCancelled     uint64 = 0x10c
	CodeRequestIncomplete    uint64 = 0x10d
	CodeMessageError         uint64 = 0x10e
	CodeQpackDecompression   uint64 = 0x200
)

// ErrorCode maps an error returned by Poll to the code to close with.
func ErrorCode(err error) uint64 {
	codes := []struct {
		err  error
		code uint64
	}{
		{ErrGeneralProtocol, CodeGeneralProtocolError},
		{ErrStreamCreation, CodeStreamCreationError},
		{ErrClosedCriticalStream, CodeClosedCriticalStream},
		{ErrFrameUnexpected, CodeFrameUnexpected},
		{ErrFrameError, CodeFrameError},
		{ErrExcessiveLoad, CodeExcessiveLoad},
		{ErrIDError, CodeIDError},
		{ErrSettingsError, CodeSettingsError},
		{ErrMissingSettings, CodeMissingSettings},
		{ErrRequestRejected, CodeRequestRejected},
		{ErrMessageError, CodeMessageError},
		{ErrQpackDecompression, CodeQpackDecompression},
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternalError
}
