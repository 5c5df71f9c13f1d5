package client

import (
	"fmt"
	"io"
	"time"

	"github.com/TheSmallBoat/h3pump/lib"
	"github.com/TheSmallBoat/h3pump/transport"
	"github.com/rs/zerolog"
)

type TerminalState int

const (
	Running TerminalState = iota
	ClosedNormally
	ClosedOnError
)

func (s TerminalState) String() string {
	switch s {
	case Running:
		return "running"
	case ClosedNormally:
		return "closed normally"
	case ClosedOnError:
		return "closed on error"
	default:
		return fmt.Sprintf("TerminalState(%d)", int(s))
	}
}

// Report summarizes one exchange once the session closed.
type Report struct {
	URL    string
	Method Method
	State  TerminalState

	BodyBytesSent int
	TotalBytes    uint64

	// Completed is set when the response stream finished or was reset.
	// Elapsed is only meaningful when it is.
	Completed bool
	Elapsed   time.Duration
	Reset     bool
	ResetCode uint64

	// ServerReported is the last byte count echoed by the server for an
	// upload.
	ServerReported    uint64
	HasServerReported bool

	Stats    transport.Stats
	HasStats bool
}

// ThroughputMbps is bits received per microsecond of elapsed time.
func (r *Report) ThroughputMbps() float64 {
	if !r.Completed || r.Elapsed <= 0 {
		return 0
	}
	return float64(r.TotalBytes) * 8 / (r.Elapsed.Seconds() * 1e6)
}

func (r *Report) WriteTo(w io.Writer) (int64, error) {
	buf := lib.AcquireBuffer()
	defer lib.ReleaseBuffer(buf)

	fmt.Fprintf(buf, "got %d bytes in total\n", r.TotalBytes)
	if r.Completed {
		fmt.Fprintf(buf, "%.3f ms\n", float64(r.Elapsed.Microseconds())/1000)
		fmt.Fprintf(buf, "goodput : %.3f Mbps\n", r.ThroughputMbps())
	} else {
		buf.WriteString("no completion recorded\n")
	}
	buf.WriteString("done\n")

	n, err := w.Write(buf.B)
	return int64(n), err
}

func (r *Report) MarshalZerologObject(e *zerolog.Event) {
	e.Str("url", r.URL).
		Str("method", string(r.Method)).
		Stringer("state", r.State).
		Int("body_bytes_sent", r.BodyBytesSent).
		Uint64("total_bytes", r.TotalBytes).
		Bool("completed", r.Completed)
	if r.Completed {
		e.Dur("elapsed", r.Elapsed).Float64("goodput_mbps", r.ThroughputMbps())
	}
	if r.Reset {
		e.Uint64("reset_code", r.ResetCode)
	}
	if r.HasServerReported {
		e.Uint64("server_reported", r.ServerReported)
	}
	if r.HasStats {
		e.Object("stats", r.Stats)
	}
}
