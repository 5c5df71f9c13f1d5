package transport

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Stats are running connection counters.
type Stats struct {
	Sent      int
	Recv      int
	Lost      int
	Dropped   int
	PTOs      int
	SentBytes uint64
	RecvBytes uint64

	RTT  time.Duration
	Cwnd int
}

func (s Stats) String() string {
	return fmt.Sprintf("sent=%d recv=%d lost=%d dropped=%d ptos=%d sent_bytes=%d recv_bytes=%d rtt=%s cwnd=%d",
		s.Sent, s.Recv, s.Lost, s.Dropped, s.PTOs, s.SentBytes, s.RecvBytes, s.RTT, s.Cwnd)
}

func (s Stats) MarshalZerologObject(e *zerolog.Event) {
	e.Int("sent", s.Sent).
		Int("recv", s.Recv).
		Int("lost", s.Lost).
		Int("dropped", s.Dropped).
		Int("ptos", s.PTOs).
		Uint64("sent_bytes", s.SentBytes).
		Uint64("recv_bytes", s.RecvBytes).
		Dur("rtt", s.RTT).
		Int("cwnd", s.Cwnd)
}

func (s *Session) Stats() Stats {
	st := s.stats
	st.RTT = s.rec.smoothedRTT
	st.Cwnd = s.rec.cwnd
	return st
}
