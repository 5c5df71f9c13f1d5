package transport

import (
	"time"

	"github.com/jpillora/backoff"
)

const (
	initialRTT          = 333 * time.Millisecond
	maxAckDelay         = 25 * time.Millisecond
	timerGranularity    = time.Millisecond
	packetThreshold     = 3
	maxPTOBackoff       = 60 * time.Second
	initialWindowPkts   = 10
	minimumWindowPkts   = 2
	lossReductionFactor = 2
)

// sentStream records the stream range a packet carried.
type sentStream struct {
	id  uint64
	off uint64
	n   uint64
	fin bool
}

type sentPacket struct {
	pn           uint32
	sentAt       time.Time
	size         int
	ackEliciting bool

	hello   bool
	streams []sentStream
	control []frame
}

type recovery struct {
	sent []*sentPacket // ascending packet numbers, ack-eliciting only

	largestAcked int64
	latestRTT    time.Duration
	smoothedRTT  time.Duration
	rttVar       time.Duration
	minRTT       time.Duration
	hasRTT       bool

	ptoCount int
	pto      backoff.Backoff

	mss           int
	cwnd          int
	ssthresh      int
	bytesInFlight int
	recoveryStart time.Time

	lastAckElicitingSent time.Time
}

func newRecovery(mss int) *recovery {
	return &recovery{
		largestAcked: -1,
		smoothedRTT:  initialRTT,
		rttVar:       initialRTT / 2,
		pto:          backoff.Backoff{Factor: 2, Max: maxPTOBackoff},
		mss:          mss,
		cwnd:         initialWindowPkts * mss,
		ssthresh:     int(^uint(0) >> 1),
	}
}

func (r *recovery) onPacketSent(p *sentPacket) {
	if !p.ackEliciting {
		return
	}
	r.sent = append(r.sent, p)
	r.bytesInFlight += p.size
	r.lastAckElicitingSent = p.sentAt
}

// available is how many bytes the congestion window still admits.
func (r *recovery) available() int {
	if r.bytesInFlight >= r.cwnd {
		return 0
	}
	return r.cwnd - r.bytesInFlight
}

// onAck removes acknowledged packets and returns them with any packets the
// acknowledgement proves lost.
func (r *recovery) onAck(ranges rangeSet, delay time.Duration, now time.Time) (acked, lost []*sentPacket) {
	largest, ok := ranges.largest()
	if !ok {
		return nil, nil
	}

	kept := r.sent[:0]
	var newest *sentPacket
	for _, p := range r.sent {
		if ranges.contains(uint64(p.pn)) {
			acked = append(acked, p)
			if newest == nil || p.pn > newest.pn {
				newest = p
			}
			continue
		}
		kept = append(kept, p)
	}
	r.sent = kept

	if int64(largest) > r.largestAcked {
		r.largestAcked = int64(largest)
	}
	if len(acked) == 0 {
		return nil, nil
	}

	if newest != nil && uint64(newest.pn) == largest {
		r.updateRTT(now.Sub(newest.sentAt), delay)
	}

	for _, p := range acked {
		r.bytesInFlight -= p.size
		r.onCongestionAck(p)
	}
	r.ptoCount = 0

	lost = r.detectLost(now)
	return acked, lost
}

func (r *recovery) updateRTT(sample, delay time.Duration) {
	r.latestRTT = sample
	if !r.hasRTT {
		r.hasRTT = true
		r.minRTT = sample
		r.smoothedRTT = sample
		r.rttVar = sample / 2
		return
	}
	if sample < r.minRTT {
		r.minRTT = sample
	}
	if delay > maxAckDelay {
		delay = maxAckDelay
	}
	adjusted := sample
	if adjusted-delay >= r.minRTT {
		adjusted -= delay
	}
	diff := r.smoothedRTT - adjusted
	if diff < 0 {
		diff = -diff
	}
	r.rttVar = (3*r.rttVar + diff) / 4
	r.smoothedRTT = (7*r.smoothedRTT + adjusted) / 8
}

func (r *recovery) detectLost(now time.Time) []*sentPacket {
	if r.largestAcked < 0 {
		return nil
	}
	rtt := r.smoothedRTT
	if r.latestRTT > rtt {
		rtt = r.latestRTT
	}
	lossDelay := rtt * 9 / 8
	if lossDelay < timerGranularity {
		lossDelay = timerGranularity
	}

	var lost []*sentPacket
	kept := r.sent[:0]
	for _, p := range r.sent {
		if int64(p.pn) > r.largestAcked {
			kept = append(kept, p)
			continue
		}
		if r.largestAcked-int64(p.pn) >= packetThreshold || now.Sub(p.sentAt) >= lossDelay {
			lost = append(lost, p)
			continue
		}
		kept = append(kept, p)
	}
	r.sent = kept

	for _, p := range lost {
		r.bytesInFlight -= p.size
	}
	if len(lost) > 0 {
		r.onCongestionEvent(lost[len(lost)-1].sentAt, now)
	}
	return lost
}

func (r *recovery) onCongestionAck(p *sentPacket) {
	if !p.sentAt.After(r.recoveryStart) {
		return
	}
	if r.cwnd < r.ssthresh {
		r.cwnd += p.size
		return
	}
	r.cwnd += r.mss * p.size / r.cwnd
}

func (r *recovery) onCongestionEvent(sentAt, now time.Time) {
	if !sentAt.After(r.recoveryStart) {
		return
	}
	r.recoveryStart = now
	r.cwnd /= lossReductionFactor
	if floor := minimumWindowPkts * r.mss; r.cwnd < floor {
		r.cwnd = floor
	}
	r.ssthresh = r.cwnd
}

func (r *recovery) ptoPeriod() time.Duration {
	variance := 4 * r.rttVar
	if variance < timerGranularity {
		variance = timerGranularity
	}
	r.pto.Min = r.smoothedRTT + variance + maxAckDelay
	return r.pto.ForAttempt(float64(r.ptoCount))
}

// ptoDeadline is armed while ack-eliciting packets are in flight.
func (r *recovery) ptoDeadline() (time.Time, bool) {
	if len(r.sent) == 0 {
		return time.Time{}, false
	}
	return r.lastAckElicitingSent.Add(r.ptoPeriod()), true
}

// onPTO declares every packet in flight lost and backs the timer off.
func (r *recovery) onPTO() []*sentPacket {
	lost := r.sent
	r.sent = nil
	for _, p := range lost {
		r.bytesInFlight -= p.size
	}
	r.ptoCount++
	return lost
}
