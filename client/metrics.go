package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the driver's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	DatagramsRecv     prometheus.Counter
	DatagramsSent     prometheus.Counter
	DatagramsRejected prometheus.Counter
	Timeouts          prometheus.Counter
	BodyBytesSent     prometheus.Counter
	SendDeferrals     prometheus.Counter
	ResponseBytes     prometheus.Counter
	Goodput           prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "h3pump",
		Subsystem: "client",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		DatagramsRecv:     counter("datagrams_received_total", "Datagrams read from the channel"),
		DatagramsSent:     counter("datagrams_sent_total", "Datagrams written to the channel"),
		DatagramsRejected: counter("datagrams_rejected_total", "Datagrams the transport session rejected"),
		Timeouts:          counter("timeouts_total", "Transport timers that fired"),
		BodyBytesSent:     counter("body_bytes_sent_total", "Request body bytes accepted by the multiplexer"),
		SendDeferrals:     counter("send_deferrals_total", "Body writes deferred for lack of capacity"),
		ResponseBytes:     counter("response_bytes_total", "Response body bytes received"),
		Goodput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "h3pump",
			Subsystem: "client",
			Name:      "goodput_mbps",
			Help:      "Response goodput of the last completed exchange",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.DatagramsRecv, m.DatagramsSent, m.DatagramsRejected, m.Timeouts,
		m.BodyBytesSent, m.SendDeferrals, m.ResponseBytes, m.Goodput,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) datagramReceived() {
	if m != nil {
		m.DatagramsRecv.Inc()
	}
}

func (m *Metrics) datagramSent() {
	if m != nil {
		m.DatagramsSent.Inc()
	}
}

func (m *Metrics) datagramRejected() {
	if m != nil {
		m.DatagramsRejected.Inc()
	}
}

func (m *Metrics) timeoutFired() {
	if m != nil {
		m.Timeouts.Inc()
	}
}

func (m *Metrics) bodySent(n int) {
	if m != nil {
		m.BodyBytesSent.Add(float64(n))
	}
}

func (m *Metrics) sendDeferred() {
	if m != nil {
		m.SendDeferrals.Inc()
	}
}

func (m *Metrics) responseReceived(n int) {
	if m != nil {
		m.ResponseBytes.Add(float64(n))
	}
}

func (m *Metrics) observe(r *Report) {
	if m != nil && r.Completed {
		m.Goodput.Set(r.ThroughputMbps())
	}
}
