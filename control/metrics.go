// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus export of engine throughput and request/event outcomes.

package control

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/hioload-ofc/engine"
)

const namespace = "ofcore"

// EngineSample is the snapshot of one I/O engine.
type EngineSample struct {
	Name  string
	Stats engine.Stats
}

// Outcomes of a request.
const (
	OutcomeReply   = "reply"
	OutcomeImplied = "implied"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
)

// Results of an unsolicited event.
const (
	EventDelivered = "delivered"
	EventLimited   = "limited"
	EventFiltered  = "filtered"
	EventRejected  = "rejected"
)

// Metrics is a prometheus collector over the controller's engines plus
// counters incremented by the connection layer.
type Metrics struct {
	source func() []EngineSample

	connections *prometheus.Desc
	registered  *prometheus.Desc
	discarded   *prometheus.Desc
	messages    *prometheus.Desc
	bytes       *prometheus.Desc

	requests *prometheus.CounterVec
	events   *prometheus.CounterVec
	pending  prometheus.Gauge
}

var _ prometheus.Collector = (*Metrics)(nil)

// NewMetrics returns a collector reading engine samples from source.
func NewMetrics(source func() []EngineSample) *Metrics {
	labels := []string{"engine"}
	return &Metrics{
		source:      source,
		connections: prometheus.NewDesc(namespace+"_engine_connections", "Live connections per I/O engine.", labels, nil),
		registered:  prometheus.NewDesc(namespace+"_engine_registrations_total", "Connections ever registered.", labels, nil),
		discarded:   prometheus.NewDesc(namespace+"_engine_discards_total", "Connections discarded.", labels, nil),
		messages: prometheus.NewDesc(namespace+"_engine_messages_total", "Messages framed or queued.",
			[]string{"engine", "direction"}, nil),
		bytes: prometheus.NewDesc(namespace+"_engine_bytes_total", "Bytes read or written.",
			[]string{"engine", "direction"}, nil),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Resolved requests by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "events_total",
			Help:      "Unsolicited events by admission result.",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "pending_requests",
			Help:      "Requests awaiting a reply at the last sweep.",
		}),
	}
}

// Register adds the collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}

// Request counts one resolved request.
func (m *Metrics) Request(outcome string) {
	if m != nil {
		m.requests.WithLabelValues(outcome).Inc()
	}
}

// Event counts one unsolicited event.
func (m *Metrics) Event(result string) {
	if m != nil {
		m.events.WithLabelValues(result).Inc()
	}
}

// SetPending records the outstanding request count.
func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.connections
	ch <- m.registered
	ch <- m.discarded
	ch <- m.messages
	ch <- m.bytes
	m.requests.Describe(ch)
	m.events.Describe(ch)
	m.pending.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m.source != nil {
		for _, s := range m.source() {
			ch <- prometheus.MustNewConstMetric(m.connections, prometheus.GaugeValue, float64(s.Stats.Connections), s.Name)
			ch <- prometheus.MustNewConstMetric(m.registered, prometheus.CounterValue, float64(s.Stats.Registered), s.Name)
			ch <- prometheus.MustNewConstMetric(m.discarded, prometheus.CounterValue, float64(s.Stats.Discarded), s.Name)
			ch <- prometheus.MustNewConstMetric(m.messages, prometheus.CounterValue, float64(s.Stats.InMessages), s.Name, "in")
			ch <- prometheus.MustNewConstMetric(m.messages, prometheus.CounterValue, float64(s.Stats.OutMessages), s.Name, "out")
			ch <- prometheus.MustNewConstMetric(m.bytes, prometheus.CounterValue, float64(s.Stats.InBytes), s.Name, "in")
			ch <- prometheus.MustNewConstMetric(m.bytes, prometheus.CounterValue, float64(s.Stats.OutBytes), s.Name, "out")
		}
	}
	m.requests.Collect(ch)
	m.events.Collect(ch)
	m.pending.Collect(ch)
}
