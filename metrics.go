package peerrpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments sessions. A nil *Metrics records nothing, so sessions
// created without WithMetrics pay no cost.
type Metrics struct {
	eventsIn  *prometheus.CounterVec
	eventsOut *prometheus.CounterVec
	calls     *prometheus.CounterVec
	pending   prometheus.Gauge
	errors    *prometheus.CounterVec
	handshake prometheus.Histogram
}

// NewMetrics creates the session collectors and registers them with reg.
// Several sessions may share one Metrics value.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerrpc",
			Name:      "events_received_total",
			Help:      "Events delivered to sessions by their transport.",
		}, []string{"kind"}),
		eventsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerrpc",
			Name:      "events_sent_total",
			Help:      "Events handed to the transport.",
		}, []string{"kind"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerrpc",
			Name:      "calls_settled_total",
			Help:      "Outbound calls settled, by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerrpc",
			Name:      "calls_pending",
			Help:      "Outbound calls awaiting a return.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerrpc",
			Name:      "errors_total",
			Help:      "Errors routed to the session ErrorHandler.",
		}, []string{"kind"}),
		handshake: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "peerrpc",
			Name:      "handshake_seconds",
			Help:      "Time from Connect to a settled handshake.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.eventsIn, m.eventsOut, m.calls, m.pending, m.errors, m.handshake)
	}
	return m
}

func (m *Metrics) eventIn(k EventKind) {
	if m == nil {
		return
	}
	m.eventsIn.WithLabelValues(string(k)).Inc()
}

func (m *Metrics) eventOut(k EventKind) {
	if m == nil {
		return
	}
	m.eventsOut.WithLabelValues(string(k)).Inc()
}

func (m *Metrics) callSettled(ok bool) {
	if m == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	m.calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) errorSeen(k ErrorKind) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) handshakeDone(d time.Duration) {
	if m == nil {
		return
	}
	m.handshake.Observe(d.Seconds())
}
