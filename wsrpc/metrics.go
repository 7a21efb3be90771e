package wsrpc

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a connection-observability bundle registered once per
// process. A nil *Metrics is valid everywhere it is used (all methods
// are no-ops on a nil receiver), so instrumentation stays opt-in.
type Metrics struct {
	connectionsActive prometheus.Gauge
	framesTotal       *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	pingsTotal        prometheus.Counter
}

// NewMetrics builds and registers the wsrpc metric family against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsrpc",
			Name:      "connections_active",
			Help:      "Number of currently upgraded connections.",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsrpc",
			Name:      "frames_total",
			Help:      "Frames processed by opcode and direction.",
		}, []string{"opcode", "direction"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsrpc",
			Name:      "requests_total",
			Help:      "NotifyCallback calls by mode and outcome.",
		}, []string{"mode", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wsrpc",
			Name:      "request_duration_seconds",
			Help:      "Latency of NotifyCallback calls by mode and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode", "outcome"}),
		pingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsrpc",
			Name:      "pings_total",
			Help:      "Heartbeat pings sent.",
		}),
	}

	reg.MustRegister(m.connectionsActive, m.framesTotal, m.requestsTotal, m.requestDuration, m.pingsTotal)
	return m
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// frame records one frame crossing the wire, direction being "sent" or
// "received".
func (m *Metrics) frame(op opcode, direction string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(op.String(), direction).Inc()
}

// request records one completed NotifyCallback call, labeled by its
// CallbackMode and its answered/timeout/closed outcome.
func (m *Metrics) request(mode, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) observeRequestSeconds(mode, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(mode, outcome).Observe(seconds)
}

func (m *Metrics) ping() {
	if m == nil {
		return
	}
	m.pingsTotal.Inc()
}
