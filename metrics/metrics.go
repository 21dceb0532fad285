// Package metrics exposes Prometheus collectors for a duplex server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Exchange kinds counted by Metrics.Exchange.
const (
	KindOpen             = "open"
	KindUpload           = "upload"
	KindEnd              = "end"
	KindNotFound         = "not_found"
	KindMethodNotAllowed = "method_not_allowed"
	KindUnhandled        = "unhandled"
)

// Byte directions counted by Metrics.Bytes.
const (
	Upload   = "upload"
	Download = "download"
)

// Metrics records the activity of a server in Prometheus collectors.
// A nil *Metrics records nothing.
type Metrics struct {
	sessions  prometheus.Gauge
	conns     prometheus.Gauge
	opened    prometheus.Counter
	exchanges *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	warnings  prometheus.Counter
}

func mustRegister(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	err := reg.Register(c)
	are := prometheus.AlreadyRegisteredError{}
	if errors.As(err, &are) {
		return are.ExistingCollector
	}
	if err != nil {
		panic(err)
	}
	return c
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused, so New may be called more than once
// against the same registry. A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{}
	m.sessions = mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "h2duplex_sessions",
		Help: "transport sessions currently tracked",
	})).(prometheus.Gauge)
	m.conns = mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "h2duplex_connections",
		Help: "duplex connections currently registered",
	})).(prometheus.Gauge)
	m.opened = mustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "h2duplex_connections_opened_total",
		Help: "duplex connections opened",
	})).(prometheus.Counter)
	m.exchanges = mustRegister(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2duplex_exchanges_total",
			Help: "exchanges routed, by kind",
		},
		[]string{"kind"},
	)).(*prometheus.CounterVec)
	m.bytes = mustRegister(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2duplex_bytes_total",
			Help: "payload bytes carried, by direction",
		},
		[]string{"direction"},
	)).(*prometheus.CounterVec)
	m.warnings = mustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "h2duplex_warnings_total",
		Help: "warnings reported to the hosting application",
	})).(prometheus.Counter)
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.opened.Inc()
	m.conns.Inc()
}

func (m *Metrics) ConnRemoved() {
	if m == nil {
		return
	}
	m.conns.Dec()
}

func (m *Metrics) Exchange(kind string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(kind).Inc()
}

func (m *Metrics) Bytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) Warning() {
	if m == nil {
		return
	}
	m.warnings.Inc()
}
