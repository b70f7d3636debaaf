package qconn

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the connection core, grounded on vango's use of
// github.com/prometheus/client_golang for its own runtime counters.
// A zero-value *Metrics backed by a fresh registry is created by
// NewMetrics; callers who want these exported on their own mux register
// metrics.Registry with promhttp themselves.
type Metrics struct {
	Registry *prometheus.Registry

	OpenConnections    prometheus.Gauge
	InFlightTokens     prometheus.Gauge
	CursorBatches      prometheus.Counter
	HandlerErrors      prometheus.Counter
	ReconnectTotal     prometheus.Counter
	ReaderFailures     prometheus.Counter
	ProtocolViolations prometheus.Counter
}

// NewMetrics builds a Metrics bound to a fresh, private registry so
// importing qconn never collides with the caller's default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qconn_open_connections",
			Help: "Number of currently open connections.",
		}),
		InFlightTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qconn_inflight_tokens",
			Help: "Number of tokens currently registered in the waiter table.",
		}),
		CursorBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qconn_cursor_batches_total",
			Help: "Number of result batches fetched by cursors (including auto CONTINUE).",
		}),
		HandlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qconn_handler_errors_total",
			Help: "Number of errors delivered to a Handler's on_error.",
		}),
		ReconnectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qconn_reconnect_total",
			Help: "Number of successful reconnects.",
		}),
		ReaderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qconn_reader_failures_total",
			Help: "Number of times the reader task terminated on a decode/read error.",
		}),
		ProtocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qconn_protocol_violations_total",
			Help: "Number of responses for a token nobody on the connection registered, outside the recently-stopped grace window.",
		}),
	}
	reg.MustRegister(m.OpenConnections, m.InFlightTokens, m.CursorBatches, m.HandlerErrors, m.ReconnectTotal, m.ReaderFailures, m.ProtocolViolations)
	return m
}

// noopMetrics is used by connections created without an explicit
// *Metrics so instrumentation call sites never need a nil check.
var noopMetrics = &Metrics{
	OpenConnections:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "qconn_noop_open_connections"}),
	InFlightTokens:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "qconn_noop_inflight_tokens"}),
	CursorBatches:      prometheus.NewCounter(prometheus.CounterOpts{Name: "qconn_noop_cursor_batches_total"}),
	HandlerErrors:      prometheus.NewCounter(prometheus.CounterOpts{Name: "qconn_noop_handler_errors_total"}),
	ReconnectTotal:     prometheus.NewCounter(prometheus.CounterOpts{Name: "qconn_noop_reconnect_total"}),
	ReaderFailures:     prometheus.NewCounter(prometheus.CounterOpts{Name: "qconn_noop_reader_failures_total"}),
	ProtocolViolations: prometheus.NewCounter(prometheus.CounterOpts{Name: "qconn_noop_protocol_violations_total"}),
}
