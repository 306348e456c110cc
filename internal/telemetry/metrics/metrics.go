// Package metrics exposes the daemon's Prometheus instrumentation: queue
// depths, dispatch counts, and per-verdict check/fix/retry counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the set of instruments the daemon updates as events flow
// through the dispatcher and per-healer pipelines.
type Recorder struct {
	reg *prometheus.Registry

	MessagesConsumed    *prometheus.CounterVec
	MessagesAcked       prometheus.Counter
	MessagesDropped     *prometheus.CounterVec
	InputQueueDepth     *prometheus.GaugeVec
	BufferQueueDepth    *prometheus.GaugeVec
	ChecksTotal         *prometheus.CounterVec
	FixesTotal          *prometheus.CounterVec
	RetriesTotal        *prometheus.CounterVec
	RetryExhaustedTotal *prometheus.CounterVec
	BusReconnects       prometheus.Counter
}

// New builds a Recorder registered against a fresh Prometheus registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		reg: reg,
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contrail_healer", Name: "messages_consumed_total", Help: "bus messages received by the dispatcher",
		}, []string{"resource_type", "operation"}),
		MessagesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "contrail_healer", Name: "messages_acked_total", Help: "bus messages acknowledged",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contrail_healer", Name: "messages_dropped_total", Help: "messages dropped before reaching a healer",
		}, []string{"reason"}),
		InputQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "contrail_healer", Name: "input_queue_depth", Help: "pending items in a healer's input queue",
		}, []string{"resource_type"}),
		BufferQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "contrail_healer", Name: "buffer_queue_depth", Help: "pending items in a healer's dedup buffer",
		}, []string{"resource_type"}),
		ChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contrail_healer", Name: "checks_total", Help: "check() invocations by verdict",
		}, []string{"resource_type", "verdict"}),
		FixesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contrail_healer", Name: "fixes_total", Help: "fix() invocations",
		}, []string{"resource_type"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contrail_healer", Name: "retries_total", Help: "retry scheduling events",
		}, []string{"resource_type"}),
		RetryExhaustedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contrail_healer", Name: "retry_exhausted_total", Help: "items dropped after exceeding max_check_retries",
		}, []string{"resource_type"}),
		BusReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "contrail_healer", Name: "bus_reconnects_total", Help: "bus connector reconnect attempts",
		}),
	}
	reg.MustRegister(r.MessagesConsumed, r.MessagesAcked, r.MessagesDropped, r.InputQueueDepth,
		r.BufferQueueDepth, r.ChecksTotal, r.FixesTotal, r.RetriesTotal, r.RetryExhaustedTotal, r.BusReconnects)
	return r
}

// Handler returns the HTTP handler serving /metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
