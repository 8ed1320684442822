// Package metrics wraps the Prometheus collectors exposed by the proxy and
// a small process-resource sampler, in the style of the prior server's
// internal/metrics package.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Registry wraps all Prometheus collectors used by the fan-out proxy.
type Registry struct {
	ActiveSessions     prometheus.Gauge
	UpstreamReconnects prometheus.Counter
	UpstreamLinkState  *prometheus.GaugeVec
	AggregatorAdmitted *prometheus.CounterVec
	AggregatorDropped  *prometheus.CounterVec
	AggregatorFlushed  *prometheus.CounterVec
	OrdersSubmitted    prometheus.Counter
	OrdersRejected     prometheus.Counter
	ProcessCPUPercent  prometheus.Gauge
	ProcessRSSBytes    prometheus.Gauge
}

// NewRegistry creates and registers all collectors.
func NewRegistry() *Registry {
	return &Registry{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "odin_fanout_active_sessions",
			Help: "Number of currently connected downstream sessions.",
		}),
		UpstreamReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "odin_fanout_upstream_reconnects_total",
			Help: "Total number of upstream reconnect attempts across all sessions.",
		}),
		UpstreamLinkState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odin_fanout_upstream_link_state",
			Help: "Count of upstream links currently in each state.",
		}, []string{"state"}),
		AggregatorAdmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "odin_fanout_aggregator_admitted_total",
			Help: "Events admitted into the coalescing buffer, by event class.",
		}, []string{"class"}),
		AggregatorDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "odin_fanout_aggregator_dropped_total",
			Help: "Events dropped by the rate limiter, by event class.",
		}, []string{"class"}),
		AggregatorFlushed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "odin_fanout_aggregator_flushed_total",
			Help: "Coalesced payloads flushed downstream, by event class.",
		}, []string{"class"}),
		OrdersSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "odin_fanout_orders_submitted_total",
			Help: "Total order envelopes transmitted upstream.",
		}),
		OrdersRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "odin_fanout_orders_rejected_total",
			Help: "Total order requests rejected by validation (Bad-Order).",
		}),
		ProcessCPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "odin_fanout_process_cpu_percent",
			Help: "Process CPU utilization percentage, sampled via gopsutil.",
		}),
		ProcessRSSBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "odin_fanout_process_rss_bytes",
			Help: "Process resident set size in bytes, sampled via gopsutil.",
		}),
	}
}

// Handler returns the HTTP handler serving /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// StartProcessSampler periodically updates the process CPU/RSS gauges until
// stop is closed. This is purely observational; it does not gate admission.
func (r *Registry) StartProcessSampler(stop <-chan struct{}, interval time.Duration) {
	proc, err := process.NewProcess(int32(processPID()))
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if pct, err := proc.CPUPercent(); err == nil {
				r.ProcessCPUPercent.Set(pct)
			}
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				r.ProcessRSSBytes.Set(float64(mem.RSS))
			}
		}
	}
}
