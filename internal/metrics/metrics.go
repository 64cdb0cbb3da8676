// Package metrics implements the quantitative half of spec §4.7's drop
// accounting and §5's concurrency model: Prometheus counters and
// histograms a handle's consumer loop, aggregation snapshots, and
// status server can all report into, exposed over one registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracebeam/dbpf/internal/agg"
	"github.com/tracebeam/dbpf/internal/diag"
)

// Registry bundles every metric this toolchain exports under its own
// prometheus.Registry, rather than the global default one, so a
// process embedding a Handle can run more than one independently and
// a test can assert against a fresh, empty collector set.
type Registry struct {
	reg *prometheus.Registry

	dropsTotal    *prometheus.CounterVec
	faultsTotal   *prometheus.CounterVec
	statusesTotal *prometheus.CounterVec

	aggSnapSeconds prometheus.Histogram

	httpRequestsTotal *prometheus.CounterVec
}

// NewRegistry constructs and registers every metric.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.dropsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dbpf",
		Subsystem: "consumer",
		Name:      "drops_total",
		Help:      "Count of reported drops by kind (spec §4.7 drop accounting).",
	}, []string{"kind"})

	r.faultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dbpf",
		Subsystem: "consumer",
		Name:      "faults_total",
		Help:      "Count of runtime faults reported off the consumer loop, by kind.",
	}, []string{"kind"})

	r.statusesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dbpf",
		Subsystem: "consumer",
		Name:      "statuses_total",
		Help:      "Count of consumer status transitions, by kind.",
	}, []string{"kind"})

	r.aggSnapSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dbpf",
		Subsystem: "agg",
		Name:      "snap_duration_seconds",
		Help:      "Wall-clock duration of one aggregation Snap call.",
		Buckets:   prometheus.DefBuckets,
	})

	r.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dbpf",
		Subsystem: "statussrv",
		Name:      "requests_total",
		Help:      "Count of requests served by the status HTTP surface, by route and status code.",
	}, []string{"route", "code"})

	r.reg.MustRegister(r.dropsTotal, r.faultsTotal, r.statusesTotal, r.aggSnapSeconds, r.httpRequestsTotal)
	return r
}

// Handler returns an http.Handler serving this registry's metrics in
// the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// TimeSnap runs table.Snap(src), recording its wall-clock duration in
// the aggregation-snap-latency histogram regardless of outcome.
func (r *Registry) TimeSnap(table *agg.Table, src agg.CPUSource) error {
	start := time.Now()
	err := table.Snap(src)
	r.aggSnapSeconds.Observe(time.Since(start).Seconds())
	return err
}

// ObserveHTTPRequest records one served status-server request.
func (r *Registry) ObserveHTTPRequest(route string, code int) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// DiagCollector implements diag.Handler, incrementing the drop/fault/
// status counters and forwarding to an optional inner handler — the
// same buffer-then-forward shape internal/handle.ErrorBuffer uses, so
// a handle can chain metrics ahead of its error buffer without either
// losing events.
type DiagCollector struct {
	reg   *Registry
	inner diag.Handler
}

// NewDiagCollector returns a diag.Handler that records metrics for
// every event before forwarding to inner (which may be nil).
func NewDiagCollector(reg *Registry, inner diag.Handler) *DiagCollector {
	return &DiagCollector{reg: reg, inner: inner}
}

func (c *DiagCollector) HandleFault(f *diag.RuntimeFault) diag.Action {
	c.reg.faultsTotal.WithLabelValues(string(f.Kind)).Inc()
	if c.inner != nil {
		return c.inner.HandleFault(f)
	}
	return diag.ActionContinue
}

func (c *DiagCollector) HandleDrop(d *diag.Drop) {
	c.reg.dropsTotal.WithLabelValues(string(d.Kind)).Inc()
	if c.inner != nil {
		c.inner.HandleDrop(d)
	}
}

func (c *DiagCollector) HandleStatus(s *diag.Status) {
	c.reg.statusesTotal.WithLabelValues(string(s.Kind)).Inc()
	if c.inner != nil {
		c.inner.HandleStatus(s)
	}
}
