package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics captures the activity of the transaction engine: wallet
// submissions, reconciliation sweeps, and voucher handling.
type EngineMetrics struct {
	submissions *prometheus.CounterVec
	relayRuns   *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	reveals     *prometheus.CounterVec
	images      prometheus.Counter
	expired     prometheus.Counter
}

// HTTPMetrics records request activity on the REST surface.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	engineOnce sync.Once
	engineReg  *EngineMetrics

	httpOnce sync.Once
	httpReg  *HTTPMetrics
)

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		engineReg = &EngineMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vswap",
				Subsystem: "engine",
				Name:      "submissions_total",
				Help:      "Wallet submission attempts segmented by outcome.",
			}, []string{"outcome"}),
			relayRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vswap",
				Subsystem: "relay",
				Name:      "entries_total",
				Help:      "Reconciliation decisions segmented by outcome.",
			}, []string{"outcome"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vswap",
				Subsystem: "engine",
				Name:      "queue_depth",
				Help:      "Number of non-terminal entries in the transaction queue.",
			}),
			reveals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vswap",
				Subsystem: "vault",
				Name:      "reveals_total",
				Help:      "Voucher reveals segmented by resolution path.",
			}, []string{"path"}),
			images: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vswap",
				Subsystem: "vault",
				Name:      "images_released_total",
				Help:      "Voucher images handed out through one-time download tokens.",
			}),
			expired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vswap",
				Subsystem: "relay",
				Name:      "orders_expired_total",
				Help:      "Orders moved to the expired state by the retention sweep.",
			}),
		}
		prometheus.MustRegister(
			engineReg.submissions,
			engineReg.relayRuns,
			engineReg.queueDepth,
			engineReg.reveals,
			engineReg.images,
			engineReg.expired,
		)
	})
	return engineReg
}

// SubmissionOutcome records the terminal outcome of a wallet submission
// attempt. Outcomes should be stable strings such as "confirmed",
// "rejected", "failed", or "chain_guard_failed".
func (m *EngineMetrics) SubmissionOutcome(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// RelayOutcome records a reconciliation decision for a single queue entry.
func (m *EngineMetrics) RelayOutcome(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.relayRuns.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current number of non-terminal queue entries.
func (m *EngineMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RevealPath records the path that satisfied a voucher reveal, either
// "local" or "blockchain".
func (m *EngineMetrics) RevealPath(path string) {
	if m == nil {
		return
	}
	if path == "" {
		path = "unknown"
	}
	m.reveals.WithLabelValues(path).Inc()
}

// ImageReleased counts a voucher image leaving the vault.
func (m *EngineMetrics) ImageReleased() {
	if m == nil {
		return
	}
	m.images.Inc()
}

// OrdersExpired counts orders retired by the expiry sweep.
func (m *EngineMetrics) OrdersExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.expired.Add(float64(count))
}

// HTTP returns the lazily-initialised HTTP metrics registry.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		httpReg = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vswap",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "REST requests segmented by route, method, and status class.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vswap",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for REST handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpReg.requests, httpReg.latency)
	})
	return httpReg
}

// Observe records the outcome and duration of a handled request.
func (m *HTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.requests.WithLabelValues(route, method, class).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}
