package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WalletMetricsRecorder tracks fragment lifecycle and node traffic for one
// wallet process.
type WalletMetricsRecorder struct {
	submitted      *prometheus.CounterVec
	resolved       *prometheus.CounterVec
	pending        prometheus.Gauge
	reconcilePolls *prometheus.CounterVec
	backendErrors  *prometheus.CounterVec
	opLatency      *prometheus.HistogramVec
}

var (
	walletMetricsOnce sync.Once
	walletRegistry    *WalletMetricsRecorder
)

// WalletMetrics returns the lazily-initialised wallet metrics registry.
func WalletMetrics() *WalletMetricsRecorder {
	walletMetricsOnce.Do(func() {
		walletRegistry = newWalletMetrics()
		prometheus.MustRegister(
			walletRegistry.submitted,
			walletRegistry.resolved,
			walletRegistry.pending,
			walletRegistry.reconcilePolls,
			walletRegistry.backendErrors,
			walletRegistry.opLatency,
		)
	})
	return walletRegistry
}

func newWalletMetrics() *WalletMetricsRecorder {
	return &WalletMetricsRecorder{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nhb",
			Subsystem: "wallet",
			Name:      "fragments_submitted_total",
			Help:      "Fragments handed to the node segmented by kind.",
		}, []string{"kind"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nhb",
			Subsystem: "wallet",
			Name:      "fragments_resolved_total",
			Help:      "Fragments that reached a terminal status segmented by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nhb",
			Subsystem: "wallet",
			Name:      "fragments_pending",
			Help:      "Fragments submitted but not yet resolved.",
		}),
		reconcilePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nhb",
			Subsystem: "wallet",
			Name:      "reconcile_polls_total",
			Help:      "Fragment log queries issued by the reconciliation loop segmented by result.",
		}, []string{"result"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nhb",
			Subsystem: "wallet",
			Name:      "backend_errors_total",
			Help:      "Failed node calls segmented by operation and transience.",
		}, []string{"operation", "transient"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nhb",
			Subsystem: "wallet",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for wallet controller operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// RecordSubmitted counts n fragments of the given kind handed to the node.
func (m *WalletMetricsRecorder) RecordSubmitted(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.submitted.WithLabelValues(kind).Add(float64(n))
}

// RecordResolved counts a fragment leaving pending. Outcomes are confirmed
// and rejected from the node, forced and removed from local overrides.
func (m *WalletMetricsRecorder) RecordResolved(outcome string) {
	if m == nil {
		return
	}
	m.resolved.WithLabelValues(outcome).Inc()
}

func (m *WalletMetricsRecorder) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// RecordPoll counts one reconciliation query with result "ok", "transient"
// or "error".
func (m *WalletMetricsRecorder) RecordPoll(result string) {
	if m == nil {
		return
	}
	m.reconcilePolls.WithLabelValues(result).Inc()
}

func (m *WalletMetricsRecorder) RecordBackendError(operation string, transient bool) {
	if m == nil {
		return
	}
	label := "false"
	if transient {
		label = "true"
	}
	m.backendErrors.WithLabelValues(operation, label).Inc()
}

func (m *WalletMetricsRecorder) ObserveOperation(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.opLatency.WithLabelValues(operation).Observe(duration.Seconds())
}
