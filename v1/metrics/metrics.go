package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful lock acquisitions.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waitlock_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// ContentionCounter tracks acquisition attempts denied by the store.
	ContentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waitlock_contention_total",
		Help: "Total number of acquisition attempts that found the lock held",
	})
	// ReleaseCounter tracks lock releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waitlock_release_total",
		Help: "Total number of lock releases",
	})
	// WaiterGauge reports the number of waiters pending in the registry.
	WaiterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "waitlock_waiters",
		Help: "Current number of pending waiters",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers waitlock core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ContentionCounter, ReleaseCounter, WaiterGauge)
}
