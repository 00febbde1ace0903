package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LockMetrics provides observability for distributed lock operations.
//
// This interface is optional - a nil LockMetrics passed to the lock registry
// is replaced by a no-op implementation.
type LockMetrics interface {
	// RecordAcquire records a Lock call.
	//
	// Parameters:
	//   - module: Lock module (e.g., "vfs")
	//   - wait: Time spent waiting for the in-process gate and the backend
	//   - err: Error if the lock could not be acquired, nil on success
	RecordAcquire(module string, wait time.Duration, err error)

	// RecordTimeout records an acquisition that gave up on its timeout.
	RecordTimeout(module string)

	// RecordBackendHold records how long the backend primitive was held,
	// observed when it is released.
	RecordBackendHold(module string, held time.Duration)

	// SetCachedLocks updates the number of locks cached in the registry.
	SetCachedLocks(count int)
}

type lockMetrics struct {
	acquireTotal    *prometheus.CounterVec
	acquireDuration *prometheus.HistogramVec
	timeoutsTotal   *prometheus.CounterVec
	holdDuration    *prometheus.HistogramVec
	cachedLocks     prometheus.Gauge
}

// NewLockMetrics creates a Prometheus-backed LockMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewLockMetrics() LockMetrics {
	if !IsEnabled() {
		return NewNoopLockMetrics()
	}

	reg := GetRegistry()

	return &lockMetrics{
		acquireTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockfs_lock_acquire_total",
				Help: "Total number of lock acquisitions by module and status",
			},
			[]string{"module", "status"},
		),
		acquireDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "lockfs_lock_acquire_duration_seconds",
				Help: "Time spent acquiring locks in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.1,   // 100ms
					0.5,   // 500ms
					1,     // 1s
					5,     // 5s
					30,    // 30s
				},
			},
			[]string{"module"},
		),
		timeoutsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockfs_lock_timeouts_total",
				Help: "Total number of lock acquisitions that timed out",
			},
			[]string{"module"},
		),
		holdDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lockfs_lock_backend_hold_duration_seconds",
				Help:    "Time the coordination backend primitive was held",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"module"},
		),
		cachedLocks: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "lockfs_lock_cached",
				Help: "Current number of locks cached in the registry",
			},
		),
	}
}

func (m *lockMetrics) RecordAcquire(module string, wait time.Duration, err error) {
	m.acquireTotal.WithLabelValues(module, status(err)).Inc()
	m.acquireDuration.WithLabelValues(module).Observe(wait.Seconds())
}

func (m *lockMetrics) RecordTimeout(module string) {
	m.timeoutsTotal.WithLabelValues(module).Inc()
}

func (m *lockMetrics) RecordBackendHold(module string, held time.Duration) {
	m.holdDuration.WithLabelValues(module).Observe(held.Seconds())
}

func (m *lockMetrics) SetCachedLocks(count int) {
	m.cachedLocks.Set(float64(count))
}

type noopLockMetrics struct{}

// NewNoopLockMetrics returns a LockMetrics that discards everything.
func NewNoopLockMetrics() LockMetrics { return noopLockMetrics{} }

func (noopLockMetrics) RecordAcquire(module string, wait time.Duration, err error) {}
func (noopLockMetrics) RecordTimeout(module string)                                {}
func (noopLockMetrics) RecordBackendHold(module string, held time.Duration)        {}
func (noopLockMetrics) SetCachedLocks(count int)                                   {}
