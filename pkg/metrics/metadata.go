package metrics

import (
	"errors"
	"time"

	"github.com/marmos91/lockfs/pkg/store/metadata"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetadataMetrics observes an inode store.
//
// Stores accept a nil MetadataMetrics and then record nothing:
//
//	store, err := badger.New(ctx, cfg, metrics.NewMetadataMetrics("badger"))
type MetadataMetrics interface {
	// RecordOperation records one store call ("get", "put", "delete", "list").
	// A missing inode is counted as not_found rather than as an error.
	RecordOperation(operation string, duration time.Duration, err error)
}

type metadataMetrics struct {
	store    string
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetadataMetrics returns collectors labelled with storeType, or a no-op
// when the registry is not initialized.
//
// Only one store per process should be instrumented: the collectors are
// registered once and a second call panics on the duplicate.
func NewMetadataMetrics(storeType string) MetadataMetrics {
	if !IsEnabled() {
		return NewNoopMetadataMetrics()
	}

	factory := promauto.With(GetRegistry())

	return &metadataMetrics{
		store: storeType,
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockfs_metadata_operations_total",
				Help: "Inode store calls by store, operation and result",
			},
			[]string{"store", "operation", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lockfs_metadata_operation_duration_seconds",
				Help:    "Latency of inode store calls",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100µs to ~1.6s
			},
			[]string{"store", "operation"},
		),
	}
}

func (m *metadataMetrics) RecordOperation(operation string, duration time.Duration, err error) {
	result := status(err)
	if errors.Is(err, metadata.ErrNotFound) {
		result = "not_found"
	}
	m.calls.WithLabelValues(m.store, operation, result).Inc()
	m.duration.WithLabelValues(m.store, operation).Observe(duration.Seconds())
}

type noopMetadataMetrics struct{}

// NewNoopMetadataMetrics returns a MetadataMetrics that discards everything.
func NewNoopMetadataMetrics() MetadataMetrics { return noopMetadataMetrics{} }

func (noopMetadataMetrics) RecordOperation(string, time.Duration, error) {}
