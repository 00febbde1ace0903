package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// VFSMetrics provides observability for writer, reader and reconciliation
// activity of the filesystem facade.
type VFSMetrics interface {
	// RecordCommit records a writer commit.
	//
	// Parameters:
	//   - domain: Logical domain of the committed file
	//   - outcome: "success" or the failure kind (e.g., "stale_lock")
	//   - bytes: Payload size published to durable storage
	//   - duration: Time from commit start to inode persistence
	RecordCommit(domain, outcome string, bytes int64, duration time.Duration)

	// RecordAbort records a writer closed without committing.
	RecordAbort(domain string)

	// RecordOpen records a writer or reader open.
	//
	// Parameters:
	//   - mode: "writer" or "reader"
	//   - outcome: "success" or the failure kind
	RecordOpen(domain, mode, outcome string)

	// RecordReconcile records the outcome of an orphan reconciliation
	// ("reset_synced", "reset_new", "purged", "live", "clean", "error").
	RecordReconcile(domain, outcome string)
}

type vfsMetrics struct {
	commitsTotal    *prometheus.CounterVec
	commitDuration  *prometheus.HistogramVec
	commitBytes     *prometheus.CounterVec
	abortsTotal     *prometheus.CounterVec
	opensTotal      *prometheus.CounterVec
	reconcilesTotal *prometheus.CounterVec
}

// NewVFSMetrics creates a Prometheus-backed VFSMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewVFSMetrics() VFSMetrics {
	if !IsEnabled() {
		return NewNoopVFSMetrics()
	}

	reg := GetRegistry()

	return &vfsMetrics{
		commitsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockfs_vfs_commits_total",
				Help: "Total number of writer commits by domain and outcome",
			},
			[]string{"domain", "outcome"},
		),
		commitDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "lockfs_vfs_commit_duration_seconds",
				Help: "Duration of writer commits in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.1,   // 100ms
					1,     // 1s
					10,    // 10s
				},
			},
			[]string{"domain"},
		),
		commitBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockfs_vfs_commit_bytes_total",
				Help: "Total bytes published to durable storage",
			},
			[]string{"domain"},
		),
		abortsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockfs_vfs_aborts_total",
				Help: "Total number of writers closed without commit",
			},
			[]string{"domain"},
		),
		opensTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockfs_vfs_opens_total",
				Help: "Total number of writer/reader opens by outcome",
			},
			[]string{"domain", "mode", "outcome"},
		),
		reconcilesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockfs_vfs_reconciliations_total",
				Help: "Total number of inode reconciliations by outcome",
			},
			[]string{"domain", "outcome"},
		),
	}
}

func (m *vfsMetrics) RecordCommit(domain, outcome string, bytes int64, duration time.Duration) {
	m.commitsTotal.WithLabelValues(domain, outcome).Inc()
	m.commitDuration.WithLabelValues(domain).Observe(duration.Seconds())
	if outcome == "success" {
		m.commitBytes.WithLabelValues(domain).Add(float64(bytes))
	}
}

func (m *vfsMetrics) RecordAbort(domain string) {
	m.abortsTotal.WithLabelValues(domain).Inc()
}

func (m *vfsMetrics) RecordOpen(domain, mode, outcome string) {
	m.opensTotal.WithLabelValues(domain, mode, outcome).Inc()
}

func (m *vfsMetrics) RecordReconcile(domain, outcome string) {
	m.reconcilesTotal.WithLabelValues(domain, outcome).Inc()
}

type noopVFSMetrics struct{}

// NewNoopVFSMetrics returns a VFSMetrics that discards everything.
func NewNoopVFSMetrics() VFSMetrics { return noopVFSMetrics{} }

func (noopVFSMetrics) RecordCommit(domain, outcome string, bytes int64, duration time.Duration) {}
func (noopVFSMetrics) RecordAbort(domain string)                                               {}
func (noopVFSMetrics) RecordOpen(domain, mode, outcome string)                                 {}
func (noopVFSMetrics) RecordReconcile(domain, outcome string)                                  {}
