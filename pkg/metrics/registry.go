// Package metrics holds the Prometheus collectors of lockfs: lock waits and
// holds, commits and reconciliation outcomes, inode store and S3 calls.
//
// Nothing is collected until InitRegistry is called. Before that every
// constructor returns a no-op, so components can be built with or without
// metrics:
//
//	metrics.InitRegistry()
//	registry := lock.NewRegistry(backend, cfg, metrics.NewLockMetrics())
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide registry with the Go runtime and
// process collectors. Later calls are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
