package metrics

import (
	"time"

	"github.com/marmos91/lockfs/pkg/store/content/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type s3Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	bytes    *prometheus.CounterVec
}

// NewS3Metrics returns collectors for the S3 content driver.
//
// It returns nil when the registry is not initialized; the driver then falls
// back to its own no-op.
func NewS3Metrics() s3.Metrics {
	if !IsEnabled() {
		return nil
	}

	factory := promauto.With(GetRegistry())

	return &s3Metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockfs_s3_requests_total",
				Help: "S3 API calls issued by the content driver, by API and status",
			},
			[]string{"api", "status"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lockfs_s3_request_duration_seconds",
				Help:    "Latency of S3 API calls",
				Buckets: prometheus.ExponentialBuckets(0.01, 2.5, 8), // 10ms to ~6s
			},
			[]string{"api"},
		),
		bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockfs_s3_payload_bytes_total",
				Help: "Payload bytes uploaded to or downloaded from S3",
			},
			[]string{"direction"},
		),
	}
}

func (m *s3Metrics) ObserveRequest(api string, duration time.Duration, err error) {
	m.requests.WithLabelValues(api, status(err)).Inc()
	m.latency.WithLabelValues(api).Observe(duration.Seconds())
}

func (m *s3Metrics) AddBytes(direction string, n int64) {
	m.bytes.WithLabelValues(direction).Add(float64(n))
}
