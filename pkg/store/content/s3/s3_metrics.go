package s3

import (
	"io"
	"time"
)

// Metrics observes the S3 driver. A nil Metrics passed to New disables it.
type Metrics interface {
	// ObserveRequest records one S3 API call ("PutObject", "CopyObject", ...)
	// and its outcome.
	ObserveRequest(api string, duration time.Duration, err error)

	// AddBytes counts payload bytes moved in direction "upload" or "download".
	AddBytes(direction string, n int64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string, time.Duration, error) {}
func (noopMetrics) AddBytes(string, int64)                      {}

// downloadBody reports the bytes read from a GetObject body once it is closed.
type downloadBody struct {
	io.ReadCloser
	metrics Metrics
	n       int64
}

func (b *downloadBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *downloadBody) Close() error {
	err := b.ReadCloser.Close()
	if b.n > 0 {
		b.metrics.AddBytes("download", b.n)
	}
	return err
}
