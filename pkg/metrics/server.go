package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/lockfs/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultPort     = 9090
	healthTimeout   = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server exposes the registry over HTTP:
//   - GET /metrics: Prometheus exposition (503 when metrics are disabled)
//   - GET /healthz: "ok", or 503 with the reason when the health check fails
type Server struct {
	server   *http.Server
	port     int
	stopOnce sync.Once
}

// ServerConfig configures the metrics HTTP server.
type ServerConfig struct {
	// Port to listen on. Default: 9090
	Port int

	// Health, if set, is called for every /healthz request with a short
	// deadline. A non-nil error answers 503.
	Health func(ctx context.Context) error
}

// NewServer builds a stopped server. Call Start to serve.
func NewServer(config ServerConfig) *Server {
	if config.Port <= 0 {
		config.Port = defaultPort
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler())
	mux.HandleFunc("/healthz", healthHandler(config.Health))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/metrics", http.StatusFound)
			return
		}
		http.NotFound(w, r)
	})

	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		port: config.Port,
	}
}

func metricsHandler() http.Handler {
	if reg := GetRegistry(); reg != nil {
		return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
	})
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = fmt.Fprintf(w, "unhealthy: %v\n", err)
				return
			}
		}
		_, _ = fmt.Fprintln(w, "ok")
	}
}

// Start binds the port and serves until ctx is cancelled, then shuts down
// gracefully. A bind failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	logger.Info("Metrics server listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		// ctx is already done, so shutdown needs its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if err = s.server.Shutdown(ctx); err != nil {
			err = fmt.Errorf("metrics server shutdown: %w", err)
			logger.Error("%v", err)
			return
		}
		logger.Info("Metrics server stopped")
	})
	return err
}

// Port returns the configured TCP port.
func (s *Server) Port() int {
	return s.port
}
