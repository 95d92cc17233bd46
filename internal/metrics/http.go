package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusServer exposes a PrometheusCollector's registry over HTTP.
type PrometheusServer struct {
	addr   string
	path   string
	srv    *http.Server
}

// NewPrometheusServer builds a metrics HTTP server listening on addr and
// serving the registry at path.
func NewPrometheusServer(addr, path string) *PrometheusServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return &PrometheusServer{addr: addr, path: path, srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start begins serving metrics. It blocks until the context is canceled or
// an error occurs.
func (s *PrometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = s.srv.Shutdown(context.Background())
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
