package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPServer serves health, metrics and the device state.
type HTTPServer struct {
	Server *http.Server
}

// Routes are the handlers mounted by NewMux. Nil entries are skipped.
type Routes struct {
	Health  func() error
	State   func() any
	Metrics *prometheus.Registry
}

func NewMux(routes Routes) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", HealthHandler(routes.Health))
	if routes.Metrics != nil {
		mux.Handle("/metrics", MetricsHandler(routes.Metrics))
	}
	if routes.State != nil {
		mux.Handle("/state", StateHandler(routes.State))
	}
	return mux
}

func NewHTTPServer(addr string, handler http.Handler) *HTTPServer {
	return &HTTPServer{Server: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.Server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
