// Package monitoring serves Prometheus metrics and a liveness probe.
package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/zmlAEQ/Aequa-gateway/pkg/lifecycle"
	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
)

type Service struct {
	addr string
	srv  *http.Server
}

func New(addr string) *Service { return &Service{addr: addr} }

func (s *Service) Name() string { return "monitoring" }

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Service) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorJ("monitoring", map[string]any{"event": "serve", "err": err.Error()})
		}
	}()
	logger.InfoJ("monitoring", map[string]any{"event": "start", "addr": ln.Addr().String()})
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

var _ lifecycle.Service = (*Service)(nil)
