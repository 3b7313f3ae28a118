package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
)

// Service is a long-running component owned by a Manager.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	mu      sync.Mutex
	svcs    []Service
	started []Service
}

func New() *Manager { return &Manager{} }

func (m *Manager) Add(s Service) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.svcs = append(m.svcs, s)
	m.mu.Unlock()
}

// StartAll starts every service; on the first failure the ones already
// started are stopped again and the start error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.svcs {
		if err := s.Start(ctx); err != nil {
			logger.ErrorJ("lifecycle", map[string]any{"service": s.Name(), "op": "start", "result": "error", "err": err.Error()})
			rbErr := m.stopStarted(ctx)
			return multierr.Append(fmt.Errorf("start %s: %w", s.Name(), err), rbErr)
		}
		m.started = append(m.started, s)
		logger.InfoJ("lifecycle", map[string]any{"service": s.Name(), "op": "start", "result": "ok"})
	}
	return nil
}

// StopAll stops started services in reverse order and joins their errors.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopStarted(ctx)
}

func (m *Manager) stopStarted(ctx context.Context) error {
	var err error
	for i := len(m.started) - 1; i >= 0; i-- {
		s := m.started[i]
		if e := s.Stop(ctx); e != nil {
			err = multierr.Append(err, fmt.Errorf("stop %s: %w", s.Name(), e))
			logger.ErrorJ("lifecycle", map[string]any{"service": s.Name(), "op": "stop", "result": "error", "err": e.Error()})
			continue
		}
		logger.InfoJ("lifecycle", map[string]any{"service": s.Name(), "op": "stop", "result": "ok"})
	}
	m.started = nil
	return err
}
