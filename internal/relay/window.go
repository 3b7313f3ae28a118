package relay

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
)

// Phase of a batching window.
type Phase string

const (
	PhaseInit    Phase = "init"
	PhaseGather  Phase = "gather"
	PhaseCombine Phase = "combine"
	PhaseDone    Phase = "done"
)

type WindowConfig struct {
	Threshold     int           // ready operations that close the window (min 1)
	GatherTimeout time.Duration // how long the first operation may wait
	Tick          time.Duration // watchdog resolution
}

func defaultWindowConfig(c WindowConfig) WindowConfig {
	if c.Threshold < 1 {
		c.Threshold = 32
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 2 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 10 * time.Millisecond
	}
	return c
}

// Window decides when gathered operations should be combined into a bundle:
// either Threshold distinct operations arrived or GatherTimeout passed since
// the first one.
type Window struct {
	mu        sync.Mutex
	cfg       WindowConfig
	clock     clock.Clock
	phase     Phase
	startedAt time.Time
	ops       map[string]struct{}
	timedOut  bool
	ready     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func NewWindow(cfg WindowConfig, clk clock.Clock) *Window {
	if clk == nil {
		clk = clock.New()
	}
	return &Window{
		cfg:   defaultWindowConfig(cfg),
		clock: clk,
		phase: PhaseInit,
		ops:   map[string]struct{}{},
		ready: make(chan struct{}, 1),
	}
}

// Start runs the gather-timeout watchdog until ctx ends or Stop.
func (w *Window) Start(ctx context.Context) {
	w.mu.Lock()
	if w.ctx != nil {
		w.mu.Unlock()
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	t := w.clock.Ticker(w.cfg.Tick)
	w.mu.Unlock()

	go w.watchdog(t)
}

func (w *Window) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
}

// Ready fires once per window when it moves to Combine.
func (w *Window) Ready() <-chan struct{} { return w.ready }

func (w *Window) watchdog(t *clock.Ticker) {
	defer t.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-t.C:
			w.mu.Lock()
			if w.phase == PhaseGather && w.clock.Since(w.startedAt) >= w.cfg.GatherTimeout {
				w.timedOut = true
				metrics.Inc("relay_windows_total", map[string]string{"result": "timeout"})
				logger.InfoJ("relay_window", map[string]any{"event": "timeout", "ops": len(w.ops), "latency_ms": w.clock.Since(w.startedAt).Milliseconds()})
				w.combineLocked()
			}
			w.mu.Unlock()
		}
	}
}

// OnOperation records a ready operation by key. It reports true when this
// operation closed the window.
func (w *Window) OnOperation(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.phase {
	case PhaseCombine, PhaseDone:
		// picked up by Reset from the pool
		return false
	case PhaseInit:
		w.phase = PhaseGather
		w.startedAt = w.clock.Now()
		logger.InfoJ("relay_window", map[string]any{"event": "phase", "phase": string(w.phase)})
	}
	if _, ok := w.ops[key]; ok {
		return false
	}
	w.ops[key] = struct{}{}
	if len(w.ops) >= w.cfg.Threshold {
		metrics.Inc("relay_windows_total", map[string]string{"result": "full"})
		w.combineLocked()
		return true
	}
	return false
}

func (w *Window) combineLocked() {
	w.phase = PhaseCombine
	metrics.ObserveSummary("relay_gather_ms", nil, float64(w.clock.Since(w.startedAt).Milliseconds()))
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// Finalize marks the current window as flushed.
func (w *Window) Finalize() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase == PhaseCombine || w.phase == PhaseGather {
		logger.InfoJ("relay_window", map[string]any{"event": "finish", "ops": len(w.ops), "timed_out": w.timedOut})
		w.phase = PhaseDone
	}
}

// Reset opens a fresh window seeded with keys still waiting.
func (w *Window) Reset(pending ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.phase = PhaseInit
	w.timedOut = false
	w.ops = map[string]struct{}{}
	select {
	case <-w.ready:
	default:
	}
	for _, k := range pending {
		w.ops[k] = struct{}{}
	}
	if len(w.ops) == 0 {
		return
	}
	w.phase = PhaseGather
	w.startedAt = w.clock.Now()
	if len(w.ops) >= w.cfg.Threshold {
		w.combineLocked()
	}
}

type WindowStatus struct {
	Phase    Phase
	TimedOut bool
	Count    int
}

func (w *Window) Status() WindowStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WindowStatus{Phase: w.phase, TimedOut: w.timedOut, Count: len(w.ops)}
}
