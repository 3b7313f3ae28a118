// Package blocktracker follows the ledger head for subscribers. Polling runs
// only while someone listens; when the last subscriber leaves, the last block
// is kept for a grace period and then forgotten.
package blocktracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
)

// State of the tracker.
//
//	Idle       no subscribers, no block
//	Running    at least one subscriber, polling
//	StaleArmed no subscribers, last block kept until ResetDuration elapses
type State int

const (
	Idle State = iota
	Running
	StaleArmed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case StaleArmed:
		return "stale_armed"
	default:
		return "idle"
	}
}

var ErrStopped = errors.New("blocktracker: stopped")

// Source reports the current head height.
type Source interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

type Config struct {
	PollInterval  time.Duration
	ResetDuration time.Duration
	// Buffer is the per-subscriber channel capacity.
	Buffer int
}

func defaultConfig(c Config) Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 4 * time.Second
	}
	if c.ResetDuration <= 0 {
		c.ResetDuration = 20 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 16
	}
	return c
}

type Tracker struct {
	mu      sync.Mutex
	src     Source
	clock   clock.Clock
	cfg     Config
	state   State
	current uint64
	has     bool
	subs    map[int]chan uint64
	nextID  int
	gen     uint64
	stop    context.CancelFunc
	reset   *clock.Timer
	stopped bool
}

type Option func(*Tracker)

func WithClock(c clock.Clock) Option { return func(t *Tracker) { t.clock = c } }
func WithConfig(c Config) Option     { return func(t *Tracker) { t.cfg = c } }

func New(src Source, opts ...Option) *Tracker {
	t := &Tracker{src: src, clock: clock.New(), subs: map[int]chan uint64{}}
	for _, o := range opts {
		o(t)
	}
	t.cfg = defaultConfig(t.cfg)
	return t
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Current returns the last seen block, if any.
func (t *Tracker) Current() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.has
}

// Subscribe registers a listener for strictly increasing block numbers. The
// returned func unsubscribes and closes the channel.
func (t *Tracker) Subscribe() (<-chan uint64, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan uint64, t.cfg.Buffer)
	if t.stopped {
		close(ch)
		return ch, func() {}
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	if t.has {
		ch <- t.current
	}
	if t.state != Running {
		t.startLocked()
	}
	var once sync.Once
	return ch, func() { once.Do(func() { t.unsubscribe(id) }) }
}

func (t *Tracker) unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.subs[id]
	if !ok {
		return
	}
	delete(t.subs, id)
	close(ch)
	if len(t.subs) == 0 && t.state == Running {
		t.stopPollingLocked()
		t.armResetLocked()
	}
}

func (t *Tracker) startLocked() {
	if t.reset != nil {
		t.reset.Stop()
		t.reset = nil
	}
	t.gen++
	ctx, cancel := context.WithCancel(context.Background())
	t.stop = cancel
	ticker := t.clock.Ticker(t.cfg.PollInterval)
	t.setStateLocked(Running)
	go t.poll(ctx, ticker)
}

func (t *Tracker) stopPollingLocked() {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

func (t *Tracker) armResetLocked() {
	if !t.has {
		t.setStateLocked(Idle)
		return
	}
	t.setStateLocked(StaleArmed)
	gen := t.gen
	t.reset = t.clock.AfterFunc(t.cfg.ResetDuration, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.gen != gen || t.state != StaleArmed {
			return
		}
		t.has, t.current = false, 0
		t.reset = nil
		t.setStateLocked(Idle)
	})
}

func (t *Tracker) setStateLocked(s State) {
	if t.state == s {
		return
	}
	logger.InfoJ("blocktracker", map[string]any{"event": "state", "from": t.state.String(), "to": s.String()})
	t.state = s
}

func (t *Tracker) poll(ctx context.Context, ticker *clock.Ticker) {
	defer ticker.Stop()
	t.fetch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fetch(ctx)
		}
	}
}

func (t *Tracker) fetch(ctx context.Context) {
	n, err := t.src.BlockNumber(ctx)
	if err != nil {
		if ctx.Err() == nil {
			metrics.Inc("blocktracker_poll_total", map[string]string{"result": "error"})
			logger.ErrorJ("blocktracker", map[string]any{"event": "poll", "result": "error", "err": err.Error()})
		}
		return
	}
	metrics.Inc("blocktracker_poll_total", map[string]string{"result": "ok"})
	t.observe(ctx, n)
}

// observe records n if it is newer and fans it out.
func (t *Tracker) observe(ctx context.Context, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx.Err() != nil || (t.has && n <= t.current) {
		return
	}
	t.current, t.has = n, true
	metrics.SetGauge("blocktracker_head", nil, float64(n))
	for _, ch := range t.subs {
		select {
		case ch <- n:
		default:
			metrics.Inc("blocktracker_dropped_total", nil)
		}
	}
}

// Latest returns the current block, waiting for the first one if needed.
func (t *Tracker) Latest(ctx context.Context) (uint64, error) {
	if n, ok := t.Current(); ok {
		return n, nil
	}
	ch, cancel := t.Subscribe()
	defer cancel()
	select {
	case n, ok := <-ch:
		if !ok {
			return 0, ErrStopped
		}
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stop halts polling and closes every subscription.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.stopPollingLocked()
	if t.reset != nil {
		t.reset.Stop()
		t.reset = nil
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	t.has, t.current = false, 0
	t.setStateLocked(Idle)
}
