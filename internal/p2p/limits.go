package p2p

import (
	"context"
	"sync/atomic"

	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
)

// Limiter caps the number of inbound operations handled at once. A zero max
// means unlimited.
type Limiter struct {
	max  int64
	open int64
}

func NewLimiter(max int64) *Limiter { return &Limiter{max: max} }

// TryOpen takes a slot, recording a rate-limit metric when none is free.
func (l *Limiter) TryOpen() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	for {
		o := atomic.LoadInt64(&l.open)
		if o >= l.max {
			metrics.Inc(MetricRateLimitedTotal, map[string]string{"kind": "operation"})
			return false
		}
		if atomic.CompareAndSwapInt64(&l.open, o, o+1) {
			metrics.AddGauge(MetricInflight, nil, 1)
			return true
		}
	}
}

func (l *Limiter) Close() {
	if l == nil || l.max <= 0 {
		return
	}
	for {
		o := atomic.LoadInt64(&l.open)
		if o <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&l.open, o, o-1) {
			metrics.AddGauge(MetricInflight, nil, -1)
			return
		}
	}
}

// Dispatch hands so to fn on its own goroutine when a slot is free and
// reports whether it was accepted.
func (l *Limiter) Dispatch(ctx context.Context, fn OperationHandler, so bundle.SignedOperation) bool {
	if fn == nil {
		return false
	}
	if !l.TryOpen() {
		return false
	}
	go func() {
		defer l.Close()
		fn(ctx, so)
	}()
	return true
}
