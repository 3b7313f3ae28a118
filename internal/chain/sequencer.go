// Package chain applies aggregated bundles to the local ledger through the
// gateway, one bus event at a time.
package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
	"github.com/zmlAEQ/Aequa-gateway/internal/gateway"
	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
	"github.com/zmlAEQ/Aequa-gateway/pkg/bus"
	"github.com/zmlAEQ/Aequa-gateway/pkg/lifecycle"
	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
	"github.com/zmlAEQ/Aequa-gateway/pkg/trace"
)

// ResultHook observes every processed bundle, including rejected ones.
type ResultHook func(ctx context.Context, b bundle.Bundle, res *gateway.Result, err error)

type Sequencer struct {
	sub    bus.Subscriber
	gw     *gateway.Gateway
	origin common.Address
	sink   Sink
	ckpt   *ledger.Checkpointer
	every  uint64
	hooks  []ResultHook

	ckptMu    sync.Mutex
	ckptErr   error
	ckptFails uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a sequencer that submits bundles to gw as origin.
func New(sub bus.Subscriber, gw *gateway.Gateway, origin common.Address) *Sequencer {
	return &Sequencer{sub: sub, gw: gw, origin: origin, sink: noopSink{}}
}

func (s *Sequencer) Name() string { return "chain" }

// SetSink replaces the default no-op sink.
func (s *Sequencer) SetSink(k Sink) {
	if k == nil {
		k = noopSink{}
	}
	s.sink = k
}

// SetCheckpointer persists the ledger every `every` blocks and on Stop.
func (s *Sequencer) SetCheckpointer(c *ledger.Checkpointer, every uint64) {
	if every == 0 {
		every = 1
	}
	s.ckpt, s.every = c, every
}

// OnResult adds a hook; the relay uses it to resync failed wallets.
func (s *Sequencer) OnResult(h ResultHook) { s.hooks = append(s.hooks, h) }

func (s *Sequencer) Start(ctx context.Context) error {
	if s.sub == nil {
		logger.Info("chain start (no subscriber)")
		return nil
	}
	if s.ckpt != nil {
		err := s.ckpt.Load(ctx, s.gw.Ledger())
		switch {
		case err == nil:
			logger.InfoJ("chain_state", map[string]any{"op": "load", "result": "ok", "height": s.gw.Ledger().Head().Number})
		case errors.Is(err, ledger.ErrNoCheckpoint):
			logger.InfoJ("chain_state", map[string]any{"op": "load", "result": "miss"})
		default:
			return err
		}
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for {
			select {
			case ev := <-s.sub:
				metrics.Inc("chain_events_total", map[string]string{"kind": string(ev.Kind)})
				if ev.Kind != bus.KindBundle {
					continue
				}
				s.Handle(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Handle processes one bundle event synchronously.
func (s *Sequencer) Handle(ctx context.Context, ev bus.Event) (*gateway.Result, error) {
	var b bundle.Bundle
	switch body := ev.Body.(type) {
	case bundle.Bundle:
		b = body
	case *bundle.Bundle:
		b = *body
	default:
		metrics.Inc("chain_bundles_total", map[string]string{"result": "bad_event"})
		logger.ErrorJ("chain_recv", map[string]any{"result": "bad_event", "trace_id": ev.TraceID})
		return nil, gateway.ErrMalformedBundle
	}
	ctx = trace.WithTraceID(ctx, ev.TraceID)
	begin := time.Now()
	res, err := s.gw.ProcessBundle(ctx, s.origin, b)
	durMs := time.Since(begin).Milliseconds()

	rec := BundleRecord{TraceID: ev.TraceID, Ops: b.Len()}
	if err != nil {
		head := s.gw.Ledger().Head()
		rec.Height, rec.Time = head.Number, head.Time
		rec.Rejected, rec.Error = true, err.Error()
		metrics.Inc("chain_bundles_total", map[string]string{"result": "rejected"})
	} else {
		rec.Height, rec.Time, rec.Hash = res.Block.Number, res.Block.Time, res.Block.Hash.Hex()
		for i, ok := range res.Successes {
			if ok {
				rec.Succeeded++
			} else {
				rec.Failed++
			}
			rec.Wallets = append(rec.Wallets, res.Wallets[i].Hex())
		}
		metrics.Inc("chain_bundles_total", map[string]string{"result": "ok"})
	}
	logger.InfoJ("chain_recv", map[string]any{"kind": string(ev.Kind), "trace_id": ev.TraceID, "height": rec.Height, "ops": rec.Ops, "ok": rec.Succeeded, "failed": rec.Failed, "rejected": rec.Rejected, "latency_ms": durMs})
	metrics.ObserveSummary("chain_proc_ms", nil, float64(durMs))

	s.sink.Publish(rec)
	for _, h := range s.hooks {
		h(ctx, b, res, err)
	}
	if err == nil && s.ckpt != nil && res.Block.Number%s.every == 0 {
		s.checkpoint(ctx, res.Block.Number)
	}
	return res, err
}

// checkpoint saves the ledger and tracks consecutive failures. A failed save
// does not fail the bundle; the next interval retries.
func (s *Sequencer) checkpoint(ctx context.Context, height uint64) {
	err := s.ckpt.Save(ctx, s.gw.Ledger())
	s.ckptMu.Lock()
	defer s.ckptMu.Unlock()
	if err != nil {
		s.ckptErr = err
		s.ckptFails++
		metrics.Inc("chain_checkpoint_total", map[string]string{"result": "error"})
		metrics.SetGauge("chain_checkpoint_failures", nil, float64(s.ckptFails))
		logger.ErrorJ("chain_checkpoint", map[string]any{"height": height, "consecutive_failures": s.ckptFails, "err": err.Error()})
		return
	}
	s.ckptErr, s.ckptFails = nil, 0
	metrics.Inc("chain_checkpoint_total", map[string]string{"result": "ok"})
	metrics.SetGauge("chain_checkpoint_failures", nil, 0)
}

// CheckpointStatus reports how many saves in a row have failed and the last
// error. Both are zero after a successful save.
func (s *Sequencer) CheckpointStatus() (uint64, error) {
	s.ckptMu.Lock()
	defer s.ckptMu.Unlock()
	return s.ckptFails, s.ckptErr
}

func (s *Sequencer) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.ckpt != nil {
		if err := s.ckpt.Save(ctx, s.gw.Ledger()); err != nil {
			return err
		}
	}
	logger.Info("chain stop")
	return nil
}

var _ lifecycle.Service = (*Sequencer)(nil)
