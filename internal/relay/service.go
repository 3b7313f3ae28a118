// Package relay gathers individually signed operations, aggregates their
// signatures and hands the resulting bundles to the sequencer over the bus.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/zmlAEQ/Aequa-gateway/internal/bls"
	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
	"github.com/zmlAEQ/Aequa-gateway/internal/gateway"
	"github.com/zmlAEQ/Aequa-gateway/pkg/bus"
	"github.com/zmlAEQ/Aequa-gateway/pkg/lifecycle"
	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
	"github.com/zmlAEQ/Aequa-gateway/pkg/trace"
)

var (
	ErrBadSignature   = errors.New("relay: bad operation signature")
	ErrWalletMismatch = errors.New("relay: wallet does not belong to key")
)

// Chain is the gateway view the relay needs.
type Chain interface {
	bundle.NonceSource
	WalletAddressOf(pk bls.PubKey) common.Address
}

// Blocks delivers new block heights; satisfied by blocktracker.Tracker.
type Blocks interface {
	Subscribe() (<-chan uint64, func())
}

// Broadcaster shares locally submitted operations with other relays.
type Broadcaster interface {
	BroadcastOperation(ctx context.Context, so bundle.SignedOperation) error
}

type Config struct {
	ChainID   *uint256.Int
	MaxBundle int
	MaxFuture int
	DedupSize int
	Window    WindowConfig
	// VerifyWorkers bounds parallel signature checks in SubmitBatch.
	VerifyWorkers int
}

type Service struct {
	cfg    Config
	chain  Chain
	pool   *Pool
	window *Window
	bus    *bus.Bus
	blocks Blocks
	bcast  Broadcaster
	clock  clock.Clock
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, chain Chain, b *bus.Bus) *Service {
	if cfg.MaxBundle <= 0 {
		cfg.MaxBundle = 64
	}
	if cfg.VerifyWorkers <= 0 {
		cfg.VerifyWorkers = 8
	}
	if cfg.ChainID == nil {
		cfg.ChainID = new(uint256.Int)
	}
	s := &Service{cfg: cfg, chain: chain, bus: b, clock: clock.New()}
	s.pool = NewPool(cfg.ChainID, chain, cfg.MaxFuture, cfg.DedupSize)
	s.window = NewWindow(cfg.Window, s.clock)
	return s
}

func (s *Service) Name() string { return "relay" }

// SetClock replaces the window clock; call before Start.
func (s *Service) SetClock(c clock.Clock) {
	s.clock = c
	s.window = NewWindow(s.cfg.Window, c)
}

// SetBlocks makes the relay flush on every new block.
func (s *Service) SetBlocks(b Blocks) { s.blocks = b }

// SetBroadcaster enables gossip of locally submitted operations.
func (s *Service) SetBroadcaster(b Broadcaster) { s.bcast = b }

func (s *Service) Pool() *Pool     { return s.pool }
func (s *Service) Window() *Window { return s.window }

func (s *Service) check(ctx context.Context, so bundle.SignedOperation) error {
	if err := bls.ValidatePublicKey(so.PublicKey); err != nil {
		return fmt.Errorf("%w: %w", bundle.ErrBadPublicKey, err)
	}
	if w := s.chain.WalletAddressOf(so.PublicKey); w != so.Wallet {
		return fmt.Errorf("%w: key maps to %s", ErrWalletMismatch, w.Hex())
	}
	if !so.Verify(s.cfg.ChainID) {
		return ErrBadSignature
	}
	return nil
}

// Submit admits a locally received operation and gossips it when accepted.
func (s *Service) Submit(ctx context.Context, so bundle.SignedOperation) error {
	if err := s.admit(ctx, so, "local"); err != nil {
		return err
	}
	if s.bcast != nil {
		if err := s.bcast.BroadcastOperation(ctx, so); err != nil {
			logger.ErrorJ("relay_gossip", map[string]any{"result": "error", "wallet": so.Wallet.Hex(), "err": err.Error()})
		}
	}
	return nil
}

// HandleRemote admits an operation received from another relay.
func (s *Service) HandleRemote(ctx context.Context, so bundle.SignedOperation) error {
	return s.admit(ctx, so, "remote")
}

func (s *Service) admit(ctx context.Context, so bundle.SignedOperation, source string) error {
	if err := s.check(ctx, so); err != nil {
		metrics.Inc("relay_submit_total", map[string]string{"source": source, "result": "invalid"})
		return err
	}
	return s.enqueue(ctx, so, source)
}

func (s *Service) enqueue(ctx context.Context, so bundle.SignedOperation, source string) error {
	ready, err := s.pool.Add(ctx, so)
	if err != nil {
		metrics.Inc("relay_submit_total", map[string]string{"source": source, "result": "rejected"})
		return err
	}
	metrics.Inc("relay_submit_total", map[string]string{"source": source, "result": "ok"})
	tid, _ := trace.FromContext(ctx)
	logger.InfoJ("relay_submit", map[string]any{"wallet": so.Wallet.Hex(), "nonce": so.Operation.Nonce.Dec(), "ready": len(ready), "source": source, "trace_id": tid})
	for _, d := range ready {
		s.window.OnOperation(d.Hex())
	}
	return nil
}

// SubmitBatch checks signatures in parallel and then admits the operations in
// order. The returned slice is aligned with ops.
func (s *Service) SubmitBatch(ctx context.Context, ops []bundle.SignedOperation) []error {
	errs := make([]error, len(ops))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.VerifyWorkers)
	for i := range ops {
		g.Go(func() error {
			if gctx.Err() != nil {
				errs[i] = gctx.Err()
				return nil
			}
			errs[i] = s.check(gctx, ops[i])
			return nil
		})
	}
	_ = g.Wait()
	for i, so := range ops {
		if errs[i] != nil {
			metrics.Inc("relay_submit_total", map[string]string{"source": "batch", "result": "invalid"})
			continue
		}
		errs[i] = s.enqueue(ctx, so, "batch")
	}
	return errs
}

// Flush aggregates up to MaxBundle ready operations and publishes the bundle.
// It reports false when nothing was ready.
func (s *Service) Flush(ctx context.Context, reason string) (bundle.Bundle, bool, error) {
	ops := s.pool.Take(s.cfg.MaxBundle)
	if len(ops) == 0 {
		s.window.Reset()
		return bundle.Bundle{}, false, nil
	}
	b, err := bundle.Aggregate(ops)
	s.window.Finalize()
	s.window.Reset(s.pendingKeys()...)
	if err != nil {
		metrics.Inc("relay_flush_total", map[string]string{"reason": reason, "result": "error"})
		logger.ErrorJ("relay_flush", map[string]any{"reason": reason, "result": "error", "err": err.Error()})
		return bundle.Bundle{}, false, err
	}
	tid := trace.NewID()
	ok := s.bus.Publish(ctx, bus.Event{Kind: bus.KindBundle, Body: b, TraceID: tid})
	result := "ok"
	if !ok {
		result = "dropped"
	}
	metrics.Inc("relay_flush_total", map[string]string{"reason": reason, "result": result})
	metrics.ObserveSummary("relay_bundle_size", nil, float64(b.Len()))
	logger.InfoJ("relay_flush", map[string]any{"reason": reason, "result": result, "ops": b.Len(), "trace_id": tid})
	if !ok {
		s.pool.Release(ops...)
		for _, w := range uniqueWallets(ops) {
			s.resync(ctx, w)
		}
	}
	return b, ok, nil
}

func (s *Service) pendingKeys() []string {
	ds := s.pool.ReadyDigests()
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Hex()
	}
	return out
}

func (s *Service) resync(ctx context.Context, w common.Address) {
	ready, err := s.pool.Resync(ctx, w)
	if err != nil {
		logger.ErrorJ("relay_resync", map[string]any{"wallet": w.Hex(), "err": err.Error()})
		s.pool.Forget(w)
		return
	}
	for _, d := range ready {
		s.window.OnOperation(d.Hex())
	}
}

// Observe feeds back the outcome of a published bundle. Wallets whose
// operation did not execute are resynced against the chain nonce, and those
// operations are released so the identical signed operation can be resent.
func (s *Service) Observe(ctx context.Context, b bundle.Bundle, res *gateway.Result, err error) {
	var failed []bundle.SignedOperation
	for i, op := range b.Operations {
		if i >= len(b.PublicKeys) {
			break
		}
		switch {
		case err != nil:
		case res != nil && i < len(res.Successes) && !res.Successes[i]:
		default:
			continue
		}
		w := s.chain.WalletAddressOf(b.PublicKeys[i])
		if res != nil && i < len(res.Wallets) {
			w = res.Wallets[i]
		}
		failed = append(failed, bundle.SignedOperation{PublicKey: b.PublicKeys[i], Wallet: w, Operation: op})
	}
	s.pool.Release(failed...)
	for _, w := range uniqueWallets(failed) {
		metrics.Inc("relay_resync_total", nil)
		s.resync(ctx, w)
	}
}

func uniqueWallets(ops []bundle.SignedOperation) []common.Address {
	seen := map[common.Address]bool{}
	var out []common.Address
	for _, so := range ops {
		if !seen[so.Wallet] {
			seen[so.Wallet] = true
			out = append(out, so.Wallet)
		}
	}
	return out
}

func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.window.Start(ctx)
	var blocks <-chan uint64
	unsubscribe := func() {}
	if s.blocks != nil {
		blocks, unsubscribe = s.blocks.Subscribe()
	}
	logger.InfoJ("relay", map[string]any{"event": "start", "max_bundle": s.cfg.MaxBundle, "follow_blocks": s.blocks != nil})
	go func() {
		defer close(s.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.window.Ready():
				s.flush(ctx, "window")
			case h, ok := <-blocks:
				if !ok {
					blocks = nil
					continue
				}
				if s.pool.Len() > 0 {
					logger.InfoJ("relay", map[string]any{"event": "block", "height": h})
					s.flush(ctx, "block")
				}
			}
		}
	}()
	return nil
}

func (s *Service) flush(ctx context.Context, reason string) {
	begin := time.Now()
	if _, _, err := s.Flush(ctx, reason); err != nil {
		return
	}
	metrics.ObserveSummary("relay_flush_ms", map[string]string{"reason": reason}, float64(time.Since(begin).Milliseconds()))
}

func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		s.window.Stop()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logger.Info("relay stop")
	return nil
}

var _ lifecycle.Service = (*Service)(nil)
