package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/Aequa-gateway/internal/bls"
	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
	"github.com/zmlAEQ/Aequa-gateway/internal/signer"
	"github.com/zmlAEQ/Aequa-gateway/internal/wallet"
	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
	"github.com/zmlAEQ/Aequa-gateway/pkg/trace"
)

// Result is aligned with the bundle's operations. Errors[i] explains a false
// Successes[i]; Results[i] holds each action's return data when it succeeded.
type Result struct {
	Successes []bool
	Results   [][][]byte
	Errors    []error
	Wallets   []common.Address
	Block     ledger.Block
}

// ProcessBundle verifies b and applies it in one ledger transaction sent by
// origin. A bundle-wide error means nothing was applied.
func (g *Gateway) ProcessBundle(ctx context.Context, origin common.Address, b bundle.Bundle) (*Result, error) {
	begin := time.Now()
	var res *Result
	blk, err := g.ledger.Transact(origin, func(tx *ledger.Tx) error {
		r, err := g.process(tx, b)
		res = r
		return err
	})
	g.observe(ctx, "process", begin, res, err)
	if err != nil {
		return nil, err
	}
	res.Block = blk
	return res, nil
}

// ProcessBundleStatic evaluates b exactly like ProcessBundle and discards
// every effect.
func (g *Gateway) ProcessBundleStatic(ctx context.Context, origin common.Address, b bundle.Bundle) (*Result, error) {
	begin := time.Now()
	var res *Result
	err := g.ledger.TransactStatic(origin, func(tx *ledger.Tx) error {
		r, err := g.process(tx, b)
		res = r
		return err
	})
	g.observe(ctx, "static", begin, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (g *Gateway) process(tx *ledger.Tx, b bundle.Bundle) (*Result, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	n := b.Len()
	wallets := make([]common.Address, n)
	msgs := make([][]byte, n)
	for i := range b.Operations {
		wallets[i] = g.walletAddressOf(tx, b.PublicKeys[i])
		msgs[i] = bundle.Message(g.cfg.ChainID, wallets[i], b.Operations[i])
	}
	if !g.verifier.VerifyAggregate(b.Signature, b.PublicKeys, msgs) {
		return nil, ErrBundleRejected
	}

	res := &Result{
		Successes: make([]bool, n),
		Results:   make([][][]byte, n),
		Errors:    make([]error, n),
		Wallets:   wallets,
	}
	for i := range b.Operations {
		out, err := g.processOperation(tx, wallets[i], b.PublicKeys[i], b.Operations[i])
		res.Successes[i] = err == nil
		res.Results[i] = out
		res.Errors[i] = err
		metrics.Inc("gateway_operations_total", map[string]string{"result": operationResult(err)})
	}
	return res, nil
}

// processOperation checks trust and nonce, spends the nonce, then runs the
// actions as one unit. Action failures keep the spent nonce.
func (g *Gateway) processOperation(tx *ledger.Tx, w common.Address, pk bls.PubKey, op bundle.Operation) ([][]byte, error) {
	st, ok, err := wallet.Load(tx, w)
	if err != nil {
		return nil, err
	}
	if !ok {
		if !op.Nonce.IsZero() {
			return nil, fmt.Errorf("%w: new wallet expects 0, got %s", ErrStaleNonce, op.Nonce.Dec())
		}
		st, err = g.createWallet(tx, w, pk)
		if err != nil {
			return nil, err
		}
	}
	if st.TrustedGateway != g.addr {
		return nil, ErrUntrustedGateway
	}
	if !op.Nonce.Eq(st.Nonce) {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrStaleNonce, st.Nonce.Dec(), op.Nonce.Dec())
	}
	st.Nonce.AddUint64(st.Nonce, 1)
	if err := wallet.Store(tx, w, st); err != nil {
		return nil, err
	}

	snap := tx.Snapshot()
	out, err := wallet.Perform(tx, g.addr, w, op.Actions)
	if err != nil {
		tx.RevertToSnapshot(snap)
		return nil, fmt.Errorf("%w: %w", ErrActionFailed, err)
	}
	return out, nil
}

func (g *Gateway) createWallet(tx *ledger.Tx, w common.Address, pk bls.PubKey) (*wallet.TrustState, error) {
	st := wallet.NewState(pk, g.addr, g.proxyAdmin, g.cfg.WalletImplementation)
	if err := wallet.Store(tx, w, st); err != nil {
		return nil, err
	}
	h := signer.PublicKeyHash(pk)
	if _, ok := g.registered(tx, h); !ok {
		if err := g.register(tx, h, w); err != nil {
			return nil, err
		}
	}
	logger.InfoJ("gateway_wallet", map[string]any{"gateway": g.addr.Hex(), "op": "create", "wallet": w.Hex(), "hash": h.Hex()})
	return st, nil
}

func operationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStaleNonce):
		return "stale_nonce"
	case errors.Is(err, ErrUntrustedGateway):
		return "untrusted"
	case errors.Is(err, ErrActionFailed):
		return "action_failed"
	default:
		return "error"
	}
}

func (g *Gateway) observe(ctx context.Context, mode string, begin time.Time, res *Result, err error) {
	tid, _ := trace.FromContext(ctx)
	ms := time.Since(begin).Milliseconds()
	metrics.ObserveSummary("gateway_process_ms", map[string]string{"mode": mode}, float64(ms))
	if err != nil {
		result := "error"
		switch {
		case errors.Is(err, ErrBundleRejected):
			result = "rejected"
		case errors.Is(err, ErrMalformedBundle):
			result = "malformed"
		}
		metrics.Inc("gateway_bundles_total", map[string]string{"mode": mode, "result": result})
		logger.ErrorJ("gateway_bundle", map[string]any{"gateway": g.addr.Hex(), "mode": mode, "result": result, "err": err.Error(), "latency_ms": ms, "trace_id": tid})
		return
	}
	ok := 0
	for _, s := range res.Successes {
		if s {
			ok++
		}
	}
	metrics.Inc("gateway_bundles_total", map[string]string{"mode": mode, "result": "ok"})
	logger.InfoJ("gateway_bundle", map[string]any{"gateway": g.addr.Hex(), "mode": mode, "result": "ok", "ops": len(res.Successes), "succeeded": ok, "latency_ms": ms, "trace_id": tid})
}
