package gateway

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
	"github.com/zmlAEQ/Aequa-gateway/internal/signer"
	"github.com/zmlAEQ/Aequa-gateway/internal/wallet"
)

var (
	chainID = uint256.NewInt(31337)
	gw1     = common.HexToAddress("0x6a7e000000000000000000000000000000000001")
	gw2     = common.HexToAddress("0x6a7e000000000000000000000000000000000002")
	relay   = common.HexToAddress("0x5e1a000000000000000000000000000000000001")
)

const startUnix = 1_700_000_000

type env struct {
	t   *testing.T
	clk *clock.Mock
	l   *ledger.Ledger
	g1  *Gateway
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(startUnix, 0))
	l := ledger.New(ledger.WithClock(clk))
	g1, err := Deploy(l, gw1, Config{ChainID: chainID})
	if err != nil {
		t.Fatalf("deploy g1: %v", err)
	}
	return &env{t: t, clk: clk, l: l, g1: g1}
}

func (e *env) deploy(addr common.Address) *Gateway {
	e.t.Helper()
	g, err := Deploy(e.l, addr, Config{ChainID: chainID})
	if err != nil {
		e.t.Fatalf("deploy %s: %v", addr.Hex(), err)
	}
	return g
}

type user struct {
	s *signer.Signer
	w common.Address
	b *bundle.Builder
}

func (e *env) newUser(seed byte, g *Gateway) *user {
	e.t.Helper()
	s, err := signer.New(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		e.t.Fatalf("signer: %v", err)
	}
	w := g.WalletAddressOf(s.PublicKey())
	return &user{s: s, w: w, b: bundle.NewBuilder(chainID, s, w, g)}
}

func (u *user) op(nonce uint64, actions ...bundle.Action) bundle.SignedOperation {
	return u.b.Sign(bundle.Operation{Nonce: uint256.NewInt(nonce), Actions: actions})
}

func (e *env) bundleOf(ops ...bundle.SignedOperation) bundle.Bundle {
	e.t.Helper()
	b, err := bundle.Aggregate(ops)
	if err != nil {
		e.t.Fatalf("aggregate: %v", err)
	}
	return b
}

func (e *env) process(g *Gateway, ops ...bundle.SignedOperation) *Result {
	e.t.Helper()
	res, err := g.ProcessBundle(context.Background(), relay, e.bundleOf(ops...))
	if err != nil {
		e.t.Fatalf("process: %v", err)
	}
	return res
}

func (e *env) static(g *Gateway, ops ...bundle.SignedOperation) *Result {
	e.t.Helper()
	res, err := g.ProcessBundleStatic(context.Background(), relay, e.bundleOf(ops...))
	if err != nil {
		e.t.Fatalf("static: %v", err)
	}
	return res
}

func (e *env) nonce(g *Gateway, w common.Address) uint64 {
	e.t.Helper()
	n, err := g.NextNonce(context.Background(), w)
	if err != nil {
		e.t.Fatalf("nonce: %v", err)
	}
	return n.Uint64()
}

func (e *env) state(w common.Address) *wallet.TrustState {
	e.t.Helper()
	st, err := e.g1.TrustState(w)
	if err != nil {
		e.t.Fatalf("trust state: %v", err)
	}
	return st
}

func (e *env) advance(d time.Duration) { e.clk.Add(d) }

func (e *env) setTime(unix uint64) { e.clk.Set(time.Unix(int64(unix), 0)) }

func wantSuccesses(t *testing.T, res *Result, want ...bool) {
	t.Helper()
	if len(res.Successes) != len(want) {
		t.Fatalf("successes=%v want %v", res.Successes, want)
	}
	for i := range want {
		if res.Successes[i] != want[i] {
			t.Fatalf("successes=%v want %v (errors %v)", res.Successes, want, res.Errors)
		}
	}
}
