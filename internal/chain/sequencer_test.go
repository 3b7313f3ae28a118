package chain

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
	"github.com/zmlAEQ/Aequa-gateway/internal/gateway"
	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
	"github.com/zmlAEQ/Aequa-gateway/internal/signer"
	"github.com/zmlAEQ/Aequa-gateway/pkg/bus"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
)

var (
	testChain = uint256.NewInt(31337)
	gwAddr    = common.HexToAddress("0x6a7e000000000000000000000000000000000001")
	origin    = common.HexToAddress("0x5e1a000000000000000000000000000000000001")
)

type memSink struct {
	mu   sync.Mutex
	recs []BundleRecord
}

func (m *memSink) Publish(r BundleRecord) {
	m.mu.Lock()
	m.recs = append(m.recs, r)
	m.mu.Unlock()
}

func (m *memSink) all() []BundleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BundleRecord(nil), m.recs...)
}

func newGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	gw, err := gateway.Deploy(ledger.New(ledger.WithClock(clk)), gwAddr, gateway.Config{ChainID: testChain})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	return gw
}

func signedOp(t *testing.T, gw *gateway.Gateway, seed byte, nonce uint64) bundle.SignedOperation {
	t.Helper()
	s, err := signer.New(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	b := bundle.NewBuilder(testChain, s, gw.WalletAddressOf(s.PublicKey()), gw)
	return b.Sign(bundle.Operation{Nonce: uint256.NewInt(nonce)})
}

func mustBundle(t *testing.T, ops ...bundle.SignedOperation) bundle.Bundle {
	t.Helper()
	b, err := bundle.Aggregate(ops)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	return b
}

func TestSequencer_HandleRecordsOutcome(t *testing.T) {
	gw := newGateway(t)
	seq := New(nil, gw, origin)
	sink := &memSink{}
	seq.SetSink(sink)
	var hooked int
	seq.OnResult(func(context.Context, bundle.Bundle, *gateway.Result, error) { hooked++ })

	b := mustBundle(t, signedOp(t, gw, 1, 0), signedOp(t, gw, 2, 5))
	res, err := seq.Handle(context.Background(), bus.Event{Kind: bus.KindBundle, Body: b, TraceID: "t-1"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !res.Successes[0] || res.Successes[1] {
		t.Fatalf("successes %v", res.Successes)
	}
	recs := sink.all()
	if len(recs) != 1 {
		t.Fatalf("records %d", len(recs))
	}
	r := recs[0]
	if r.Ops != 2 || r.Succeeded != 1 || r.Failed != 1 || r.Rejected || r.Height != 1 || r.TraceID != "t-1" || len(r.Wallets) != 2 {
		t.Fatalf("record %+v", r)
	}
	if hooked != 1 {
		t.Fatalf("hook calls %d", hooked)
	}
}

func TestSequencer_RejectedBundle(t *testing.T) {
	gw := newGateway(t)
	seq := New(nil, gw, origin)
	sink := &memSink{}
	seq.SetSink(sink)
	b := mustBundle(t, signedOp(t, gw, 1, 0))
	b.Signature = mustBundle(t, signedOp(t, gw, 2, 0)).Signature
	if _, err := seq.Handle(context.Background(), bus.Event{Kind: bus.KindBundle, Body: &b}); !errors.Is(err, gateway.ErrBundleRejected) {
		t.Fatalf("want rejected, got %v", err)
	}
	if r := sink.all()[0]; !r.Rejected || r.Error == "" || r.Height != 0 {
		t.Fatalf("record %+v", r)
	}
	if _, err := seq.Handle(context.Background(), bus.Event{Kind: bus.KindBundle, Body: 42}); !errors.Is(err, gateway.ErrMalformedBundle) {
		t.Fatalf("want malformed, got %v", err)
	}
}

func TestSequencer_ConsumesBusAndCheckpoints(t *testing.T) {
	gw := newGateway(t)
	b := bus.New(4)
	seq := New(b.Subscribe(), gw, origin)
	sink := &memSink{}
	seq.SetSink(sink)
	path := filepath.Join(t.TempDir(), "ledger.ckpt")
	seq.SetCheckpointer(ledger.NewCheckpointer(path), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := seq.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	b.Publish(ctx, bus.Event{Kind: bus.Kind("noise"), Height: 9})
	b.Publish(ctx, bus.Event{Kind: bus.KindBundle, Body: mustBundle(t, signedOp(t, gw, 1, 0))})
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.all()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("bundle never processed")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := seq.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// a fresh ledger recovers the processed block
	restored := newGateway(t)
	if err := ledger.NewCheckpointer(path).Load(context.Background(), restored.Ledger()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Ledger().Head().Number != 1 {
		t.Fatalf("head %d", restored.Ledger().Head().Number)
	}
	w := sink.all()[0].Wallets[0]
	n, err := restored.NextNonce(context.Background(), common.HexToAddress(w))
	if err != nil || n.Uint64() != 1 {
		t.Fatalf("restored nonce %v %v", n, err)
	}
}

func TestSequencer_CheckpointFailuresAreTracked(t *testing.T) {
	metrics.Reset()
	gw := newGateway(t)
	seq := New(nil, gw, origin)
	dir := t.TempDir()
	ckpt := ledger.NewCheckpointer(filepath.Join(dir, "missing", "ledger.ckpt"))
	seq.SetCheckpointer(ckpt, 1)

	for n := uint64(0); n < 2; n++ {
		b := mustBundle(t, signedOp(t, gw, 1, n))
		if _, err := seq.Handle(context.Background(), bus.Event{Kind: bus.KindBundle, Body: b}); err != nil {
			t.Fatalf("handle %d: %v", n, err)
		}
	}
	fails, err := seq.CheckpointStatus()
	if err == nil || fails != 2 {
		t.Fatalf("status err=%v fails=%d", err, fails)
	}
	dump := metrics.DumpProm()
	if !strings.Contains(dump, `chain_checkpoint_total{result="error"} 2`) || !strings.Contains(dump, "chain_checkpoint_failures 2") {
		t.Fatalf("checkpoint metrics missing:\n%s", dump)
	}

	seq.SetCheckpointer(ledger.NewCheckpointer(filepath.Join(dir, "ledger.ckpt")), 1)
	b := mustBundle(t, signedOp(t, gw, 1, 2))
	if _, err := seq.Handle(context.Background(), bus.Event{Kind: bus.KindBundle, Body: b}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if fails, err := seq.CheckpointStatus(); err != nil || fails != 0 {
		t.Fatalf("status after recovery err=%v fails=%d", err, fails)
	}
}
