package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/Aequa-gateway/internal/contract"
	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
	"github.com/zmlAEQ/Aequa-gateway/internal/timelock"
	"github.com/zmlAEQ/Aequa-gateway/internal/wallet"
)

func TestChangeProxyAdmin_TimelockBoundary(t *testing.T) {
	e := newEnv(t)
	u := e.newUser(1, e.g1)
	newAdmin := common.HexToAddress("0xad01")
	change := ChangeProxyAdminAction(gw1, u.w, newAdmin)

	wantSuccesses(t, e.process(e.g1, u.op(0, change)), true)
	eta := e.state(u.w).PendingProxyAdmin.ETA
	if eta != startUnix+uint64(timelock.DefaultDelay/time.Second) {
		t.Fatalf("eta=%d", eta)
	}

	e.setTime(eta - 1)
	res := e.process(e.g1, u.op(1, change))
	wantSuccesses(t, res, false)
	if !errors.Is(res.Errors[0], timelock.ErrNotElapsed) {
		t.Fatalf("want ErrNotElapsed, got %v", res.Errors[0])
	}
	if e.state(u.w).ProxyAdmin != e.g1.ProxyAdmin() || e.state(u.w).PendingProxyAdmin.ETA != eta {
		t.Fatalf("early commit changed state: %+v", e.state(u.w))
	}

	e.setTime(eta)
	wantSuccesses(t, e.process(e.g1, u.op(2, change)), true)
	st := e.state(u.w)
	if st.ProxyAdmin != newAdmin || st.PendingProxyAdmin.IsSet() {
		t.Fatalf("commit did not apply: %+v", st)
	}
	// the gateway no longer administers the wallet
	res = e.process(e.g1, u.op(3, ChangeProxyAdminAction(gw1, u.w, e.g1.ProxyAdmin())))
	wantSuccesses(t, res, false)
	if !errors.Is(res.Errors[0], ErrNotAdministered) {
		t.Fatalf("want ErrNotAdministered, got %v", res.Errors[0])
	}
}

func TestChangeProxyAdmin_ReproposalRestartsDelay(t *testing.T) {
	e := newEnv(t)
	u := e.newUser(1, e.g1)
	a1, a2 := common.HexToAddress("0xa1"), common.HexToAddress("0xa2")
	e.process(e.g1, u.op(0, ChangeProxyAdminAction(gw1, u.w, a1)))
	e.advance(3 * 24 * time.Hour)
	e.process(e.g1, u.op(1, ChangeProxyAdminAction(gw1, u.w, a2)))
	st := e.state(u.w)
	if st.PendingProxyAdmin.Value != a2 || st.PendingProxyAdmin.ETA != startUnix+uint64((3*24*time.Hour+timelock.DefaultDelay)/time.Second) {
		t.Fatalf("pending=%+v", st.PendingProxyAdmin)
	}
}

func TestChangeProxyAdmin_OnlyForOwnWallet(t *testing.T) {
	e := newEnv(t)
	a, b := e.newUser(1, e.g1), e.newUser(2, e.g1)
	e.process(e.g1, a.op(0), b.op(0))
	res := e.process(e.g1, a.op(1, ChangeProxyAdminAction(gw1, b.w, a.w)))
	wantSuccesses(t, res, false)
	if !errors.Is(res.Errors[0], ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", res.Errors[0])
	}
}

func TestSetExternalWallet_RequiresAddressSignature(t *testing.T) {
	e := newEnv(t)
	g2 := e.deploy(gw2)
	a, b := e.newUser(1, e.g1), e.newUser(2, e.g1)
	// b signs its own address, a submits it with b's key
	res := e.process(e.g1, a.op(0, SetExternalWalletAction(gw2, b.b.SignAddress(), b.s.PublicKey())))
	wantSuccesses(t, res, false)
	if !errors.Is(res.Errors[0], ErrInvalidSignature) {
		t.Fatalf("want ErrInvalidSignature, got %v", res.Errors[0])
	}
	wantSuccesses(t, e.process(e.g1, a.op(1, SetExternalWalletAction(gw2, a.b.SignAddress(), a.s.PublicKey()))), true)
	if w, ok := g2.WalletFromHash(a.s.PublicKeyHash()); !ok || w != a.w {
		t.Fatalf("g2 walletFromHash=%s %v", w.Hex(), ok)
	}
}

// Full gateway migration: register with g2, hand proxy administration to
// g2's admin, then trust g2.
func TestMigration_Atomicity(t *testing.T) {
	e := newEnv(t)
	g2 := e.deploy(gw2)
	u := e.newUser(1, e.g1)
	hash := u.s.PublicKeyHash()

	changeProxy := ChangeProxyAdminAction(gw1, u.w, g2.ProxyAdmin())
	setExternal := SetExternalWalletAction(gw2, u.b.SignAddress(), u.s.PublicKey())
	setTrusted := SetTrustedGatewayAction(gw1, hash, gw2)

	wantSuccesses(t, e.process(e.g1, u.op(0, changeProxy)), true)
	e.advance(timelock.DefaultDelay + time.Second)

	res := e.static(e.g1, u.op(1, changeProxy, setTrusted))
	wantSuccesses(t, res, false)
	if !errors.Is(res.Errors[0], ErrMissingPrerequisite) {
		t.Fatalf("without registration: %v", res.Errors[0])
	}
	res = e.static(e.g1, u.op(1, setExternal, setTrusted))
	wantSuccesses(t, res, false)
	if !errors.Is(res.Errors[0], ErrMissingPrerequisite) {
		t.Fatalf("without proxy admin change: %v", res.Errors[0])
	}
	wantSuccesses(t, e.static(e.g1, u.op(1, setExternal, changeProxy, setTrusted)), true)
	if _, ok := g2.WalletFromHash(hash); ok {
		t.Fatalf("static run registered the wallet")
	}

	wantSuccesses(t, e.process(e.g1, u.op(1, setExternal, changeProxy, setTrusted)), true)
	if w, ok := g2.WalletFromHash(hash); !ok || w != u.w {
		t.Fatalf("g2 walletFromHash=%s %v", w.Hex(), ok)
	}
	if got := proxyAdminOf(t, e.l, g2.ProxyAdmin(), u.w); got != g2.ProxyAdmin() {
		t.Fatalf("getProxyAdmin=%s want %s", got.Hex(), g2.ProxyAdmin().Hex())
	}
	st := e.state(u.w)
	if st.TrustedGateway != gw1 || st.PendingGateway.Value != gw2 {
		t.Fatalf("trusted gateway moved early: %+v", st)
	}

	anyone := common.HexToAddress("0xa0")
	e.setTime(st.PendingGateway.ETA - 1)
	if _, err := wallet.SetAnyPending(e.l, anyone, u.w); !errors.Is(err, timelock.ErrNotElapsed) {
		t.Fatalf("setAnyPending before eta: %v", err)
	}
	e.setTime(st.PendingGateway.ETA)
	if _, err := wallet.SetAnyPending(e.l, anyone, u.w); err != nil {
		t.Fatalf("setAnyPending: %v", err)
	}
	if e.state(u.w).TrustedGateway != gw2 {
		t.Fatalf("trusted gateway not promoted")
	}
	if _, err := wallet.SetAnyPending(e.l, anyone, u.w); !errors.Is(err, timelock.ErrNoPending) {
		t.Fatalf("second setAnyPending: %v", err)
	}

	// the new gateway resolves the same wallet and continues its nonce
	if g2.WalletAddressOf(u.s.PublicKey()) != u.w {
		t.Fatalf("g2 derives a different wallet")
	}
	res = e.static(g2, u.op(2, WalletFromHashAction(gw2, hash)))
	wantSuccesses(t, res, true)
	if w, _ := DecodeAddress("walletFromHash", res.Results[0][0]); w != u.w {
		t.Fatalf("walletFromHash via g2=%s", w.Hex())
	}

	// the old gateway is no longer trusted and spends no nonce
	res = e.process(e.g1, u.op(2))
	wantSuccesses(t, res, false)
	if !errors.Is(res.Errors[0], ErrUntrustedGateway) {
		t.Fatalf("want ErrUntrustedGateway, got %v", res.Errors[0])
	}
	if e.nonce(e.g1, u.w) != 2 {
		t.Fatalf("untrusted gateway advanced nonce")
	}
	wantSuccesses(t, e.process(g2, u.op(2)), true)
}

// mirrorGateway answers the two prerequisite reads of setTrustedBLSGateway
// the same way g would for w.
func mirrorGateway(w, admin common.Address) *contract.Router {
	return contract.NewRouter(gatewayABI).
		On("walletFromHash", func(*ledger.Frame, []any) ([]any, error) { return []any{w}, nil }).
		On("walletProxyAdmin", func(*ledger.Frame, []any) ([]any, error) { return []any{admin}, nil })
}

func TestSetTrustedGateway_ReproposalOverwritesAndRestartsDelay(t *testing.T) {
	e := newEnv(t)
	g2 := e.deploy(gw2)
	u := e.newUser(1, e.g1)
	hash := u.s.PublicKeyHash()
	gw3 := common.HexToAddress("0x6a7e000000000000000000000000000000000003")
	if err := e.l.Deploy(gw3, mirrorGateway(u.w, g2.ProxyAdmin())); err != nil {
		t.Fatalf("deploy gw3: %v", err)
	}

	changeProxy := ChangeProxyAdminAction(gw1, u.w, g2.ProxyAdmin())
	wantSuccesses(t, e.process(e.g1, u.op(0, changeProxy)), true)
	e.advance(timelock.DefaultDelay)
	setExternal := SetExternalWalletAction(gw2, u.b.SignAddress(), u.s.PublicKey())
	wantSuccesses(t, e.process(e.g1, u.op(1, setExternal, changeProxy, SetTrustedGatewayAction(gw1, hash, gw2))), true)
	first := e.state(u.w).PendingGateway

	e.advance(2 * 24 * time.Hour)
	wantSuccesses(t, e.process(e.g1, u.op(2, SetTrustedGatewayAction(gw1, hash, gw3))), true)
	second := e.state(u.w).PendingGateway
	if second.Value != gw3 {
		t.Fatalf("pending value=%s want %s", second.Value.Hex(), gw3.Hex())
	}
	if second.ETA != first.ETA+uint64((2*24*time.Hour)/time.Second) {
		t.Fatalf("eta=%d want restart from now (first eta %d)", second.ETA, first.ETA)
	}

	anyone := common.HexToAddress("0xa0")
	e.setTime(first.ETA)
	if _, err := wallet.SetAnyPending(e.l, anyone, u.w); !errors.Is(err, timelock.ErrNotElapsed) {
		t.Fatalf("commit at superseded eta: %v", err)
	}
	e.setTime(second.ETA)
	if _, err := wallet.SetAnyPending(e.l, anyone, u.w); err != nil {
		t.Fatalf("setAnyPending: %v", err)
	}
	if got := e.state(u.w).TrustedGateway; got != gw3 {
		t.Fatalf("trusted gateway=%s want %s", got.Hex(), gw3.Hex())
	}
}

func TestSetTrustedGateway_CallerMustOwnHash(t *testing.T) {
	e := newEnv(t)
	e.deploy(gw2)
	a, b := e.newUser(1, e.g1), e.newUser(2, e.g1)
	e.process(e.g1, a.op(0), b.op(0))
	res := e.process(e.g1, a.op(1, SetTrustedGatewayAction(gw1, b.s.PublicKeyHash(), gw2)))
	wantSuccesses(t, res, false)
	if !errors.Is(res.Errors[0], ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", res.Errors[0])
	}
}

func TestSetTrustedGateway_TargetWithoutCode(t *testing.T) {
	e := newEnv(t)
	u := e.newUser(1, e.g1)
	res := e.process(e.g1, u.op(0, SetTrustedGatewayAction(gw1, u.s.PublicKeyHash(), common.HexToAddress("0xbeef"))))
	wantSuccesses(t, res, false)
	if !errors.Is(res.Errors[0], ErrMissingPrerequisite) {
		t.Fatalf("want ErrMissingPrerequisite, got %v", res.Errors[0])
	}
}

const upgradedABI = `[
 {"type":"function","name":"setNewData","stateMutability":"nonpayable","inputs":[{"name":"data","type":"address"}],"outputs":[]},
 {"type":"function","name":"newData","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

func upgradedWallet() *contract.Router {
	return contract.NewRouter(upgradedABI).
		On("setNewData", func(f *ledger.Frame, args []any) ([]any, error) {
			return nil, f.Tx.Put(ledger.Key(f.Self, "newData"), args[0].(common.Address).Bytes())
		}).
		On("newData", func(f *ledger.Frame, _ []any) ([]any, error) {
			raw, _ := f.Tx.Get(ledger.Key(f.Self, "newData"))
			return []any{common.BytesToAddress(raw)}, nil
		})
}

func TestUpgrade_WalletImplementation(t *testing.T) {
	e := newEnv(t)
	impl := common.HexToAddress("0x1a9a")
	r := upgradedWallet()
	if err := e.l.Deploy(impl, r); err != nil {
		t.Fatalf("deploy impl: %v", err)
	}
	u := e.newUser(1, e.g1)
	setData := r.MustPack("setNewData", u.w)

	// before the upgrade the wallet does not understand the call
	wantSuccesses(t, e.process(e.g1, u.op(0, UpgradeAction(gw1, u.w, impl))), true)
	if _, err := e.l.Transact(relay, func(tx *ledger.Tx) error {
		_, err := tx.Call(relay, u.w, nil, setData)
		return err
	}); !errors.Is(err, contract.ErrUnknownMethod) {
		t.Fatalf("pre-upgrade call: %v", err)
	}

	e.advance(timelock.DefaultDelay + time.Second)
	wantSuccesses(t, e.process(e.g1, u.op(1, UpgradeAction(gw1, u.w, impl))), true)
	if got := implementationOf(t, e.l, e.g1.ProxyAdmin(), u.w); got != impl {
		t.Fatalf("implementation=%s", got.Hex())
	}

	if _, err := e.l.Transact(relay, func(tx *ledger.Tx) error {
		_, err := tx.Call(relay, u.w, nil, setData)
		return err
	}); err != nil {
		t.Fatalf("post-upgrade call: %v", err)
	}
	_ = e.l.View(func(tx *ledger.Tx) error {
		out, err := tx.Call(relay, u.w, nil, r.MustPack("newData"))
		if err != nil {
			t.Fatalf("newData: %v", err)
		}
		vals, _ := r.Unpack("newData", out)
		if vals[0].(common.Address) != u.w {
			t.Fatalf("newData=%v", vals[0])
		}
		return nil
	})
	// wallet's own methods still answer after the upgrade
	if e.nonce(e.g1, u.w) != 2 {
		t.Fatalf("nonce=%d", e.nonce(e.g1, u.w))
	}
}

func proxyAdminOf(t *testing.T, l *ledger.Ledger, admin, w common.Address) common.Address {
	t.Helper()
	return viewAddress(t, l, admin, "getProxyAdmin", w)
}

func implementationOf(t *testing.T, l *ledger.Ledger, admin, w common.Address) common.Address {
	t.Helper()
	return viewAddress(t, l, admin, "getProxyImplementation", w)
}

func viewAddress(t *testing.T, l *ledger.Ledger, target common.Address, method string, args ...any) common.Address {
	t.Helper()
	var out common.Address
	err := l.View(func(tx *ledger.Tx) error {
		raw, err := tx.Call(common.Address{}, target, nil, ProxyAdminRouter.MustPack(method, args...))
		if err != nil {
			return err
		}
		vals, err := ProxyAdminRouter.Unpack(method, raw)
		if err != nil {
			return err
		}
		out = vals[0].(common.Address)
		return nil
	})
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return out
}
