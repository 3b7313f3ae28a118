package gateway

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/Aequa-gateway/internal/bls"
	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
	"github.com/zmlAEQ/Aequa-gateway/internal/contract"
	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
	"github.com/zmlAEQ/Aequa-gateway/internal/signer"
	"github.com/zmlAEQ/Aequa-gateway/internal/timelock"
	"github.com/zmlAEQ/Aequa-gateway/internal/wallet"
	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
)

const gatewayABI = `[
 {"type":"function","name":"setExternalWallet","stateMutability":"nonpayable","inputs":[{"name":"signature","type":"bytes"},{"name":"publicKey","type":"bytes"}],"outputs":[]},
 {"type":"function","name":"walletFromHash","stateMutability":"view","inputs":[{"name":"hash","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"walletProxyAdmin","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"changeProxyAdmin","stateMutability":"nonpayable","inputs":[{"name":"wallet","type":"address"},{"name":"newAdmin","type":"address"}],"outputs":[]},
 {"type":"function","name":"upgrade","stateMutability":"nonpayable","inputs":[{"name":"wallet","type":"address"},{"name":"implementation","type":"address"}],"outputs":[]},
 {"type":"function","name":"setTrustedBLSGateway","stateMutability":"nonpayable","inputs":[{"name":"hash","type":"bytes32"},{"name":"newGateway","type":"address"}],"outputs":[]}
]`

// Router exposes the gateway ABI for packing calls and decoding results.
var Router = contract.NewRouter(gatewayABI)

func (g *Gateway) newRouter() *contract.Router {
	return contract.NewRouter(gatewayABI).
		On("setExternalWallet", g.setExternalWallet).
		On("walletFromHash", func(f *ledger.Frame, args []any) ([]any, error) {
			w, _ := g.registered(f.Tx, common.Hash(args[0].([32]byte)))
			return []any{w}, nil
		}).
		On("walletProxyAdmin", func(*ledger.Frame, []any) ([]any, error) { return []any{g.proxyAdmin}, nil }).
		On("changeProxyAdmin", func(f *ledger.Frame, args []any) ([]any, error) {
			return nil, g.timelockedAdminCall(f, "changeProxyAdmin", args[0].(common.Address), args[1].(common.Address))
		}).
		On("upgrade", func(f *ledger.Frame, args []any) ([]any, error) {
			return nil, g.timelockedAdminCall(f, "upgrade", args[0].(common.Address), args[1].(common.Address))
		}).
		On("setTrustedBLSGateway", g.setTrustedBLSGateway)
}

// setExternalWallet maps an identity to the calling wallet after checking
// the key signed the caller's address.
func (g *Gateway) setExternalWallet(f *ledger.Frame, args []any) ([]any, error) {
	sig, pk := bls.Signature(args[0].([]byte)), bls.PubKey(args[1].([]byte))
	msg := bundle.AddressMessage(g.cfg.ChainID, f.Caller)
	if !g.verifier.Verify(pk, sig, msg) {
		return nil, ErrInvalidSignature
	}
	h := signer.PublicKeyHash(pk)
	if w, ok := g.registered(f.Tx, h); ok && w != f.Caller {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, w.Hex())
	}
	if err := g.register(f.Tx, h, f.Caller); err != nil {
		return nil, err
	}
	logger.InfoJ("gateway_migration", map[string]any{"gateway": g.addr.Hex(), "op": "set_external_wallet", "wallet": f.Caller.Hex(), "hash": h.Hex()})
	return nil, nil
}

// timelockedAdminCall proposes or commits a proxy admin change or an
// upgrade for the calling wallet. On commit it is forwarded to the proxy admin.
func (g *Gateway) timelockedAdminCall(f *ledger.Frame, method string, w, value common.Address) error {
	if f.Caller != w {
		return ErrUnauthorized
	}
	st, err := wallet.MustLoad(f.Tx, w)
	if err != nil {
		return err
	}
	if st.ProxyAdmin != g.proxyAdmin {
		return ErrNotAdministered
	}
	slot := &st.PendingProxyAdmin
	if method == "upgrade" {
		slot = &st.PendingImplementation
	}
	out, err := timelock.ProposeOrCommit(slot, value, f.Tx.Now(), g.cfg.SafetyDelay)
	if err != nil {
		return err
	}
	if err := wallet.Store(f.Tx, w, st); err != nil {
		return err
	}
	if out == timelock.Committed {
		if _, err := f.Tx.Call(g.addr, g.proxyAdmin, nil, ProxyAdminRouter.MustPack(method, w, value)); err != nil {
			return err
		}
	}
	metrics.Inc("gateway_timelock_total", map[string]string{"op": method, "outcome": out.String()})
	logger.InfoJ("gateway_migration", map[string]any{"gateway": g.addr.Hex(), "op": method, "outcome": out.String(), "wallet": w.Hex(), "value": value.Hex()})
	return nil
}

// setTrustedBLSGateway proposes newGateway as the caller's trusted gateway.
// The new gateway must already map the identity to the caller and already
// own the caller's proxy administration.
func (g *Gateway) setTrustedBLSGateway(f *ledger.Frame, args []any) ([]any, error) {
	h := common.Hash(args[0].([32]byte))
	next := args[1].(common.Address)
	w := f.Caller
	if owner, ok := g.registered(f.Tx, h); !ok || owner != w {
		return nil, ErrUnauthorized
	}
	st, err := wallet.MustLoad(f.Tx, w)
	if err != nil {
		return nil, err
	}

	known, err := g.callAddress(f.Tx, next, Router.MustPack("walletFromHash", h), "walletFromHash")
	if err != nil {
		return nil, fmt.Errorf("%w: walletFromHash: %v", ErrMissingPrerequisite, err)
	}
	if known != w {
		return nil, fmt.Errorf("%w: new gateway does not know wallet", ErrMissingPrerequisite)
	}
	admin, err := g.callAddress(f.Tx, next, Router.MustPack("walletProxyAdmin"), "walletProxyAdmin")
	if err != nil {
		return nil, fmt.Errorf("%w: walletProxyAdmin: %v", ErrMissingPrerequisite, err)
	}
	if st.ProxyAdmin != admin {
		return nil, fmt.Errorf("%w: proxy admin not transferred", ErrMissingPrerequisite)
	}

	timelock.Propose(&st.PendingGateway, next, f.Tx.Now(), g.cfg.SafetyDelay)
	if err := wallet.Store(f.Tx, w, st); err != nil {
		return nil, err
	}
	logger.InfoJ("gateway_migration", map[string]any{"gateway": g.addr.Hex(), "op": "set_trusted_gateway", "wallet": w.Hex(), "next": next.Hex(), "eta": st.PendingGateway.ETA})
	return nil, nil
}

func (g *Gateway) callAddress(tx *ledger.Tx, target common.Address, input []byte, method string) (common.Address, error) {
	out, err := tx.Call(g.addr, target, nil, input)
	if err != nil {
		return common.Address{}, err
	}
	vals, err := Router.Unpack(method, out)
	if err != nil {
		return common.Address{}, err
	}
	if len(vals) != 1 {
		return common.Address{}, errors.New("unexpected return arity")
	}
	a, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, errors.New("unexpected return type")
	}
	return a, nil
}
