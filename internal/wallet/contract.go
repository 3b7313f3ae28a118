package wallet

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
	"github.com/zmlAEQ/Aequa-gateway/internal/contract"
	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
	"github.com/zmlAEQ/Aequa-gateway/internal/timelock"
	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
)

const walletABI = `[
 {"type":"function","name":"nonce","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"trustedBLSGateway","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"pendingBLSGateway","stateMutability":"view","inputs":[],"outputs":[{"name":"gateway","type":"address"},{"name":"eta","type":"uint256"}]},
 {"type":"function","name":"implementation","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"setAnyPending","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

// ResolverName is the ledger resolver key under which wallets are installed.
const ResolverName = "wallet"

// Router exposes the wallet ABI for packing calls.
var Router = newRouter()

func newRouter() *contract.Router {
	return contract.NewRouter(walletABI).
		On("nonce", func(f *ledger.Frame, _ []any) ([]any, error) {
			st, err := MustLoad(f.Tx, f.Self)
			if err != nil {
				return nil, err
			}
			return []any{st.Nonce.ToBig()}, nil
		}).
		On("trustedBLSGateway", func(f *ledger.Frame, _ []any) ([]any, error) {
			st, err := MustLoad(f.Tx, f.Self)
			if err != nil {
				return nil, err
			}
			return []any{st.TrustedGateway}, nil
		}).
		On("pendingBLSGateway", func(f *ledger.Frame, _ []any) ([]any, error) {
			st, err := MustLoad(f.Tx, f.Self)
			if err != nil {
				return nil, err
			}
			return []any{st.PendingGateway.Value, new(big.Int).SetUint64(st.PendingGateway.ETA)}, nil
		}).
		On("implementation", func(f *ledger.Frame, _ []any) ([]any, error) {
			st, err := MustLoad(f.Tx, f.Self)
			if err != nil {
				return nil, err
			}
			return []any{st.Implementation}, nil
		}).
		On("setAnyPending", func(f *ledger.Frame, _ []any) ([]any, error) {
			return nil, setAnyPending(f.Tx, f.Self)
		}).
		OnReceive(func(*ledger.Frame) error { return nil }).
		Fallback(delegate)
}

// setAnyPending promotes the pending trusted gateway once its delay elapsed.
// Anyone may call it.
func setAnyPending(tx *ledger.Tx, w common.Address) error {
	st, err := MustLoad(tx, w)
	if err != nil {
		return err
	}
	prev := st.TrustedGateway
	next, err := timelock.Commit(&st.PendingGateway, tx.Now())
	if err != nil {
		return err
	}
	st.TrustedGateway = next
	if err := Store(tx, w, st); err != nil {
		return err
	}
	logger.InfoJ("wallet_trust", map[string]any{"wallet": w.Hex(), "op": "set_pending_gateway", "from": prev.Hex(), "to": next.Hex()})
	return nil
}

// delegate runs unknown selectors against the wallet's implementation with
// the wallet as Self, so upgraded logic reads and writes wallet storage.
func delegate(f *ledger.Frame) ([]byte, error) {
	st, err := MustLoad(f.Tx, f.Self)
	if err != nil {
		return nil, err
	}
	impl := f.Tx.CodeAt(st.Implementation)
	if impl == nil {
		return nil, fmt.Errorf("%w: no implementation at %s", contract.ErrUnknownMethod, st.Implementation.Hex())
	}
	return impl.Call(&ledger.Frame{Tx: f.Tx, Origin: f.Origin, Caller: f.Caller, Self: f.Self, Value: f.Value, Input: f.Input})
}

// Install makes every address holding wallet state callable on l.
func Install(l *ledger.Ledger) {
	l.AddResolver(ResolverName, func(tx *ledger.Tx, addr common.Address) ledger.Contract {
		if Exists(tx, addr) {
			return Router
		}
		return nil
	})
}

// Perform executes actions from w on behalf of gateway. Any failing action
// fails the whole call; the caller is responsible for reverting.
func Perform(tx *ledger.Tx, gateway, w common.Address, actions []bundle.Action) ([][]byte, error) {
	st, err := MustLoad(tx, w)
	if err != nil {
		return nil, err
	}
	if st.TrustedGateway != gateway {
		return nil, ErrUntrustedGateway
	}
	results := make([][]byte, 0, len(actions))
	for i, a := range actions {
		out, err := tx.Call(w, a.Target, a.ValueOrZero(), a.CallData)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		results = append(results, out)
	}
	return results, nil
}

// SetAnyPending sends setAnyPending to w from an ordinary account.
func SetAnyPending(l *ledger.Ledger, from, w common.Address) (ledger.Block, error) {
	in := Router.MustPack("setAnyPending")
	return l.Transact(from, func(tx *ledger.Tx) error {
		_, err := tx.Call(from, w, nil, in)
		return err
	})
}

// BaseImplementation is the initial wallet logic. It adds nothing beyond the
// built-in wallet methods.
type BaseImplementation struct{}

func (BaseImplementation) Call(f *ledger.Frame) ([]byte, error) {
	if len(f.Input) >= 4 {
		return nil, fmt.Errorf("%w: 0x%x", contract.ErrUnknownMethod, f.Input[:4])
	}
	return nil, contract.ErrBadInput
}
