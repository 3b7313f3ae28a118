package gateway

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/Aequa-gateway/internal/contract"
	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
	"github.com/zmlAEQ/Aequa-gateway/internal/wallet"
)

const proxyAdminABI = `[
 {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"getProxyAdmin","stateMutability":"view","inputs":[{"name":"proxy","type":"address"}],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"getProxyImplementation","stateMutability":"view","inputs":[{"name":"proxy","type":"address"}],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"changeProxyAdmin","stateMutability":"nonpayable","inputs":[{"name":"proxy","type":"address"},{"name":"newAdmin","type":"address"}],"outputs":[]},
 {"type":"function","name":"upgrade","stateMutability":"nonpayable","inputs":[{"name":"proxy","type":"address"},{"name":"implementation","type":"address"}],"outputs":[]}
]`

// ProxyAdminRouter exposes the proxy admin ABI for packing calls.
var ProxyAdminRouter = contract.NewRouter(proxyAdminABI)

// proxyAdmin administers wallet proxies on behalf of its owning gateway.
type proxyAdmin struct {
	owner  common.Address
	router *contract.Router
}

func newProxyAdmin(owner common.Address) *proxyAdmin {
	p := &proxyAdmin{owner: owner}
	p.router = contract.NewRouter(proxyAdminABI).
		On("owner", func(*ledger.Frame, []any) ([]any, error) { return []any{p.owner}, nil }).
		On("getProxyAdmin", func(f *ledger.Frame, args []any) ([]any, error) {
			st, err := wallet.MustLoad(f.Tx, args[0].(common.Address))
			if err != nil {
				return nil, err
			}
			return []any{st.ProxyAdmin}, nil
		}).
		On("getProxyImplementation", func(f *ledger.Frame, args []any) ([]any, error) {
			st, err := wallet.MustLoad(f.Tx, args[0].(common.Address))
			if err != nil {
				return nil, err
			}
			return []any{st.Implementation}, nil
		}).
		On("changeProxyAdmin", func(f *ledger.Frame, args []any) ([]any, error) {
			return nil, p.mutate(f, args[0].(common.Address), func(st *wallet.TrustState) {
				st.ProxyAdmin = args[1].(common.Address)
			})
		}).
		On("upgrade", func(f *ledger.Frame, args []any) ([]any, error) {
			return nil, p.mutate(f, args[0].(common.Address), func(st *wallet.TrustState) {
				st.Implementation = args[1].(common.Address)
			})
		})
	return p
}

func (p *proxyAdmin) Call(f *ledger.Frame) ([]byte, error) { return p.router.Call(f) }

// mutate applies fn to a proxy this admin controls, on the owner's request.
func (p *proxyAdmin) mutate(f *ledger.Frame, proxy common.Address, fn func(st *wallet.TrustState)) error {
	if f.Caller != p.owner {
		return ErrUnauthorized
	}
	st, err := wallet.MustLoad(f.Tx, proxy)
	if err != nil {
		return err
	}
	if st.ProxyAdmin != f.Self {
		return ErrNotAdministered
	}
	fn(st)
	return wallet.Store(f.Tx, proxy, st)
}
