// Package gateway is the verification gateway: it checks a bundle's
// aggregate signature once, then runs each wallet's operation under its own
// nonce and atomicity, and hosts the wallet trust-migration actions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/zmlAEQ/Aequa-gateway/internal/bls"
	"github.com/zmlAEQ/Aequa-gateway/internal/contract"
	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
	"github.com/zmlAEQ/Aequa-gateway/internal/signer"
	"github.com/zmlAEQ/Aequa-gateway/internal/timelock"
	"github.com/zmlAEQ/Aequa-gateway/internal/wallet"
	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
)

// WalletCodeHash is the init-code hash used to derive counterfactual wallet
// addresses.
var WalletCodeHash = crypto.Keccak256([]byte("Aequa/BLSWallet/proxy/v1"))

type Config struct {
	ChainID *uint256.Int
	// SafetyDelay applies to every pending trust change. Zero means timelock.DefaultDelay.
	SafetyDelay time.Duration
	// WalletImplementation is the initial logic of wallets created here.
	// Zero derives an address from the gateway and deploys the base logic there.
	WalletImplementation common.Address
}

type Gateway struct {
	addr       common.Address
	proxyAdmin common.Address
	ledger     *ledger.Ledger
	cfg        Config
	verifier   Verifier
	router     *contract.Router
}

// Deploy installs a gateway at addr together with its proxy admin (at the
// first CREATE address of the gateway) and the wallet resolver.
func Deploy(l *ledger.Ledger, addr common.Address, cfg Config) (*Gateway, error) {
	if cfg.ChainID == nil {
		cfg.ChainID = new(uint256.Int)
	}
	if cfg.SafetyDelay <= 0 {
		cfg.SafetyDelay = timelock.DefaultDelay
	}
	if cfg.WalletImplementation == (common.Address{}) {
		cfg.WalletImplementation = crypto.CreateAddress(addr, 1)
	}
	g := &Gateway{
		addr:       addr,
		proxyAdmin: crypto.CreateAddress(addr, 0),
		ledger:     l,
		cfg:        cfg,
		verifier:   BLSVerifier{},
	}
	g.router = g.newRouter()

	if !l.HasCode(cfg.WalletImplementation) {
		if err := l.Deploy(cfg.WalletImplementation, wallet.BaseImplementation{}); err != nil {
			return nil, err
		}
	}
	if err := l.Deploy(g.proxyAdmin, newProxyAdmin(addr)); err != nil {
		return nil, fmt.Errorf("deploy proxy admin: %w", err)
	}
	if err := l.Deploy(addr, g); err != nil {
		return nil, fmt.Errorf("deploy gateway: %w", err)
	}
	wallet.Install(l)
	logger.InfoJ("gateway_deploy", map[string]any{"gateway": addr.Hex(), "proxy_admin": g.proxyAdmin.Hex(), "chain_id": cfg.ChainID.Dec(), "safety_delay_s": int64(cfg.SafetyDelay / time.Second)})
	return g, nil
}

// SetVerifier swaps the signature verifier.
func (g *Gateway) SetVerifier(v Verifier) {
	if v != nil {
		g.verifier = v
	}
}

func (g *Gateway) Address() common.Address    { return g.addr }
func (g *Gateway) ProxyAdmin() common.Address { return g.proxyAdmin }
func (g *Gateway) ChainID() *uint256.Int      { return g.cfg.ChainID.Clone() }
func (g *Gateway) SafetyDelay() time.Duration { return g.cfg.SafetyDelay }
func (g *Gateway) Ledger() *ledger.Ledger     { return g.ledger }

// Call implements ledger.Contract.
func (g *Gateway) Call(f *ledger.Frame) ([]byte, error) { return g.router.Call(f) }

func (g *Gateway) hashKey(h common.Hash) string { return ledger.Key(g.addr, "walletFromHash", h.Hex()) }

func (g *Gateway) registered(tx *ledger.Tx, h common.Hash) (common.Address, bool) {
	raw, ok := tx.Get(g.hashKey(h))
	if !ok {
		return common.Address{}, false
	}
	return common.BytesToAddress(raw), true
}

func (g *Gateway) register(tx *ledger.Tx, h common.Hash, w common.Address) error {
	return tx.Put(g.hashKey(h), w.Bytes())
}

// counterfactual is the address a new identity's wallet gets on this gateway.
func (g *Gateway) counterfactual(h common.Hash) common.Address {
	return crypto.CreateAddress2(g.addr, h, WalletCodeHash)
}

func (g *Gateway) walletAddressOf(tx *ledger.Tx, pk bls.PubKey) common.Address {
	h := signer.PublicKeyHash(pk)
	if w, ok := g.registered(tx, h); ok {
		return w
	}
	return g.counterfactual(h)
}

// WalletAddressOf returns the wallet an identity uses on this gateway:
// the registered one if any, otherwise its counterfactual address.
func (g *Gateway) WalletAddressOf(pk bls.PubKey) common.Address {
	var w common.Address
	_ = g.ledger.View(func(tx *ledger.Tx) error {
		w = g.walletAddressOf(tx, pk)
		return nil
	})
	return w
}

// WalletFromHash returns the wallet registered for an identity hash.
func (g *Gateway) WalletFromHash(h common.Hash) (common.Address, bool) {
	var (
		w  common.Address
		ok bool
	)
	_ = g.ledger.View(func(tx *ledger.Tx) error {
		w, ok = g.registered(tx, h)
		return nil
	})
	return w, ok
}

// TrustState reads a wallet's trust record.
func (g *Gateway) TrustState(w common.Address) (*wallet.TrustState, error) {
	var st *wallet.TrustState
	err := g.ledger.View(func(tx *ledger.Tx) error {
		var err error
		st, err = wallet.MustLoad(tx, w)
		return err
	})
	return st, err
}

// NextNonce is the nonce the next operation of w must carry. Unknown wallets
// start at zero.
func (g *Gateway) NextNonce(_ context.Context, w common.Address) (*uint256.Int, error) {
	st, err := g.TrustState(w)
	if errors.Is(err, wallet.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return st.Nonce, nil
}
