// Package wallet holds the per-wallet trust record and the wallet contract
// that executes operations for its trusted gateway.
package wallet

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
	"github.com/zmlAEQ/Aequa-gateway/internal/timelock"
)

var (
	ErrNotFound         = errors.New("wallet: not found")
	ErrUntrustedGateway = errors.New("wallet: caller is not the trusted gateway")
)

// TrustState is everything the ledger knows about one wallet.
type TrustState struct {
	Nonce                 *uint256.Int
	PublicKey             []byte
	TrustedGateway        common.Address
	PendingGateway        timelock.Pending
	ProxyAdmin            common.Address
	PendingProxyAdmin     timelock.Pending
	Implementation        common.Address
	PendingImplementation timelock.Pending
}

// NewState is the record of a wallet created by gateway.
func NewState(pk []byte, gateway, proxyAdmin, impl common.Address) *TrustState {
	return &TrustState{
		Nonce:          new(uint256.Int),
		PublicKey:      append([]byte(nil), pk...),
		TrustedGateway: gateway,
		ProxyAdmin:     proxyAdmin,
		Implementation: impl,
	}
}

func stateKey(w common.Address) string { return ledger.Key(w, "trust") }

// Exists reports whether w holds wallet state.
func Exists(tx *ledger.Tx, w common.Address) bool { return tx.Has(stateKey(w)) }

// Load reads the trust record of w.
func Load(tx *ledger.Tx, w common.Address) (*TrustState, bool, error) {
	var st TrustState
	ok, err := tx.GetRLP(stateKey(w), &st)
	if err != nil || !ok {
		return nil, ok, err
	}
	if st.Nonce == nil {
		st.Nonce = new(uint256.Int)
	}
	return &st, true, nil
}

// MustLoad is Load for callers that require the wallet to exist.
func MustLoad(tx *ledger.Tx, w common.Address) (*TrustState, error) {
	st, ok, err := Load(tx, w)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, w.Hex())
	}
	return st, nil
}

// Store writes the trust record of w.
func Store(tx *ledger.Tx, w common.Address, st *TrustState) error {
	return tx.PutRLP(stateKey(w), st)
}
