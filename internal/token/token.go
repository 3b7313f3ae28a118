// Package token is a minimal fungible token used to pay relays for
// submitting operations.
package token

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
	"github.com/zmlAEQ/Aequa-gateway/internal/contract"
	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
)

var (
	ErrInsufficient = errors.New("token: transfer amount exceeds balance")
	ErrNotOwner     = errors.New("token: caller is not the owner")
	ErrOverflow     = errors.New("token: amount overflows uint256")
)

const tokenABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"payOrigin","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// Router exposes the token ABI for packing calls.
var Router = contract.NewRouter(tokenABI)

type Token struct {
	addr   common.Address
	owner  common.Address
	router *contract.Router
}

// Deploy installs a token at addr whose mint is restricted to owner.
func Deploy(l *ledger.Ledger, addr, owner common.Address) (*Token, error) {
	t := &Token{addr: addr, owner: owner}
	t.router = contract.NewRouter(tokenABI).
		On("balanceOf", func(f *ledger.Frame, args []any) ([]any, error) {
			return []any{t.balance(f.Tx, args[0].(common.Address)).ToBig()}, nil
		}).
		On("totalSupply", func(f *ledger.Frame, _ []any) ([]any, error) {
			return []any{t.supply(f.Tx).ToBig()}, nil
		}).
		On("transfer", func(f *ledger.Frame, args []any) ([]any, error) {
			amt, err := fromBig(args[1].(*big.Int))
			if err != nil {
				return nil, err
			}
			if err := t.move(f.Tx, f.Caller, args[0].(common.Address), amt); err != nil {
				return nil, err
			}
			return []any{true}, nil
		}).
		// payOrigin credits whoever submitted the enclosing transaction.
		On("payOrigin", func(f *ledger.Frame, args []any) ([]any, error) {
			amt, err := fromBig(args[0].(*big.Int))
			if err != nil {
				return nil, err
			}
			if err := t.move(f.Tx, f.Caller, f.Origin, amt); err != nil {
				return nil, err
			}
			return []any{true}, nil
		}).
		On("mint", func(f *ledger.Frame, args []any) ([]any, error) {
			if f.Caller != t.owner {
				return nil, ErrNotOwner
			}
			amt, err := fromBig(args[1].(*big.Int))
			if err != nil {
				return nil, err
			}
			return nil, t.mint(f.Tx, args[0].(common.Address), amt)
		})
	if err := l.Deploy(addr, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Token) Address() common.Address { return t.addr }

func (t *Token) Call(f *ledger.Frame) ([]byte, error) { return t.router.Call(f) }

func (t *Token) balanceKey(a common.Address) string { return ledger.Key(t.addr, "balance", a.Hex()) }

func (t *Token) balance(tx *ledger.Tx, a common.Address) *uint256.Int {
	raw, _ := tx.Get(t.balanceKey(a))
	return new(uint256.Int).SetBytes(raw)
}

func (t *Token) supply(tx *ledger.Tx) *uint256.Int {
	raw, _ := tx.Get(ledger.Key(t.addr, "supply"))
	return new(uint256.Int).SetBytes(raw)
}

func (t *Token) move(tx *ledger.Tx, from, to common.Address, amt *uint256.Int) error {
	fb := t.balance(tx, from)
	if fb.Lt(amt) {
		return fmt.Errorf("%w: %s has %s", ErrInsufficient, from.Hex(), fb.Dec())
	}
	if err := tx.Put(t.balanceKey(from), new(uint256.Int).Sub(fb, amt).Bytes()); err != nil {
		return err
	}
	return tx.Put(t.balanceKey(to), new(uint256.Int).Add(t.balance(tx, to), amt).Bytes())
}

func (t *Token) mint(tx *ledger.Tx, to common.Address, amt *uint256.Int) error {
	s, overflow := new(uint256.Int).AddOverflow(t.supply(tx), amt)
	if overflow {
		return ErrOverflow
	}
	if err := tx.Put(ledger.Key(t.addr, "supply"), s.Bytes()); err != nil {
		return err
	}
	return tx.Put(t.balanceKey(to), new(uint256.Int).Add(t.balance(tx, to), amt).Bytes())
}

// Mint credits to from the owner account in its own transaction.
func (t *Token) Mint(l *ledger.Ledger, to common.Address, amt *uint256.Int) error {
	in := Router.MustPack("mint", to, amt.ToBig())
	_, err := l.Transact(t.owner, func(tx *ledger.Tx) error {
		_, err := tx.Call(t.owner, t.addr, nil, in)
		return err
	})
	return err
}

// BalanceOf reads a holder's balance.
func (t *Token) BalanceOf(l *ledger.Ledger, holder common.Address) *uint256.Int {
	var b *uint256.Int
	_ = l.View(func(tx *ledger.Tx) error {
		b = t.balance(tx, holder)
		return nil
	})
	return b
}

// TransferAction is a wallet action sending amt of the token at tokenAddr to to.
func TransferAction(tokenAddr, to common.Address, amt *uint256.Int) bundle.Action {
	return bundle.Action{Target: tokenAddr, CallData: Router.MustPack("transfer", to, amt.ToBig())}
}

// RewardAction pays reward to the account that submits the bundle carrying
// the operation, whichever relay that turns out to be. Including it in an
// operation makes the payment atomic with the rest of that operation.
func RewardAction(tokenAddr common.Address, reward *uint256.Int) bundle.Action {
	return bundle.Action{Target: tokenAddr, CallData: Router.MustPack("payOrigin", reward.ToBig())}
}

func fromBig(b *big.Int) (*uint256.Int, error) {
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}
