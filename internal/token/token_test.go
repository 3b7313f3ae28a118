package token

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
)

var (
	owner = common.HexToAddress("0x0e")
	alice = common.HexToAddress("0xa1")
	bob   = common.HexToAddress("0xb0")
	tAddr = common.HexToAddress("0x70")
)

func setup(t *testing.T) (*ledger.Ledger, *Token) {
	t.Helper()
	l := ledger.New()
	tk, err := Deploy(l, tAddr, owner)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := tk.Mint(l, alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return l, tk
}

func TestTransfer(t *testing.T) {
	l, tk := setup(t)
	act := TransferAction(tAddr, bob, uint256.NewInt(30))
	_, err := l.Transact(alice, func(tx *ledger.Tx) error {
		out, err := tx.Call(alice, act.Target, nil, act.CallData)
		if err != nil {
			return err
		}
		vals, err := Router.Unpack("transfer", out)
		if err != nil || vals[0] != true {
			t.Fatalf("transfer result %v %v", vals, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if tk.BalanceOf(l, alice).Uint64() != 70 || tk.BalanceOf(l, bob).Uint64() != 30 {
		t.Fatalf("balances alice=%s bob=%s", tk.BalanceOf(l, alice).Dec(), tk.BalanceOf(l, bob).Dec())
	}
}

func TestTransfer_Insufficient(t *testing.T) {
	l, tk := setup(t)
	act := TransferAction(tAddr, bob, uint256.NewInt(101))
	_, err := l.Transact(alice, func(tx *ledger.Tx) error {
		_, err := tx.Call(alice, act.Target, nil, act.CallData)
		return err
	})
	if !errors.Is(err, ErrInsufficient) {
		t.Fatalf("want ErrInsufficient, got %v", err)
	}
	if tk.BalanceOf(l, alice).Uint64() != 100 {
		t.Fatalf("balance changed on failure")
	}
}

func TestMint_OwnerOnly(t *testing.T) {
	l, _ := setup(t)
	in := Router.MustPack("mint", bob, uint256.NewInt(1).ToBig())
	_, err := l.Transact(alice, func(tx *ledger.Tx) error {
		_, err := tx.Call(alice, tAddr, nil, in)
		return err
	})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("want ErrNotOwner, got %v", err)
	}
}

func TestRewardAction_PaysOrigin(t *testing.T) {
	l, tk := setup(t)
	act := RewardAction(tAddr, uint256.NewInt(9))
	// bob submits, alice pays from inside the call
	_, err := l.Transact(bob, func(tx *ledger.Tx) error {
		_, err := tx.Call(alice, act.Target, nil, act.CallData)
		return err
	})
	if err != nil {
		t.Fatalf("reward: %v", err)
	}
	if tk.BalanceOf(l, alice).Uint64() != 91 || tk.BalanceOf(l, bob).Uint64() != 9 {
		t.Fatalf("balances alice=%s bob=%s", tk.BalanceOf(l, alice).Dec(), tk.BalanceOf(l, bob).Dec())
	}
}

func TestRewardAction_Insufficient(t *testing.T) {
	l, tk := setup(t)
	act := RewardAction(tAddr, uint256.NewInt(101))
	_, err := l.Transact(bob, func(tx *ledger.Tx) error {
		_, err := tx.Call(alice, act.Target, nil, act.CallData)
		return err
	})
	if !errors.Is(err, ErrInsufficient) {
		t.Fatalf("want ErrInsufficient, got %v", err)
	}
	if tk.BalanceOf(l, bob).Uint64() != 0 {
		t.Fatalf("bob credited on failure")
	}
}
