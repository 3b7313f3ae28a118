package ledger

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"
)

func seed(t *testing.T, l *Ledger, v byte) {
	t.Helper()
	_, err := l.Transact(alice, func(tx *Tx) error {
		if err := tx.Put("k", []byte{v}); err != nil {
			return err
		}
		return tx.SetBalance(bob, uint256.NewInt(uint64(v)))
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestCheckpoint_SaveLoad(t *testing.T) {
	l, _ := newTestLedger(t)
	seed(t, l, 7)
	c := NewCheckpointer(filepath.Join(t.TempDir(), "ledger.ckpt"))
	if err := c.Save(context.Background(), l); err != nil {
		t.Fatalf("save: %v", err)
	}
	l2, _ := newTestLedger(t)
	if err := c.Load(context.Background(), l2); err != nil {
		t.Fatalf("load: %v", err)
	}
	if l2.Head() != l.Head() {
		t.Fatalf("head mismatch %+v vs %+v", l2.Head(), l.Head())
	}
	_ = l2.View(func(tx *Tx) error {
		if v, _ := tx.Get("k"); !bytes.Equal(v, []byte{7}) {
			t.Fatalf("k=%v", v)
		}
		if tx.Balance(bob).Uint64() != 7 {
			t.Fatalf("bob=%s", tx.Balance(bob).Dec())
		}
		return nil
	})
}

func TestCheckpoint_FallbackOnCorruption(t *testing.T) {
	l, _ := newTestLedger(t)
	path := filepath.Join(t.TempDir(), "ledger.ckpt")
	c := NewCheckpointer(path)
	seed(t, l, 1)
	if err := c.Save(context.Background(), l); err != nil {
		t.Fatalf("save1: %v", err)
	}
	seed(t, l, 2)
	if err := c.Save(context.Background(), l); err != nil {
		t.Fatalf("save2: %v", err)
	}
	if err := os.Truncate(path, 8); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	l2, _ := newTestLedger(t)
	if err := c.Load(context.Background(), l2); err != nil {
		t.Fatalf("load: %v", err)
	}
	_ = l2.View(func(tx *Tx) error {
		if v, _ := tx.Get("k"); !bytes.Equal(v, []byte{1}) {
			t.Fatalf("fallback k=%v want 1", v)
		}
		return nil
	})
}

func TestCheckpoint_Encrypted(t *testing.T) {
	l, _ := newTestLedger(t)
	seed(t, l, 3)
	path := filepath.Join(t.TempDir(), "ledger.ckpt")
	key := bytes.Repeat([]byte{0x42}, 32)
	if err := NewCheckpointerEncrypted(path, key).Save(context.Background(), l); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if len(raw) < headerSize || raw[7]&byte(flagEncrypt) == 0 {
		t.Fatalf("encrypt flag not set in header")
	}
	if err := NewCheckpointer(path).Load(context.Background(), New()); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("keyless load should fail, got %v", err)
	}
	l2, _ := newTestLedger(t)
	if err := NewCheckpointerEncrypted(path, key).Load(context.Background(), l2); err != nil {
		t.Fatalf("load with key: %v", err)
	}
	if l2.Head().Number != l.Head().Number {
		t.Fatalf("height mismatch")
	}
}

func TestCheckpoint_Missing(t *testing.T) {
	c := NewCheckpointer(filepath.Join(t.TempDir(), "none"))
	if err := c.Load(context.Background(), New()); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("want ErrNoCheckpoint, got %v", err)
	}
}
