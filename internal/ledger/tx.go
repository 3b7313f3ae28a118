package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

type journalEntry struct {
	key     string
	prev    []byte
	existed bool
}

// Tx is an open transaction. It is only valid inside the callback passed to
// Transact, TransactStatic or View.
type Tx struct {
	l       *Ledger
	origin  common.Address
	now     uint64
	number  uint64
	static  bool
	depth   int
	journal []journalEntry
	done    bool
}

// Frame describes one contract invocation.
type Frame struct {
	Tx     *Tx
	Origin common.Address
	Caller common.Address
	Self   common.Address
	Value  *uint256.Int
	Input  []byte
}

// Now is the timestamp of the block this transaction will seal, in seconds.
func (tx *Tx) Now() uint64 { return tx.now }

// BlockNumber is the height this transaction will seal.
func (tx *Tx) BlockNumber() uint64 { return tx.number }

func (tx *Tx) Origin() common.Address { return tx.origin }

// Get returns a copy of the value stored at key.
func (tx *Tx) Get(key string) ([]byte, bool) {
	v, ok := tx.l.state[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (tx *Tx) Has(key string) bool {
	_, ok := tx.l.state[key]
	return ok
}

// Put stores a copy of val at key.
func (tx *Tx) Put(key string, val []byte) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tx.record(key)
	tx.l.state[key] = append([]byte(nil), val...)
	return nil
}

func (tx *Tx) Delete(key string) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.l.state[key]; !ok {
		return nil
	}
	tx.record(key)
	delete(tx.l.state, key)
	return nil
}

// GetRLP decodes the value at key into v. It reports false when key is absent.
func (tx *Tx) GetRLP(key string, v any) (bool, error) {
	raw, ok := tx.l.state[key]
	if !ok {
		return false, nil
	}
	if err := rlp.DecodeBytes(raw, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// PutRLP encodes v and stores it at key.
func (tx *Tx) PutRLP(key string, v any) error {
	enc, err := rlp.EncodeToBytes(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return tx.Put(key, enc)
}

func (tx *Tx) writable() error {
	if tx.done {
		return ErrTxClosed
	}
	if tx.static {
		return ErrStaticWrite
	}
	return nil
}

func (tx *Tx) record(key string) {
	prev, ok := tx.l.state[key]
	tx.journal = append(tx.journal, journalEntry{key: key, prev: prev, existed: ok})
}

// Snapshot marks the current journal position.
func (tx *Tx) Snapshot() int { return len(tx.journal) }

// RevertToSnapshot undoes every write made after id was taken.
func (tx *Tx) RevertToSnapshot(id int) { tx.revertTo(id) }

func (tx *Tx) revertTo(id int) {
	if id < 0 {
		id = 0
	}
	for i := len(tx.journal) - 1; i >= id; i-- {
		e := tx.journal[i]
		if e.existed {
			tx.l.state[e.key] = e.prev
		} else {
			delete(tx.l.state, e.key)
		}
	}
	if id < len(tx.journal) {
		tx.journal = tx.journal[:id]
	}
}

func balanceKey(addr common.Address) string { return Key(addr, "balance") }

// Balance returns the native balance of addr.
func (tx *Tx) Balance(addr common.Address) *uint256.Int {
	raw, ok := tx.l.state[balanceKey(addr)]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).SetBytes(raw)
}

// SetBalance overwrites the native balance of addr.
func (tx *Tx) SetBalance(addr common.Address, v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return tx.Delete(balanceKey(addr))
	}
	return tx.Put(balanceKey(addr), v.Bytes())
}

// Transfer moves native value between accounts.
func (tx *Tx) Transfer(from, to common.Address, v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return nil
	}
	fb := tx.Balance(from)
	if fb.Lt(v) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficient, from.Hex(), fb.Dec(), v.Dec())
	}
	if err := tx.SetBalance(from, new(uint256.Int).Sub(fb, v)); err != nil {
		return err
	}
	return tx.SetBalance(to, new(uint256.Int).Add(tx.Balance(to), v))
}

// CodeAt returns the contract at addr, consulting resolvers when nothing is
// deployed there.
func (tx *Tx) CodeAt(addr common.Address) Contract {
	if c, ok := tx.l.code[addr]; ok {
		return c
	}
	for _, r := range tx.l.resolvers {
		if c := r.fn(tx, addr); c != nil {
			return c
		}
	}
	return nil
}

// Call invokes target from caller, moving value first. Any failure undoes
// every effect of the call, including nested ones.
func (tx *Tx) Call(caller, target common.Address, value *uint256.Int, input []byte) ([]byte, error) {
	if tx.depth >= MaxCallDepth {
		return nil, ErrDepth
	}
	snap := tx.Snapshot()
	if err := tx.Transfer(caller, target, value); err != nil {
		tx.revertTo(snap)
		return nil, err
	}
	c := tx.CodeAt(target)
	if c == nil {
		if len(input) == 0 {
			return nil, nil
		}
		tx.revertTo(snap)
		return nil, fmt.Errorf("%w: %s", ErrNoCode, target.Hex())
	}
	if value == nil {
		value = new(uint256.Int)
	}
	tx.depth++
	out, err := c.Call(&Frame{Tx: tx, Origin: tx.origin, Caller: caller, Self: target, Value: value, Input: input})
	tx.depth--
	if err != nil {
		tx.revertTo(snap)
		logRevert("call", err)
		return nil, err
	}
	return out, nil
}
