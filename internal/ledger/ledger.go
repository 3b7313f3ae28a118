// Package ledger is a sequentially consistent key/value state store with
// journaled transactions, nested snapshots and in-process contracts. It stands
// in for a blockchain: every committed transaction seals a block stamped with
// the injected clock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
)

var (
	ErrNoCode       = errors.New("ledger: call to address without code")
	ErrAddressInUse = errors.New("ledger: code already deployed at address")
	ErrDepth        = errors.New("ledger: max call depth exceeded")
	ErrInsufficient = errors.New("ledger: insufficient balance")
	ErrTxClosed     = errors.New("ledger: transaction already finished")
	ErrStaticWrite  = errors.New("ledger: write during static call")
)

// MaxCallDepth bounds nested Call frames.
const MaxCallDepth = 64

// Contract is code living at an address.
type Contract interface {
	Call(f *Frame) ([]byte, error)
}

// Resolver supplies code for addresses whose behaviour follows from state
// (for instance wallets created on first use). It returns nil when it does
// not own addr.
type Resolver func(tx *Tx, addr common.Address) Contract

// Block is the header sealed after each committed transaction.
type Block struct {
	Number uint64
	Time   uint64
	Parent common.Hash
	Hash   common.Hash
}

type namedResolver struct {
	name string
	fn   Resolver
}

type header struct {
	Number uint64
	Time   uint64
	Parent common.Hash
	Writes uint64
}

type Ledger struct {
	mu        sync.Mutex
	clock     clock.Clock
	state     map[string][]byte
	code      map[common.Address]Contract
	resolvers []namedResolver
	head      Block
}

type Option func(*Ledger)

// WithClock sets the time source used to stamp blocks.
func WithClock(c clock.Clock) Option { return func(l *Ledger) { l.clock = c } }

func New(opts ...Option) *Ledger {
	l := &Ledger{
		clock: clock.New(),
		state: map[string][]byte{},
		code:  map[common.Address]Contract{},
	}
	for _, o := range opts {
		o(l)
	}
	l.head = Block{Time: uint64(l.clock.Now().Unix())}
	l.head.Hash = hashHeader(header{Time: l.head.Time})
	return l
}

func hashHeader(h header) common.Hash {
	enc, err := rlp.EncodeToBytes(&h)
	if err != nil {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(enc)
}

// Clock returns the ledger's time source.
func (l *Ledger) Clock() clock.Clock { return l.clock }

// Deploy installs c at addr.
func (l *Ledger) Deploy(addr common.Address, c Contract) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.code[addr]; ok {
		return fmt.Errorf("%w: %s", ErrAddressInUse, addr.Hex())
	}
	l.code[addr] = c
	return nil
}

// HasCode reports whether a contract is deployed at addr.
func (l *Ledger) HasCode(addr common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.code[addr]
	return ok
}

// AddResolver registers a dynamic code source consulted after deployed code.
// Registering the same name again replaces the earlier resolver.
func (l *Ledger) AddResolver(name string, r Resolver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.resolvers {
		if l.resolvers[i].name == name {
			l.resolvers[i].fn = r
			return
		}
	}
	l.resolvers = append(l.resolvers, namedResolver{name: name, fn: r})
}

// Head returns the latest sealed block.
func (l *Ledger) Head() Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// BlockNumber reports the latest block height.
func (l *Ledger) BlockNumber(_ context.Context) (uint64, error) { return l.Head().Number, nil }

// Transact runs fn inside a transaction sent by origin. If fn returns an
// error every write is undone and no block is sealed; otherwise a new block
// is sealed and returned.
func (l *Ledger) Transact(origin common.Address, fn func(tx *Tx) error) (Block, error) {
	begin := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := l.begin(origin, false)
	err := fn(tx)
	tx.done = true
	if err != nil {
		tx.revertTo(0)
		metrics.Inc("ledger_tx_total", map[string]string{"result": "reverted"})
		return Block{}, err
	}
	writes := uint64(len(tx.journal))
	parent := l.head
	l.head = Block{Number: parent.Number + 1, Time: tx.now, Parent: parent.Hash}
	l.head.Hash = hashHeader(header{Number: l.head.Number, Time: l.head.Time, Parent: parent.Hash, Writes: writes})
	metrics.Inc("ledger_tx_total", map[string]string{"result": "ok"})
	metrics.SetGauge("ledger_height", nil, float64(l.head.Number))
	metrics.ObserveSummary("ledger_tx_ms", nil, float64(time.Since(begin).Milliseconds()))
	return l.head, nil
}

// TransactStatic runs fn like Transact but always discards its writes and
// never seals a block.
func (l *Ledger) TransactStatic(origin common.Address, fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := l.begin(origin, false)
	defer func() {
		tx.revertTo(0)
		tx.done = true
	}()
	return fn(tx)
}

// View runs fn against current state; writes fail with ErrStaticWrite.
func (l *Ledger) View(fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := l.begin(common.Address{}, true)
	defer func() { tx.done = true }()
	return fn(tx)
}

func (l *Ledger) begin(origin common.Address, static bool) *Tx {
	now := uint64(l.clock.Now().Unix())
	if now < l.head.Time {
		now = l.head.Time
	}
	return &Tx{l: l, origin: origin, now: now, static: static, number: l.head.Number + 1}
}

// Key builds a storage key scoped to addr.
func Key(addr common.Address, parts ...string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(addr.Hex()))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(p)
	}
	return b.String()
}

// Keys lists stored keys with the given prefix in sorted order.
func (l *Ledger) Keys(prefix string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.keysLocked(prefix)
}

func (l *Ledger) keysLocked(prefix string) []string {
	out := make([]string, 0)
	for k := range l.state {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func logRevert(op string, err error) {
	logger.InfoJ("ledger_call", map[string]any{"op": op, "result": "reverted", "err": err.Error()})
}
