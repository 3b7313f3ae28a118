package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
)

var (
	ErrDuplicate  = errors.New("relay: duplicate operation")
	ErrStaleNonce = errors.New("relay: stale nonce")
	ErrFutureFull = errors.New("relay: nonce too far ahead")
)

const (
	defaultMaxFuture = 64
	defaultDedupSize = 4096
)

type entry struct {
	op     bundle.SignedOperation
	digest common.Hash
}

// Pool holds signed operations per wallet in nonce order. Operations at the
// expected nonce are ready; later ones wait in the future set until the gap
// closes.
type Pool struct {
	mu        sync.Mutex
	chainID   *uint256.Int
	nonces    bundle.NonceSource
	maxFuture uint64

	// expected nonce per wallet
	expect map[common.Address]*uint256.Int
	// ready FIFO per wallet; order keeps wallets in first-ready order
	ready map[common.Address][]entry
	order []common.Address
	// future holds ops with nonce > expected
	future map[common.Address]map[uint256.Int]entry
	seen   *lru.Cache[common.Hash, struct{}]
}

func NewPool(chainID *uint256.Int, nonces bundle.NonceSource, maxFuture, dedupSize int) *Pool {
	if maxFuture <= 0 {
		maxFuture = defaultMaxFuture
	}
	if dedupSize <= 0 {
		dedupSize = defaultDedupSize
	}
	seen, err := lru.New[common.Hash, struct{}](dedupSize)
	if err != nil {
		panic(err)
	}
	cid := new(uint256.Int)
	if chainID != nil {
		cid.Set(chainID)
	}
	return &Pool{
		chainID:   cid,
		nonces:    nonces,
		maxFuture: uint64(maxFuture),
		expect:    map[common.Address]*uint256.Int{},
		ready:     map[common.Address][]entry{},
		future:    map[common.Address]map[uint256.Int]entry{},
		seen:      seen,
	}
}

func (p *Pool) seed(ctx context.Context, w common.Address) error {
	p.mu.Lock()
	_, ok := p.expect[w]
	p.mu.Unlock()
	if ok {
		return nil
	}
	n := new(uint256.Int)
	if p.nonces != nil {
		got, err := p.nonces.NextNonce(ctx, w)
		if err != nil {
			return fmt.Errorf("seed nonce for %s: %w", w.Hex(), err)
		}
		n.Set(got)
	}
	p.mu.Lock()
	if _, ok := p.expect[w]; !ok {
		p.expect[w] = n
	}
	p.mu.Unlock()
	return nil
}

// Add admits so. It returns the digests that became ready, which is empty
// when so was parked as a future operation.
func (p *Pool) Add(ctx context.Context, so bundle.SignedOperation) ([]common.Hash, error) {
	if err := p.seed(ctx, so.Wallet); err != nil {
		metrics.Inc("relay_pool_in_total", map[string]string{"result": "error"})
		return nil, err
	}
	nonce := new(uint256.Int)
	if so.Operation.Nonce != nil {
		nonce.Set(so.Operation.Nonce)
	}
	so.Operation.Nonce = nonce
	e := entry{op: so, digest: bundle.Digest(p.chainID, so.Wallet, so.Operation)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen.Contains(e.digest) {
		metrics.Inc("relay_pool_in_total", map[string]string{"result": "dup"})
		return nil, ErrDuplicate
	}
	exp := p.expect[so.Wallet]
	switch nonce.Cmp(exp) {
	case -1:
		metrics.Inc("relay_pool_in_total", map[string]string{"result": "old"})
		return nil, fmt.Errorf("%w: have %s want %s", ErrStaleNonce, nonce.Dec(), exp.Dec())
	case 0:
		p.seen.Add(e.digest, struct{}{})
		out := p.pushReady(so.Wallet, e)
		metrics.Inc("relay_pool_in_total", map[string]string{"result": "ok"})
		return out, nil
	default:
		gap := new(uint256.Int).Sub(nonce, exp)
		if !gap.IsUint64() || gap.Uint64() > p.maxFuture {
			metrics.Inc("relay_pool_in_total", map[string]string{"result": "too_far"})
			return nil, ErrFutureFull
		}
		fut := p.future[so.Wallet]
		if fut == nil {
			fut = map[uint256.Int]entry{}
			p.future[so.Wallet] = fut
		}
		if _, exists := fut[*nonce]; exists {
			metrics.Inc("relay_pool_in_total", map[string]string{"result": "dup"})
			return nil, ErrDuplicate
		}
		fut[*nonce] = e
		p.seen.Add(e.digest, struct{}{})
		metrics.Inc("relay_pool_in_total", map[string]string{"result": "future"})
		return nil, nil
	}
}

// pushReady appends e and promotes any futures it unblocks. Caller holds mu.
func (p *Pool) pushReady(w common.Address, e entry) []common.Hash {
	if len(p.ready[w]) == 0 {
		p.order = append(p.order, w)
	}
	p.ready[w] = append(p.ready[w], e)
	out := []common.Hash{e.digest}
	exp := new(uint256.Int).AddUint64(p.expect[w], 1)
	for fut := p.future[w]; fut != nil; {
		next, ok := fut[*exp]
		if !ok {
			break
		}
		delete(fut, *exp)
		p.ready[w] = append(p.ready[w], next)
		out = append(out, next.digest)
		exp.AddUint64(exp, 1)
	}
	if len(p.future[w]) == 0 {
		delete(p.future, w)
	}
	p.expect[w] = exp
	metrics.AddGauge("relay_pool_size", nil, float64(len(out)))
	return out
}

// Take removes up to n ready operations, visiting wallets round-robin so one
// busy wallet cannot starve the others. Per-wallet nonce order is kept.
func (p *Pool) Take(n int) []bundle.SignedOperation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bundle.SignedOperation, 0, 16)
	for len(p.order) > 0 && (n <= 0 || len(out) < n) {
		progressed := false
		for i := 0; i < len(p.order) && (n <= 0 || len(out) < n); i++ {
			w := p.order[i]
			ll := p.ready[w]
			if len(ll) == 0 {
				continue
			}
			out = append(out, ll[0].op)
			p.ready[w] = ll[1:]
			progressed = true
		}
		p.compactLocked()
		if !progressed {
			break
		}
	}
	if len(out) > 0 {
		metrics.AddGauge("relay_pool_size", nil, -float64(len(out)))
	}
	return out
}

func (p *Pool) compactLocked() {
	kept := p.order[:0]
	for _, w := range p.order {
		if len(p.ready[w]) > 0 {
			kept = append(kept, w)
		} else {
			delete(p.ready, w)
		}
	}
	p.order = kept
}

// ReadyDigests lists digests of ready operations in take order.
func (p *Pool) ReadyDigests() []common.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []common.Hash
	for _, w := range p.order {
		for _, e := range p.ready[w] {
			out = append(out, e.digest)
		}
	}
	return out
}

// Resync reloads the expected nonce of w from the nonce source and re-sorts
// the operations still held for it. Operations below the new nonce are
// dropped; returns the digests that are ready afterwards.
func (p *Pool) Resync(ctx context.Context, w common.Address) ([]common.Hash, error) {
	n := new(uint256.Int)
	if p.nonces != nil {
		got, err := p.nonces.NextNonce(ctx, w)
		if err != nil {
			return nil, fmt.Errorf("resync %s: %w", w.Hex(), err)
		}
		n.Set(got)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	held := make([]entry, 0, len(p.ready[w])+len(p.future[w]))
	held = append(held, p.ready[w]...)
	for _, e := range p.future[w] {
		held = append(held, e)
	}
	metrics.AddGauge("relay_pool_size", nil, -float64(len(p.ready[w])))
	delete(p.ready, w)
	delete(p.future, w)
	p.compactLocked()
	p.expect[w] = n

	sort.Slice(held, func(i, j int) bool { return held[i].op.Operation.Nonce.Lt(held[j].op.Operation.Nonce) })
	var out []common.Hash
	dropped := 0
	for _, e := range held {
		nonce := e.op.Operation.Nonce
		switch {
		case nonce.Lt(p.expect[w]):
			dropped++
		case nonce.Eq(p.expect[w]):
			out = append(out, p.pushReady(w, e)...)
		default:
			if p.future[w] == nil {
				p.future[w] = map[uint256.Int]entry{}
			}
			p.future[w][*nonce] = e
		}
	}
	if dropped > 0 {
		metrics.Add("relay_pool_dropped_total", map[string]string{"reason": "stale"}, float64(dropped))
	}
	return out, nil
}

// Release clears ops from the duplicate filter so they can be admitted again
// after their bundle failed to execute. Operations still held are untouched.
func (p *Pool) Release(ops ...bundle.SignedOperation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, so := range ops {
		nonce := new(uint256.Int)
		if so.Operation.Nonce != nil {
			nonce.Set(so.Operation.Nonce)
		}
		op := so.Operation
		op.Nonce = nonce
		p.seen.Remove(bundle.Digest(p.chainID, so.Wallet, op))
	}
}

// Forget drops everything held for w, including its expected nonce.
func (p *Pool) Forget(w common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.ready[w] {
		p.seen.Remove(e.digest)
	}
	for _, e := range p.future[w] {
		p.seen.Remove(e.digest)
	}
	metrics.AddGauge("relay_pool_size", nil, -float64(len(p.ready[w])))
	delete(p.ready, w)
	delete(p.future, w)
	delete(p.expect, w)
	p.compactLocked()
}

// Len is the number of ready operations.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := 0
	for _, ll := range p.ready {
		sum += len(ll)
	}
	return sum
}

// Future is the number of operations waiting on a nonce gap.
func (p *Pool) Future() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := 0
	for _, m := range p.future {
		sum += len(m)
	}
	return sum
}

// Expected reports the next nonce the pool will accept as ready for w.
func (p *Pool) Expected(w common.Address) (*uint256.Int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.expect[w]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}
