// Package timelock implements the delayed change slot shared by every trust
// attribute of a wallet: Stable(v) -> Pending(v', eta) -> Stable(v').
package timelock

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultDelay is the safety delay between proposing and committing a change.
const DefaultDelay = 7 * 24 * time.Hour

var (
	ErrNoPending  = errors.New("timelock: nothing pending")
	ErrNotElapsed = errors.New("timelock: safety delay not elapsed")
)

type Outcome int

const (
	Proposed Outcome = iota + 1
	Committed
)

func (o Outcome) String() string {
	switch o {
	case Proposed:
		return "proposed"
	case Committed:
		return "committed"
	default:
		return "none"
	}
}

// Pending is one change slot. ETA zero means empty.
type Pending struct {
	Value common.Address
	ETA   uint64
}

func (p Pending) IsSet() bool { return p.ETA != 0 }

// Ready reports whether the pending value may be committed at now.
func (p Pending) Ready(now uint64) bool { return p.IsSet() && now >= p.ETA }

// Propose overwrites the slot with v, restarting the delay.
func Propose(p *Pending, v common.Address, now uint64, delay time.Duration) {
	*p = Pending{Value: v, ETA: now + uint64(delay/time.Second)}
}

// Commit promotes the pending value and clears the slot.
func Commit(p *Pending, now uint64) (common.Address, error) {
	if !p.IsSet() {
		return common.Address{}, ErrNoPending
	}
	if now < p.ETA {
		return common.Address{}, ErrNotElapsed
	}
	v := p.Value
	*p = Pending{}
	return v, nil
}

// ProposeOrCommit treats a repeat of the pending value as a commit request
// and anything else as a new proposal.
func ProposeOrCommit(p *Pending, v common.Address, now uint64, delay time.Duration) (Outcome, error) {
	if p.IsSet() && p.Value == v {
		if _, err := Commit(p, now); err != nil {
			return 0, err
		}
		return Committed, nil
	}
	Propose(p, v, now, delay)
	return Proposed, nil
}
