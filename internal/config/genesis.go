// Package config loads the genesis description of a gateway node.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/zmlAEQ/Aequa-gateway/internal/gateway"
	"github.com/zmlAEQ/Aequa-gateway/internal/ledger"
	"github.com/zmlAEQ/Aequa-gateway/internal/token"
)

var (
	ErrEmptyPath  = errors.New("config: empty genesis path")
	ErrNoGateway  = errors.New("config: genesis lists no gateway")
	ErrBadBalance = errors.New("config: balance out of range")
)

// TokenGenesis deploys the reward token and its initial holders.
type TokenGenesis struct {
	Address  common.Address                  `json:"address"`
	Owner    common.Address                  `json:"owner"`
	Balances map[common.Address]*hexutil.Big `json:"balances,omitempty"`
}

type Genesis struct {
	ChainID uint64 `json:"chain_id"`
	// SafetyDelay is a Go duration string; empty means the 7 day default.
	SafetyDelay string `json:"safety_delay,omitempty"`
	// Gateways are deployed in order; the first is the one this node serves.
	Gateways []common.Address                `json:"gateways"`
	Token    *TokenGenesis                   `json:"token,omitempty"`
	Balances map[common.Address]*hexutil.Big `json:"balances,omitempty"`
}

// Deployment is what Apply installed on the ledger.
type Deployment struct {
	Gateways []*gateway.Gateway
	Token    *token.Token
}

// Primary is the gateway this node serves.
func (d Deployment) Primary() *gateway.Gateway { return d.Gateways[0] }

// LoadGenesis reads and validates a JSON genesis file.
func LoadGenesis(path string) (Genesis, error) {
	if path == "" {
		return Genesis{}, ErrEmptyPath
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}
	var g Genesis
	if err := json.Unmarshal(b, &g); err != nil {
		return Genesis{}, fmt.Errorf("parse genesis: %w", err)
	}
	if err := g.Validate(); err != nil {
		return Genesis{}, err
	}
	return g, nil
}

func (g Genesis) Validate() error {
	if len(g.Gateways) == 0 {
		return ErrNoGateway
	}
	if _, err := g.Delay(); err != nil {
		return err
	}
	check := func(m map[common.Address]*hexutil.Big) error {
		for a, v := range m {
			if _, err := amount(v); err != nil {
				return fmt.Errorf("%w: %s", err, a.Hex())
			}
		}
		return nil
	}
	if err := check(g.Balances); err != nil {
		return err
	}
	if g.Token != nil {
		return check(g.Token.Balances)
	}
	return nil
}

// Delay parses SafetyDelay.
func (g Genesis) Delay() (time.Duration, error) {
	if g.SafetyDelay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(g.SafetyDelay)
	if err != nil {
		return 0, fmt.Errorf("safety_delay: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("safety_delay: negative %s", d)
	}
	return d, nil
}

func amount(v *hexutil.Big) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v.ToInt())
	if overflow || v.ToInt().Sign() < 0 {
		return nil, ErrBadBalance
	}
	return out, nil
}

func sortedHolders(m map[common.Address]*hexutil.Big) []common.Address {
	out := make([]common.Address, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Apply deploys the gateways and token on l and credits the initial balances
// in a single block.
func (g Genesis) Apply(l *ledger.Ledger) (Deployment, error) {
	if err := g.Validate(); err != nil {
		return Deployment{}, err
	}
	delay, _ := g.Delay()
	var d Deployment
	for _, addr := range g.Gateways {
		gw, err := gateway.Deploy(l, addr, gateway.Config{ChainID: uint256.NewInt(g.ChainID), SafetyDelay: delay})
		if err != nil {
			return Deployment{}, fmt.Errorf("deploy gateway %s: %w", addr.Hex(), err)
		}
		d.Gateways = append(d.Gateways, gw)
	}
	var owner common.Address
	if g.Token != nil {
		t, err := token.Deploy(l, g.Token.Address, g.Token.Owner)
		if err != nil {
			return Deployment{}, fmt.Errorf("deploy token: %w", err)
		}
		d.Token, owner = t, g.Token.Owner
	}
	if len(g.Balances) == 0 && (g.Token == nil || len(g.Token.Balances) == 0) {
		return d, nil
	}
	_, err := l.Transact(owner, func(tx *ledger.Tx) error {
		for _, a := range sortedHolders(g.Balances) {
			v, _ := amount(g.Balances[a])
			if err := tx.SetBalance(a, v); err != nil {
				return err
			}
		}
		if g.Token == nil {
			return nil
		}
		for _, a := range sortedHolders(g.Token.Balances) {
			v, _ := amount(g.Token.Balances[a])
			in := token.Router.MustPack("mint", a, v.ToBig())
			if _, err := tx.Call(owner, g.Token.Address, nil, in); err != nil {
				return fmt.Errorf("mint to %s: %w", a.Hex(), err)
			}
		}
		return nil
	})
	if err != nil {
		return Deployment{}, err
	}
	return d, nil
}
