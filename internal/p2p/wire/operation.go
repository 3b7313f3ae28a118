// Package wire holds the JSON forms of operations and bundles shared by the
// HTTP API and gossip. Byte fields and integers are 0x-prefixed hex.
package wire

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/zmlAEQ/Aequa-gateway/internal/bls"
	"github.com/zmlAEQ/Aequa-gateway/internal/bundle"
)

// TopicOperation is the pubsub topic for signed operations.
const TopicOperation = "aequa/bls/op/v1"

var ErrBadQuantity = errors.New("wire: quantity out of range")

type Action struct {
	Target   common.Address `json:"target"`
	Value    *hexutil.Big   `json:"value,omitempty"`
	CallData hexutil.Bytes  `json:"call_data,omitempty"`
}

type Operation struct {
	Nonce   *hexutil.Big `json:"nonce"`
	Actions []Action     `json:"actions"`
}

type SignedOperation struct {
	PublicKey hexutil.Bytes  `json:"public_key"`
	Wallet    common.Address `json:"wallet"`
	Operation Operation      `json:"operation"`
	Signature hexutil.Bytes  `json:"signature"`
	TraceID   string         `json:"trace_id,omitempty"`
}

type Bundle struct {
	PublicKeys []hexutil.Bytes `json:"public_keys"`
	Operations []Operation     `json:"operations"`
	Signature  hexutil.Bytes   `json:"signature"`
}

func toBig(v *uint256.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(new(uint256.Int).ToBig())
	}
	return (*hexutil.Big)(v.ToBig())
}

func fromBig(v *hexutil.Big) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v.ToInt())
	if overflow || v.ToInt().Sign() < 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadQuantity, v.String())
	}
	return out, nil
}

// FromOperation converts an internal operation to its wire form.
func FromOperation(op bundle.Operation) Operation {
	w := Operation{Nonce: toBig(op.Nonce), Actions: make([]Action, len(op.Actions))}
	for i, a := range op.Actions {
		w.Actions[i] = Action{Target: a.Target, Value: toBig(a.Value), CallData: a.CallData}
	}
	return w
}

// ToInternal converts the wire operation back. A missing nonce decodes as
// nil so bundle validation can reject it.
func (w Operation) ToInternal() (bundle.Operation, error) {
	var op bundle.Operation
	if w.Nonce != nil {
		n, err := fromBig(w.Nonce)
		if err != nil {
			return bundle.Operation{}, fmt.Errorf("nonce: %w", err)
		}
		op.Nonce = n
	}
	op.Actions = make([]bundle.Action, len(w.Actions))
	for i, a := range w.Actions {
		v, err := fromBig(a.Value)
		if err != nil {
			return bundle.Operation{}, fmt.Errorf("action %d value: %w", i, err)
		}
		op.Actions[i] = bundle.Action{Target: a.Target, Value: v, CallData: a.CallData}
	}
	return op, nil
}

func FromSignedOperation(so bundle.SignedOperation) SignedOperation {
	return SignedOperation{
		PublicKey: hexutil.Bytes(so.PublicKey),
		Wallet:    so.Wallet,
		Operation: FromOperation(so.Operation),
		Signature: hexutil.Bytes(so.Signature),
	}
}

func (w SignedOperation) ToInternal() (bundle.SignedOperation, error) {
	op, err := w.Operation.ToInternal()
	if err != nil {
		return bundle.SignedOperation{}, err
	}
	return bundle.SignedOperation{
		PublicKey: bls.PubKey(w.PublicKey),
		Wallet:    w.Wallet,
		Operation: op,
		Signature: bls.Signature(w.Signature),
	}, nil
}

func FromBundle(b bundle.Bundle) Bundle {
	w := Bundle{
		PublicKeys: make([]hexutil.Bytes, len(b.PublicKeys)),
		Operations: make([]Operation, len(b.Operations)),
		Signature:  hexutil.Bytes(b.Signature),
	}
	for i, pk := range b.PublicKeys {
		w.PublicKeys[i] = hexutil.Bytes(pk)
	}
	for i, op := range b.Operations {
		w.Operations[i] = FromOperation(op)
	}
	return w
}

func (w Bundle) ToInternal() (bundle.Bundle, error) {
	b := bundle.Bundle{
		PublicKeys: make([]bls.PubKey, len(w.PublicKeys)),
		Operations: make([]bundle.Operation, len(w.Operations)),
		Signature:  bls.Signature(w.Signature),
	}
	for i, pk := range w.PublicKeys {
		b.PublicKeys[i] = bls.PubKey(pk)
	}
	for i, op := range w.Operations {
		o, err := op.ToInternal()
		if err != nil {
			return bundle.Bundle{}, fmt.Errorf("operation %d: %w", i, err)
		}
		b.Operations[i] = o
	}
	return b, nil
}
