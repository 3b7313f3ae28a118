package bundle

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/zmlAEQ/Aequa-gateway/internal/bls"
)

var (
	ErrEmptyBundle      = errors.New("bundle: no operations")
	ErrLengthMismatch   = errors.New("bundle: public keys and operations differ in length")
	ErrMissingNonce     = errors.New("bundle: operation without nonce")
	ErrBadPublicKey     = errors.New("bundle: malformed public key")
	ErrBadSignature     = errors.New("bundle: malformed aggregate signature")
	ErrNothingToCombine = errors.New("bundle: nothing to aggregate")
)

// Action is one call made by a wallet: value is sent to target along with callData.
type Action struct {
	Target   common.Address
	Value    *uint256.Int
	CallData []byte
}

// ValueOrZero never returns nil.
func (a Action) ValueOrZero() *uint256.Int {
	if a.Value == nil {
		return new(uint256.Int)
	}
	return a.Value
}

// Operation is everything one wallet wants applied atomically in a bundle slot.
type Operation struct {
	Nonce   *uint256.Int
	Actions []Action
}

// SignedOperation is an operation signed by a single wallet, as produced by
// the Builder and collected by relays.
type SignedOperation struct {
	PublicKey bls.PubKey
	Wallet    common.Address
	Operation Operation
	Signature bls.Signature
}

// Bundle carries index-aligned public keys and operations plus one aggregate
// signature covering all of them.
type Bundle struct {
	PublicKeys []bls.PubKey
	Operations []Operation
	Signature  bls.Signature
}

func (b *Bundle) Len() int { return len(b.Operations) }

// Validate checks shape only. It does not verify the signature.
func (b *Bundle) Validate() error {
	if len(b.Operations) == 0 {
		return ErrEmptyBundle
	}
	if len(b.PublicKeys) != len(b.Operations) {
		return ErrLengthMismatch
	}
	if len(b.Signature) != bls.SignatureSize {
		return ErrBadSignature
	}
	for i := range b.Operations {
		if b.Operations[i].Nonce == nil {
			return fmt.Errorf("%w at index %d", ErrMissingNonce, i)
		}
		if len(b.PublicKeys[i]) != bls.PublicKeySize {
			return fmt.Errorf("%w at index %d", ErrBadPublicKey, i)
		}
	}
	return nil
}
