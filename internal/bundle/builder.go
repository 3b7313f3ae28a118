package bundle

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/zmlAEQ/Aequa-gateway/internal/bls"
	"github.com/zmlAEQ/Aequa-gateway/internal/signer"
)

// NonceSource reports the last observed nonce of a wallet. The value is
// advisory; only the gateway decides which nonce executes.
type NonceSource interface {
	NextNonce(ctx context.Context, wallet common.Address) (*uint256.Int, error)
}

// Builder assembles and signs operations for one wallet.
type Builder struct {
	chainID *uint256.Int
	signer  *signer.Signer
	wallet  common.Address
	nonces  NonceSource
}

func NewBuilder(chainID *uint256.Int, s *signer.Signer, wallet common.Address, nonces NonceSource) *Builder {
	return &Builder{chainID: u256(chainID).Clone(), signer: s, wallet: wallet, nonces: nonces}
}

func (b *Builder) Wallet() common.Address { return b.wallet }

// NextNonce asks the nonce source; without one it reports zero.
func (b *Builder) NextNonce(ctx context.Context) (*uint256.Int, error) {
	if b.nonces == nil {
		return new(uint256.Int), nil
	}
	n, err := b.nonces.NextNonce(ctx, b.wallet)
	if err != nil {
		return nil, fmt.Errorf("next nonce for %s: %w", b.wallet.Hex(), err)
	}
	return n, nil
}

// Build creates an operation at the advisory next nonce.
func (b *Builder) Build(ctx context.Context, actions ...Action) (Operation, error) {
	n, err := b.NextNonce(ctx)
	if err != nil {
		return Operation{}, err
	}
	return Operation{Nonce: n, Actions: actions}, nil
}

// Message is the byte string this builder's wallet signs for op.
func (b *Builder) Message(op Operation) []byte { return Message(b.chainID, b.wallet, op) }

// Sign signs op for this builder's wallet.
func (b *Builder) Sign(op Operation) SignedOperation {
	return SignedOperation{
		PublicKey: b.signer.PublicKey(),
		Wallet:    b.wallet,
		Operation: op,
		Signature: b.signer.Sign(b.Message(op)),
	}
}

// SignAddress proves this builder's key controls wallet, for setExternalWallet.
func (b *Builder) SignAddress() bls.Signature {
	return b.signer.Sign(AddressMessage(b.chainID, b.wallet))
}

// Verify checks a single signed operation against its own message.
func (so SignedOperation) Verify(chainID *uint256.Int) bool {
	return bls.Verify(so.PublicKey, so.Signature, Message(chainID, so.Wallet, so.Operation))
}
