package bundle

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Fixed 16-byte tags keep operation and address messages in separate domains.
var (
	DomainTag  = [16]byte{'A', 'e', 'q', 'u', 'a', '/', 'B', 'L', 'S', 'W', '/', 'o', 'p', '/', 'v', '1'}
	AddressTag = [16]byte{'A', 'e', 'q', 'u', 'a', '/', 'B', 'L', 'S', 'W', '/', 'a', 'd', 'd', 'r', '1'}
)

const actionEncodingSize = 32 + common.AddressLength + 32

// ActionsDigest is keccak256 over value(32)|target(20)|keccak(callData)(32)
// for each action in order.
func ActionsDigest(actions []Action) common.Hash {
	buf := make([]byte, 0, len(actions)*actionEncodingSize)
	for _, a := range actions {
		v := a.ValueOrZero().Bytes32()
		buf = append(buf, v[:]...)
		buf = append(buf, a.Target.Bytes()...)
		buf = append(buf, crypto.Keccak256(a.CallData)...)
	}
	return crypto.Keccak256Hash(buf)
}

// Message is the byte string a wallet signs for op. Every field is fixed
// width, so distinct (chain, wallet, nonce, actions) never collide.
func Message(chainID *uint256.Int, wallet common.Address, op Operation) []byte {
	out := make([]byte, 0, 16+32+common.AddressLength+32+32)
	out = append(out, DomainTag[:]...)
	cid := u256(chainID).Bytes32()
	out = append(out, cid[:]...)
	out = append(out, wallet.Bytes()...)
	n := u256(op.Nonce).Bytes32()
	out = append(out, n[:]...)
	d := ActionsDigest(op.Actions)
	return append(out, d[:]...)
}

// AddressMessage is what a key signs to prove it controls wallet.
func AddressMessage(chainID *uint256.Int, wallet common.Address) []byte {
	out := make([]byte, 0, 16+32+common.AddressLength)
	out = append(out, AddressTag[:]...)
	cid := u256(chainID).Bytes32()
	out = append(out, cid[:]...)
	return append(out, wallet.Bytes()...)
}

// Digest identifies a signed operation for duplicate detection.
func Digest(chainID *uint256.Int, wallet common.Address, op Operation) common.Hash {
	return crypto.Keccak256Hash(Message(chainID, wallet, op))
}

func u256(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
