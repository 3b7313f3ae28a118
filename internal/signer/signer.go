// Package signer holds one wallet's BLS secret key and exposes the identity
// (public key and its keccak hash) plus message signing.
package signer

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zmlAEQ/Aequa-gateway/internal/bls"
)

var ErrNoSignatures = errors.New("signer: nothing to aggregate")

type Signer struct {
	sk   bls.SecretKey
	pk   bls.PubKey
	hash common.Hash
}

// New derives a signer from at least 32 bytes of key material.
func New(ikm []byte) (*Signer, error) {
	sk, err := bls.KeyGen(ikm)
	if err != nil {
		return nil, fmt.Errorf("signer keygen: %w", err)
	}
	return FromSecret(sk)
}

// FromSecret wraps an existing 32-byte secret key.
func FromSecret(sk bls.SecretKey) (*Signer, error) {
	pk, err := bls.PublicKeyOf(sk)
	if err != nil {
		return nil, fmt.Errorf("signer public key: %w", err)
	}
	return &Signer{sk: append(bls.SecretKey(nil), sk...), pk: pk, hash: PublicKeyHash(pk)}, nil
}

// Generate creates a signer from fresh random key material.
func Generate() (*Signer, error) {
	ikm := make([]byte, bls.MinIKMSize)
	if _, err := rand.Read(ikm); err != nil {
		return nil, err
	}
	return New(ikm)
}

func (s *Signer) PublicKey() bls.PubKey      { return append(bls.PubKey(nil), s.pk...) }
func (s *Signer) PublicKeyHash() common.Hash { return s.hash }
func (s *Signer) SecretKey() bls.SecretKey   { return append(bls.SecretKey(nil), s.sk...) }

// Sign signs an arbitrary message. It cannot fail for a constructed Signer.
func (s *Signer) Sign(msg []byte) bls.Signature {
	sig, err := bls.Sign(s.sk, msg)
	if err != nil {
		// sk was validated in FromSecret
		panic(err)
	}
	return sig
}

// PublicKeyHash is the wallet identity: keccak256 of the compressed public key.
func PublicKeyHash(pk bls.PubKey) common.Hash { return crypto.Keccak256Hash(pk) }

// Aggregate combines signatures from distinct signers. The order of sigs does
// not affect the result.
func Aggregate(sigs []bls.Signature) (bls.Signature, error) {
	if len(sigs) == 0 {
		return nil, ErrNoSignatures
	}
	return bls.Aggregate(sigs...)
}

// Verify checks an aggregate over (pks[i], msgs[i]) pairs.
func Verify(agg bls.Signature, pks []bls.PubKey, msgs [][]byte) bool {
	return bls.AggregateVerify(pks, msgs, agg)
}
