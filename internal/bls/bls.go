// Package bls wraps the BLS12-381 min-pk scheme (48-byte G1 public keys,
// 96-byte G2 signatures) behind byte-slice types so callers never touch the
// underlying curve library.
package bls

import (
	"errors"

	blst "github.com/supranational/blst/bindings/go"
)

// DST is the hash-to-curve domain separation tag for every signature.
var DST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

const (
	PublicKeySize = 48
	SignatureSize = 96
	SecretKeySize = 32
	// MinIKMSize is the shortest key material KeyGen accepts.
	MinIKMSize = 32
)

var (
	ErrInvalidInput     = errors.New("bls: invalid input")
	ErrInvalidPublicKey = errors.New("bls: invalid public key")
	ErrInvalidSignature = errors.New("bls: invalid signature")
	ErrShortIKM         = errors.New("bls: key material shorter than 32 bytes")
)

type (
	SecretKey []byte // big-endian scalar (32 bytes)
	PubKey    []byte // compressed G1 (48 bytes)
	Signature []byte // compressed G2 (96 bytes)
)

// KeyGen derives a secret key from ikm (at least 32 bytes).
func KeyGen(ikm []byte) (SecretKey, error) {
	if len(ikm) < MinIKMSize {
		return nil, ErrShortIKM
	}
	sk := blst.KeyGen(ikm)
	if sk == nil {
		return nil, ErrShortIKM
	}
	return SecretKey(sk.Serialize()), nil
}

func decodeSecret(sk SecretKey) (*blst.SecretKey, error) {
	if len(sk) != SecretKeySize {
		return nil, ErrInvalidInput
	}
	s := new(blst.SecretKey).Deserialize(sk)
	if s == nil {
		return nil, ErrInvalidInput
	}
	return s, nil
}

func decodePub(pk PubKey) (*blst.P1Affine, error) {
	if len(pk) != PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	p := new(blst.P1Affine).Uncompress(pk)
	if p == nil || !p.KeyValidate() {
		return nil, ErrInvalidPublicKey
	}
	return p, nil
}

func decodeSig(sig Signature) (*blst.P2Affine, error) {
	if len(sig) != SignatureSize {
		return nil, ErrInvalidSignature
	}
	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil || !s.SigValidate(false) {
		return nil, ErrInvalidSignature
	}
	return s, nil
}

// PublicKeyOf returns the compressed public key for sk.
func PublicKeyOf(sk SecretKey) (PubKey, error) {
	s, err := decodeSecret(sk)
	if err != nil {
		return nil, err
	}
	return PubKey(new(blst.P1Affine).From(s).Compress()), nil
}

// ValidatePublicKey reports whether pk decodes to a valid non-identity point.
func ValidatePublicKey(pk PubKey) error {
	_, err := decodePub(pk)
	return err
}

// Sign signs msg under DST.
func Sign(sk SecretKey, msg []byte) (Signature, error) {
	s, err := decodeSecret(sk)
	if err != nil {
		return nil, err
	}
	return Signature(new(blst.P2Affine).Sign(s, msg, DST).Compress()), nil
}

// Verify checks sig over msg for pk. Malformed inputs verify as false.
func Verify(pk PubKey, sig Signature, msg []byte) bool {
	p, err := decodePub(pk)
	if err != nil {
		return false
	}
	s, err := decodeSig(sig)
	if err != nil {
		return false
	}
	return s.Verify(true, p, true, msg, DST)
}

// Aggregate combines signatures into one. At least one is required.
func Aggregate(sigs ...Signature) (Signature, error) {
	if len(sigs) == 0 {
		return nil, ErrInvalidInput
	}
	raw := make([][]byte, 0, len(sigs))
	for _, s := range sigs {
		if len(s) != SignatureSize {
			return nil, ErrInvalidSignature
		}
		raw = append(raw, s)
	}
	agg := new(blst.P2Aggregate)
	if !agg.AggregateCompressed(raw, true) {
		return nil, ErrInvalidSignature
	}
	return Signature(agg.ToAffine().Compress()), nil
}

// AggregateVerify checks an aggregate signature over distinct (pk, msg)
// pairs: pks[i] signed msgs[i].
func AggregateVerify(pks []PubKey, msgs [][]byte, sig Signature) bool {
	if len(pks) == 0 || len(pks) != len(msgs) {
		return false
	}
	s, err := decodeSig(sig)
	if err != nil {
		return false
	}
	points := make([]*blst.P1Affine, 0, len(pks))
	for _, pk := range pks {
		p, err := decodePub(pk)
		if err != nil {
			return false
		}
		points = append(points, p)
	}
	ms := make([]blst.Message, len(msgs))
	for i, m := range msgs {
		ms[i] = blst.Message(m)
	}
	return s.AggregateVerify(true, points, true, ms, DST)
}
