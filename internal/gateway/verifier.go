package gateway

import (
	"github.com/zmlAEQ/Aequa-gateway/internal/bls"
)

// Verifier checks BLS signatures for the gateway.
type Verifier interface {
	Verify(pk bls.PubKey, sig bls.Signature, msg []byte) bool
	VerifyAggregate(sig bls.Signature, pks []bls.PubKey, msgs [][]byte) bool
}

// BLSVerifier verifies with the BLS12-381 min-pk scheme.
type BLSVerifier struct{}

func (BLSVerifier) Verify(pk bls.PubKey, sig bls.Signature, msg []byte) bool {
	return bls.Verify(pk, sig, msg)
}

func (BLSVerifier) VerifyAggregate(sig bls.Signature, pks []bls.PubKey, msgs [][]byte) bool {
	return bls.AggregateVerify(pks, msgs, sig)
}
