package bundle

import (
	"fmt"

	"github.com/zmlAEQ/Aequa-gateway/internal/bls"
	"github.com/zmlAEQ/Aequa-gateway/internal/signer"
)

// Aggregate combines individually signed operations into one bundle, keeping
// their order.
func Aggregate(ops []SignedOperation) (Bundle, error) {
	if len(ops) == 0 {
		return Bundle{}, ErrNothingToCombine
	}
	b := Bundle{
		PublicKeys: make([]bls.PubKey, 0, len(ops)),
		Operations: make([]Operation, 0, len(ops)),
	}
	sigs := make([]bls.Signature, 0, len(ops))
	for _, so := range ops {
		b.PublicKeys = append(b.PublicKeys, so.PublicKey)
		b.Operations = append(b.Operations, so.Operation)
		sigs = append(sigs, so.Signature)
	}
	sig, err := signer.Aggregate(sigs)
	if err != nil {
		return Bundle{}, fmt.Errorf("aggregate signatures: %w", err)
	}
	b.Signature = sig
	return b, nil
}

// Merge concatenates bundles and aggregates their signatures.
func Merge(bundles ...Bundle) (Bundle, error) {
	var out Bundle
	sigs := make([]bls.Signature, 0, len(bundles))
	for _, b := range bundles {
		out.PublicKeys = append(out.PublicKeys, b.PublicKeys...)
		out.Operations = append(out.Operations, b.Operations...)
		sigs = append(sigs, b.Signature)
	}
	if len(out.Operations) == 0 {
		return Bundle{}, ErrNothingToCombine
	}
	sig, err := signer.Aggregate(sigs)
	if err != nil {
		return Bundle{}, fmt.Errorf("merge signatures: %w", err)
	}
	out.Signature = sig
	return out, nil
}
