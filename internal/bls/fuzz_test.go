package bls

import "testing"

// FuzzVerify_NoPanic feeds arbitrary bytes through the decoders.
func FuzzVerify_NoPanic(f *testing.F) {
	f.Add([]byte{0xc0}, []byte{0xc0}, []byte("m"))
	f.Fuzz(func(t *testing.T, pk, sig, msg []byte) {
		_ = Verify(PubKey(pk), Signature(sig), msg)
		_, _ = Aggregate(Signature(sig))
		_ = AggregateVerify([]PubKey{pk}, [][]byte{msg}, Signature(sig))
	})
}
