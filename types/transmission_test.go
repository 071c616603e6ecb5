package types

import (
	"crypto/ed25519"
	"testing"
)

func TestBatchHeaderSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	h := &BatchHeader{
		Author:          "validator-1",
		Round:           4,
		TimestampMillis: 1000,
		TransmissionIDs: []TransmissionID{
			{Variant: VariantTransaction, ID: [32]byte{1, 2, 3}},
		},
	}
	h.Sign(priv)
	if !h.VerifySignature(pub) {
		t.Fatalf("expected signature to verify")
	}
	h.Round = 5
	if h.VerifySignature(pub) {
		t.Fatalf("expected signature to fail after header mutation")
	}
}

func TestBatchHeaderIDStable(t *testing.T) {
	h1 := &BatchHeader{Author: "a", Round: 1, TimestampMillis: 10}
	h2 := &BatchHeader{Author: "a", Round: 1, TimestampMillis: 10}
	if h1.ID() != h2.ID() {
		t.Fatalf("identical headers must hash identically")
	}
	h2.Round = 2
	if h1.ID() == h2.ID() {
		t.Fatalf("different headers must hash differently")
	}
}

func TestTransmissionIDEquality(t *testing.T) {
	a := TransmissionID{Variant: VariantTransaction, ID: [32]byte{9}}
	b := TransmissionID{Variant: VariantTransaction, ID: [32]byte{9}, Checksum: [32]byte{1}}
	if !a.Equal(b) {
		t.Fatalf("equality must ignore checksum")
	}
	c := TransmissionID{Variant: VariantSolution, ID: [32]byte{9}}
	if a.Equal(c) {
		t.Fatalf("different variants must not be equal")
	}
}

func TestCertificateVerifyAllSignatures(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	h := BatchHeader{Author: "a", Round: 1}
	sig := ed25519.Sign(priv, h.signingBytes())
	cert := &BatchCertificate{
		Header:     h,
		Signatures: map[string][]byte{"a": sig},
	}
	resolve := func(addr string) (ed25519.PublicKey, bool) {
		if addr == "a" {
			return pub, true
		}
		return nil, false
	}
	if bad, ok := cert.VerifyAllSignatures(resolve); !ok {
		t.Fatalf("expected all signatures valid, bad signer %q", bad)
	}

	cert.Signatures["b"] = sig // wrong signer, signature won't resolve
	if _, ok := cert.VerifyAllSignatures(resolve); ok {
		t.Fatalf("expected unresolved signer to fail verification")
	}
}
