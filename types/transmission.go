// Package types holds the core consensus data model shared by storage,
// mempool, gateway, primary, bft and sync: transmission identifiers,
// transmissions, batch headers and certificates.
package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
)

// Sha256 is the canonical hash used to derive certificate IDs from header
// bytes. Kept local (rather than importing crypto) so this package has no
// dependency beyond the standard library.
func Sha256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// TransmissionVariant tags the kind of payload a TransmissionID refers to.
// The wire byte values are stable (spec §6: "TransmissionID wire encoding").
type TransmissionVariant byte

const (
	VariantSolution    TransmissionVariant = 0
	VariantTransaction TransmissionVariant = 1
	VariantRatification TransmissionVariant = 2
)

func (v TransmissionVariant) String() string {
	switch v {
	case VariantSolution:
		return "solution"
	case VariantTransaction:
		return "transaction"
	case VariantRatification:
		return "ratification"
	default:
		return fmt.Sprintf("unknown(%d)", byte(v))
	}
}

// TransmissionID uniquely identifies a transmission: a solution, a
// transaction, or a ratification. Equality is by Variant + ID; Checksum is
// carried for solutions/transactions but not used for equality (two
// checksums for the same ID are a protocol violation, not a new identity).
type TransmissionID struct {
	Variant  TransmissionVariant
	ID       [32]byte
	Checksum [32]byte // zero for VariantRatification
}

// Equal reports whether two IDs refer to the same transmission.
func (t TransmissionID) Equal(o TransmissionID) bool {
	return t.Variant == o.Variant && t.ID == o.ID
}

// Key returns a comparable map key for use in Go maps/sets.
func (t TransmissionID) Key() [33]byte {
	var k [33]byte
	k[0] = byte(t.Variant)
	copy(k[1:], t.ID[:])
	return k
}

func (t TransmissionID) String() string {
	return fmt.Sprintf("%s:%x", t.Variant, t.ID[:8])
}

// Transmission is the payload identified by a TransmissionID: opaque bytes
// plus a lazily-invoked deserializer supplied by the ledger collaborator.
// Kind mirrors the TransmissionID's Variant for quick routing without
// re-deserializing Bytes.
type Transmission struct {
	ID    TransmissionID
	Kind  TransmissionVariant
	Bytes []byte
}

// BatchHeader is the proposer's per-round batch announcement: the set of
// transmission IDs it proposes plus the certificates of round-1 it builds
// upon. PreviousCertificateIDs must carry quorum stake of round-1 (checked
// by storage.InsertCertificate), except at the genesis round.
type BatchHeader struct {
	Author                string
	Round                 uint64
	TimestampMillis       int64
	TransmissionIDs       []TransmissionID
	PreviousCertificateIDs [][32]byte
	Signature             []byte
}

// SigningBytes returns the canonical byte representation covered by a
// validator's signature over this header: fixed field order, with the
// transmission and parent lists length-prefixed (the author string is not).
// Used by Primary to sign headers and to verify BatchSignature responses;
// storage and BFT check signer stake, not these signatures.
func (h *BatchHeader) SigningBytes() []byte {
	return h.signingBytes()
}

func (h *BatchHeader) signingBytes() []byte {
	buf := make([]byte, 0, 64+32*len(h.TransmissionIDs)+32*len(h.PreviousCertificateIDs))
	buf = appendUint64(buf, h.Round)
	buf = appendUint64(buf, uint64(h.TimestampMillis))
	buf = append(buf, []byte(h.Author)...)
	buf = appendUint64(buf, uint64(len(h.TransmissionIDs)))
	for _, id := range h.TransmissionIDs {
		buf = append(buf, byte(id.Variant))
		buf = append(buf, id.ID[:]...)
	}
	buf = appendUint64(buf, uint64(len(h.PreviousCertificateIDs)))
	for _, p := range h.PreviousCertificateIDs {
		buf = append(buf, p[:]...)
	}
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	return append(buf, tmp[:]...)
}

// ID returns the certificate ID this header would carry: SHA-256 of the
// signing bytes (§3: "The CertID is hash(header)").
func (h *BatchHeader) ID() [32]byte {
	return Sha256(h.signingBytes())
}

// Sign signs the header with priv and sets Signature.
func (h *BatchHeader) Sign(priv ed25519.PrivateKey) {
	h.Signature = ed25519.Sign(priv, h.signingBytes())
}

// VerifySignature checks h.Signature against pub.
func (h *BatchHeader) VerifySignature(pub ed25519.PublicKey) bool {
	return ed25519.Verify(pub, h.signingBytes(), h.Signature)
}

// BatchCertificate is a BatchHeader plus the set of validator signatures
// attesting to it. A certificate is only admissible into storage once the
// aggregate stake of Signatures reaches the committee's quorum threshold at
// Header.Round (enforced by storage.InsertCertificate, not here).
type BatchCertificate struct {
	Header     BatchHeader
	Signatures map[string][]byte // signer address -> signature over Header's signing bytes
}

// ID returns hash(Header), the certificate's identity.
func (c *BatchCertificate) ID() [32]byte {
	return c.Header.ID()
}

// Signers returns the addresses that signed this certificate.
func (c *BatchCertificate) Signers() []string {
	out := make([]string, 0, len(c.Signatures))
	for addr := range c.Signatures {
		out = append(out, addr)
	}
	return out
}

// VerifyAllSignatures checks every signature in the set against the
// supplied address->pubkey resolver. Returns the first invalid address, or
// ("", true) if all signatures verify.
func (c *BatchCertificate) VerifyAllSignatures(resolve func(addr string) (ed25519.PublicKey, bool)) (string, bool) {
	body := c.Header.signingBytes()
	for addr, sig := range c.Signatures {
		pub, ok := resolve(addr)
		if !ok || !ed25519.Verify(pub, body, sig) {
			return addr, false
		}
	}
	return "", true
}
