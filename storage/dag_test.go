package storage

import (
	"crypto/ed25519"
	"testing"

	"github.com/tolelom/quorumnet/committee"
	"github.com/tolelom/quorumnet/types"
)

func fourValidatorCommittee(t *testing.T) (*committee.Committee, map[string]ed25519.PrivateKey) {
	t.Helper()
	members := make([]committee.Member, 4)
	keys := make(map[string]ed25519.PrivateKey, 4)
	names := []string{"v1", "v2", "v3", "v4"}
	for i, name := range names {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		addr := name + ":" + string(pub[:4])
		members[i] = committee.Member{Address: addr, Stake: 1_000_000_000_000}
		keys[addr] = priv
	}
	c, err := committee.New(1, members)
	if err != nil {
		t.Fatalf("new committee: %v", err)
	}
	return c, keys
}

func signedCert(t *testing.T, c *committee.Committee, keys map[string]ed25519.PrivateKey, round uint64, author string, txIDs []types.TransmissionID, parents [][32]byte, signerCount int) *types.BatchCertificate {
	t.Helper()
	h := types.BatchHeader{
		Author:                 author,
		Round:                  round,
		TimestampMillis:        int64(round) * 1000,
		TransmissionIDs:        txIDs,
		PreviousCertificateIDs: parents,
	}
	sigs := make(map[string][]byte)
	i := 0
	for addr, priv := range keys {
		if i >= signerCount {
			break
		}
		h2 := h
		sigs[addr] = ed25519.Sign(priv, (&h2).SigningBytes())
		i++
	}
	return &types.BatchCertificate{Header: h, Signatures: sigs}
}

func TestDAGInsertGenesisRound(t *testing.T) {
	c, keys := fourValidatorCommittee(t)
	lookup := func(round uint64) (*committee.Committee, error) { return c, nil }
	dag := New(0, lookup)

	cert := signedCert(t, c, keys, 0, "v1", nil, nil, 3)
	fresh, err := dag.InsertCertificate(cert)
	if err != nil {
		t.Fatalf("insert genesis cert: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("expected no transmissions for empty header")
	}
	if !dag.ContainsCertificate(cert.ID()) {
		t.Fatalf("expected certificate to be stored")
	}
}

func TestDAGEquivocationRejectsBoth(t *testing.T) {
	c, keys := fourValidatorCommittee(t)
	lookup := func(round uint64) (*committee.Committee, error) { return c, nil }
	dag := New(0, lookup)

	cert1 := signedCert(t, c, keys, 0, "v1", []types.TransmissionID{
		{Variant: types.VariantTransaction, ID: [32]byte{1}},
	}, nil, 3)
	if _, err := dag.InsertCertificate(cert1); err != nil {
		t.Fatalf("insert cert1: %v", err)
	}

	cert2 := signedCert(t, c, keys, 0, "v1", []types.TransmissionID{
		{Variant: types.VariantTransaction, ID: [32]byte{2}},
	}, nil, 3)
	_, err := dag.InsertCertificate(cert2)
	if err == nil {
		t.Fatalf("expected equivocation error")
	}
	if dag.ContainsCertificate(cert1.ID()) || dag.ContainsCertificate(cert2.ID()) {
		t.Fatalf("both conflicting certificates should be rejected")
	}
	if authors := dag.MaliciousAuthors(0); len(authors) != 1 || authors[0] != "v1" {
		t.Fatalf("expected v1 flagged malicious, got %v", authors)
	}
}

func TestDAGMissingParents(t *testing.T) {
	c, keys := fourValidatorCommittee(t)
	lookup := func(round uint64) (*committee.Committee, error) { return c, nil }
	dag := New(0, lookup)

	missingParent := [32]byte{9, 9, 9}
	cert := signedCert(t, c, keys, 1, "v1", nil, [][32]byte{missingParent}, 3)
	_, err := dag.InsertCertificate(cert)
	if err == nil {
		t.Fatalf("expected missing-parents error")
	}
}

func TestDAGGCFreesUnreferencedTransmissions(t *testing.T) {
	c, keys := fourValidatorCommittee(t)
	lookup := func(round uint64) (*committee.Committee, error) { return c, nil }
	dag := New(0, lookup)

	tid := types.TransmissionID{Variant: types.VariantTransaction, ID: [32]byte{7}}
	cert := signedCert(t, c, keys, 0, "v1", []types.TransmissionID{tid}, nil, 3)
	if _, err := dag.InsertCertificate(cert); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !dag.IsReferenced(tid) {
		t.Fatalf("expected transmission to be referenced")
	}
	freed := dag.GCRound(1)
	if len(freed) != 1 || !freed[0].Equal(tid) {
		t.Fatalf("expected GC to free the transmission, got %v", freed)
	}
	if dag.ContainsCertificate(cert.ID()) {
		t.Fatalf("expected certificate to be GC'd")
	}
	if dag.IsReferenced(tid) {
		t.Fatalf("expected transmission no longer referenced after GC")
	}
}

func TestDAGIsRoundComplete(t *testing.T) {
	c, keys := fourValidatorCommittee(t)
	lookup := func(round uint64) (*committee.Committee, error) { return c, nil }
	dag := New(0, lookup)

	addrs := c.Addresses()
	for i := 0; i < 2; i++ {
		cert := signedCert(t, c, keys, 0, addrs[i], nil, nil, 3)
		if _, err := dag.InsertCertificate(cert); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	complete, err := dag.IsRoundComplete(0)
	if err != nil {
		t.Fatalf("IsRoundComplete: %v", err)
	}
	if complete {
		t.Fatalf("2 of 4 authors should not be round-complete")
	}

	cert := signedCert(t, c, keys, 0, addrs[2], nil, nil, 3)
	if _, err := dag.InsertCertificate(cert); err != nil {
		t.Fatalf("insert third: %v", err)
	}
	complete, err = dag.IsRoundComplete(0)
	if err != nil {
		t.Fatalf("IsRoundComplete: %v", err)
	}
	if !complete {
		t.Fatalf("3 of 4 authors should be round-complete")
	}
}
