// Package testutil provides small, deterministic fixtures shared by the
// package-level tests across bft, primary, sync and node: a fixed-stake
// committee with its signing keys, and a certificate builder that fills in
// the bookkeeping fields (timestamp, signatures) a test would otherwise
// repeat by hand (spec's test-tooling extension of the teacher's inline
// fixture style — see e.g. storage/dag_test.go's fourValidatorCommittee).
package testutil

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"testing"

	"github.com/tolelom/quorumnet/committee"
	"github.com/tolelom/quorumnet/ledger"
	"github.com/tolelom/quorumnet/storage"
	"github.com/tolelom/quorumnet/types"
)

// Committee is a fixed-stake committee plus the signing keys for every
// member, for tests that need to sign on a member's behalf.
type Committee struct {
	Committee *committee.Committee
	Keys      map[string]ed25519.PrivateKey
	Addresses []string // ascending, same order as Committee.Addresses()
}

// NewCommittee builds an n-member committee with equal stake, named
// "validator-0".."validator-(n-1)" before the address derives from its
// generated key. Equal stake keeps quorum/availability arithmetic easy to
// reason about in tests (e.g. 4 members: quorum needs 3, availability 2).
func NewCommittee(t *testing.T, n int) *Committee {
	t.Helper()
	members := make([]committee.Member, n)
	keys := make(map[string]ed25519.PrivateKey, n)
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}
		addr := fmt.Sprintf("validator-%d:%x", i, pub[:4])
		members[i] = committee.Member{Address: addr, Stake: 1_000_000}
		keys[addr] = priv
	}
	c, err := committee.New(1, members)
	if err != nil {
		t.Fatalf("new committee: %v", err)
	}
	addrs := append([]string(nil), c.Addresses()...)
	sort.Strings(addrs)
	return &Committee{Committee: c, Keys: keys, Addresses: addrs}
}

// Lookup returns a storage.CommitteeLookup / ledger.CommitteeProvider style
// closure that always resolves to c's committee, for a fixed-committee test
// deployment (no rotation across rounds).
func (c *Committee) Lookup() func(round uint64) (*committee.Committee, error) {
	return func(round uint64) (*committee.Committee, error) { return c.Committee, nil }
}

// SignedCertificate builds a BatchCertificate for (round, author) with the
// given transmission IDs and parent IDs, signed by the first signerCount
// members of c (in c.Addresses() order, so tests get deterministic quorum
// vs. sub-quorum signer sets).
func (c *Committee) SignedCertificate(t *testing.T, round uint64, author string, txIDs []types.TransmissionID, parents [][32]byte, signerCount int) *types.BatchCertificate {
	t.Helper()
	h := types.BatchHeader{
		Author:                 author,
		Round:                  round,
		TimestampMillis:        int64(round) * 1000,
		TransmissionIDs:        txIDs,
		PreviousCertificateIDs: parents,
	}
	sigs := make(map[string][]byte)
	for i := 0; i < signerCount && i < len(c.Addresses); i++ {
		addr := c.Addresses[i]
		h2 := h
		sigs[addr] = ed25519.Sign(c.Keys[addr], (&h2).SigningBytes())
	}
	return &types.BatchCertificate{Header: h, Signatures: sigs}
}

// QuorumCertificate is SignedCertificate with enough signers to meet c's
// quorum threshold (every member, which always clears 2f+1 for equal stake).
func (c *Committee) QuorumCertificate(t *testing.T, round uint64, author string, txIDs []types.TransmissionID, parents [][32]byte) *types.BatchCertificate {
	return c.SignedCertificate(t, round, author, txIDs, parents, len(c.Addresses))
}

// OpenLedger opens a real LevelDB-backed ledger.Reference rooted at a
// t.TempDir(), so tests exercise the same persistence path production runs
// rather than a parallel in-memory fake. The database is closed
// automatically via t.Cleanup.
func OpenLedger(t *testing.T, c *Committee) *ledger.Reference {
	t.Helper()
	db, err := storage.NewLevelDB(t.TempDir())
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	svc, err := ledger.NewReference(db, ledger.CommitteeProvider(c.Lookup()), nil)
	if err != nil {
		t.Fatalf("new ledger reference: %v", err)
	}
	return svc
}
