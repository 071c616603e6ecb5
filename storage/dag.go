package storage

import (
	"fmt"
	"sync"

	"github.com/tolelom/quorumnet/bfterrors"
	"github.com/tolelom/quorumnet/committee"
	"github.com/tolelom/quorumnet/telemetry"
	"github.com/tolelom/quorumnet/types"
)

// CommitteeLookup resolves the committee active at a given round. The DAG
// needs this to check the quorum-stake invariant on a certificate's
// previous-certificate set (spec §3 invariant 2).
type CommitteeLookup func(round uint64) (*committee.Committee, error)

// DAG is the in-memory, append-only (up to GC) store of certificates,
// keyed per round and author, guarded by a single read-write lock. Writes
// are expected to come from exactly one caller (the BFT task, per §4.7's
// single-writer discipline); reads from Primary/Sync are opportunistic
// RLock snapshots.
type DAG struct {
	mu sync.RWMutex

	genesisRound uint64
	lookup       CommitteeLookup

	byRoundAuthor map[uint64]map[string]*types.BatchCertificate
	byID          map[[32]byte]*types.BatchCertificate
	malicious     map[uint64]map[string]bool

	// refCount tracks, across all stored certificates, how many
	// certificates reference each transmission ID. A transmission is
	// eligible for pool removal once its refcount and committed status
	// both allow it (see GCRound).
	refCount map[[33]byte]int

	lastGCRound uint64

	// roundOf is a tombstone index: it records which round a certificate
	// id belonged to and survives GCRound deleting the certificate itself,
	// so a later CertificateRequest for a GC'd id can be told "gone below
	// the horizon" instead of "unknown, keep retrying" (Open Question #3:
	// refuse explicitly, never by timeout).
	roundOf map[[32]byte]uint64

	metrics *telemetry.Metrics
}

// SetMetrics attaches the process-wide metrics handle. Optional; a nil
// metrics (the default) skips every Set/Inc/Sub call below.
func (d *DAG) SetMetrics(m *telemetry.Metrics) { d.metrics = m }

// New creates an empty DAG. genesisRound identifies the round that is
// exempt from the previous-certificate quorum requirement.
func New(genesisRound uint64, lookup CommitteeLookup) *DAG {
	return &DAG{
		genesisRound:  genesisRound,
		lookup:        lookup,
		byRoundAuthor: make(map[uint64]map[string]*types.BatchCertificate),
		byID:          make(map[[32]byte]*types.BatchCertificate),
		malicious:     make(map[uint64]map[string]bool),
		refCount:      make(map[[33]byte]int),
		roundOf:       make(map[[32]byte]uint64),
	}
}

// InsertCertificate validates and stores c, returning the transmission IDs
// it newly references (i.e. those whose reference count was zero before
// this insert — candidates the caller may need to fetch).
//
// Failure modes, per spec §4.1:
//   - bfterrors.ErrEquivocation: a different certificate already exists at
//     (c.Header.Round, c.Header.Author). Both are rejected; the author is
//     recorded as malicious for that round.
//   - bfterrors.ErrMissingParents: a declared previous-certificate is not
//     yet stored (round > genesis only), and its round is still within the
//     GC horizon, so it is plausibly in flight and worth retrying.
//   - bfterrors.ErrRoundGarbageCollected: same as above, but the missing
//     parent's round is below the GC horizon (LastGCRound): it has been collected
//     and will never arrive, so callers must not retry the fetch.
//   - bfterrors.ErrProtocolViolation: the declared previous certificates
//     exist but their aggregate stake doesn't reach quorum at round-1, or
//     the certificate's own signer stake doesn't reach quorum at its round.
func (d *DAG) InsertCertificate(c *types.BatchCertificate) ([]types.TransmissionID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	round := c.Header.Round
	author := c.Header.Author
	id := c.ID()

	if existing, ok := d.byRoundAuthor[round][author]; ok {
		if existing.ID() == id {
			return nil, nil // idempotent re-insert
		}
		d.flagEquivocation(round, author, existing)
		return nil, bfterrors.ErrEquivocation
	}

	if round > d.genesisRound {
		parentRound := round - 1
		parentCommittee, err := d.lookup(parentRound)
		if err != nil {
			return nil, bfterrors.New(bfterrors.KindStorageFailure, err)
		}
		var parentAddrs []string
		for _, pid := range c.Header.PreviousCertificateIDs {
			parent, ok := d.byID[pid]
			if !ok {
				if parentRound < d.lastGCRound {
					// parentRound == round-1 is below the GC horizon:
					// the parent is gone forever, not merely not-yet-arrived,
					// so callers (sync's retry logic) must not keep
					// requesting it.
					return nil, bfterrors.ErrRoundGarbageCollected
				}
				return nil, bfterrors.ErrMissingParents
			}
			parentAddrs = append(parentAddrs, parent.Header.Author)
		}
		if !parentCommittee.MeetsQuorum(parentAddrs) {
			return nil, bfterrors.New(bfterrors.KindProtocolViolation,
				fmt.Errorf("previous-certificate set for round %d carries insufficient stake", round))
		}
	}

	committeeAtRound, err := d.lookup(round)
	if err != nil {
		return nil, bfterrors.New(bfterrors.KindStorageFailure, err)
	}
	if !committeeAtRound.MeetsQuorum(c.Signers()) {
		return nil, bfterrors.New(bfterrors.KindProtocolViolation,
			fmt.Errorf("certificate at round %d lacks quorum signer stake", round))
	}

	if d.byRoundAuthor[round] == nil {
		d.byRoundAuthor[round] = make(map[string]*types.BatchCertificate)
	}
	d.byRoundAuthor[round][author] = c
	d.byID[id] = c
	d.roundOf[id] = round
	if d.metrics != nil {
		d.metrics.CertificatesStored.Inc()
	}

	var fresh []types.TransmissionID
	for _, tid := range c.Header.TransmissionIDs {
		key := tid.Key()
		if d.refCount[key] == 0 {
			fresh = append(fresh, tid)
		}
		d.refCount[key]++
	}
	return fresh, nil
}

// flagEquivocation removes the conflicting certificate already stored at
// (round, author) and records the author as malicious for that round, per
// spec §3 invariant 3: "a second, different one ... causes both to be
// rejected and the author blacklisted for that round."
func (d *DAG) flagEquivocation(round uint64, author string, existing *types.BatchCertificate) {
	delete(d.byRoundAuthor[round], author)
	delete(d.byID, existing.ID())
	if d.metrics != nil {
		d.metrics.CertificatesStored.Dec()
	}
	for _, tid := range existing.Header.TransmissionIDs {
		key := tid.Key()
		if d.refCount[key] > 0 {
			d.refCount[key]--
		}
	}
	if d.malicious[round] == nil {
		d.malicious[round] = make(map[string]bool)
	}
	d.malicious[round][author] = true
}

// ContainsCertificate reports whether id is currently stored.
func (d *DAG) ContainsCertificate(id [32]byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byID[id]
	return ok
}

// GetCertificate returns the stored certificate with the given id.
func (d *DAG) GetCertificate(id [32]byte) (*types.BatchCertificate, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[id]
	return c, ok
}

// CertificatesAtRound returns all certificates stored for round, keyed by
// author. The returned map must not be mutated by the caller.
func (d *DAG) CertificatesAtRound(round uint64) map[string]*types.BatchCertificate {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]*types.BatchCertificate, len(d.byRoundAuthor[round]))
	for k, v := range d.byRoundAuthor[round] {
		out[k] = v
	}
	return out
}

// IsRoundComplete reports whether the known authors at round carry at
// least quorum stake in the committee active at that round.
func (d *DAG) IsRoundComplete(round uint64) (bool, error) {
	d.mu.RLock()
	authors := make([]string, 0, len(d.byRoundAuthor[round]))
	for a := range d.byRoundAuthor[round] {
		authors = append(authors, a)
	}
	d.mu.RUnlock()

	c, err := d.lookup(round)
	if err != nil {
		return false, err
	}
	return c.MeetsQuorum(authors), nil
}

// MaliciousAuthors returns the set of authors flagged for equivocation at
// round (testable property / scenario #3).
func (d *DAG) MaliciousAuthors(round uint64) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.malicious[round]))
	for a := range d.malicious[round] {
		out = append(out, a)
	}
	return out
}

// LastGCRound returns the highest round passed to GCRound so far (0 if GC
// has never run). Used to refuse CertificateRequest for rounds below the
// horizon explicitly, rather than by timeout (Open Question #3).
func (d *DAG) LastGCRound() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastGCRound
}

// GCRound deletes all certificates in rounds < upToRound and returns the
// transmission IDs whose reference count dropped to zero as a result —
// those are safe for the pool to drop unless a newer, uncommitted
// certificate still references them (caller's responsibility, since DAG
// only tracks storage-level references).
func (d *DAG) GCRound(upToRound uint64) []types.TransmissionID {
	d.mu.Lock()
	defer d.mu.Unlock()

	var freed []types.TransmissionID
	var removedCerts int
	for round, authors := range d.byRoundAuthor {
		if round >= upToRound {
			continue
		}
		for _, cert := range authors {
			delete(d.byID, cert.ID())
			removedCerts++
			for _, tid := range cert.Header.TransmissionIDs {
				key := tid.Key()
				d.refCount[key]--
				if d.refCount[key] <= 0 {
					delete(d.refCount, key)
					freed = append(freed, tid)
				}
			}
		}
		delete(d.byRoundAuthor, round)
		delete(d.malicious, round)
	}
	if upToRound > d.lastGCRound {
		d.lastGCRound = upToRound
	}
	if d.metrics != nil && removedCerts > 0 {
		d.metrics.CertificatesStored.Sub(float64(removedCerts))
	}
	return freed
}

// RoundOf returns the round a certificate id was inserted at, even if the
// certificate itself has since been garbage-collected. A CertificateRequest
// handler uses this plus LastGCRound to answer "gone below the horizon"
// explicitly instead of silently returning nothing and letting the
// requester retry forever.
func (d *DAG) RoundOf(id [32]byte) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	round, ok := d.roundOf[id]
	return round, ok
}

// IsReferenced reports whether any stored certificate still references id.
func (d *DAG) IsReferenced(id types.TransmissionID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.refCount[id.Key()] > 0
}
