// Package mempool implements the transmission pool (spec §4.2) and the
// worker-shard partitioning of that pool (spec §4.3).
package mempool

import (
	"sync"

	"github.com/tolelom/quorumnet/types"
)

// AddResult reports the outcome of AddUnconfirmed.
type AddResult int

const (
	Inserted AddResult = iota
	Duplicate
)

func (r AddResult) String() string {
	if r == Inserted {
		return "Inserted"
	}
	return "Duplicate"
}

// Pool is a thread-safe, insertion-ordered dedup set of unconfirmed
// transmissions. It mirrors the shape of the teacher's core.Mempool
// (mutex + parallel ordered-ID slice for deterministic iteration) but keyed
// by TransmissionID instead of a transaction hash string.
type Pool struct {
	mu  sync.RWMutex
	txs map[[33]byte]*types.Transmission
	ids map[[33]byte]types.TransmissionID
	ord [][33]byte
}

// New creates an empty Pool.
func New() *Pool {
	return &Pool{
		txs: make(map[[33]byte]*types.Transmission),
		ids: make(map[[33]byte]types.TransmissionID),
	}
}

// AddUnconfirmed inserts tx iff its ID is not already present.
func (p *Pool) AddUnconfirmed(tx *types.Transmission) AddResult {
	key := tx.ID.Key()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.txs[key]; exists {
		return Duplicate
	}
	p.txs[key] = tx
	p.ids[key] = tx.ID
	p.ord = append(p.ord, key)
	return Inserted
}

// Get returns the transmission for id, if present.
func (p *Pool) Get(id types.TransmissionID) (*types.Transmission, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tx, ok := p.txs[id.Key()]
	return tx, ok
}

// CandidateIDs returns up to limit IDs in insertion order, skipping any ID
// for which excluded returns true (callers pass a predicate that checks
// "referenced by a certificate at the current or next round", per §4.2).
// A nil excluded behaves as "exclude nothing".
func (p *Pool) CandidateIDs(limit int, excluded func(types.TransmissionID) bool) []types.TransmissionID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.TransmissionID, 0, limit)
	for _, key := range p.ord {
		id, ok := p.ids[key]
		if !ok {
			continue // removed since appended to ord
		}
		if excluded != nil && excluded(id) {
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, id)
	}
	return out
}

// RemoveConfirmed deletes the given IDs, called after a block is applied.
func (p *Pool) RemoveConfirmed(ids []types.TransmissionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := make(map[[33]byte]bool, len(ids))
	for _, id := range ids {
		key := id.Key()
		delete(p.txs, key)
		delete(p.ids, key)
		removed[key] = true
	}
	filtered := p.ord[:0]
	for _, key := range p.ord {
		if !removed[key] {
			filtered = append(filtered, key)
		}
	}
	p.ord = filtered
}

// Size returns the number of unconfirmed transmissions currently held.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}
