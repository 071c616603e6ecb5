package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tolelom/quorumnet/committee"
	"github.com/tolelom/quorumnet/storage"
	"github.com/tolelom/quorumnet/types"
)

var blockKeyPrefix = []byte("block/")

func blockKey(height uint64) []byte {
	key := make([]byte, len(blockKeyPrefix)+8)
	copy(key, blockKeyPrefix)
	binary.BigEndian.PutUint64(key[len(blockKeyPrefix):], height)
	return key
}

// CommitteeProvider resolves the committee in effect at a given round. A
// deployment with a fixed validator set for the node's lifetime can return
// the same *committee.Committee regardless of round.
type CommitteeProvider func(round uint64) (*committee.Committee, error)

// VerifyFunc checks a transmission's well-formedness. A nil VerifyFunc
// accepts everything, suitable for tests and local development.
type VerifyFunc func(id types.TransmissionID, tx *types.Transmission) error

// Reference is a minimal, persistence-backed Service: it records committed
// blocks (by height) and exposes them and the committee schedule, without
// specifying any transaction-execution semantics. Real deployments wrap
// this type (or a replacement) with actual state-transition logic.
type Reference struct {
	mu         sync.RWMutex
	db         storage.DB
	height     uint64
	committees CommitteeProvider
	verify     VerifyFunc
}

// NewReference opens (or resumes) a Reference backed by db. If db already
// holds blocks, the latest height is reconstructed by scanning the
// block/ key prefix, mirroring spec §6's "on reopen, scan and rebuild".
func NewReference(db storage.DB, committees CommitteeProvider, verify VerifyFunc) (*Reference, error) {
	r := &Reference{db: db, committees: committees, verify: verify}
	it := db.NewIterator(blockKeyPrefix)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(key) != len(blockKeyPrefix)+8 {
			continue
		}
		h := binary.BigEndian.Uint64(key[len(blockKeyPrefix):])
		if h > r.height {
			r.height = h
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("ledger: scan existing blocks: %w", err)
	}
	return r, nil
}

// AddNextBlock persists block iff its height is exactly one past the
// current tip.
func (r *Reference) AddNextBlock(block Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if block.Height != r.height+1 {
		return fmt.Errorf("ledger: out-of-order block height %d, expected %d", block.Height, r.height+1)
	}
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("ledger: marshal block %d: %w", block.Height, err)
	}
	if err := r.db.Set(blockKey(block.Height), data); err != nil {
		return fmt.Errorf("ledger: persist block %d: %w", block.Height, err)
	}
	r.height = block.Height
	return nil
}

// LatestBlockHeight returns the height of the most recently committed
// block.
func (r *Reference) LatestBlockHeight() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.height
}

// BlockAt returns the committed block at height, if present.
func (r *Reference) BlockAt(height uint64) (Block, bool) {
	data, err := r.db.Get(blockKey(height))
	if err != nil {
		return Block{}, false
	}
	var b Block
	if json.Unmarshal(data, &b) != nil {
		return Block{}, false
	}
	return b, true
}

// CurrentCommittee delegates to the configured provider.
func (r *Reference) CurrentCommittee(round uint64) (*committee.Committee, error) {
	if r.committees == nil {
		return nil, fmt.Errorf("ledger: no committee provider configured")
	}
	return r.committees(round)
}

// VerifyTransmission delegates to the configured verify function.
func (r *Reference) VerifyTransmission(id types.TransmissionID, tx *types.Transmission) error {
	if r.verify == nil {
		return nil
	}
	return r.verify(id, tx)
}
