// Package ledger defines the collaborator contract consumed by primary,
// bft and sync: applying committed history, exposing committee snapshots,
// and verifying transmissions before they are admitted into a worker's
// pool. Execution semantics (what a transaction actually does to state)
// are out of scope; this package only records commit order and identity.
package ledger

import (
	"github.com/tolelom/quorumnet/committee"
	"github.com/tolelom/quorumnet/types"
)

// Block is the unit handed to AddNextBlock: an anchor round's DFS-ordered
// certificate history plus the transmission IDs it carries, flattened in
// commit order (spec §4.7).
type Block struct {
	Height         uint64
	AnchorRound    uint64
	CertificateIDs [][32]byte
	TransmissionIDs []types.TransmissionID
}

// Service is the ledger collaborator's contract (spec §1's LedgerService
// trait): add_next_block, latest_block_height, current_committee,
// verify_transmission.
type Service interface {
	// AddNextBlock applies block as the next committed block. Implementations
	// must reject out-of-order heights.
	AddNextBlock(block Block) error
	// LatestBlockHeight returns the height of the most recently committed
	// block, or 0 before genesis.
	LatestBlockHeight() uint64
	// CurrentCommittee returns the committee in effect at round.
	CurrentCommittee(round uint64) (*committee.Committee, error)
	// VerifyTransmission checks a transmission's well-formedness (e.g. fee,
	// signature, format) before it is admitted into a worker's pool.
	VerifyTransmission(id types.TransmissionID, tx *types.Transmission) error
}
