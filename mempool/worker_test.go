package mempool

import (
	"errors"
	"testing"

	"github.com/tolelom/quorumnet/types"
)

type acceptAllVerifier struct{}

func (acceptAllVerifier) VerifyTransmission(types.TransmissionID, *types.Transmission) error {
	return nil
}

type rejectVerifier struct{ err error }

func (r rejectVerifier) VerifyTransmission(types.TransmissionID, *types.Transmission) error {
	return r.err
}

type recordingPenalties struct{ peers []string }

func (r *recordingPenalties) Penalize(peer string) { r.peers = append(r.peers, peer) }

func TestShardRoutingIsDeterministic(t *testing.T) {
	shard := NewShard(8, acceptAllVerifier{})
	id := types.TransmissionID{Variant: types.VariantTransaction, ID: [32]byte{42}}
	w1 := shard.WorkerFor(id)
	w2 := shard.WorkerFor(id)
	if w1.ID() != w2.ID() {
		t.Fatalf("expected deterministic routing, got %d then %d", w1.ID(), w2.ID())
	}
}

func TestShardProcessUnconfirmedAdmitsAndDedups(t *testing.T) {
	shard := NewShard(4, acceptAllVerifier{})
	tx1 := tx(1)
	r, err := shard.ProcessUnconfirmed("peerA", tx1, nil)
	if err != nil || r != Inserted {
		t.Fatalf("expected Inserted, got %v, %v", r, err)
	}
	r, err = shard.ProcessUnconfirmed("peerA", tx1, nil)
	if err != nil || r != Duplicate {
		t.Fatalf("expected Duplicate, got %v, %v", r, err)
	}
	if shard.Size() != 1 {
		t.Fatalf("expected shard size 1, got %d", shard.Size())
	}
}

func TestShardProcessUnconfirmedRejectsAndPenalizes(t *testing.T) {
	verifyErr := errors.New("bad transmission")
	shard := NewShard(4, rejectVerifier{err: verifyErr})
	penalties := &recordingPenalties{}
	_, err := shard.ProcessUnconfirmed("peerB", tx(1), penalties)
	if !errors.Is(err, verifyErr) {
		t.Fatalf("expected verify error, got %v", err)
	}
	if len(penalties.peers) != 1 || penalties.peers[0] != "peerB" {
		t.Fatalf("expected peerB penalized once, got %v", penalties.peers)
	}
	if shard.Size() != 0 {
		t.Fatalf("expected nothing admitted, got size %d", shard.Size())
	}
}

func TestShardSeenTracking(t *testing.T) {
	shard := NewShard(4, acceptAllVerifier{})
	id := types.TransmissionID{Variant: types.VariantTransaction, ID: [32]byte{5}}
	if shard.HasSeen("peerC", id) {
		t.Fatalf("expected not seen initially")
	}
	shard.MarkSeen("peerC", id)
	if !shard.HasSeen("peerC", id) {
		t.Fatalf("expected seen after MarkSeen")
	}
}

func TestShardCandidateIDsAcrossWorkers(t *testing.T) {
	shard := NewShard(4, acceptAllVerifier{})
	for i := byte(1); i <= 10; i++ {
		if _, err := shard.ProcessUnconfirmed("peerD", tx(i), nil); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	ids := shard.CandidateIDs(10, nil)
	if len(ids) != 10 {
		t.Fatalf("expected 10 candidates across shard, got %d", len(ids))
	}
}

func TestShardRemoveConfirmedAcrossWorkers(t *testing.T) {
	shard := NewShard(4, acceptAllVerifier{})
	ids := make([]types.TransmissionID, 0, 6)
	for i := byte(1); i <= 6; i++ {
		txn := tx(i)
		if _, err := shard.ProcessUnconfirmed("peerE", txn, nil); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		ids = append(ids, txn.ID)
	}
	shard.RemoveConfirmed(ids)
	if shard.Size() != 0 {
		t.Fatalf("expected shard empty after removing all, got %d", shard.Size())
	}
}
