package mempool

import (
	"testing"

	"github.com/tolelom/quorumnet/types"
)

func tx(id byte) *types.Transmission {
	return &types.Transmission{
		ID:    types.TransmissionID{Variant: types.VariantTransaction, ID: [32]byte{id}},
		Kind:  types.VariantTransaction,
		Bytes: []byte{id},
	}
}

func TestPoolAddDuplicate(t *testing.T) {
	p := New()
	if r := p.AddUnconfirmed(tx(1)); r != Inserted {
		t.Fatalf("expected Inserted, got %v", r)
	}
	if r := p.AddUnconfirmed(tx(1)); r != Duplicate {
		t.Fatalf("expected Duplicate, got %v", r)
	}
	if p.Size() != 1 {
		t.Fatalf("expected size 1, got %d", p.Size())
	}
}

func TestPoolCandidateIDsOrderAndExclusion(t *testing.T) {
	p := New()
	for i := byte(1); i <= 5; i++ {
		p.AddUnconfirmed(tx(i))
	}
	excl := types.TransmissionID{Variant: types.VariantTransaction, ID: [32]byte{3}}
	ids := p.CandidateIDs(10, func(id types.TransmissionID) bool { return id.Equal(excl) })
	if len(ids) != 4 {
		t.Fatalf("expected 4 candidates, got %d", len(ids))
	}
	for _, id := range ids {
		if id.Equal(excl) {
			t.Fatalf("excluded ID leaked into candidates")
		}
	}
	// order preserved
	if ids[0].ID[0] != 1 || ids[1].ID[0] != 2 {
		t.Fatalf("expected insertion order, got %v", ids)
	}
}

func TestPoolCandidateIDsRespectsLimit(t *testing.T) {
	p := New()
	for i := byte(1); i <= 5; i++ {
		p.AddUnconfirmed(tx(i))
	}
	ids := p.CandidateIDs(2, nil)
	if len(ids) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(ids))
	}
}

func TestPoolRemoveConfirmed(t *testing.T) {
	p := New()
	for i := byte(1); i <= 3; i++ {
		p.AddUnconfirmed(tx(i))
	}
	p.RemoveConfirmed([]types.TransmissionID{
		{Variant: types.VariantTransaction, ID: [32]byte{2}},
	})
	if p.Size() != 2 {
		t.Fatalf("expected size 2 after removal, got %d", p.Size())
	}
	if _, ok := p.Get(types.TransmissionID{Variant: types.VariantTransaction, ID: [32]byte{2}}); ok {
		t.Fatalf("expected removed transmission to be gone")
	}
	ids := p.CandidateIDs(10, nil)
	if len(ids) != 2 {
		t.Fatalf("expected 2 remaining candidates, got %d", len(ids))
	}
}
