package gateway

import (
	"bytes"
	"testing"

	"github.com/tolelom/quorumnet/types"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	f, err := Encode(EventUnconfirmedTransaction, UnconfirmedTransactionPayload{
		Transmission: types.Transmission{
			ID:   types.TransmissionID{Variant: types.VariantTransaction, ID: [32]byte{1}},
			Kind: types.VariantTransaction,
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrame(&buf, MaxMessageSize)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != EventUnconfirmedTransaction {
		t.Fatalf("expected event id %v, got %v", EventUnconfirmedTransaction, got.ID)
	}
	var payload UnconfirmedTransactionPayload
	if err := Decode(got, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Transmission.ID.ID[0] != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{ID: EventPing, Payload: []byte("x")}
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFrame(&buf, 1); err == nil {
		t.Fatalf("expected rejection for frame exceeding maxSize")
	}
}

func TestEventIDStringKnownAndUnknown(t *testing.T) {
	if EventBatchPropose.String() != "BatchPropose" {
		t.Fatalf("unexpected string for BatchPropose: %s", EventBatchPropose.String())
	}
	if s := EventID(999).String(); s == "" {
		t.Fatalf("expected non-empty fallback string for unknown event id")
	}
}
