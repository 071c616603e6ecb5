package committee

import "testing"

func fourEqual(t *testing.T, stake uint64) *Committee {
	t.Helper()
	c, err := New(1, []Member{
		{Address: "a", Stake: stake, StakerAddress: "a"},
		{Address: "b", Stake: stake, StakerAddress: "b"},
		{Address: "c", Stake: stake, StakerAddress: "c"},
		{Address: "d", Stake: stake, StakerAddress: "d"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestThresholdsExceedFractions(t *testing.T) {
	// Property from spec §8: quorum_threshold > 2S/3, availability_threshold > S/3.
	for _, stake := range []uint64{1, 7, 1_000_000_000_000} {
		c := fourEqual(t, stake)
		total := c.TotalStake()
		q := c.QuorumThreshold()
		a := c.AvailabilityThreshold()
		if !(3*q > 2*total) {
			t.Fatalf("stake=%d quorum=%d total=%d: quorum_threshold must exceed 2S/3", stake, q, total)
		}
		if !(3*a > total) {
			t.Fatalf("stake=%d avail=%d total=%d: availability_threshold must exceed S/3", stake, a, total)
		}
	}
}

func TestQuorumBreaksAtTwoOfFour(t *testing.T) {
	c := fourEqual(t, 1_000_000_000_000)
	// Exactly 2 of 4 equal validators must NOT reach quorum (2f+1 of 4).
	if c.MeetsQuorum([]string{"a", "b"}) {
		t.Fatalf("2 of 4 equal-stake validators should not meet quorum")
	}
	if !c.MeetsQuorum([]string{"a", "b", "c"}) {
		t.Fatalf("3 of 4 equal-stake validators should meet quorum")
	}
}

func TestAvailabilityThresholdNeedsTwoOfFour(t *testing.T) {
	c := fourEqual(t, 1_000_000_000_000)
	if c.MeetsAvailability([]string{"a"}) {
		t.Fatalf("f+1 of 4 equal validators is 2; single validator should not meet availability")
	}
	if !c.MeetsAvailability([]string{"a", "b"}) {
		t.Fatalf("f+1 of 4 equal validators is 2; two validators should meet availability")
	}
}

func TestDeterministicOrder(t *testing.T) {
	c1, _ := New(1, []Member{{Address: "z", Stake: 5}, {Address: "a", Stake: 5}})
	if got := c1.Addresses(); got[0] != "a" || got[1] != "z" {
		t.Fatalf("expected ascending address order, got %v", got)
	}
}

func TestDuplicateAddressRejected(t *testing.T) {
	_, err := New(1, []Member{{Address: "a", Stake: 5}, {Address: "a", Stake: 5}})
	if err == nil {
		t.Fatalf("expected duplicate address error")
	}
}

func TestStakeBelowMinimumRejected(t *testing.T) {
	_, err := New(1, []Member{{Address: "a", Stake: 0}})
	if err == nil {
		t.Fatalf("expected stake-too-low error")
	}
}
