// Package committee models the stake-weighted validator set active at a
// given consensus round, and the stake-weight thresholds (quorum,
// availability) derived from it.
package committee

import (
	"errors"
	"fmt"
	"sort"
)

// MinStake is the smallest stake accepted for a validator entry.
const MinStake = 1

// Member is one validator's entry in a Committee: its stake and the
// staking account that backs it (may equal Address for self-staked nodes).
type Member struct {
	Address      string
	Stake        uint64
	StakerAddress string
}

// Committee is the ordered, stake-weighted validator set for one round.
// It is immutable once constructed; a new Committee is built whenever the
// ledger reports a membership change.
type Committee struct {
	round      uint64
	members    map[string]Member
	order      []string // deterministic address order
	totalStake uint64
}

// ErrDuplicateAddress is returned by New when two members share an address.
var ErrDuplicateAddress = errors.New("committee: duplicate validator address")

// ErrStakeTooLow is returned by New when a member's stake is below MinStake.
var ErrStakeTooLow = errors.New("committee: stake below minimum")

// New builds a Committee for round from the given members. Member order does
// not need to be sorted; New sorts addresses ascending internally so that
// iteration (and therefore leader tie-breaking) is deterministic.
func New(round uint64, members []Member) (*Committee, error) {
	c := &Committee{
		round:   round,
		members: make(map[string]Member, len(members)),
	}
	var total uint64
	for _, m := range members {
		if m.Stake < MinStake {
			return nil, fmt.Errorf("%w: %s has stake %d", ErrStakeTooLow, m.Address, m.Stake)
		}
		if _, exists := c.members[m.Address]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAddress, m.Address)
		}
		c.members[m.Address] = m
		// checked add: total stake is bounded well below 2^64 in practice,
		// but we guard against silent wraparound on malformed input anyway.
		next := total + m.Stake
		if next < total {
			return nil, fmt.Errorf("committee: total stake overflow")
		}
		total = next
	}
	c.totalStake = total
	c.order = make([]string, 0, len(c.members))
	for addr := range c.members {
		c.order = append(c.order, addr)
	}
	sort.Strings(c.order)
	return c, nil
}

// Round returns the round this committee snapshot applies to.
func (c *Committee) Round() uint64 { return c.round }

// TotalStake returns the sum of all member stakes.
func (c *Committee) TotalStake() uint64 { return c.totalStake }

// QuorumThreshold returns floor(2*total/3) + 1, the "2f+1" weight.
func (c *Committee) QuorumThreshold() uint64 {
	return (2*c.totalStake)/3 + 1
}

// AvailabilityThreshold returns floor((total+2)/3), the "f+1" weight.
func (c *Committee) AvailabilityThreshold() uint64 {
	return (c.totalStake + 2) / 3
}

// Contains reports whether addr is a member of this committee.
func (c *Committee) Contains(addr string) bool {
	_, ok := c.members[addr]
	return ok
}

// Stake returns addr's stake, or 0 if it is not a member.
func (c *Committee) Stake(addr string) uint64 {
	return c.members[addr].Stake
}

// Member returns addr's full entry and whether it exists.
func (c *Committee) Member(addr string) (Member, bool) {
	m, ok := c.members[addr]
	return m, ok
}

// Addresses returns the committee's member addresses in deterministic
// ascending order. Callers must not mutate the returned slice.
func (c *Committee) Addresses() []string {
	return c.order
}

// Len returns the number of members.
func (c *Committee) Len() int { return len(c.order) }

// StakeOf sums the stake of the given addresses that are members of c,
// ignoring unknown addresses. Used to test a candidate signer set against
// the quorum/availability thresholds.
func (c *Committee) StakeOf(addrs []string) uint64 {
	var sum uint64
	for _, a := range addrs {
		sum += c.members[a].Stake
	}
	return sum
}

// MeetsQuorum reports whether the stake carried by addrs (deduplicated by
// the caller) reaches QuorumThreshold.
func (c *Committee) MeetsQuorum(addrs []string) bool {
	return c.StakeOf(addrs) >= c.QuorumThreshold()
}

// MeetsAvailability reports whether the stake carried by addrs reaches
// AvailabilityThreshold.
func (c *Committee) MeetsAvailability(addrs []string) bool {
	return c.StakeOf(addrs) >= c.AvailabilityThreshold()
}
