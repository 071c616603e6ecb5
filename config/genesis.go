package config

import (
	"fmt"
	"sort"

	"github.com/tolelom/quorumnet/committee"
	"github.com/tolelom/quorumnet/crypto"
)

// GenesisRound is the DAG round below which no previous-certificate quorum
// is required (spec §3 invariant 2's exception).
const GenesisRound uint64 = 0

// BuildGenesisCommittee constructs the round-0 committee from the config's
// validator bootstrap list (spec §3's Committee(round) derivation: stake,
// total stake, quorum/availability thresholds).
func BuildGenesisCommittee(cfg *Config) (*committee.Committee, error) {
	members := make([]committee.Member, 0, len(cfg.Genesis.Validators))
	for _, v := range cfg.Genesis.Validators {
		pub, err := crypto.PubKeyFromHex(v.PubKey)
		if err != nil {
			return nil, fmt.Errorf("config: decode validator pub_key %q: %w", v.PubKey, err)
		}
		addr := pub.Address()
		staker := v.StakerAddress
		if staker == "" {
			staker = addr
		}
		members = append(members, committee.Member{
			Address:       addr,
			Stake:         v.Stake,
			StakerAddress: staker,
		})
	}
	return committee.New(GenesisRound, members)
}

// GenesisHeaderDigest derives the 32-byte digest peers exchange and verify
// during the handshake's ChallengeResponse (spec §4.5): a hash over the
// chain ID and the ordered set of genesis committee addresses and stakes,
// so two nodes only complete a handshake if they agree on genesis.
func GenesisHeaderDigest(cfg *Config, comm *committee.Committee) [32]byte {
	addrs := comm.Addresses()
	sort.Strings(addrs)
	buf := []byte(cfg.Genesis.ChainID)
	for _, addr := range addrs {
		m, _ := comm.Member(addr)
		buf = append(buf, []byte(m.Address)...)
		buf = appendUint64(buf, m.Stake)
	}
	var digest [32]byte
	copy(digest[:], crypto.HashBytes(buf))
	return digest
}

func appendUint64(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(56-8*i)))
	}
	return buf
}
