package committee

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// ElectionPolicy names a leader election strategy.
type ElectionPolicy string

const (
	RoundRobin    ElectionPolicy = "round-robin"
	StakeWeighted ElectionPolicy = "stake-weighted"
)

var ErrUnknownPolicy = errors.New("unknown leader election policy")

// LeaderElector deterministically maps a wave number to the authority that leads it.
// Every honest authority must get the same answer from the same committee.
type LeaderElector interface {
	Leader(wave uint64) AuthorityIndex
}

// NewLeaderElector returns the elector selected by policy.
func NewLeaderElector(policy ElectionPolicy, c *Committee) (LeaderElector, error) {
	switch policy {
	case RoundRobin:
		return &roundRobin{size: uint64(c.Size())}, nil
	case StakeWeighted, "":
		return &stakeWeighted{committee: c}, nil
	default:
		return nil, ErrUnknownPolicy
	}
}

type roundRobin struct {
	size uint64
}

func (r *roundRobin) Leader(wave uint64) AuthorityIndex {
	return AuthorityIndex(wave % r.size)
}

// stakeWeighted draws a stake point from a hash of (epoch, wave) and returns
// the authority owning it, so an authority leads proportionally to its stake.
type stakeWeighted struct {
	committee *Committee
}

func (s *stakeWeighted) Leader(wave uint64) AuthorityIndex {
	var seed [16]byte
	binary.BigEndian.PutUint64(seed[:8], s.committee.Epoch())
	binary.BigEndian.PutUint64(seed[8:], wave)
	h := blake2b.Sum256(seed[:])
	point := binary.BigEndian.Uint64(h[:8]) % s.committee.TotalStake()

	var acc uint64
	for _, a := range s.committee.authorities {
		acc += a.Stake
		if point < acc {
			return a.Index
		}
	}
	// unreachable: point < total stake
	return AuthorityIndex(len(s.committee.authorities) - 1)
}
