package config

import (
	"encoding/hex"
	"time"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/types"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

var ErrInvalidParameters = errors.New("invalid protocol parameters")

// Parameters are the protocol knobs every authority of an epoch must agree on.
type Parameters struct {
	// WaveLength is the number of rounds of a wave: a leader round, a voting round
	// and at least one more round ending with the decision round.
	WaveLength uint64 `mapstructure:"wave_length"`
	// LeaderTimeout bounds how long the proposer waits for the wave leader before voting without it.
	LeaderTimeout time.Duration `mapstructure:"leader_timeout"`
	MinRoundDelay time.Duration `mapstructure:"min_round_delay"`
	// MaxPayloadBytes caps the opaque transaction batch of a block.
	MaxPayloadBytes int `mapstructure:"max_payload_bytes"`
	// MaxParents caps the parent list of a block, 0 stands for twice the committee size.
	MaxParents       int           `mapstructure:"max_parents"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	FetchBackoffMin  time.Duration `mapstructure:"fetch_backoff_min"`
	FetchBackoffMax  time.Duration `mapstructure:"fetch_backoff_max"`
	MaxFetchAttempts int           `mapstructure:"max_fetch_attempts"`
	// CommitBuffer is the number of unacknowledged commits that stops the proposer.
	CommitBuffer     int                      `mapstructure:"commit_buffer"`
	MaxPendingBlocks int                      `mapstructure:"max_pending_blocks"`
	LeaderElection   committee.ElectionPolicy `mapstructure:"leader_election"`
	// GCDepth is the number of rounds kept below the last committed leader.
	GCDepth uint64 `mapstructure:"gc_depth"`
}

// DefaultParameters returns the deterministic defaults.
func DefaultParameters() Parameters {
	return Parameters{
		WaveLength:       3,
		LeaderTimeout:    time.Second,
		MinRoundDelay:    50 * time.Millisecond,
		MaxPayloadBytes:  1 << 20,
		MaxParents:       0,
		FetchConcurrency: 8,
		FetchTimeout:     2 * time.Second,
		FetchBackoffMin:  100 * time.Millisecond,
		FetchBackoffMax:  5 * time.Second,
		MaxFetchAttempts: 10,
		CommitBuffer:     64,
		MaxPendingBlocks: 10000,
		LeaderElection:   committee.StakeWeighted,
		GCDepth:          50,
	}
}

// Validate reports the first inconsistent parameter.
func (p Parameters) Validate() error {
	switch {
	case p.WaveLength < 3:
		return errors.Wrap(ErrInvalidParameters, "wave_length must be at least 3")
	case p.LeaderTimeout <= 0:
		return errors.Wrap(ErrInvalidParameters, "leader_timeout must be positive")
	case p.MinRoundDelay < 0:
		return errors.Wrap(ErrInvalidParameters, "min_round_delay must not be negative")
	case p.MaxPayloadBytes <= 0:
		return errors.Wrap(ErrInvalidParameters, "max_payload_bytes must be positive")
	case p.MaxParents < 0:
		return errors.Wrap(ErrInvalidParameters, "max_parents must not be negative")
	case p.FetchConcurrency <= 0:
		return errors.Wrap(ErrInvalidParameters, "fetch_concurrency must be positive")
	case p.FetchTimeout <= 0:
		return errors.Wrap(ErrInvalidParameters, "fetch_timeout must be positive")
	case p.FetchBackoffMin <= 0 || p.FetchBackoffMax < p.FetchBackoffMin:
		return errors.Wrap(ErrInvalidParameters, "fetch backoff bounds are inconsistent")
	case p.MaxFetchAttempts <= 0:
		return errors.Wrap(ErrInvalidParameters, "max_fetch_attempts must be positive")
	case p.CommitBuffer <= 0:
		return errors.Wrap(ErrInvalidParameters, "commit_buffer must be positive")
	case p.MaxPendingBlocks <= 0:
		return errors.Wrap(ErrInvalidParameters, "max_pending_blocks must be positive")
	case p.GCDepth < 2*p.WaveLength:
		return errors.Wrap(ErrInvalidParameters, "gc_depth must cover two waves")
	}
	switch p.LeaderElection {
	case committee.RoundRobin, committee.StakeWeighted:
	default:
		return errors.Wrapf(ErrInvalidParameters, "leader_election %q", p.LeaderElection)
	}
	return nil
}

// Digest returns the hex encoded hash of the canonical encoding of p.
// Authorities compare it to detect mismatching parameters.
func (p Parameters) Digest() string {
	data, err := types.Encode(p)
	if err != nil {
		panic(err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MaxParentsFor resolves the parent cap for a committee of the given size.
func (p Parameters) MaxParentsFor(size int) int {
	if p.MaxParents == 0 {
		return 2 * size
	}
	return p.MaxParents
}

func (p Parameters) settings() map[string]interface{} {
	return map[string]interface{}{
		"wave_length":        p.WaveLength,
		"leader_timeout":     p.LeaderTimeout.String(),
		"min_round_delay":    p.MinRoundDelay.String(),
		"max_payload_bytes":  p.MaxPayloadBytes,
		"max_parents":        p.MaxParents,
		"fetch_concurrency":  p.FetchConcurrency,
		"fetch_timeout":      p.FetchTimeout.String(),
		"fetch_backoff_min":  p.FetchBackoffMin.String(),
		"fetch_backoff_max":  p.FetchBackoffMax.String(),
		"max_fetch_attempts": p.MaxFetchAttempts,
		"commit_buffer":      p.CommitBuffer,
		"max_pending_blocks": p.MaxPendingBlocks,
		"leader_election":    string(p.LeaderElection),
		"gc_depth":           p.GCDepth,
	}
}
