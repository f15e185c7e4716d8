/*
Package committee implements the stake-weighted committee of one epoch.
A committee is built once at epoch start and never changes afterwards,
so it can be read concurrently without locking.
*/
package committee

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gitzhang10/WaveDAG/sign"
)

// AuthorityIndex is the stable ordinal of an authority inside a committee.
type AuthorityIndex uint32

var (
	ErrUnknownAuthority  = errors.New("unknown authority")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrEmptyCommittee    = errors.New("committee has no authorities")
	ErrZeroStake         = errors.New("authority has zero stake")
	ErrIndexMismatch     = errors.New("authority index does not match its position")
	ErrDuplicateIdentity = errors.New("authority key is registered twice")
)

// Authority is a stake-weighted member of the committee.
type Authority struct {
	Index      AuthorityIndex
	Name       string
	PublicKey  []byte            // block signing key, encoded for the committee scheme
	NetworkKey ed25519.PublicKey // identity presented in the TLS handshake
	Address    string
	Stake      uint64
}

// Committee is the immutable set of authorities of one epoch.
type Committee struct {
	epoch       uint64
	scheme      sign.Scheme
	authorities []Authority
	totalStake  uint64
	quorum      uint64
	validity    uint64
	byNetKey    map[string]AuthorityIndex
}

// New builds a committee. Authorities must be listed in index order.
func New(epoch uint64, scheme sign.Scheme, authorities []Authority) (*Committee, error) {
	if len(authorities) == 0 {
		return nil, ErrEmptyCommittee
	}
	c := &Committee{
		epoch:       epoch,
		scheme:      scheme,
		authorities: make([]Authority, len(authorities)),
		byNetKey:    make(map[string]AuthorityIndex, len(authorities)),
	}
	signingKeys := make(map[string]struct{}, len(authorities))
	for i, a := range authorities {
		if a.Index != AuthorityIndex(i) {
			return nil, fmt.Errorf("%w: authority %q has index %d at position %d", ErrIndexMismatch, a.Name, a.Index, i)
		}
		if a.Stake == 0 {
			return nil, fmt.Errorf("%w: authority %d", ErrZeroStake, a.Index)
		}
		pk := hex.EncodeToString(a.PublicKey)
		if _, ok := signingKeys[pk]; ok {
			return nil, fmt.Errorf("%w: authority %d signing key", ErrDuplicateIdentity, a.Index)
		}
		signingKeys[pk] = struct{}{}
		if len(a.NetworkKey) > 0 {
			nk := hex.EncodeToString(a.NetworkKey)
			if _, ok := c.byNetKey[nk]; ok {
				return nil, fmt.Errorf("%w: authority %d network key", ErrDuplicateIdentity, a.Index)
			}
			c.byNetKey[nk] = a.Index
		}
		c.authorities[i] = a
		c.totalStake += a.Stake
	}
	c.quorum = QuorumThreshold(c.totalStake)
	c.validity = c.totalStake - c.quorum + 1
	return c, nil
}

// QuorumThreshold returns the smallest stake t with 2*total/3 < t.
func QuorumThreshold(totalStake uint64) uint64 {
	floorOneThird := totalStake / 3
	res := 2 * floorOneThird
	divRemainder := totalStake % 3
	if divRemainder <= 1 {
		res = res + 1
	} else {
		res += divRemainder
	}
	return res
}

func (c *Committee) Epoch() uint64       { return c.epoch }
func (c *Committee) Scheme() sign.Scheme { return c.scheme }
func (c *Committee) Size() int           { return len(c.authorities) }
func (c *Committee) TotalStake() uint64  { return c.totalStake }

// QuorumThreshold returns the minimal stake of a 2f+1 quorum.
func (c *Committee) QuorumThreshold() uint64 { return c.quorum }

// ValidityThreshold returns the minimal stake that contains at least one honest authority (f+1).
func (c *Committee) ValidityThreshold() uint64 { return c.validity }

func (c *Committee) ReachedQuorum(stake uint64) bool   { return stake >= c.quorum }
func (c *Committee) ReachedValidity(stake uint64) bool { return stake >= c.validity }

func (c *Committee) Exists(index AuthorityIndex) bool {
	return int(index) < len(c.authorities)
}

// Stake returns the stake of an authority.
func (c *Committee) Stake(index AuthorityIndex) (uint64, error) {
	if !c.Exists(index) {
		return 0, ErrUnknownAuthority
	}
	return c.authorities[index].Stake, nil
}

// Authority returns a copy of the authority with the given index.
func (c *Committee) Authority(index AuthorityIndex) (Authority, error) {
	if !c.Exists(index) {
		return Authority{}, ErrUnknownAuthority
	}
	return c.authorities[index], nil
}

// Authorities returns a copy of the ordered authority list.
func (c *Committee) Authorities() []Authority {
	out := make([]Authority, len(c.authorities))
	copy(out, c.authorities)
	return out
}

// Verify checks a signature of the given authority over msg.
func (c *Committee) Verify(index AuthorityIndex, msg, sig []byte) error {
	if !c.Exists(index) {
		return ErrUnknownAuthority
	}
	if err := sign.Verify(c.scheme, c.authorities[index].PublicKey, msg, sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// IdentifyNetworkKey maps a TLS identity key to the authority registered with it.
func (c *Committee) IdentifyNetworkKey(key ed25519.PublicKey) (AuthorityIndex, bool) {
	index, ok := c.byNetKey[hex.EncodeToString(key)]
	return index, ok
}

// ConnectionName is the server name every connection of this epoch is scoped to.
// Certificates that do not carry it are refused during the handshake.
func (c *Committee) ConnectionName() string {
	return ConnectionName(c.epoch)
}

func ConnectionName(epoch uint64) string {
	return fmt.Sprintf("wavedag-epoch-%d", epoch)
}

// StakeAggregator sums the stake of distinct authorities.
type StakeAggregator struct {
	committee *Committee
	votes     map[AuthorityIndex]struct{}
	stake     uint64
}

func NewStakeAggregator(c *Committee) *StakeAggregator {
	return &StakeAggregator{committee: c, votes: make(map[AuthorityIndex]struct{})}
}

// Add counts the authority once and reports whether the quorum threshold is reached.
func (a *StakeAggregator) Add(index AuthorityIndex) bool {
	if _, ok := a.votes[index]; !ok {
		if stake, err := a.committee.Stake(index); err == nil {
			a.votes[index] = struct{}{}
			a.stake += stake
		}
	}
	return a.committee.ReachedQuorum(a.stake)
}

func (a *StakeAggregator) Stake() uint64 { return a.stake }

func (a *StakeAggregator) ReachedQuorum() bool { return a.committee.ReachedQuorum(a.stake) }
