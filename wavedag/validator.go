package wavedag

import (
	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/config"
	"github.com/gitzhang10/WaveDAG/dag"
	"github.com/gitzhang10/WaveDAG/types"
	"github.com/pkg/errors"
)

// Validator runs the local checks a block must pass before it enters the DAG store.
// Unknown parents are not its concern, the store keeps such blocks pending.
type Validator struct {
	committee  *committee.Committee
	store      *dag.Store
	maxPayload int
	maxParents int
}

func NewValidator(c *committee.Committee, params config.Parameters, store *dag.Store) *Validator {
	return &Validator{
		committee:  c,
		store:      store,
		maxPayload: params.MaxPayloadBytes,
		maxParents: params.MaxParentsFor(c.Size()),
	}
}

// Validate returns nil for a valid block and for a block already known to the store.
// ErrEquivocation is returned for an otherwise valid block whose slot is taken
// by another block: the caller stores it nonetheless.
func (v *Validator) Validate(b *types.Block) error {
	if b.Epoch != v.committee.Epoch() {
		return errors.Wrapf(ErrWrongEpoch, "block epoch %d, committee epoch %d", b.Epoch, v.committee.Epoch())
	}
	if !v.committee.Exists(b.Author) {
		return errors.Wrapf(ErrUnknownAuthor, "author %d", b.Author)
	}

	d := b.Digest()
	if v.store.Known(d) {
		return nil
	}
	if b.Round <= v.store.GCRound() && b.Round > 0 {
		return errors.Wrapf(ErrStaleRound, "round %d, watermark %d", b.Round, v.store.GCRound())
	}
	if err := b.VerifySignature(v.committee); err != nil {
		return errors.Wrapf(ErrBadSignature, "%s: %v", b, err)
	}
	// the author signed everything below, failures are attributable to it
	if b.Round == 0 {
		return errors.Wrap(ErrMalformedBlock, "round 0")
	}
	if len(b.Payload) > v.maxPayload {
		return errors.Wrapf(ErrOversizedPayload, "%d bytes", len(b.Payload))
	}
	if err := v.checkParents(b); err != nil {
		return err
	}
	// the quorum above counts labels, they must name the real parents
	if err := v.store.CheckParents(b); err != nil {
		return err
	}

	for _, other := range v.store.GetByAuthorRound(b.Author, b.Round) {
		if other.Digest() != d {
			return errors.Wrapf(ErrEquivocation, "%s conflicts with %s", b, other)
		}
	}
	return nil
}

func (v *Validator) checkParents(b *types.Block) error {
	if b.Round == 1 {
		if len(b.Parents) != 0 {
			return errors.Wrap(ErrMalformedBlock, "round 1 block has parents")
		}
		return nil
	}
	if len(b.Parents) > v.maxParents {
		return errors.Wrapf(ErrMalformedBlock, "%d parents, limit %d", len(b.Parents), v.maxParents)
	}

	seen := make(map[types.Digest]struct{}, len(b.Parents))
	previous := committee.NewStakeAggregator(v.committee)
	for _, p := range b.Parents {
		if p.Round == 0 || p.Round >= b.Round {
			return errors.Wrapf(ErrMalformedBlock, "parent %s of round %d block", p, b.Round)
		}
		if !v.committee.Exists(p.Author) {
			return errors.Wrapf(ErrMalformedBlock, "parent %s has an unknown author", p)
		}
		if _, dup := seen[p.Digest]; dup {
			return errors.Wrapf(ErrMalformedBlock, "parent %s is listed twice", p)
		}
		seen[p.Digest] = struct{}{}
		if p.Round == b.Round-1 {
			previous.Add(p.Author)
		}
	}
	if !previous.ReachedQuorum() {
		return errors.Wrapf(ErrMissingParentReference, "%s references stake %d of round %d", b, previous.Stake(), b.Round-1)
	}
	return nil
}
