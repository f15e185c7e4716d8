package wavedag

import (
	"bytes"
	"testing"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/dag"
	"github.com/gitzhang10/WaveDAG/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T) (*Validator, *dag.Store, *dagBuilder) {
	c, keys := newTestCommittee(t, equalStakes(4)...)
	params := testParameters()
	params.MaxPayloadBytes = 16
	store := dag.New(c, params.MaxPendingBlocks)
	return NewValidator(c, params, store), store, newDAGBuilder(t, keys)
}

func TestValidateAcceptsWellFormedBlocks(t *testing.T) {
	v, store, d := newTestValidator(t)
	authors := authorsOf(4)

	round1 := d.layer(1, authors, nil)
	for _, b := range round1 {
		require.NoError(t, v.Validate(b))
	}
	insertAll(t, store, round1...)

	// three of four authors are a quorum
	b := d.block(0, 2, round1[:3])
	require.NoError(t, v.Validate(b))
	insertAll(t, store, b)
	// a known block is valid again
	require.NoError(t, v.Validate(b))
}

func TestValidateRejections(t *testing.T) {
	v, store, d := newTestValidator(t)
	authors := authorsOf(4)
	round1 := d.layer(1, authors, nil)
	insertAll(t, store, round1...)

	wrongEpoch := d.block(0, 2, round1)
	wrongEpoch.Epoch = testEpoch + 1
	require.NoError(t, wrongEpoch.Sign(d.keys.signers[0]))

	unknownAuthor := types.NewBlock(testEpoch, 9, 2, 0, nil, nil)

	badSignature := d.block(1, 2, round1)
	badSignature.Signature = bytes.Repeat([]byte{1}, len(badSignature.Signature))

	// signed by author 1 but claims author 2
	forged := d.block(1, 2, round1)
	forged.Author = 2

	roundZero := d.block(0, 0, nil)
	oversized := d.block(2, 2, round1, bytes.Repeat([]byte{7}, 17)...)
	noQuorum := d.block(3, 2, round1[:2])
	roundOneWithParents := d.block(0, 1, round1[1:2])
	selfReference := d.block(0, 2, append(round1[:3:3], d.block(1, 2, round1)))
	duplicated := d.block(0, 2, append(round1[:3:3], round1[0]))

	cases := map[string]struct {
		block *types.Block
		err   error
	}{
		"wrong epoch":            {wrongEpoch, ErrWrongEpoch},
		"unknown author":         {unknownAuthor, ErrUnknownAuthor},
		"bad signature":          {badSignature, ErrBadSignature},
		"forged author":          {forged, ErrBadSignature},
		"round zero":             {roundZero, ErrMalformedBlock},
		"oversized payload":      {oversized, ErrOversizedPayload},
		"parents without quorum": {noQuorum, ErrMissingParentReference},
		"round one with parents": {roundOneWithParents, ErrMalformedBlock},
		"parent of same round":   {selfReference, ErrMalformedBlock},
		"duplicated parent":      {duplicated, ErrMalformedBlock},
	}
	for name, tc := range cases {
		err := v.Validate(tc.block)
		assert.Equal(t, tc.err, errors.Cause(err), name)
	}
}

func TestValidateStaleRound(t *testing.T) {
	v, store, d := newTestValidator(t)
	authors := authorsOf(4)
	last := d.fullRounds(1, 4, authors, nil)
	insertAll(t, store, d.all()...)
	store.Prune(2)

	late := d.block(0, 2, d.rounds[1])
	assert.Equal(t, ErrStaleRound, errors.Cause(v.Validate(late)))
	// stored blocks stay valid
	assert.NoError(t, v.Validate(last[0]))
}

func TestValidateEquivocation(t *testing.T) {
	v, store, d := newTestValidator(t)
	round1 := d.layer(1, authorsOf(4), nil)
	insertAll(t, store, round1...)

	first := d.block(0, 2, round1[:3])
	insertAll(t, store, first)
	second := d.block(0, 2, round1[1:])
	err := v.Validate(second)
	assert.Equal(t, ErrEquivocation, errors.Cause(err))
	assert.True(t, isProtocolViolation(err))
}

func TestProtocolViolationClasses(t *testing.T) {
	assert.True(t, isProtocolViolation(errors.Wrap(ErrMissingParentReference, "x")))
	assert.True(t, isProtocolViolation(ErrOversizedPayload))
	assert.True(t, isProtocolViolation(ErrMalformedBlock))
	assert.False(t, isProtocolViolation(ErrBadSignature))
	assert.False(t, isProtocolViolation(ErrStaleRound))
	assert.False(t, isProtocolViolation(ErrWrongEpoch))
	assert.False(t, isProtocolViolation(committee.ErrUnknownAuthority))
}

// mislabelled signs a block of author at round whose references carry label
// instead of the round of the parents.
func mislabelled(t *testing.T, d *dagBuilder, author committee.AuthorityIndex, round, label uint64, parents []*types.Block) *types.Block {
	refs := make([]types.BlockRef, len(parents))
	for i, p := range parents {
		refs[i] = p.Reference()
		refs[i].Round = label
	}
	b := types.NewBlock(testEpoch, author, round, int64(round), refs, nil)
	require.NoError(t, b.Sign(d.keys.signers[author]))
	return b
}

func TestValidateMislabelledParents(t *testing.T) {
	v, store, d := newTestValidator(t)
	round1 := d.layer(1, authorsOf(4), nil)
	insertAll(t, store, round1...)

	// the labels make up a quorum of round 999
	far := mislabelled(t, d, 2, 1000, 999, round1)
	err := v.Validate(far)
	assert.Equal(t, dag.ErrParentMismatch, errors.Cause(err))
	assert.True(t, isProtocolViolation(err))
	_, err = store.Insert(far)
	assert.Equal(t, dag.ErrParentMismatch, errors.Cause(err))
	assert.Equal(t, uint64(1), store.HighestRound())
}
