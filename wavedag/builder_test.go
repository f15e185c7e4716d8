package wavedag

import (
	"crypto/ed25519"
	"testing"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/config"
	"github.com/gitzhang10/WaveDAG/dag"
	"github.com/gitzhang10/WaveDAG/sign"
	"github.com/gitzhang10/WaveDAG/types"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

const testEpoch = 1

type testKeys struct {
	priv    [][]byte
	netPriv []ed25519.PrivateKey
	signers []sign.Signer
}

func newTestCommittee(t *testing.T, stakes ...uint64) (*committee.Committee, *testKeys) {
	addrs := make([]string, len(stakes))
	for i := range addrs {
		addrs[i] = "127.0.0.1:0"
	}
	return newTestCommitteeAt(t, addrs, stakes...)
}

// newTestCommitteeAt creates a committee whose authority i listens on addrs[i].
func newTestCommitteeAt(t *testing.T, addrs []string, stakes ...uint64) (*committee.Committee, *testKeys) {
	keys := &testKeys{}
	authorities := make([]committee.Authority, len(stakes))
	for i, stake := range stakes {
		priv, pub, err := sign.GenKeys(sign.SchemeED25519)
		require.NoError(t, err)
		signer, err := sign.NewSigner(sign.SchemeED25519, priv)
		require.NoError(t, err)
		netPriv, netPub := sign.GenED25519Keys()
		keys.priv = append(keys.priv, priv)
		keys.netPriv = append(keys.netPriv, netPriv)
		keys.signers = append(keys.signers, signer)
		authorities[i] = committee.Authority{
			Index:      committee.AuthorityIndex(i),
			PublicKey:  pub,
			NetworkKey: netPub,
			Address:    addrs[i],
			Stake:      stake,
		}
	}
	c, err := committee.New(testEpoch, sign.SchemeED25519, authorities)
	require.NoError(t, err)
	return c, keys
}

func equalStakes(n int) []uint64 {
	stakes := make([]uint64, n)
	for i := range stakes {
		stakes[i] = 1
	}
	return stakes
}

// dagBuilder creates signed blocks round by round.
type dagBuilder struct {
	t      *testing.T
	keys   *testKeys
	rounds map[uint64][]*types.Block
}

func newDAGBuilder(t *testing.T, keys *testKeys) *dagBuilder {
	return &dagBuilder{t: t, keys: keys, rounds: make(map[uint64][]*types.Block)}
}

// block creates the block of author at round referencing parents.
// payload tells apart the blocks of an equivocating author.
func (d *dagBuilder) block(author committee.AuthorityIndex, round uint64, parents []*types.Block, payload ...byte) *types.Block {
	refs := make([]types.BlockRef, len(parents))
	for i, p := range parents {
		refs[i] = p.Reference()
	}
	b := types.NewBlock(testEpoch, author, round, int64(round), refs, payload)
	require.NoError(d.t, b.Sign(d.keys.signers[author]))
	d.rounds[round] = append(d.rounds[round], b)
	return b
}

// layer creates one block per author at round, each referencing every parent.
func (d *dagBuilder) layer(round uint64, authors []committee.AuthorityIndex, parents []*types.Block) []*types.Block {
	out := make([]*types.Block, 0, len(authors))
	for _, a := range authors {
		out = append(out, d.block(a, round, parents))
	}
	return out
}

// fullRounds extends parents with complete rounds from..to and returns the last one.
func (d *dagBuilder) fullRounds(from, to uint64, authors []committee.AuthorityIndex, parents []*types.Block) []*types.Block {
	for r := from; r <= to; r++ {
		parents = d.layer(r, authors, parents)
	}
	return parents
}

// all returns every created block in creation order of rounds.
func (d *dagBuilder) all() []*types.Block {
	var out []*types.Block
	for r := uint64(1); len(d.rounds[r]) > 0; r++ {
		out = append(out, d.rounds[r]...)
	}
	return out
}

func authorsOf(n int) []committee.AuthorityIndex {
	out := make([]committee.AuthorityIndex, n)
	for i := range out {
		out[i] = committee.AuthorityIndex(i)
	}
	return out
}

func testParameters() config.Parameters {
	p := config.DefaultParameters()
	p.LeaderElection = committee.RoundRobin
	return p
}

func insertAll(t *testing.T, store *dag.Store, blocks ...*types.Block) {
	for _, b := range blocks {
		_, err := store.Insert(b)
		require.NoError(t, err)
	}
}

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}
