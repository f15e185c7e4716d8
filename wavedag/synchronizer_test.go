package wavedag

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/config"
	"github.com/gitzhang10/WaveDAG/conn"
	"github.com/gitzhang10/WaveDAG/dag"
	"github.com/gitzhang10/WaveDAG/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type sentMsg struct {
	to      committee.AuthorityIndex
	msgType uint8
	msg     interface{}
}

// recordingNetwork keeps every sent msg.
type recordingNetwork struct {
	lock sync.Mutex
	sent []sentMsg
	in   chan conn.Envelope
}

func newRecordingNetwork() *recordingNetwork {
	return &recordingNetwork{in: make(chan conn.Envelope)}
}

func (r *recordingNetwork) Broadcast(msgType uint8, msg interface{}) error {
	return r.Send(committee.AuthorityIndex(1<<31), msgType, msg)
}

func (r *recordingNetwork) Send(to committee.AuthorityIndex, msgType uint8, msg interface{}) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sent = append(r.sent, sentMsg{to: to, msgType: msgType, msg: msg})
	return nil
}

func (r *recordingNetwork) Inbound() <-chan conn.Envelope { return r.in }

func (r *recordingNetwork) Close() error { return nil }

func (r *recordingNetwork) requests() []sentMsg {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []sentMsg
	for _, m := range r.sent {
		if m.msgType == FetchRequestTag {
			out = append(out, m)
		}
	}
	return out
}

func newTestSynchronizer(t *testing.T, mutate func(p *config.Parameters)) (*Synchronizer, *dag.Store, *recordingNetwork, *dagBuilder) {
	c, keys := newTestCommittee(t, equalStakes(4)...)
	params := testParameters()
	params.FetchBackoffMin = 10 * time.Millisecond
	params.FetchBackoffMax = 40 * time.Millisecond
	params.FetchTimeout = time.Second
	params.MaxFetchAttempts = 3
	params.FetchConcurrency = 2
	if mutate != nil {
		mutate(&params)
	}
	m, err := newMetrics(prometheus.NewRegistry(), testEpoch)
	require.NoError(t, err)
	store := dag.New(c, params.MaxPendingBlocks)
	net := newRecordingNetwork()
	return NewSynchronizer(c, 0, store, net, params, testLogger(), m), store, net, newDAGBuilder(t, keys)
}

func TestSynchronizerAsksAuthorThenHint(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, _, net, d := newTestSynchronizer(t, nil)
	missing := d.block(2, 1, nil)

	s.Missing([]types.BlockRef{missing.Reference()}, 3, true)
	require.Equal(t, 1, s.Inflight())

	now := time.Now()
	s.dispatch(now)
	reqs := net.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, committee.AuthorityIndex(2), reqs[0].to)
	req := reqs[0].msg.(*types.FetchRequest)
	assert.Equal(t, []types.Digest{missing.Digest()}, req.Digests)
	assert.Equal(t, committee.AuthorityIndex(0), req.Requester)

	// not due before the backoff elapsed
	s.dispatch(now)
	require.Len(t, net.requests(), 1)

	// the answer releases the fetch slot
	s.HandleResponse(&types.FetchResponse{ID: req.ID, Responder: 2, Last: true})
	s.dispatch(now.Add(time.Second))
	reqs = net.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, committee.AuthorityIndex(3), reqs[1].to)

	s.Resolved(missing.Digest())
	assert.Equal(t, 0, s.Inflight())
	assert.True(t, s.RecentlyResolved(missing.Digest()))
	s.cancelRequests()
}

func TestSynchronizerGivesUp(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, _, net, d := newTestSynchronizer(t, nil)
	missing := d.block(1, 1, nil)
	s.Missing([]types.BlockRef{missing.Reference()}, 0, false)

	now := time.Now()
	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		s.dispatch(now)
		s.cancelRequests()
	}
	require.Len(t, net.requests(), 3)
	peers := map[committee.AuthorityIndex]bool{}
	for _, r := range net.requests() {
		assert.NotEqual(t, committee.AuthorityIndex(0), r.to)
		peers[r.to] = true
	}
	assert.Greater(t, len(peers), 1)

	s.dispatch(now.Add(time.Second))
	assert.Equal(t, 0, s.Inflight())
	assert.Len(t, net.requests(), 3)
}

func TestSynchronizerBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, _, net, d := newTestSynchronizer(t, nil)
	var refs []types.BlockRef
	for a := committee.AuthorityIndex(1); a < 4; a++ {
		refs = append(refs, d.block(a, 1, nil).Reference())
	}
	s.Missing(refs, 0, false)
	s.dispatch(time.Now())
	// one request per author, only two fetch slots
	assert.Len(t, net.requests(), 2)
	assert.False(t, s.FetchRange(1, 1, 1, 5))
	s.cancelRequests()
	assert.True(t, s.FetchRange(1, 1, 1, 5))
	s.cancelRequests()
}

func TestSynchronizerKeepsAttemptsWhenSlotsAreTaken(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, _, net, d := newTestSynchronizer(t, func(p *config.Parameters) {
		p.FetchConcurrency = 1
		p.MaxFetchAttempts = 1
	})
	first := d.block(1, 1, nil).Reference()
	second := d.block(2, 2, nil).Reference()
	s.Missing([]types.BlockRef{first, second}, 0, false)

	now := time.Now()
	s.dispatch(now)
	require.Len(t, net.requests(), 1)
	assert.Equal(t, committee.AuthorityIndex(1), net.requests()[0].to)
	s.lock.Lock()
	assert.Equal(t, 1, s.inflight[first.Digest].attempts)
	assert.Equal(t, 0, s.inflight[second.Digest].attempts)
	s.lock.Unlock()

	// the digest that never left is still asked once before giving up
	s.cancelRequests()
	s.dispatch(now.Add(time.Second))
	reqs := net.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, committee.AuthorityIndex(2), reqs[1].to)
	assert.Equal(t, []types.Digest{second.Digest}, reqs[1].msg.(*types.FetchRequest).Digests)
	assert.Equal(t, 1, s.Inflight())
	s.cancelRequests()
}

func TestSynchronizerSkipsRecentlyResolved(t *testing.T) {
	s, _, net, d := newTestSynchronizer(t, nil)
	ref := d.block(1, 1, nil).Reference()
	s.Resolved(ref.Digest)

	s.Missing([]types.BlockRef{ref}, 0, false)
	assert.Equal(t, 0, s.Inflight())
	s.dispatch(time.Now())
	assert.Empty(t, net.requests())
}

func TestSynchronizerTimeoutReleasesSlot(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, _, net, d := newTestSynchronizer(t, func(p *config.Parameters) {
		p.FetchConcurrency = 1
		p.FetchTimeout = 50 * time.Millisecond
	})
	s.Missing([]types.BlockRef{d.block(1, 1, nil).Reference()}, 0, false)
	s.dispatch(time.Now())
	require.Len(t, net.requests(), 1)
	assert.False(t, s.FetchRange(2, 2, 1, 2))

	require.Eventually(t, func() bool { return s.FetchRange(2, 2, 1, 2) }, time.Second, 10*time.Millisecond)
	s.cancelRequests()
}

func TestSynchronizerRunRescansStore(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, store, net, d := newTestSynchronizer(t, nil)
	round1 := d.layer(1, authorsOf(4), nil)
	child := d.block(0, 2, round1)
	res, err := store.Insert(child)
	require.NoError(t, err)
	require.True(t, res.Pending)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// nothing was registered, the rescan finds the missing parents
	require.Eventually(t, func() bool { return len(net.requests()) > 0 }, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestServe(t *testing.T) {
	s, store, _, d := newTestSynchronizer(t, nil)
	d.fullRounds(1, 40, authorsOf(4), nil)
	insertAll(t, store, d.all()...)

	resps := s.Serve(&types.FetchRequest{ID: 7, Digests: []types.Digest{d.rounds[3][1].Digest(), {1}}})
	require.Len(t, resps, 1)
	assert.True(t, resps[0].Last)
	assert.Equal(t, uint64(7), resps[0].ID)
	assert.Equal(t, []*types.Block{d.rounds[3][1]}, resps[0].Blocks)

	resps = s.Serve(&types.FetchRequest{ID: 8, ByRange: true, Author: 2, FromRound: 1, ToRound: 40})
	require.Len(t, resps, 2)
	assert.Len(t, resps[0].Blocks, responseChunk)
	assert.False(t, resps[0].Last)
	assert.Len(t, resps[1].Blocks, 8)
	assert.True(t, resps[1].Last)
	for _, r := range resps {
		for _, b := range r.Blocks {
			assert.Equal(t, committee.AuthorityIndex(2), b.Author)
		}
	}
}
