package wavedag

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/config"
	"github.com/gitzhang10/WaveDAG/dag"
	"github.com/gitzhang10/WaveDAG/types"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/semaphore"
)

const (
	resolvedCacheSize = 4096
	maxFetchBatch     = 64
	maxServeRounds    = 64
	responseChunk     = 32
)

// fetchState tracks one missing block.
type fetchState struct {
	ref      types.BlockRef
	hint     committee.AuthorityIndex
	hasHint  bool
	attempts int
	backoff  *backoff.Backoff
	due      time.Time
}

type outstanding struct {
	peer  committee.AuthorityIndex
	timer *time.Timer
}

// Synchronizer fetches the missing ancestors of pending blocks.
// Each digest is first asked from its author, then from the peer that sent the
// block citing it, then from the other peers in turn, with exponential backoff
// between attempts. The number of requests in flight is bounded.
type Synchronizer struct {
	committee *committee.Committee
	self      committee.AuthorityIndex
	store     *dag.Store
	net       Network
	params    config.Parameters
	logger    hclog.Logger
	metrics   *metrics

	sem      *semaphore.Weighted
	resolved *lru.Cache

	lock     sync.Mutex
	inflight map[types.Digest]*fetchState
	requests map[uint64]*outstanding
	nextID   uint64

	kick chan struct{}
}

func NewSynchronizer(c *committee.Committee, self committee.AuthorityIndex, store *dag.Store, net Network,
	params config.Parameters, logger hclog.Logger, m *metrics) *Synchronizer {
	resolved, err := lru.New(resolvedCacheSize)
	if err != nil {
		// only a non-positive size fails
		panic(err)
	}
	return &Synchronizer{
		committee: c,
		self:      self,
		store:     store,
		net:       net,
		params:    params,
		logger:    logger,
		metrics:   m,
		sem:       semaphore.NewWeighted(int64(params.FetchConcurrency)),
		resolved:  resolved,
		inflight:  make(map[types.Digest]*fetchState),
		requests:  make(map[uint64]*outstanding),
		kick:      make(chan struct{}, 1),
	}
}

// Missing registers parents to fetch. hint is the peer that sent the block citing them.
func (s *Synchronizer) Missing(refs []types.BlockRef, hint committee.AuthorityIndex, hasHint bool) {
	added := false
	s.lock.Lock()
	for _, ref := range refs {
		if _, ok := s.inflight[ref.Digest]; ok {
			continue
		}
		if s.RecentlyResolved(ref.Digest) || s.store.Known(ref.Digest) {
			continue
		}
		s.inflight[ref.Digest] = &fetchState{
			ref:     ref,
			hint:    hint,
			hasHint: hasHint && hint != s.self,
			backoff: &backoff.Backoff{
				Min:    s.params.FetchBackoffMin,
				Max:    s.params.FetchBackoffMax,
				Factor: 2,
				Jitter: true,
			},
		}
		added = true
	}
	s.lock.Unlock()
	if added {
		s.wake()
	}
}

// Resolved stops fetching the digest once the block reached the store.
func (s *Synchronizer) Resolved(d types.Digest) {
	s.lock.Lock()
	delete(s.inflight, d)
	s.lock.Unlock()
	s.resolved.Add(d, struct{}{})
}

// RecentlyResolved reports whether the digest was resolved lately.
func (s *Synchronizer) RecentlyResolved(d types.Digest) bool {
	return s.resolved.Contains(d)
}

// Inflight returns the number of digests being fetched.
func (s *Synchronizer) Inflight() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.inflight)
}

func (s *Synchronizer) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run dispatches due fetches until ctx is done. It also rescans the store for
// ancestors that are still missing, which restarts fetches that gave up.
func (s *Synchronizer) Run(ctx context.Context) error {
	tick := time.NewTicker(s.params.FetchBackoffMin)
	defer tick.Stop()
	rescan := time.NewTicker(s.params.FetchBackoffMax)
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancelRequests()
			return nil
		case <-s.kick:
		case <-tick.C:
		case <-rescan.C:
			s.Missing(s.store.MissingAncestors(), 0, false)
		}
		s.dispatch(time.Now())
	}
}

// peerFor picks the authority asked on the given attempt.
func (s *Synchronizer) peerFor(st *fetchState) (committee.AuthorityIndex, bool) {
	n := s.committee.Size()
	if n < 2 {
		return 0, false
	}
	if st.attempts == 0 && st.ref.Author != s.self {
		return st.ref.Author, true
	}
	if st.attempts == 1 && st.hasHint {
		return st.hint, true
	}
	peer := committee.AuthorityIndex((int(st.ref.Author) + st.attempts) % n)
	if peer == s.self {
		peer = committee.AuthorityIndex((int(peer) + 1) % n)
	}
	return peer, true
}

func (s *Synchronizer) dispatch(now time.Time) {
	var peers []committee.AuthorityIndex
	batches := make(map[committee.AuthorityIndex][]*fetchState)

	s.lock.Lock()
	due := make([]*fetchState, 0, len(s.inflight))
	for d, st := range s.inflight {
		if s.store.Known(d) {
			delete(s.inflight, d)
			continue
		}
		if st.due.After(now) {
			continue
		}
		due = append(due, st)
	}
	// lower rounds first, they unblock the most
	sort.Slice(due, func(i, j int) bool { return due[i].ref.Less(due[j].ref) })
	for _, st := range due {
		if st.attempts >= s.params.MaxFetchAttempts {
			s.logger.Warn("giving up fetching block", "block", st.ref.String(), "attempts", st.attempts)
			delete(s.inflight, st.ref.Digest)
			s.metrics.fetchGiveUps.Inc()
			continue
		}
		peer, ok := s.peerFor(st)
		if !ok {
			continue
		}
		if len(batches[peer]) >= maxFetchBatch {
			continue
		}
		if _, ok := batches[peer]; !ok {
			peers = append(peers, peer)
		}
		batches[peer] = append(batches[peer], st)
	}
	s.lock.Unlock()

	for _, peer := range peers {
		if !s.sem.TryAcquire(1) {
			// every fetch slot is taken, the rest stays due without losing an attempt
			s.logger.Debug("fetch concurrency exhausted", "peer", peer, "blocks", len(batches[peer]))
			return
		}
		digests := make([]types.Digest, 0, len(batches[peer]))
		s.lock.Lock()
		for _, st := range batches[peer] {
			st.attempts++
			st.due = now.Add(st.backoff.Duration())
			digests = append(digests, st.ref.Digest)
		}
		s.lock.Unlock()
		s.request(peer, &types.FetchRequest{Requester: s.self, Digests: digests})
	}
}

// FetchRange asks peer for the blocks author proposed in [from, to].
func (s *Synchronizer) FetchRange(peer, author committee.AuthorityIndex, from, to uint64) bool {
	if peer == s.self || from > to || !s.sem.TryAcquire(1) {
		return false
	}
	s.request(peer, &types.FetchRequest{
		Requester: s.self,
		ByRange:   true,
		Author:    author,
		FromRound: from,
		ToRound:   to,
	})
	return true
}

// request sends req holding one fetch slot, released by the last response or the deadline.
func (s *Synchronizer) request(peer committee.AuthorityIndex, req *types.FetchRequest) {
	s.lock.Lock()
	s.nextID++
	req.ID = s.nextID
	id := req.ID
	s.requests[id] = &outstanding{
		peer:  peer,
		timer: time.AfterFunc(s.params.FetchTimeout, func() { s.finish(id, true) }),
	}
	s.lock.Unlock()

	s.metrics.fetchRequests.Inc()
	if err := s.net.Send(peer, FetchRequestTag, req); err != nil {
		s.logger.Debug("fail to send the fetch request", "peer", peer, "error", err)
		s.finish(id, false)
	}
}

func (s *Synchronizer) finish(id uint64, timedOut bool) {
	s.lock.Lock()
	o, ok := s.requests[id]
	if ok {
		delete(s.requests, id)
	}
	s.lock.Unlock()
	if !ok {
		return
	}
	o.timer.Stop()
	if timedOut {
		s.logger.Debug("fetch request timed out", "id", id, "peer", o.peer)
	}
	s.sem.Release(1)
	s.wake()
}

func (s *Synchronizer) cancelRequests() {
	s.lock.Lock()
	ids := make([]uint64, 0, len(s.requests))
	for id := range s.requests {
		ids = append(ids, id)
	}
	s.lock.Unlock()
	for _, id := range ids {
		s.finish(id, false)
	}
}

// HandleResponse releases the fetch slot of the answered request.
// The blocks themselves go through validation like any other block.
func (s *Synchronizer) HandleResponse(resp *types.FetchResponse) {
	if resp.Last {
		s.finish(resp.ID, false)
	}
}

// Serve answers a fetch request from the local store. The answer is split in
// chunks, the last one is flagged.
func (s *Synchronizer) Serve(req *types.FetchRequest) []*types.FetchResponse {
	var blocks []*types.Block
	if req.ByRange {
		to := req.ToRound
		if to >= req.FromRound+maxServeRounds {
			to = req.FromRound + maxServeRounds - 1
		}
		for r := req.FromRound; r <= to; r++ {
			blocks = append(blocks, s.store.GetByAuthorRound(req.Author, r)...)
		}
	} else {
		for i, d := range req.Digests {
			if i >= maxFetchBatch {
				break
			}
			if b, ok := s.store.Get(d); ok {
				blocks = append(blocks, b)
			}
		}
	}

	var out []*types.FetchResponse
	for len(blocks) > responseChunk {
		out = append(out, &types.FetchResponse{ID: req.ID, Responder: s.self, Blocks: blocks[:responseChunk]})
		blocks = blocks[responseChunk:]
	}
	out = append(out, &types.FetchResponse{ID: req.ID, Responder: s.self, Blocks: blocks, Last: true})
	return out
}
