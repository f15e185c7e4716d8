package wavedag

import (
	"context"
	"time"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/types"
	"github.com/pkg/errors"
)

// proposeLoop proposes one block per round. A round starts once the DAG holds a quorum
// of the previous round, a voting round also waits a bounded time for the wave leader.
// The loop resumes after the last round persisted by an earlier run.
func (n *Node) proposeLoop(ctx context.Context) error {
	round := n.log.LastProposed() + 1
	var last time.Time
	for {
		if err := n.waitBackpressure(ctx); err != nil {
			return nil
		}
		target := round
		if _, err := n.waitFor(ctx, 0, func() bool { return n.readyRound(target) >= target }); err != nil {
			return nil
		}
		if r := n.readyRound(round); r > round {
			n.logger.Debug("proposer catches up", "from", round, "to", r)
			round = r
		}

		if round > 1 && n.linearizer.IsLeaderRound(round-1) {
			leader := n.linearizer.Leader(n.linearizer.WaveOf(round - 1))
			prev := round - 1
			found, err := n.waitFor(ctx, n.params.LeaderTimeout, func() bool {
				return len(n.store.GetByAuthorRound(leader, prev)) > 0
			})
			if err != nil {
				return nil
			}
			if !found {
				n.logger.Debug("voting without the wave leader", "round", round, "leader", leader)
			}
		}

		if wait := n.params.MinRoundDelay - time.Since(last); wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}

		if err := n.propose(ctx, round); err != nil {
			return err
		}
		last = time.Now()
		round++
	}
}

// readyRound returns the highest round from round on whose previous round holds a quorum,
// or 0 when round itself is not ready.
func (n *Node) readyRound(round uint64) uint64 {
	if round == 1 {
		return n.highestReady(1)
	}
	if !n.hasQuorum(round - 1) {
		return 0
	}
	return n.highestReady(round)
}

func (n *Node) highestReady(round uint64) uint64 {
	for r := n.store.HighestRound() + 1; r > round; r-- {
		if n.hasQuorum(r - 1) {
			return r
		}
	}
	return round
}

// hasQuorum reports whether the distinct authors of a round carry a quorum of stake.
func (n *Node) hasQuorum(round uint64) bool {
	agg := committee.NewStakeAggregator(n.committee)
	for _, b := range n.store.ProposerParents(round) {
		if agg.Add(b.Author) {
			return true
		}
	}
	return false
}

// waitFor waits until cond holds, the timeout expires or ctx is done.
// A zero timeout waits without limit.
func (n *Node) waitFor(ctx context.Context, timeout time.Duration, cond func() bool) (bool, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		wake := n.updated.wait()
		if cond() {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-expired:
			return false, nil
		case <-wake:
		}
	}
}

// waitBackpressure holds the proposer while too many commits wait for the consumer.
func (n *Node) waitBackpressure(ctx context.Context) error {
	limit := uint64(n.params.CommitBuffer)
	if n.log.Unacked() <= limit {
		return nil
	}
	n.metrics.backpressure.Inc()
	n.logger.Debug("proposer paused, commits are not acknowledged", "unacked", n.log.Unacked())
	_, err := n.waitFor(ctx, 0, func() bool { return n.log.Unacked() <= limit })
	return err
}

// selectParents references every usable block of the previous round and the last
// own block when it is older.
func (n *Node) selectParents(round uint64) []*types.Block {
	if round == 1 {
		return nil
	}
	var parents []*types.Block
	if last := n.store.LastRound(n.self); last > n.store.GCRound() && last < round-1 {
		if own := n.store.GetByAuthorRound(n.self, last); len(own) > 0 {
			parents = append(parents, own[0])
		}
	}
	parents = append(parents, n.store.ProposerParents(round-1)...)
	if limit := n.params.MaxParentsFor(n.committee.Size()); len(parents) > limit {
		parents = parents[:limit]
	}
	return parents
}

// propose signs the block of round, persists the round and then sends the block.
func (n *Node) propose(ctx context.Context, round uint64) error {
	parents := n.selectParents(round)
	refs := make([]types.BlockRef, len(parents))
	timestamp := time.Now().UnixMilli()
	for i, p := range parents {
		refs[i] = p.Reference()
		if p.Timestamp > timestamp {
			timestamp = p.Timestamp
		}
	}
	payload := n.payload.Next(ctx, n.params.MaxPayloadBytes)

	b := types.NewBlock(n.committee.Epoch(), n.self, round, timestamp, refs, payload)
	if err := b.Sign(n.signer); err != nil {
		return errors.Wrapf(err, "signing the block of round %d", round)
	}
	// a restarted node must never sign another block for this round
	if err := n.log.MarkProposed(round); err != nil {
		return err
	}
	res, err := n.store.Insert(b)
	if err != nil {
		return errors.Wrapf(err, "storing the block of round %d", round)
	}
	n.afterInsert(b, res, n.self, false)

	ack := &ownAck{digest: b.Digest(), stake: committee.NewStakeAggregator(n.committee)}
	ack.stake.Add(n.self)
	n.lock.Lock()
	n.ownAck = ack
	n.lock.Unlock()

	n.metrics.proposedRound.Set(float64(round))
	n.broadcastBlock(b)
	return nil
}
