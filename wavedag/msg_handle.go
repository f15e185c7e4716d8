package wavedag

import (
	"context"
	"fmt"
	"time"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/conn"
	"github.com/gitzhang10/WaveDAG/dag"
	"github.com/gitzhang10/WaveDAG/types"
	"github.com/pkg/errors"
)

// HandleMsgLoop consumes the inbound msgs until ctx is done.
func (n *Node) HandleMsgLoop(ctx context.Context) error {
	msgCh := n.net.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-msgCh:
			if !ok {
				return nil
			}
			switch msgAsserted := env.Msg.(type) {
			case *types.Block:
				from, hasFrom := sender(env, msgAsserted.Author)
				n.handleBlock(msgAsserted, from, hasFrom, true)
			case *types.BlockAck:
				from, _ := sender(env, msgAsserted.From)
				n.handleAck(msgAsserted, from)
			case *types.FetchRequest:
				from, _ := sender(env, msgAsserted.Requester)
				n.handleFetchRequest(msgAsserted, from)
			case *types.FetchResponse:
				from, hasFrom := sender(env, msgAsserted.Responder)
				for _, b := range msgAsserted.Blocks {
					n.handleBlock(b, from, hasFrom, false)
				}
				n.sync.HandleResponse(msgAsserted)
			default:
				n.logger.Debug("unexpected msg", "type", fmt.Sprintf("%T", env.Msg))
			}
		}
	}
}

// sender returns the authenticated peer of env, or the authority the msg claims to come from.
// The claim is only used as a hint.
func sender(env conn.Envelope, claimed committee.AuthorityIndex) (committee.AuthorityIndex, bool) {
	if env.Authenticated {
		return committee.AuthorityIndex(env.From), true
	}
	return claimed, false
}

// handleBlock validates b and inserts it into the DAG store. Broadcast blocks are
// acknowledged to their author.
func (n *Node) handleBlock(b *types.Block, from committee.AuthorityIndex, hasFrom, broadcast bool) {
	if err := n.validator.Validate(b); err != nil {
		if errors.Cause(err) != ErrEquivocation {
			n.metrics.blocksRejected.WithLabelValues(rejectReason(err)).Inc()
			if isProtocolViolation(err) {
				n.recordViolation(b.Author, err)
			} else {
				n.logger.Debug("block rejected", "round", b.Round, "author", b.Author, "error", err)
			}
			return
		}
		// stored anyway, the proof is built when it is accepted
		n.logger.Debug("conflicting block received", "round", b.Round, "author", b.Author)
	}

	res, err := n.store.Insert(b)
	if err != nil {
		n.metrics.blocksRejected.WithLabelValues(rejectReason(err)).Inc()
		if isProtocolViolation(err) {
			n.recordViolation(b.Author, err)
		}
		if errors.Is(err, dag.ErrPendingFull) {
			n.logger.Warn("fail to keep the block, too many blocks are pending", "round", b.Round,
				"author", b.Author, "pending", n.store.PendingSize())
		}
		return
	}
	n.afterInsert(b, res, from, hasFrom)

	if broadcast && b.Author != n.self {
		n.sendAck(b)
	}
}

func (n *Node) afterInsert(b *types.Block, res dag.InsertResult, from committee.AuthorityIndex, hasFrom bool) {
	for _, accepted := range res.Accepted {
		n.sync.Resolved(accepted.Digest())
		n.metrics.blocksAccepted.Inc()
	}
	n.recordEquivocations(res.Equivocations)
	for _, rejected := range res.Rejected {
		n.metrics.blocksRejected.WithLabelValues(rejectReason(dag.ErrParentMismatch)).Inc()
		n.recordViolation(rejected.Author, errors.Wrapf(dag.ErrParentMismatch, "%s", rejected))
	}
	if res.Dropped > 0 {
		n.metrics.blocksRejected.WithLabelValues(rejectReason(dag.ErrInvalidAncestor)).Add(float64(res.Dropped))
	}
	if len(res.Missing) > 0 {
		n.sync.Missing(res.Missing, from, hasFrom)
	}
	if res.Pending && !res.Duplicate {
		n.catchUp(b, from, hasFrom)
	}
	n.metrics.highestRound.Set(float64(n.store.HighestRound()))
	n.metrics.pendingBlocks.Set(float64(n.store.PendingSize()))

	if len(res.Accepted) > 0 {
		n.logger.Debug("blocks added to the DAG", "round", b.Round, "author", b.Author,
			"accepted", len(res.Accepted))
		n.updated.broadcast()
		n.kickCommit()
	}
}

// catchUp asks a peer for whole round ranges when b is far ahead of the local DAG,
// fetching them parent by parent would take a round trip per round.
func (n *Node) catchUp(b *types.Block, from committee.AuthorityIndex, hasFrom bool) {
	highest := n.store.HighestRound()
	if b.Round <= highest+n.params.WaveLength {
		return
	}
	n.lock.Lock()
	if time.Since(n.lastCatchUp) < n.params.FetchBackoffMax {
		n.lock.Unlock()
		return
	}
	n.lastCatchUp = time.Now()
	n.lock.Unlock()

	peer := b.Author
	if hasFrom {
		peer = from
	}
	fromRound := highest + 1
	if gc := n.store.GCRound(); fromRound <= gc {
		fromRound = gc + 1
	}
	n.logger.Info("lagging behind, fetching rounds", "from", fromRound, "to", b.Round-1, "peer", peer)
	for _, a := range n.committee.Authorities() {
		if !n.sync.FetchRange(peer, a.Index, fromRound, b.Round-1) {
			break
		}
	}
}

func (n *Node) handleAck(ack *types.BlockAck, from committee.AuthorityIndex) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.ownAck == nil || n.ownAck.digest != ack.Digest {
		return
	}
	n.metrics.acksReceived.Inc()
	reached := n.ownAck.stake.ReachedQuorum()
	if n.ownAck.stake.Add(from) && !reached {
		n.logger.Debug("own block acknowledged by a quorum", "block", ack.Digest.String())
	}
}

func (n *Node) handleFetchRequest(req *types.FetchRequest, from committee.AuthorityIndex) {
	if from == n.self || !n.committee.Exists(from) {
		return
	}
	n.sendFetchResponses(from, n.sync.Serve(req))
}
