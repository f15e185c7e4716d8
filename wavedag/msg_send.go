package wavedag

import (
	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/types"
)

func (n *Node) broadcastBlock(b *types.Block) {
	if err := n.net.Broadcast(BlockTag, b); err != nil {
		n.logger.Warn("fail to broadcast the block", "round", b.Round, "error", err)
		return
	}
	n.logger.Debug("block is broadcast", "round", b.Round, "block", b.Digest().String(),
		"parents", len(b.Parents), "payload", len(b.Payload))
}

func (n *Node) sendAck(b *types.Block) {
	ack := &types.BlockAck{From: n.self, Digest: b.Digest()}
	if err := n.net.Send(b.Author, AckTag, ack); err != nil {
		n.logger.Debug("fail to send the ack", "receiver", b.Author, "round", b.Round, "error", err)
	}
}

func (n *Node) sendFetchResponses(to committee.AuthorityIndex, resps []*types.FetchResponse) {
	for _, resp := range resps {
		if err := n.net.Send(to, FetchResponseTag, resp); err != nil {
			n.logger.Debug("fail to send the fetch response", "receiver", to, "id", resp.ID, "error", err)
			return
		}
	}
}
