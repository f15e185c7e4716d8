package types

import (
	"fmt"

	"github.com/gitzhang10/WaveDAG/committee"
)

// Commit is one entry of the commit sequence: a certified wave leader and
// the not yet committed part of its causal history, in deterministic order.
type Commit struct {
	Index     uint64
	Wave      uint64
	Leader    BlockRef
	Blocks    []*Block
	Timestamp int64 // leader timestamp, identical on every authority
	Final     bool  // marks the last record of an epoch, carries no blocks
}

func (c *Commit) Refs() []BlockRef {
	refs := make([]BlockRef, len(c.Blocks))
	for i, b := range c.Blocks {
		refs[i] = b.Reference()
	}
	return refs
}

func (c *Commit) String() string {
	if c.Final {
		return fmt.Sprintf("Commit#%d(final)", c.Index)
	}
	return fmt.Sprintf("Commit#%d(wave=%d,leader=%s,blocks=%d)", c.Index, c.Wave, c.Leader, len(c.Blocks))
}

// FetchRequest asks a peer for blocks, either by digest or by an author and round range.
type FetchRequest struct {
	ID        uint64
	Requester committee.AuthorityIndex
	Digests   []Digest
	ByRange   bool
	Author    committee.AuthorityIndex
	FromRound uint64
	ToRound   uint64
}

// FetchResponse carries the blocks a peer could serve for a FetchRequest.
// A request may be answered by several responses, the last one has Last set.
type FetchResponse struct {
	ID        uint64
	Responder committee.AuthorityIndex
	Blocks    []*Block
	Last      bool
}

// BlockAck acknowledges the receipt of a broadcast block.
type BlockAck struct {
	From   committee.AuthorityIndex
	Digest Digest
}
