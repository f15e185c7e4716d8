package dag

import (
	"github.com/gitzhang10/WaveDAG/types"
)

// HistoryIterator walks the causal history of a block lazily.
// Each ancestor is yielded once even when reachable through several paths.
// The walk never descends below MinRound and does not expand a block for which
// Skip returns true; such a block is not yielded either.
type HistoryIterator struct {
	store    *Store
	root     *types.Block
	minRound uint64
	skip     func(*types.Block) bool

	stack   []*types.Block
	visited map[types.Digest]struct{}
}

// HistoryOption customizes a causal history walk.
type HistoryOption func(*HistoryIterator)

// WithMinRound bounds the walk to rounds >= round.
func WithMinRound(round uint64) HistoryOption {
	return func(it *HistoryIterator) { it.minRound = round }
}

// WithSkip prunes the walk at blocks matching fn.
func WithSkip(fn func(*types.Block) bool) HistoryOption {
	return func(it *HistoryIterator) { it.skip = fn }
}

// CausalHistory returns an iterator over b and all of its stored ancestors.
func (s *Store) CausalHistory(b *types.Block, opts ...HistoryOption) *HistoryIterator {
	it := &HistoryIterator{store: s, root: b}
	for _, opt := range opts {
		opt(it)
	}
	it.Reset()
	return it
}

// Reset restarts the walk from the root.
func (it *HistoryIterator) Reset() {
	it.visited = make(map[types.Digest]struct{})
	it.stack = it.stack[:0]
	if it.admit(it.root, it.root.Digest()) {
		it.stack = append(it.stack, it.root)
	}
}

func (it *HistoryIterator) admit(b *types.Block, d types.Digest) bool {
	if _, ok := it.visited[d]; ok {
		return false
	}
	it.visited[d] = struct{}{}
	if b.Round < it.minRound {
		return false
	}
	if it.skip != nil && it.skip(b) {
		return false
	}
	return true
}

// Next returns the next ancestor, or false once the history is exhausted.
func (it *HistoryIterator) Next() (*types.Block, bool) {
	if len(it.stack) == 0 {
		return nil, false
	}
	b := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]
	for _, ref := range b.Parents {
		if ref.Round < it.minRound {
			continue
		}
		if _, ok := it.visited[ref.Digest]; ok {
			continue
		}
		parent, ok := it.store.Get(ref.Digest)
		if !ok {
			// pruned
			it.visited[ref.Digest] = struct{}{}
			continue
		}
		if it.admit(parent, ref.Digest) {
			it.stack = append(it.stack, parent)
		}
	}
	return b, true
}

// Collect drains the iterator.
func (it *HistoryIterator) Collect() []*types.Block {
	var out []*types.Block
	for b, ok := it.Next(); ok; b, ok = it.Next() {
		out = append(out, b)
	}
	return out
}

// AncestorsAtRound returns the blocks of the given round in the causal history of b.
func (s *Store) AncestorsAtRound(b *types.Block, round uint64) []*types.Block {
	if b.Round < round {
		return nil
	}
	var out []*types.Block
	it := s.CausalHistory(b, WithMinRound(round))
	for a, ok := it.Next(); ok; a, ok = it.Next() {
		if a.Round == round {
			out = append(out, a)
		}
	}
	types.SortBlocks(out)
	return out
}

// Reaches reports whether target is in the causal history of b.
func (s *Store) Reaches(b *types.Block, target types.BlockRef) bool {
	if b.Round < target.Round {
		return false
	}
	it := s.CausalHistory(b, WithMinRound(target.Round))
	for a, ok := it.Next(); ok; a, ok = it.Next() {
		if a.Round == target.Round && a.Author == target.Author && a.Digest() == target.Digest {
			return true
		}
	}
	return false
}
