/*
Package dag implements the node-local, content-addressed store of verified blocks.

Blocks live in a table keyed by digest; parent links are digests, never pointers.
A block is only exposed once every parent is stored, blocks with unknown parents
wait in a pending area until their ancestors resolve.
*/
package dag

import (
	"sync"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/types"
	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

const (
	indexDegree = 32
	// prunedRefsSize bounds the references of pruned blocks kept to check late children.
	prunedRefsSize = 1 << 16
)

var (
	ErrPendingFull    = errors.New("pending area is full")
	ErrBelowWatermark = errors.New("block round is below the pruning watermark")
	// ErrParentMismatch is returned when a parent reference carries another author
	// or round than the block its digest names.
	ErrParentMismatch = errors.New("parent reference does not match the parent block")
	// ErrInvalidAncestor is returned for a block descending from a rejected block.
	ErrInvalidAncestor = errors.New("block descends from a rejected block")
)

// slot is one entry of the (round, author) index.
type slot struct {
	round  uint64
	author committee.AuthorityIndex
	digest types.Digest
}

func slotLess(a, b slot) bool {
	if a.round != b.round {
		return a.round < b.round
	}
	if a.author != b.author {
		return a.author < b.author
	}
	return a.digest.Compare(b.digest) < 0
}

type pendingBlock struct {
	block   *types.Block
	digest  types.Digest
	missing map[types.Digest]struct{}
}

// InsertResult reports the effect of an insertion.
type InsertResult struct {
	// Accepted lists the blocks that became visible, parents before children.
	Accepted []*types.Block
	// Missing lists parents that are neither stored nor pending.
	Missing []types.BlockRef
	// Pending is set when the inserted block waits for ancestors.
	Pending   bool
	Duplicate bool
	// Equivocations found among the accepted blocks.
	Equivocations []types.EquivocationProof
	// Rejected lists pending blocks whose parent references turned out wrong once
	// the parents arrived. Dropped counts their pending descendants, dropped with them.
	Rejected []*types.Block
	Dropped  int
}

// Store is safe for concurrent use. Every insertion happens under one lock,
// so readers never observe a partially inserted block.
type Store struct {
	lock       sync.RWMutex
	committee  *committee.Committee
	maxPending int

	blocks  map[types.Digest]*types.Block
	index   *btree.BTreeG[slot]
	flagged map[types.Digest]struct{}
	invalid map[types.Digest]uint64 // digest -> round
	pruned  *lru.Cache              // digest -> types.BlockRef

	pending map[types.Digest]*pendingBlock
	waiting map[types.Digest][]types.Digest // missing parent -> pending children

	highestRound uint64
	lastRound    map[committee.AuthorityIndex]uint64
	gcRound      uint64
}

// New creates an empty store for one epoch.
func New(c *committee.Committee, maxPending int) *Store {
	pruned, err := lru.New(prunedRefsSize)
	if err != nil {
		panic(err)
	}
	return &Store{
		pruned:     pruned,
		committee:  c,
		maxPending: maxPending,
		blocks:     make(map[types.Digest]*types.Block),
		index:      btree.NewG(indexDegree, slotLess),
		flagged:    make(map[types.Digest]struct{}),
		invalid:    make(map[types.Digest]uint64),
		pending:    make(map[types.Digest]*pendingBlock),
		waiting:    make(map[types.Digest][]types.Digest),
		lastRound:  make(map[committee.AuthorityIndex]uint64),
	}
}

// Insert adds a verified block. It is idempotent on digest.
func (s *Store) Insert(b *types.Block) (InsertResult, error) {
	d := b.Digest()

	s.lock.Lock()
	defer s.lock.Unlock()

	var res InsertResult
	if _, ok := s.blocks[d]; ok {
		res.Duplicate = true
		return res, nil
	}
	if p, ok := s.pending[d]; ok {
		res.Duplicate = true
		res.Pending = true
		res.Missing = s.unresolvedLocked(p)
		return res, nil
	}
	if b.Round <= s.gcRound {
		return res, ErrBelowWatermark
	}
	if _, ok := s.invalid[d]; ok {
		return res, ErrInvalidAncestor
	}
	if err := s.checkParentsLocked(b); err != nil {
		if errors.Cause(err) == ErrInvalidAncestor {
			s.invalid[d] = b.Round
		}
		return res, err
	}

	missing := make(map[types.Digest]struct{})
	for _, parent := range b.Parents {
		if _, ok := s.blocks[parent.Digest]; ok {
			continue
		}
		// a parent below the watermark counts as resolved unless it is pending
		if _, ok := s.pending[parent.Digest]; !ok && parent.Round <= s.gcRound {
			continue
		}
		missing[parent.Digest] = struct{}{}
	}

	if len(missing) > 0 {
		if len(s.pending) >= s.maxPending {
			return res, ErrPendingFull
		}
		p := &pendingBlock{block: b, digest: d, missing: missing}
		s.pending[d] = p
		for parent := range missing {
			s.waiting[parent] = append(s.waiting[parent], d)
		}
		res.Pending = true
		res.Missing = s.unresolvedLocked(p)
		return res, nil
	}

	s.acceptLocked(b, d, &res)
	return res, nil
}

// CheckParents verifies the parent references of b against the parent blocks
// known to the store, stored or pending. Unknown parents are not checked.
func (s *Store) CheckParents(b *types.Block) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.checkParentsLocked(b)
}

func (s *Store) checkParentsLocked(b *types.Block) error {
	for _, ref := range b.Parents {
		if _, ok := s.invalid[ref.Digest]; ok {
			return errors.Wrapf(ErrInvalidAncestor, "parent %s", ref)
		}
		parent, ok := s.blocks[ref.Digest]
		if !ok {
			if p, pending := s.pending[ref.Digest]; pending {
				parent = p.block
			}
		}
		if parent != nil && !matches(ref, parent) {
			return errors.Wrapf(ErrParentMismatch, "reference %s names a block of author %d round %d",
				ref, parent.Author, parent.Round)
		}
		if parent == nil {
			if v, ok := s.pruned.Get(ref.Digest); ok {
				if pr := v.(types.BlockRef); pr.Author != ref.Author || pr.Round != ref.Round {
					return errors.Wrapf(ErrParentMismatch, "reference %s names a pruned block of author %d round %d",
						ref, pr.Author, pr.Round)
				}
			}
		}
	}
	return nil
}

func matches(ref types.BlockRef, b *types.Block) bool {
	return ref.Author == b.Author && ref.Round == b.Round
}

// unresolvedLocked returns the missing parents of p that are not pending themselves.
func (s *Store) unresolvedLocked(p *pendingBlock) []types.BlockRef {
	var refs []types.BlockRef
	for _, parent := range p.block.Parents {
		if _, ok := p.missing[parent.Digest]; !ok {
			continue
		}
		if _, ok := s.pending[parent.Digest]; ok {
			continue
		}
		refs = append(refs, parent)
	}
	return refs
}

// acceptLocked makes b visible and then releases every pending descendant whose
// ancestors are now complete, in causal order.
func (s *Store) acceptLocked(b *types.Block, d types.Digest, res *InsertResult) {
	queue := []*pendingBlock{{block: b, digest: d}}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		s.storeLocked(p.block, p.digest, res)

		children := s.waiting[p.digest]
		delete(s.waiting, p.digest)
		for _, child := range children {
			cp, ok := s.pending[child]
			if !ok {
				continue
			}
			if ref, ok := parentRef(cp.block, p.digest); ok && !matches(ref, p.block) {
				res.Rejected = append(res.Rejected, cp.block)
				s.dropLocked(cp, res)
				continue
			}
			delete(cp.missing, p.digest)
			if len(cp.missing) == 0 {
				delete(s.pending, child)
				queue = append(queue, cp)
			}
		}
	}
}

// dropLocked removes a pending block and its pending descendants and remembers
// them as invalid.
func (s *Store) dropLocked(root *pendingBlock, res *InsertResult) {
	stack := []*pendingBlock{root}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := s.pending[p.digest]; !ok {
			continue
		}
		delete(s.pending, p.digest)
		s.invalid[p.digest] = p.block.Round
		if p != root {
			res.Dropped++
		}
		for parent := range p.missing {
			s.unwaitLocked(parent, p.digest)
		}
		for _, child := range s.waiting[p.digest] {
			if cp, ok := s.pending[child]; ok {
				stack = append(stack, cp)
			}
		}
		delete(s.waiting, p.digest)
	}
}

func (s *Store) unwaitLocked(parent, child types.Digest) {
	children := s.waiting[parent]
	live := children[:0]
	for _, c := range children {
		if c != child {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		delete(s.waiting, parent)
	} else {
		s.waiting[parent] = live
	}
}

func (s *Store) storeLocked(b *types.Block, d types.Digest, res *InsertResult) {
	var first *types.Block
	s.index.AscendRange(slot{round: b.Round, author: b.Author}, slot{round: b.Round, author: b.Author + 1},
		func(item slot) bool {
			first = s.blocks[item.digest]
			return false
		})
	if first != nil {
		s.flagged[d] = struct{}{}
		res.Equivocations = append(res.Equivocations, types.EquivocationProof{
			Offender: b.Author,
			Round:    b.Round,
			First:    first,
			Second:   b,
		})
	}

	s.blocks[d] = b
	s.index.ReplaceOrInsert(slot{round: b.Round, author: b.Author, digest: d})
	if b.Round > s.highestRound {
		s.highestRound = b.Round
	}
	if b.Round > s.lastRound[b.Author] {
		s.lastRound[b.Author] = b.Round
	}
	res.Accepted = append(res.Accepted, b)
}

// Get returns a stored block. Pending blocks are never returned.
func (s *Store) Get(d types.Digest) (*types.Block, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	b, ok := s.blocks[d]
	return b, ok
}

func (s *Store) Contains(d types.Digest) bool {
	_, ok := s.Get(d)
	return ok
}

// Known reports whether the digest is stored, pending or rejected as invalid.
func (s *Store) Known(d types.Digest) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if _, ok := s.blocks[d]; ok {
		return true
	}
	if _, ok := s.invalid[d]; ok {
		return true
	}
	_, ok := s.pending[d]
	return ok
}

// GetByAuthorRound returns the blocks of author at round, in acceptance-independent
// digest order. More than one block means the author equivocated.
func (s *Store) GetByAuthorRound(author committee.AuthorityIndex, round uint64) []*types.Block {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var out []*types.Block
	s.index.AscendRange(slot{round: round, author: author}, slot{round: round, author: author + 1},
		func(item slot) bool {
			out = append(out, s.blocks[item.digest])
			return true
		})
	return out
}

// BlocksAtRound returns every stored block of a round ordered by author and digest.
func (s *Store) BlocksAtRound(round uint64) []*types.Block {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.roundLocked(round)
}

func (s *Store) roundLocked(round uint64) []*types.Block {
	var out []*types.Block
	s.index.AscendRange(slot{round: round}, slot{round: round + 1}, func(item slot) bool {
		out = append(out, s.blocks[item.digest])
		return true
	})
	return out
}

// ProposerParents returns the blocks of a round a proposer may reference:
// one per author, never a block flagged as equivocation.
func (s *Store) ProposerParents(round uint64) []*types.Block {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var out []*types.Block
	for _, b := range s.roundLocked(round) {
		if _, bad := s.flagged[b.Digest()]; bad {
			continue
		}
		out = append(out, b)
	}
	return out
}

// IsEquivocation reports whether the block was accepted after another block of the same slot.
func (s *Store) IsEquivocation(d types.Digest) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.flagged[d]
	return ok
}

func (s *Store) HighestRound() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.highestRound
}

// LastRound returns the highest round accepted from author.
func (s *Store) LastRound(author committee.AuthorityIndex) uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.lastRound[author]
}

// GCRound returns the pruning watermark: rounds at or below it are gone.
func (s *Store) GCRound() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.gcRound
}

func (s *Store) Size() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.blocks)
}

func (s *Store) PendingSize() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.pending)
}

// MissingAncestors lists the parents the pending blocks still wait for and
// that are not pending themselves.
func (s *Store) MissingAncestors() []types.BlockRef {
	s.lock.RLock()
	defer s.lock.RUnlock()
	seen := make(map[types.Digest]struct{})
	var out []types.BlockRef
	for _, p := range s.pending {
		for _, ref := range s.unresolvedLocked(p) {
			if _, ok := seen[ref.Digest]; ok {
				continue
			}
			seen[ref.Digest] = struct{}{}
			out = append(out, ref)
		}
	}
	return out
}

// Prune drops every stored and pending block with a round at or below round.
// Parents below the watermark count as resolved afterwards. The references of
// the pruned blocks are remembered for a while so late children are still checked.
func (s *Store) Prune(round uint64) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	if round <= s.gcRound {
		return 0
	}
	removed := 0
	for {
		item, ok := s.index.Min()
		if !ok || item.round > round {
			break
		}
		s.index.DeleteMin()
		s.pruned.Add(item.digest, types.BlockRef{Author: item.author, Round: item.round, Digest: item.digest})
		delete(s.blocks, item.digest)
		delete(s.flagged, item.digest)
		removed++
	}
	s.gcRound = round
	for d, r := range s.invalid {
		if r <= round {
			delete(s.invalid, d)
		}
	}

	var released []*pendingBlock
	for d, p := range s.pending {
		if p.block.Round <= round {
			delete(s.pending, d)
			continue
		}
		for parent := range p.missing {
			if pb, ok := s.pending[parent]; ok && pb.block.Round > round {
				continue
			}
			if ref, ok := parentRef(p.block, parent); ok && ref.Round <= round {
				delete(p.missing, parent)
			}
		}
		if len(p.missing) == 0 {
			delete(s.pending, d)
			released = append(released, p)
		}
	}
	for parent, children := range s.waiting {
		live := children[:0]
		for _, child := range children {
			if _, ok := s.pending[child]; ok {
				live = append(live, child)
			}
		}
		if len(live) == 0 {
			delete(s.waiting, parent)
		} else {
			s.waiting[parent] = live
		}
	}
	var res InsertResult
	for _, p := range released {
		s.acceptLocked(p.block, p.digest, &res)
	}
	return removed
}

func parentRef(b *types.Block, d types.Digest) (types.BlockRef, bool) {
	for _, p := range b.Parents {
		if p.Digest == d {
			return p, true
		}
	}
	return types.BlockRef{}, false
}

// Release drops every block, used when the epoch is retired.
func (s *Store) Release() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.blocks = make(map[types.Digest]*types.Block)
	s.index.Clear(false)
	s.flagged = make(map[types.Digest]struct{})
	s.invalid = make(map[types.Digest]uint64)
	s.pruned.Purge()
	s.pending = make(map[types.Digest]*pendingBlock)
	s.waiting = make(map[types.Digest][]types.Digest)
}
