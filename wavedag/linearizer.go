package wavedag

import (
	"sync"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/dag"
	"github.com/gitzhang10/WaveDAG/types"
)

type decisionKind int

const (
	undecided decisionKind = iota
	toCommit
	toSkip
)

type decision struct {
	kind   decisionKind
	leader *types.Block
	direct bool
}

type slotKey struct {
	author committee.AuthorityIndex
	round  uint64
}

// Linearizer turns the DAG into the commit sequence.
//
// The rounds are grouped into waves of waveLength rounds. The first round of a wave
// holds the leader slot, the second round votes and the last round decides. A voting
// block supports the leader block when that block is the only block of the leader
// slot in its history. A decision block certifies a leader block when the voting
// blocks in its history that support it carry a quorum of stake.
type Linearizer struct {
	lock       sync.Mutex
	committee  *committee.Committee
	store      *dag.Store
	elector    committee.LeaderElector
	waveLength uint64
	gcDepth    uint64

	lastDecidedWave    uint64
	lastCommittedRound uint64
	nextIndex          uint64
	sealed             bool

	committed      map[types.Digest]uint64 // digest -> round
	committedSlots map[slotKey]struct{}
}

func NewLinearizer(c *committee.Committee, store *dag.Store, elector committee.LeaderElector, waveLength, gcDepth uint64) *Linearizer {
	return &Linearizer{
		committee:      c,
		store:          store,
		elector:        elector,
		waveLength:     waveLength,
		gcDepth:        gcDepth,
		committed:      make(map[types.Digest]uint64),
		committedSlots: make(map[slotKey]struct{}),
	}
}

func (l *Linearizer) leaderRound(wave uint64) uint64 {
	return (wave-1)*l.waveLength + 1
}

func (l *Linearizer) votingRound(wave uint64) uint64 {
	return l.leaderRound(wave) + 1
}

func (l *Linearizer) decisionRound(wave uint64) uint64 {
	return wave * l.waveLength
}

// WaveOf returns the wave a round belongs to.
func (l *Linearizer) WaveOf(round uint64) uint64 {
	return (round-1)/l.waveLength + 1
}

// IsLeaderRound reports whether round holds a leader slot.
func (l *Linearizer) IsLeaderRound(round uint64) bool {
	return round > 0 && (round-1)%l.waveLength == 0
}

// Leader returns the authority of the leader slot of a wave.
func (l *Linearizer) Leader(wave uint64) committee.AuthorityIndex {
	return l.elector.Leader(wave)
}

// TryCommit decides every wave it can and returns the new commits, in order.
// Waves are decided from the highest down so a committed wave can anchor
// the ones below it. The output stops at the first undecided wave.
func (l *Linearizer) TryCommit() []*types.Commit {
	l.lock.Lock()
	defer l.lock.Unlock()

	maxWave := l.store.HighestRound() / l.waveLength
	if l.sealed || maxWave <= l.lastDecidedWave {
		return nil
	}

	ev := newEvaluator(l)
	decisions := make(map[uint64]decision, maxWave-l.lastDecidedWave)
	for w := maxWave; w > l.lastDecidedWave; w-- {
		d := ev.decideDirect(w)
		if d.kind == undecided {
			d = ev.decideIndirect(w, maxWave, decisions)
		}
		decisions[w] = d
	}

	var commits []*types.Commit
	for w := l.lastDecidedWave + 1; w <= maxWave; w++ {
		d := decisions[w]
		if d.kind == undecided {
			break
		}
		if d.kind == toCommit {
			commits = append(commits, l.commitLocked(w, d.leader))
		}
		l.lastDecidedWave = w
	}
	return commits
}

// commitLocked emits the not yet committed causal history of leader.
// Blocks at or below leader.Round-gcDepth are left out on every authority alike.
// A block whose (author, round) slot was already output is marked committed
// but never output.
func (l *Linearizer) commitLocked(wave uint64, leader *types.Block) *types.Commit {
	var minRound uint64 = 1
	if leader.Round > l.gcDepth {
		minRound = leader.Round - l.gcDepth + 1
	}
	history := l.store.CausalHistory(leader,
		dag.WithMinRound(minRound),
		dag.WithSkip(func(b *types.Block) bool {
			_, ok := l.committed[b.Digest()]
			return ok
		}),
	).Collect()
	types.SortBlocks(history)

	blocks := make([]*types.Block, 0, len(history))
	for _, b := range history {
		l.committed[b.Digest()] = b.Round
		key := slotKey{author: b.Author, round: b.Round}
		if _, dup := l.committedSlots[key]; dup {
			continue
		}
		l.committedSlots[key] = struct{}{}
		blocks = append(blocks, b)
	}

	c := &types.Commit{
		Index:     l.nextIndex,
		Wave:      wave,
		Leader:    leader.Reference(),
		Blocks:    blocks,
		Timestamp: leader.Timestamp,
	}
	l.nextIndex++
	l.lastCommittedRound = leader.Round
	return c
}

// Seal ends the sequence with the final marker of the epoch.
// TryCommit returns nothing afterwards.
func (l *Linearizer) Seal() *types.Commit {
	l.lock.Lock()
	defer l.lock.Unlock()
	if !l.sealed {
		l.sealed = true
		l.nextIndex++
	}
	return &types.Commit{Index: l.nextIndex - 1, Final: true}
}

// Prune forgets the committed blocks at or below round.
func (l *Linearizer) Prune(round uint64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for d, r := range l.committed {
		if r <= round {
			delete(l.committed, d)
		}
	}
	for key := range l.committedSlots {
		if key.round <= round {
			delete(l.committedSlots, key)
		}
	}
}

// IsCommitted reports whether the block was part of an emitted commit.
func (l *Linearizer) IsCommitted(d types.Digest) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	_, ok := l.committed[d]
	return ok
}

func (l *Linearizer) LastDecidedWave() uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.lastDecidedWave
}

// LastCommittedRound returns the round of the last committed leader.
func (l *Linearizer) LastCommittedRound() uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.lastCommittedRound
}

// NextIndex returns the index of the next commit.
func (l *Linearizer) NextIndex() uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.nextIndex
}

// evaluator memoizes the support of voting blocks during one TryCommit.
type evaluator struct {
	*Linearizer
	support map[types.Digest]types.Digest // voting block -> supported leader block, zero for none
}

func newEvaluator(l *Linearizer) *evaluator {
	return &evaluator{Linearizer: l, support: make(map[types.Digest]types.Digest)}
}

// leaderBlocksIn returns the blocks of the leader slot of wave in the history of b.
func (e *evaluator) leaderBlocksIn(b *types.Block, wave uint64) []*types.Block {
	leader := e.Leader(wave)
	var out []*types.Block
	for _, a := range e.store.AncestorsAtRound(b, e.leaderRound(wave)) {
		if a.Author == leader {
			out = append(out, a)
		}
	}
	return out
}

// supported returns the leader block the voting block supports, if any.
func (e *evaluator) supported(voter *types.Block, wave uint64) (types.Digest, bool) {
	vd := voter.Digest()
	if d, ok := e.support[vd]; ok {
		return d, !d.IsZero()
	}
	var d types.Digest
	if leaders := e.leaderBlocksIn(voter, wave); len(leaders) == 1 {
		d = leaders[0].Digest()
	}
	e.support[vd] = d
	return d, !d.IsZero()
}

// certifies reports whether the decision block certifies the leader block.
func (e *evaluator) certifies(decider *types.Block, leader types.Digest, wave uint64) bool {
	votes := committee.NewStakeAggregator(e.committee)
	for _, voter := range e.store.AncestorsAtRound(decider, e.votingRound(wave)) {
		if d, ok := e.supported(voter, wave); ok && d == leader {
			if votes.Add(voter.Author) {
				return true
			}
		}
	}
	return false
}

func (e *evaluator) decideDirect(wave uint64) decision {
	round := e.leaderRound(wave)
	candidates := e.store.GetByAuthorRound(e.Leader(wave), round)

	skips := committee.NewStakeAggregator(e.committee)
	commits := make([]*committee.StakeAggregator, len(candidates))
	for i := range commits {
		commits[i] = committee.NewStakeAggregator(e.committee)
	}

	for _, decider := range e.store.BlocksAtRound(e.decisionRound(wave)) {
		if len(e.leaderBlocksIn(decider, wave)) == 0 {
			skips.Add(decider.Author)
			continue
		}
		for i, c := range candidates {
			if e.certifies(decider, c.Digest(), wave) {
				commits[i].Add(decider.Author)
			}
		}
	}
	for i, agg := range commits {
		if agg.ReachedQuorum() {
			return decision{kind: toCommit, leader: candidates[i], direct: true}
		}
	}
	if skips.ReachedQuorum() {
		return decision{kind: toSkip, direct: true}
	}
	return decision{kind: undecided}
}

// decideIndirect decides a wave through the nearest higher wave that is not skipped.
// If that wave is committed its leader is the anchor: the wave is committed when a
// decision block in the anchor's history certifies a leader block, skipped otherwise.
func (e *evaluator) decideIndirect(wave, maxWave uint64, decided map[uint64]decision) decision {
	for w := wave + 1; w <= maxWave; w++ {
		d := decided[w]
		switch d.kind {
		case toSkip:
			continue
		case undecided:
			return decision{kind: undecided}
		}
		anchor := d.leader
		candidates := e.store.GetByAuthorRound(e.Leader(wave), e.leaderRound(wave))
		for _, decider := range e.store.AncestorsAtRound(anchor, e.decisionRound(wave)) {
			for _, c := range candidates {
				if e.certifies(decider, c.Digest(), wave) {
					return decision{kind: toCommit, leader: c}
				}
			}
		}
		return decision{kind: toSkip}
	}
	return decision{kind: undecided}
}
