/*
Package wavedag implements the consensus node of one epoch: block validation,
the DAG driven commit rule, block synchronization, the proposer and the commit
feed handed to execution.

A node goes through Bootstrapping, Active, Closing and Retired, in this order only.
*/
package wavedag

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/gitzhang10/WaveDAG/commitlog"
	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/config"
	"github.com/gitzhang10/WaveDAG/dag"
	"github.com/gitzhang10/WaveDAG/sign"
	"github.com/gitzhang10/WaveDAG/types"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// State is a step of the node lifecycle.
type State int32

const (
	Bootstrapping State = iota
	Active
	Closing
	Retired
)

func (s State) String() string {
	switch s {
	case Bootstrapping:
		return "bootstrapping"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Retired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrKeyMismatch = errors.New("private key does not match the committee")

type options struct {
	net        Network
	payload    PayloadSource
	registerer prometheus.Registerer
	logger     hclog.Logger
	fs         vfs.FS
}

// Option customizes a node.
type Option func(*options)

// WithNetwork replaces the TCP/TLS network built from the configuration.
func WithNetwork(net Network) Option {
	return func(o *options) { o.net = net }
}

func WithPayloadSource(p PayloadSource) Option {
	return func(o *options) { o.payload = p }
}

// WithRegisterer registers the node metrics on reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

func WithLogger(logger hclog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCommitLogFS keeps the commit log on fs, vfs.NewMem() keeps it in memory.
func WithCommitLogFS(fs vfs.FS) Option {
	return func(o *options) { o.fs = fs }
}

// Node is the consensus instance of one authority for one epoch.
type Node struct {
	name      string
	self      committee.AuthorityIndex
	committee *committee.Committee
	params    config.Parameters
	signer    sign.Signer
	logger    hclog.Logger
	state     int32

	store      *dag.Store
	validator  *Validator
	linearizer *Linearizer
	sync       *Synchronizer
	net        Network
	log        *commitlog.Log
	metrics    *metrics
	payload    PayloadSource

	updated    *signal // the store grew or a commit was acknowledged
	commitKick chan struct{}
	commitLock sync.Mutex
	feed       chan *types.Commit
	rewind     chan uint64

	lock          sync.Mutex
	equivocations []types.EquivocationProof
	violations    map[committee.AuthorityIndex]int
	ownAck        *ownAck
	lastCatchUp   time.Time
	err           error

	group          *errgroup.Group
	cancel         context.CancelFunc
	proposerCancel context.CancelFunc
	proposerDone   chan struct{}
	commitCancel   context.CancelFunc
	commitDone     chan struct{}
	retireOnce     sync.Once
}

// ownAck counts the acknowledgements of the last own block.
type ownAck struct {
	digest types.Digest
	stake  *committee.StakeAggregator
}

// NewNode checks the configuration against the committee and prepares the node.
// Configuration errors are returned here, the node never becomes Active with them.
func NewNode(conf *config.Config, c *committee.Committee, opts ...Option) (*Node, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	params := conf.Parameters
	if err := params.Validate(); err != nil {
		return nil, err
	}
	authority, err := c.Authority(conf.Index)
	if err != nil {
		return nil, errors.Wrapf(err, "authority %d", conf.Index)
	}
	signer, err := sign.NewSigner(c.Scheme(), conf.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "loading signing key")
	}
	if !bytes.Equal(signer.PublicKey(), authority.PublicKey) {
		return nil, errors.Wrapf(ErrKeyMismatch, "authority %d", conf.Index)
	}
	elector, err := committee.NewLeaderElector(params.LeaderElection, c)
	if err != nil {
		return nil, err
	}

	n := &Node{
		name:       conf.Name,
		self:       conf.Index,
		committee:  c,
		params:     params,
		signer:     signer,
		updated:    newSignal(),
		commitKick: make(chan struct{}, 1),
		feed:       make(chan *types.Commit, params.CommitBuffer),
		rewind:     make(chan uint64, 1),
		violations: make(map[committee.AuthorityIndex]int),
		payload:    o.payload,
	}
	n.logger = o.logger
	if n.logger == nil {
		n.logger = hclog.New(&hclog.LoggerOptions{
			Name:   "WaveDAG-node",
			Output: hclog.DefaultOutput,
			Level:  hclog.Level(conf.LogLevel),
		})
	}
	n.logger = n.logger.With("node", conf.Name, "epoch", c.Epoch())
	if n.payload == nil {
		n.payload = emptyPayload{}
	}

	reg := o.registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if n.metrics, err = newMetrics(reg, c.Epoch()); err != nil {
		return nil, errors.Wrap(err, "registering metrics")
	}

	var logOpts []commitlog.Option
	if o.fs != nil {
		logOpts = append(logOpts, commitlog.WithFS(o.fs))
	}
	dir := filepath.Join(conf.DataDir, fmt.Sprintf("%s-epoch-%d", conf.Name, c.Epoch()))
	if n.log, err = commitlog.Open(dir, logOpts...); err != nil {
		return nil, err
	}

	n.store = dag.New(c, params.MaxPendingBlocks)
	n.validator = NewValidator(c, params, n.store)
	n.linearizer = NewLinearizer(c, n.store, elector, params.WaveLength, params.GCDepth)

	n.net = o.net
	if n.net == nil {
		if n.net, err = StartP2PListen(conf, c, n.logger); err != nil {
			n.log.Close()
			return nil, err
		}
	}
	n.sync = NewSynchronizer(c, n.self, n.store, n.net, params, n.logger.Named("sync"), n.metrics)
	return n, nil
}

func (n *Node) State() State {
	return State(atomic.LoadInt32(&n.state))
}

func (n *Node) transition(from, to State) bool {
	if atomic.CompareAndSwapInt32(&n.state, int32(from), int32(to)) {
		n.logger.Info("lifecycle transition", "from", from, "to", to)
		return true
	}
	return false
}

// Start makes the node Active: it begins to handle msgs, propose and commit.
func (n *Node) Start() error {
	if !n.transition(Bootstrapping, Active) {
		return errors.Wrapf(ErrNotBootstrapping, "state %s", n.State())
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.group, ctx = errgroup.WithContext(ctx)

	proposerCtx, proposerCancel := context.WithCancel(ctx)
	n.proposerCancel = proposerCancel
	n.proposerDone = make(chan struct{})
	commitCtx, commitCancel := context.WithCancel(ctx)
	n.commitCancel = commitCancel
	n.commitDone = make(chan struct{})

	n.goTask("handle", func() error { return n.HandleMsgLoop(ctx) })
	n.goTask("sync", func() error { return n.sync.Run(ctx) })
	n.goTask("deliver", func() error { return n.deliverLoop(ctx) })
	n.goTask("commit", func() error {
		defer close(n.commitDone)
		return n.commitLoop(commitCtx)
	})
	n.goTask("propose", func() error {
		defer close(n.proposerDone)
		return n.proposeLoop(proposerCtx)
	})
	return nil
}

func (n *Node) goTask(name string, task func() error) {
	n.group.Go(func() error {
		err := task()
		if err != nil {
			n.logger.Error("task failed", "task", name, "error", err)
			n.lock.Lock()
			if n.err == nil {
				n.err = err
			}
			n.lock.Unlock()
		}
		return err
	})
}

// Err returns the first error a node task failed with.
func (n *Node) Err() error {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.err
}

// CloseEpoch stops proposing, commits what the DAG already decides and appends
// the final marker. It waits for the consumer to acknowledge the marker, or for
// ctx, and then retires the node.
func (n *Node) CloseEpoch(ctx context.Context) error {
	if n.transition(Bootstrapping, Closing) {
		n.retire()
		return nil
	}
	if !n.transition(Active, Closing) {
		return errors.Wrapf(ErrNotActive, "state %s", n.State())
	}

	n.proposerCancel()
	<-n.proposerDone
	n.commitCancel()
	<-n.commitDone

	if err := n.tryCommit(); err != nil {
		n.retire()
		return err
	}
	final, err := n.sealLog()
	if err != nil {
		n.retire()
		return err
	}
	n.logger.Info("epoch closed", "final-index", final.Index)

	for n.log.Acked() <= final.Index {
		wake := n.updated.wait()
		if n.log.Acked() > final.Index {
			break
		}
		select {
		case <-wake:
		case <-ctx.Done():
			err = errors.Wrap(ctx.Err(), "waiting for the final commit acknowledgement")
		}
		if err != nil {
			break
		}
	}
	n.retire()
	return err
}

// sealLog appends the final marker. A restarted node may not have derived again
// every commit of its log yet: the marker then goes after the last stored record,
// unless the log is already sealed.
func (n *Node) sealLog() (*types.Commit, error) {
	final := n.linearizer.Seal()
	if next := n.log.Next(); final.Index < next {
		last, err := n.log.Last()
		if err != nil {
			return nil, errors.Wrap(err, "reading the last commit")
		}
		if last.Final {
			return last, nil
		}
		final = &types.Commit{Index: next, Final: true}
	}
	if err := n.log.Append(final); err != nil {
		return nil, errors.Wrap(err, "appending final commit")
	}
	return final, nil
}

// retire releases every resource of the epoch.
func (n *Node) retire() {
	n.retireOnce.Do(func() {
		atomic.StoreInt32(&n.state, int32(Retired))
		if n.cancel != nil {
			n.cancel()
			_ = n.group.Wait()
		} else {
			close(n.feed)
		}
		if err := n.net.Close(); err != nil {
			n.logger.Warn("fail to close the network", "error", err)
		}
		n.store.Release()
		if err := n.log.Close(); err != nil {
			n.logger.Warn("fail to close the commit log", "error", err)
		}
		n.logger.Info("lifecycle transition", "from", Closing, "to", Retired)
	})
}

// Commits returns the commit feed. Records are delivered in index order, at least
// once: after a restart or a Rewind the unacknowledged ones come again.
// The channel is closed when the node retires.
func (n *Node) Commits() <-chan *types.Commit {
	return n.feed
}

// Ack acknowledges every commit up to index. It releases the backpressure on the
// proposer and prunes the DAG below the acknowledged leader.
func (n *Node) Ack(index uint64) error {
	if err := n.log.Ack(index); err != nil {
		return err
	}
	c, err := n.log.Read(index)
	if err != nil {
		return err
	}
	// after a restart the linearizer may still be deriving commits acknowledged before
	if !c.Final && c.Leader.Round > n.params.GCDepth && c.Leader.Round <= n.linearizer.LastCommittedRound() {
		round := c.Leader.Round - n.params.GCDepth
		if removed := n.store.Prune(round); removed > 0 {
			n.logger.Debug("pruned the dag", "round", round, "blocks", removed)
		}
		n.linearizer.Prune(round)
	}
	n.updated.broadcast()
	return nil
}

// Rewind makes the feed deliver again from index from.
func (n *Node) Rewind(from uint64) error {
	if from > n.log.Next() {
		return errors.Wrapf(commitlog.ErrNotFound, "rewind to %d, log ends at %d", from, n.log.Next())
	}
	if n.State() == Retired {
		return ErrRetired
	}
	for {
		select {
		case n.rewind <- from:
			return nil
		default:
		}
		// replace a rewind the feed did not pick up yet
		select {
		case <-n.rewind:
		default:
		}
	}
}

// Equivocations returns the equivocation proofs collected so far.
func (n *Node) Equivocations() []types.EquivocationProof {
	n.lock.Lock()
	defer n.lock.Unlock()
	out := make([]types.EquivocationProof, len(n.equivocations))
	copy(out, n.equivocations)
	return out
}

// Violations returns the number of protocol violations recorded per authority.
func (n *Node) Violations() map[committee.AuthorityIndex]int {
	n.lock.Lock()
	defer n.lock.Unlock()
	out := make(map[committee.AuthorityIndex]int, len(n.violations))
	for k, v := range n.violations {
		out[k] = v
	}
	return out
}

func (n *Node) recordViolation(author committee.AuthorityIndex, err error) {
	n.lock.Lock()
	n.violations[author]++
	n.lock.Unlock()
	n.logger.Warn("protocol violation", "author", author, "error", err)
}

func (n *Node) recordEquivocations(proofs []types.EquivocationProof) {
	if len(proofs) == 0 {
		return
	}
	n.lock.Lock()
	n.equivocations = append(n.equivocations, proofs...)
	for _, p := range proofs {
		n.violations[p.Offender]++
	}
	n.lock.Unlock()
	for _, p := range proofs {
		n.metrics.equivocations.Inc()
		n.logger.Warn("equivocation detected", "author", p.Offender, "round", p.Round,
			"first", p.First.String(), "second", p.Second.String())
	}
}

func (n *Node) Name() string { return n.name }

func (n *Node) Index() committee.AuthorityIndex { return n.self }

func (n *Node) Committee() *committee.Committee { return n.committee }

// signal wakes every waiter each time broadcast is called.
type signal struct {
	lock sync.Mutex
	ch   chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ch
}

func (s *signal) broadcast() {
	s.lock.Lock()
	defer s.lock.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}
