package wavedag

import (
	"context"

	"github.com/gitzhang10/WaveDAG/commitlog"
	"github.com/pkg/errors"
)

// deliverBatch is the number of records read from the log at once.
const deliverBatch = 64

// commitLoop runs the commit rule each time the DAG grows.
func (n *Node) commitLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.commitKick:
		}
		if err := n.tryCommit(); err != nil {
			return err
		}
	}
}

func (n *Node) kickCommit() {
	select {
	case n.commitKick <- struct{}{}:
	default:
	}
}

// tryCommit appends the commits the DAG decides to the commit log.
func (n *Node) tryCommit() error {
	n.commitLock.Lock()
	defer n.commitLock.Unlock()

	before := n.linearizer.LastDecidedWave()
	commits := n.linearizer.TryCommit()
	decided := n.linearizer.LastDecidedWave() - before
	for _, c := range commits {
		if err := n.log.Append(c); err != nil {
			return errors.Wrapf(err, "appending commit %d", c.Index)
		}
		n.metrics.commits.Inc()
		n.metrics.committedBlocks.Add(float64(len(c.Blocks)))
		n.metrics.lastCommittedRound.Set(float64(c.Leader.Round))
		n.logger.Debug("leader committed", "index", c.Index, "wave", c.Wave,
			"leader", c.Leader.String(), "blocks", len(c.Blocks))
	}
	if skipped := decided - uint64(len(commits)); skipped > 0 {
		n.metrics.skippedLeaders.Add(float64(skipped))
	}
	return nil
}

// deliverLoop hands the commit log to the consumer, starting at the first
// unacknowledged record. The feed is closed when the loop ends.
func (n *Node) deliverLoop(ctx context.Context) error {
	defer close(n.feed)
	next := n.log.Acked()
	for {
		appended := n.log.Appended()
		if next < n.log.Next() {
			batch, err := n.log.ReadFrom(next, deliverBatch)
			if err != nil {
				return errors.Wrapf(err, "reading commits from %d", next)
			}
			if len(batch) == 0 {
				return errors.Wrapf(commitlog.ErrNotFound, "reading commits from %d", next)
			}
		feed:
			for _, c := range batch {
				select {
				case <-ctx.Done():
					return nil
				case from := <-n.rewind:
					next = from
					break feed
				case n.feed <- c:
					next++
				}
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case from := <-n.rewind:
			next = from
		case <-appended:
		}
	}
}
