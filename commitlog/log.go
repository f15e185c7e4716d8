/*
Package commitlog persists the commit sequence of one epoch on pebble.

Records are keyed by their commit index so the sequence can be replayed from
any position. The log also keeps the acknowledgement watermark of the
execution collaborator and the highest round the local authority proposed,
both of which survive a restart.
*/
package commitlog

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/gitzhang10/WaveDAG/types"
	"github.com/pkg/errors"
)

type keyPrefix byte

const (
	commitTPrefix keyPrefix = iota + 'a'
	ackTPrefix
	proposedTPrefix
)

var (
	// ErrGap is returned when an appended record does not extend the log.
	ErrGap = errors.New("commit index leaves a gap in the log")
	// ErrNotFound is returned when a record is not in the log.
	ErrNotFound = errors.New("commit not found")
	// ErrAckBeyondLog is returned when an index that was never appended is acknowledged.
	ErrAckBeyondLog = errors.New("acknowledged index is beyond the log")
	ErrClosed       = errors.New("commit log is closed")
)

var syncWrite = &pebble.WriteOptions{Sync: true}

func typedKey(t keyPrefix) []byte {
	return []byte{byte(t)}
}

func commitKey(index uint64) []byte {
	k := make([]byte, 9)
	k[0] = byte(commitTPrefix)
	binary.BigEndian.PutUint64(k[1:], index)
	return k
}

// Option configures the underlying store.
type Option func(*pebble.Options)

// WithFS opens the log on the given filesystem, vfs.NewMem() keeps it in memory.
func WithFS(fs vfs.FS) Option {
	return func(o *pebble.Options) { o.FS = fs }
}

// Log is the durable commit sequence. It is safe for concurrent use.
type Log struct {
	lock     sync.RWMutex
	db       *pebble.DB
	next     uint64
	acked    uint64
	proposed uint64
	closed   bool

	// appended is closed and replaced each time the log grows.
	appended chan struct{}
}

// Open opens or creates the log in dir.
func Open(dir string, opts ...Option) (*Log, error) {
	o := &pebble.Options{}
	for _, opt := range opts {
		opt(o)
	}
	db, err := pebble.Open(dir, o)
	if err != nil {
		return nil, errors.Wrap(err, "opening commit log")
	}
	l := &Log{db: db, appended: make(chan struct{})}

	iter := db.NewIter(&pebble.IterOptions{
		LowerBound: typedKey(commitTPrefix),
		UpperBound: typedKey(commitTPrefix + 1),
	})
	if iter.Last() {
		l.next = binary.BigEndian.Uint64(iter.Key()[1:]) + 1
	}
	if err := iter.Close(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "scanning commit log")
	}

	if l.acked, err = l.getUint64(ackTPrefix); err != nil {
		db.Close()
		return nil, err
	}
	if l.proposed, err = l.getUint64(proposedTPrefix); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) getUint64(t keyPrefix) (uint64, error) {
	v, done, err := l.db.Get(typedKey(t))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "reading key %c", byte(t))
	}
	defer done.Close()
	if len(v) != 8 {
		return 0, errors.Errorf("corrupted key %c", byte(t))
	}
	return binary.BigEndian.Uint64(v), nil
}

func (l *Log) setUint64(t keyPrefix, value uint64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, value)
	return l.db.Set(typedKey(t), v, syncWrite)
}

// Append stores c at c.Index. Appending an index that is already stored is a no-op,
// so a commit sequence that is derived again after a restart can be appended as is.
func (l *Log) Append(c *types.Commit) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return ErrClosed
	}
	if c.Index < l.next {
		return nil
	}
	if c.Index > l.next {
		return errors.Wrapf(ErrGap, "append %d, next %d", c.Index, l.next)
	}
	data, err := types.Encode(c)
	if err != nil {
		return errors.Wrap(err, "encoding commit")
	}
	if err := l.db.Set(commitKey(c.Index), data, syncWrite); err != nil {
		return errors.Wrap(err, "storing commit")
	}
	l.next++
	close(l.appended)
	l.appended = make(chan struct{})
	return nil
}

// Next returns the index the next appended record must carry.
func (l *Log) Next() uint64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.next
}

// Appended returns a channel that is closed once the log grows past its current length.
func (l *Log) Appended() <-chan struct{} {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.appended
}

// Ack marks every record up to and including index as durably handled by the consumer.
// Acknowledging below the current watermark is a no-op.
func (l *Log) Ack(index uint64) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return ErrClosed
	}
	if index >= l.next {
		return errors.Wrapf(ErrAckBeyondLog, "ack %d, next %d", index, l.next)
	}
	if index+1 <= l.acked {
		return nil
	}
	if err := l.setUint64(ackTPrefix, index+1); err != nil {
		return errors.Wrap(err, "storing ack watermark")
	}
	l.acked = index + 1
	return nil
}

// Acked returns the number of acknowledged records: every index below it is acknowledged.
func (l *Log) Acked() uint64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.acked
}

// Unacked returns how many appended records wait for acknowledgement.
func (l *Log) Unacked() uint64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.next - l.acked
}

// Read returns the record at index.
func (l *Log) Read(index uint64) (*types.Commit, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	v, done, err := l.db.Get(commitKey(index))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "reading commit")
	}
	defer done.Close()
	var c types.Commit
	if err := types.Decode(v, &c); err != nil {
		return nil, errors.Wrapf(err, "decoding commit %d", index)
	}
	return &c, nil
}

// ReadFrom returns up to limit records starting at index from. A limit <= 0 reads to the end.
func (l *Log) ReadFrom(from uint64, limit int) ([]*types.Commit, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	iter := l.db.NewIter(&pebble.IterOptions{
		LowerBound: commitKey(from),
		UpperBound: typedKey(commitTPrefix + 1),
	})
	defer iter.Close()

	var out []*types.Commit
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var c types.Commit
		if err := types.Decode(iter.Value(), &c); err != nil {
			return nil, errors.Wrap(err, "decoding commit")
		}
		out = append(out, &c)
	}
	return out, nil
}

// Last returns the most recent record, or nil on an empty log.
func (l *Log) Last() (*types.Commit, error) {
	next := l.Next()
	if next == 0 {
		return nil, nil
	}
	return l.Read(next - 1)
}

// MarkProposed persists the highest round the local authority signed a block for.
// It must be called before the block leaves the node.
func (l *Log) MarkProposed(round uint64) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return ErrClosed
	}
	if round <= l.proposed {
		return nil
	}
	if err := l.setUint64(proposedTPrefix, round); err != nil {
		return errors.Wrap(err, "storing proposed round")
	}
	l.proposed = round
	return nil
}

// LastProposed returns the highest round persisted by MarkProposed.
func (l *Log) LastProposed() uint64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.proposed
}

// Close flushes and closes the store.
func (l *Log) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
