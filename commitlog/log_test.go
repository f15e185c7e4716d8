package commitlog

import (
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/gitzhang10/WaveDAG/types"
	"github.com/stretchr/testify/require"
)

func commit(index uint64) *types.Commit {
	leader := types.NewBlock(1, 0, index*3+1, int64(index), nil, []byte{byte(index)})
	return &types.Commit{
		Index:     index,
		Wave:      index + 1,
		Leader:    leader.Reference(),
		Blocks:    []*types.Block{leader},
		Timestamp: leader.Timestamp,
	}
}

func openMem(t *testing.T, fs vfs.FS) *Log {
	l, err := Open("commits", WithFS(fs))
	require.NoError(t, err)
	return l
}

func TestAppendAndRead(t *testing.T) {
	l := openMem(t, vfs.NewMem())
	defer l.Close()

	for i := uint64(0); i < 5; i++ {
		require.NoError(t, l.Append(commit(i)))
	}
	require.Equal(t, uint64(5), l.Next())

	c, err := l.Read(3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), c.Index)
	require.Equal(t, commit(3).Leader, c.Leader)
	require.Len(t, c.Blocks, 1)
	require.Equal(t, commit(3).Blocks[0].Digest(), c.Blocks[0].Digest())

	_, err = l.Read(9)
	require.ErrorIs(t, err, ErrNotFound)

	all, err := l.ReadFrom(2, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, uint64(2), all[0].Index)

	some, err := l.ReadFrom(0, 2)
	require.NoError(t, err)
	require.Len(t, some, 2)

	last, err := l.Last()
	require.NoError(t, err)
	require.Equal(t, uint64(4), last.Index)
}

func TestAppendIdempotentAndGap(t *testing.T) {
	l := openMem(t, vfs.NewMem())
	defer l.Close()

	require.NoError(t, l.Append(commit(0)))
	require.NoError(t, l.Append(commit(0)))
	require.Equal(t, uint64(1), l.Next())

	require.ErrorIs(t, l.Append(commit(2)), ErrGap)

	appended := l.Appended()
	require.NoError(t, l.Append(commit(1)))
	select {
	case <-appended:
	default:
		t.Fatal("append did not notify")
	}
}

func TestAckWatermark(t *testing.T) {
	l := openMem(t, vfs.NewMem())
	defer l.Close()

	require.ErrorIs(t, l.Ack(0), ErrAckBeyondLog)
	for i := uint64(0); i < 4; i++ {
		require.NoError(t, l.Append(commit(i)))
	}
	require.Equal(t, uint64(4), l.Unacked())
	require.NoError(t, l.Ack(2))
	require.Equal(t, uint64(3), l.Acked())
	require.Equal(t, uint64(1), l.Unacked())

	// going back is a no-op
	require.NoError(t, l.Ack(0))
	require.Equal(t, uint64(3), l.Acked())
}

func TestReopenResumes(t *testing.T) {
	fs := vfs.NewMem()
	l := openMem(t, fs)
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, l.Append(commit(i)))
	}
	require.NoError(t, l.Ack(1))
	require.NoError(t, l.MarkProposed(9))
	require.NoError(t, l.MarkProposed(4))
	require.NoError(t, l.Close())

	_, err := l.Read(0)
	require.ErrorIs(t, err, ErrClosed)

	l = openMem(t, fs)
	defer l.Close()
	require.Equal(t, uint64(3), l.Next())
	require.Equal(t, uint64(2), l.Acked())
	require.Equal(t, uint64(9), l.LastProposed())

	pending, err := l.ReadFrom(l.Acked(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, uint64(2), pending[0].Index)
}

func TestEmptyLog(t *testing.T) {
	l := openMem(t, vfs.NewMem())
	defer l.Close()
	last, err := l.Last()
	require.NoError(t, err)
	require.Nil(t, last)
	require.Equal(t, uint64(0), l.Next())
}
