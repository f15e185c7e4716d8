package wavedag

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxQueueRespectsLimit(t *testing.T) {
	q := &TxQueue{}
	for i := 0; i < 10; i++ {
		q.Submit(bytes.Repeat([]byte{byte(i)}, 100))
	}
	assert.Nil(t, q.Next(context.Background(), 50))

	payload := q.Next(context.Background(), 350)
	require.NotNil(t, payload)
	assert.LessOrEqual(t, len(payload), 350)
	txs, err := DecodeBatch(payload)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	for i, tx := range txs {
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 100), tx)
	}
	assert.Equal(t, 7, q.Len())

	payload = q.Next(context.Background(), 1<<20)
	txs, err = DecodeBatch(payload)
	require.NoError(t, err)
	assert.Len(t, txs, 7)
	assert.Equal(t, byte(3), txs[0][0])
	assert.Zero(t, q.Len())
}

func TestRandomPayload(t *testing.T) {
	p := &RandomPayload{BatchSize: 20, TxSize: 64}
	payload := p.Next(context.Background(), 1<<20)
	txs, err := DecodeBatch(payload)
	require.NoError(t, err)
	assert.Len(t, txs, 20)

	payload = p.Next(context.Background(), 300)
	assert.LessOrEqual(t, len(payload), 300)
	txs, err = DecodeBatch(payload)
	require.NoError(t, err)
	assert.Len(t, txs, 4)
}

func TestDecodeEmptyBatch(t *testing.T) {
	txs, err := DecodeBatch(nil)
	require.NoError(t, err)
	assert.Empty(t, txs)
	_, err = DecodeBatch([]byte{0xc1})
	assert.Error(t, err)
}
