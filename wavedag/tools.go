package wavedag

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gitzhang10/WaveDAG/types"
)

// PayloadSource provides the opaque transaction batch of the next block.
type PayloadSource interface {
	// Next returns a batch of at most maxBytes bytes, possibly empty.
	Next(ctx context.Context, maxBytes int) []byte
}

type emptyPayload struct{}

func (emptyPayload) Next(context.Context, int) []byte { return nil }

// EncodeBatch packs transactions into a block payload.
func EncodeBatch(txs [][]byte) ([]byte, error) {
	return types.Encode(txs)
}

// DecodeBatch unpacks the transactions of a block payload.
func DecodeBatch(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var txs [][]byte
	if err := types.Decode(payload, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// batchOverhead bounds the encoding overhead of a batch and of each of its transactions.
const batchOverhead = 5

// TxQueue is a PayloadSource fed by Submit. Transactions leave the queue in submission order.
type TxQueue struct {
	lock sync.Mutex
	txs  [][]byte
}

func (q *TxQueue) Submit(tx []byte) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.txs = append(q.txs, tx)
}

func (q *TxQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.txs)
}

func (q *TxQueue) Next(_ context.Context, maxBytes int) []byte {
	q.lock.Lock()
	defer q.lock.Unlock()
	size := batchOverhead
	n := 0
	for n < len(q.txs) && size+len(q.txs[n])+batchOverhead <= maxBytes {
		size += len(q.txs[n]) + batchOverhead
		n++
	}
	if n == 0 {
		return nil
	}
	payload, err := EncodeBatch(q.txs[:n])
	if err != nil {
		return nil
	}
	q.txs = q.txs[n:]
	return payload
}

// RandomPayload fills every block with BatchSize random transactions of TxSize bytes.
// It drives benchmarks without a mempool.
type RandomPayload struct {
	BatchSize int
	TxSize    int

	once sync.Once
	rnd  *rand.Rand
	lock sync.Mutex
}

func (p *RandomPayload) Next(_ context.Context, maxBytes int) []byte {
	p.once.Do(func() { p.rnd = rand.New(rand.NewSource(time.Now().UnixNano())) })
	p.lock.Lock()
	defer p.lock.Unlock()

	var batch [][]byte
	size := batchOverhead
	for i := 0; i < p.BatchSize && size+p.TxSize+batchOverhead <= maxBytes; i++ {
		batch = append(batch, p.generateTX(p.TxSize))
		size += p.TxSize + batchOverhead
	}
	if len(batch) == 0 {
		return nil
	}
	payload, err := EncodeBatch(batch)
	if err != nil {
		return nil
	}
	return payload
}

// generate a transaction with s bytes
func (p *RandomPayload) generateTX(s int) []byte {
	trans := make([]byte, s)
	for i := range trans {
		trans[i] = byte(p.rnd.Intn(200))
	}
	return trans
}
