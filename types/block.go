/*
Package types defines the data exchanged by the authorities: blocks, block references,
commit records and the synchronization messages, together with their canonical encoding.
*/
package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/sign"
	"golang.org/x/crypto/blake2b"
)

// DigestSize is the length of a block digest.
const DigestSize = 32

var ErrMalformedDigest = errors.New("malformed digest")

// Digest identifies a block by the hash of its unsigned content.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:8])
}

func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) Compare(o Digest) int {
	return bytes.Compare(d[:], o[:])
}

// DigestFromHex parses a full hex encoded digest.
func DigestFromHex(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != DigestSize {
		return d, ErrMalformedDigest
	}
	copy(d[:], b)
	return d, nil
}

// BlockRef points at a block by digest and carries its author and round
// so the commit rule and the synchronizer can act before the block itself is known.
type BlockRef struct {
	Author committee.AuthorityIndex
	Round  uint64
	Digest Digest
}

func (r BlockRef) String() string {
	return fmt.Sprintf("B%d(%d,%s)", r.Round, r.Author, r.Digest)
}

// Less orders references by round, then author, then digest.
func (r BlockRef) Less(o BlockRef) bool {
	if r.Round != o.Round {
		return r.Round < o.Round
	}
	if r.Author != o.Author {
		return r.Author < o.Author
	}
	return r.Digest.Compare(o.Digest) < 0
}

// Block is the atomic unit of consensus.
type Block struct {
	Epoch     uint64
	Author    committee.AuthorityIndex
	Round     uint64
	Timestamp int64
	Parents   []BlockRef
	Payload   []byte // opaque transaction batch
	Signature []byte
}

// header holds every block field covered by the digest and the signature.
type header struct {
	_struct   bool `codec:",toarray"`
	Epoch     uint64
	Author    committee.AuthorityIndex
	Round     uint64
	Timestamp int64
	Parents   []BlockRef
	Payload   []byte
}

// NewBlock creates an unsigned block.
func NewBlock(epoch uint64, author committee.AuthorityIndex, round uint64, timestamp int64, parents []BlockRef, payload []byte) *Block {
	return &Block{
		Epoch:     epoch,
		Author:    author,
		Round:     round,
		Timestamp: timestamp,
		Parents:   parents,
		Payload:   payload,
	}
}

// SigningBytes returns the canonical encoding of all fields but the signature.
func (b *Block) SigningBytes() ([]byte, error) {
	return Encode(&header{
		Epoch:     b.Epoch,
		Author:    b.Author,
		Round:     b.Round,
		Timestamp: b.Timestamp,
		Parents:   b.Parents,
		Payload:   b.Payload,
	})
}

// Digest hashes the signing bytes of the block.
func (b *Block) Digest() Digest {
	data, err := b.SigningBytes()
	if err != nil {
		// the header only holds plain values, encoding cannot fail
		panic(err)
	}
	return blake2b.Sum256(data)
}

func (b *Block) Reference() BlockRef {
	return BlockRef{Author: b.Author, Round: b.Round, Digest: b.Digest()}
}

// Sign signs the block with the author's key.
func (b *Block) Sign(signer sign.Signer) error {
	data, err := b.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(data)
	if err != nil {
		return err
	}
	b.Signature = sig
	return nil
}

// VerifySignature checks the author's signature against the committee.
func (b *Block) VerifySignature(c *committee.Committee) error {
	data, err := b.SigningBytes()
	if err != nil {
		return err
	}
	return c.Verify(b.Author, data, b.Signature)
}

func (b *Block) String() string {
	return fmt.Sprintf("B%d(%d,%s)", b.Round, b.Author, b.Digest())
}

// SortBlocks orders blocks by round, author and digest.
func SortBlocks(blocks []*Block) {
	refs := make(map[*Block]BlockRef, len(blocks))
	for _, b := range blocks {
		refs[b] = b.Reference()
	}
	sort.Slice(blocks, func(i, j int) bool {
		return refs[blocks[i]].Less(refs[blocks[j]])
	})
}

// EquivocationProof holds two distinct signed blocks of the same author and round.
type EquivocationProof struct {
	Offender committee.AuthorityIndex
	Round    uint64
	First    *Block
	Second   *Block
}
