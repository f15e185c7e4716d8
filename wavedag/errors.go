package wavedag

import (
	"github.com/gitzhang10/WaveDAG/dag"
	"github.com/pkg/errors"
)

// Validation errors. A block failing with one of them is rejected, except for
// ErrEquivocation: such a block is stored and flagged.
var (
	ErrBadSignature           = errors.New("bad block signature")
	ErrUnknownAuthor          = errors.New("unknown block author")
	ErrStaleRound             = errors.New("block round is below the pruning watermark")
	ErrMissingParentReference = errors.New("block does not reference a quorum of the previous round")
	ErrEquivocation           = errors.New("author already proposed another block for this round")
	ErrWrongEpoch             = errors.New("block belongs to another epoch")
	ErrMalformedBlock         = errors.New("malformed block")
	ErrOversizedPayload       = errors.New("block payload exceeds the size limit")
)

// Lifecycle errors.
var (
	ErrNotBootstrapping = errors.New("node is not bootstrapping")
	ErrNotActive        = errors.New("node is not active")
	ErrRetired          = errors.New("node is retired")
)

// isProtocolViolation tells apart the rejections of correctly signed blocks,
// which only a faulty author can cause, from malformed or late input.
func isProtocolViolation(err error) bool {
	switch errors.Cause(err) {
	case ErrMissingParentReference, ErrEquivocation, ErrOversizedPayload, ErrMalformedBlock,
		dag.ErrParentMismatch:
		return true
	}
	return false
}
