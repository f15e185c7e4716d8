package wavedag

import (
	"reflect"

	"github.com/gitzhang10/WaveDAG/types"
)

const (
	BlockTag uint8 = iota
	AckTag
	FetchRequestTag
	FetchResponseTag
)

var block types.Block
var ack types.BlockAck
var fetchRequest types.FetchRequest
var fetchResponse types.FetchResponse

var reflectedTypesMap = map[uint8]reflect.Type{
	BlockTag:         reflect.TypeOf(block),
	AckTag:           reflect.TypeOf(ack),
	FetchRequestTag:  reflect.TypeOf(fetchRequest),
	FetchResponseTag: reflect.TypeOf(fetchResponse),
}

// ReflectedTypesMap returns the wire types of the protocol, keyed by their tag.
func ReflectedTypesMap() map[uint8]reflect.Type {
	return reflectedTypesMap
}
