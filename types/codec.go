package types

import (
	"github.com/hashicorp/go-msgpack/codec"
)

var msgpackHandle = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.Canonical = true
	return h
}

// Handle returns the msgpack handle shared by the wire transport and the digests.
func Handle() *codec.MsgpackHandle {
	return msgpackHandle
}

// Encode encodes the data into canonical msgpack bytes.
func Encode(data interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode decodes bytes into the data.
// Data should be passed in the format of a pointer to a type.
func Decode(s []byte, data interface{}) error {
	dec := codec.NewDecoderBytes(s, msgpackHandle)
	return dec.Decode(data)
}
