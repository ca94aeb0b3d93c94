// Package codec defines how typed request and response messages are
// serialized to the byte stream handed to the framing layer.
package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/vexrpc/vrpc/mem"
)

// Codec marshals messages into BufferSlices and back.
type Codec interface {
	Marshal(v any) (mem.BufferSlice, error)
	Unmarshal(data mem.BufferSlice, v any) error
	// Name identifies the codec on the wire ("proto", "json").
	Name() string
}

// Proto is the default codec; message types must implement proto.Message.
var Proto Codec = protoCodec{}

type protoCodec struct{}

func (protoCodec) Name() string { return "proto" }

func (protoCodec) Marshal(v any) (mem.BufferSlice, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec: failed to marshal, message is %T, want proto.Message", v)
	}

	size := proto.Size(m)
	pool := mem.DefaultBufferPool()
	buf := pool.Get(size)
	out, err := (proto.MarshalOptions{}).MarshalAppend((*buf)[:0], m)
	if err != nil {
		pool.Put(buf)
		return nil, err
	}
	*buf = out
	return mem.BufferSlice{mem.NewBuffer(buf, pool)}, nil
}

func (protoCodec) Unmarshal(data mem.BufferSlice, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("codec: failed to unmarshal, message is %T, want proto.Message", v)
	}

	return proto.Unmarshal(data.Materialize(), m)
}

var codecs = map[string]Codec{
	Proto.Name(): Proto,
	JSON.Name():  JSON,
}

// Lookup returns the codec registered under name, or nil.
func Lookup(name string) Codec {
	return codecs[name]
}
