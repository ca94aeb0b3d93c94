package vrpc

import (
	"errors"
	"sync/atomic"

	"github.com/vexrpc/vrpc/codec"
	"github.com/vexrpc/vrpc/mem"
	"github.com/vexrpc/vrpc/metadata"
	"github.com/vexrpc/vrpc/status"
)

var (
	// ErrHeadersAlreadySent is returned by SendHeaders on the second call.
	ErrHeadersAlreadySent = errors.New("SendHeaders has already been called")
	// ErrHeadersNotSent is returned by SendMessage before SendHeaders.
	ErrHeadersNotSent = errors.New("SendHeaders has not been called")
	// ErrCallClosed is returned by call operations after Close.
	ErrCallClosed = errors.New("call is closed")
)

// ServerStream is the stream surface the call façade drives. It is
// implemented by transport.ServerStream; tests substitute fakes.
type ServerStream interface {
	// Request signals demand for n more inbound messages.
	Request(n int)
	// WriteHeaders emits the response headers.
	WriteHeaders(md metadata.MD) error
	// WriteMessage hands one serialized message to the stream, which takes
	// ownership of it.
	WriteMessage(msg mem.BufferSlice) error
	// Flush pushes buffered message bytes toward the wire.
	Flush()
	// Close terminates the outbound side with a status and trailers.
	Close(st *status.Status, trailers metadata.MD) error
	// IsReady reports whether the stream can absorb more data.
	IsReady() bool
}

// ServerCall is the per-RPC surface handed to the method dispatch layer. It
// wraps one stream and the method's codec, enforcing the call-level
// ordering (headers before messages, nothing after close) on top of the
// stream's own phase tracking.
//
// The ordering flags are atomics rather than a mutex: the dispatch layer
// drives a call from one goroutine at a time, but IsReady may be polled
// concurrently.
type ServerCall struct {
	stream ServerStream
	codec  codec.Codec
	method string

	headersSent atomic.Bool
	closeCalled atomic.Bool
}

// NewServerCall wraps stream for the named method, serializing messages
// with c.
func NewServerCall(stream ServerStream, c codec.Codec, method string) *ServerCall {
	return &ServerCall{stream: stream, codec: c, method: method}
}

// Method returns the full method name of the call.
func (c *ServerCall) Method() string { return c.method }

// Request signals demand for n more request messages.
func (c *ServerCall) Request(n int) { c.stream.Request(n) }

// SendHeaders sends the response headers. It must be called at most once,
// before any message.
func (c *ServerCall) SendHeaders(md metadata.MD) error {
	if c.closeCalled.Load() {
		return ErrCallClosed
	}
	if !c.headersSent.CompareAndSwap(false, true) {
		return ErrHeadersAlreadySent
	}
	if md == nil {
		md = metadata.MD{}
	}
	return c.stream.WriteHeaders(md)
}

// SendMessage serializes msg and writes it to the stream. Any failure past
// the ordering checks is unrecoverable for the call: the stream is closed
// with an internal status before the error is returned, so the remote peer
// never sees a stalled stream.
func (c *ServerCall) SendMessage(msg any) error {
	if !c.headersSent.Load() {
		return ErrHeadersNotSent
	}
	if c.closeCalled.Load() {
		return ErrCallClosed
	}

	data, err := c.codec.Marshal(msg)
	if err != nil {
		c.closeCalled.Store(true)
		c.stream.Close(status.New(status.Internal, "failed to serialize response message"), metadata.MD{})
		return err
	}
	if err := c.stream.WriteMessage(data); err != nil {
		c.closeCalled.Store(true)
		c.stream.Close(status.New(status.Internal, "failed to write response message"), metadata.MD{})
		return err
	}
	c.stream.Flush()
	return nil
}

// Close terminates the call with st and trailers. Exactly one Close per
// call; later calls report the call as closed.
func (c *ServerCall) Close(st *status.Status, trailers metadata.MD) error {
	if !c.closeCalled.CompareAndSwap(false, true) {
		return ErrCallClosed
	}
	if st == nil {
		st = status.New(status.OK, "")
	}
	if trailers == nil {
		trailers = metadata.MD{}
	}
	return c.stream.Close(st, trailers)
}

// IsReady reports whether more messages can be sent without excessive
// buffering. A closed call is never ready.
func (c *ServerCall) IsReady() bool {
	if c.closeCalled.Load() {
		return false
	}
	return c.stream.IsReady()
}
