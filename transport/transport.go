// Package transport contains the stream layer sitting between the wire
// binding and the call layer. A ServerStream owns the per-call state
// machine: it validates the headers/messages/trailers ordering, frames
// outbound messages, deframes inbound data, and reconciles application
// close against transport abort so the listener is notified exactly once.
//
// The concrete binding (TCP framing, buffering, flow control) stays outside
// this package; it talks to a stream through FrameSink on the way out and
// InboundDataReceived on the way in.
package transport

import (
	"github.com/vexrpc/vrpc/mem"
	"github.com/vexrpc/vrpc/metadata"
	"github.com/vexrpc/vrpc/status"
)

// StreamListener receives notifications from a ServerStream. It is
// implemented by the call layer.
//
// Ready fires at most once, when the stream becomes writable after the
// listener is bound. MessageRead fires once per decoded inbound message.
// HalfClosed fires at most once, after the remote peer finishes sending.
// Closed fires exactly once per stream, regardless of how many ways the
// stream terminates.
type StreamListener interface {
	Ready()
	MessageRead(msg mem.Reader)
	HalfClosed()
	Closed(st *status.Status)
}

// FrameSink is the capability set a wire binding provides to a
// ServerStream. Calls on a given stream arrive serialized; implementations
// must not call back into the stream synchronously, or they will deadlock
// on the stream mutex.
type FrameSink interface {
	// WriteHeaders emits the response headers to the remote peer.
	WriteHeaders(md metadata.MD)
	// WriteFrame emits a chunk of framed message bytes. The sink takes
	// ownership of frame and must Free it once written. flush hints that
	// more data may not be arriving soon.
	WriteFrame(frame mem.BufferSlice, endOfStream, flush bool)
	// WriteTrailers emits the trailing metadata and ends the stream.
	// headersSent tells the binding whether a headers frame went out
	// earlier, so it can produce a trailers-only response when not.
	WriteTrailers(md metadata.MD, headersSent bool)
	// WriteAbort notifies the remote peer that the stream aborted with the
	// given status and trailers.
	WriteAbort(st *status.Status, md metadata.MD)
	// Ready reports whether the binding can accept more data without
	// excessive buffering.
	Ready() bool
}
