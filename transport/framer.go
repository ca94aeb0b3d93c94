package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vexrpc/vrpc/mem"
)

// Each message inside a data frame is preceded by its length.
const messagePrefixLen = 4

var errFramerClosed = errors.New("transport: framer is closed")

// framer batches outbound messages into length-prefixed frames. It is
// driven entirely under the owning stream's mutex. deliver points at the
// stream's frame emission rule and receives a nil slice when only the
// end-of-stream marker is left to send.
type framer struct {
	deliver func(frame mem.BufferSlice, endOfStream, flush bool)
	pending mem.BufferSlice
	closed  bool
}

func (f *framer) writePayload(msg mem.BufferSlice) error {
	if f.closed {
		return errFramerClosed
	}

	prefix := make([]byte, messagePrefixLen)
	binary.BigEndian.PutUint32(prefix, uint32(msg.Len()))
	f.pending = append(f.pending, mem.SliceBuffer(prefix))
	f.pending = append(f.pending, msg...)
	return nil
}

func (f *framer) flush() {
	if f.closed || len(f.pending) == 0 {
		return
	}
	p := f.pending
	f.pending = nil
	f.deliver(p, false, true)
}

// close emits any buffered message bytes followed by the end-of-stream
// marker. Trailers must never precede buffered data, so both travel in a
// single deliver call.
func (f *framer) close() {
	if f.closed {
		return
	}
	f.closed = true
	p := f.pending
	f.pending = nil
	f.deliver(p, true, true)
}

func (f *framer) isClosed() bool { return f.closed }

// deframeEvent is one notification produced by the deframer, dispatched to
// the listener after the stream mutex is released.
type deframeEvent struct {
	msg       mem.BufferSlice // decoded message, nil otherwise
	halfClose bool
	err       error
}

// deframer reassembles length-prefixed messages from inbound data frames.
// Delivery is demand-driven: messages are surfaced only while the call
// layer has outstanding Request demand, which is how backpressure reaches
// the wire. Driven under the owning stream's mutex.
type deframer struct {
	buf            []byte
	demand         int
	endOfStream    bool
	halfClosed     bool
	closed         bool
	maxMessageSize int
}

func (d *deframer) request(n int) []deframeEvent {
	d.demand += n
	return d.drain()
}

func (d *deframer) deframe(frame mem.BufferSlice, endOfStream bool) []deframeEvent {
	if d.closed {
		frame.Free()
		return nil
	}

	d.buf = append(d.buf, frame.Materialize()...)
	frame.Free()
	if endOfStream {
		d.endOfStream = true
	}
	return d.drain()
}

func (d *deframer) drain() []deframeEvent {
	if d.closed {
		return nil
	}

	var evs []deframeEvent
	for d.demand > 0 && len(d.buf) >= messagePrefixLen {
		l := int(binary.BigEndian.Uint32(d.buf[:messagePrefixLen]))
		if d.maxMessageSize > 0 && l > d.maxMessageSize {
			d.close()
			return append(evs, deframeEvent{
				err: fmt.Errorf("transport: inbound message of %d bytes exceeds limit of %d", l, d.maxMessageSize),
			})
		}
		if len(d.buf) < messagePrefixLen+l {
			break
		}

		msg := make([]byte, l)
		copy(msg, d.buf[messagePrefixLen:messagePrefixLen+l])
		d.buf = d.buf[messagePrefixLen+l:]
		d.demand--
		evs = append(evs, deframeEvent{msg: mem.BufferSlice{mem.SliceBuffer(msg)}})
	}

	if d.endOfStream {
		switch {
		case len(d.buf) == 0:
			if !d.halfClosed {
				d.halfClosed = true
				evs = append(evs, deframeEvent{halfClose: true})
			}
		case d.demand > 0:
			// Demand is outstanding but the loop above could not complete
			// a message, and no more bytes will ever arrive.
			d.close()
			evs = append(evs, deframeEvent{
				err: fmt.Errorf("transport: stream ended with partial message: %w", io.ErrUnexpectedEOF),
			})
		}
	}

	return evs
}

func (d *deframer) close() {
	d.closed = true
	d.buf = nil
}
