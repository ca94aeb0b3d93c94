package transport

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/vexrpc/vrpc/mem"
	"github.com/vexrpc/vrpc/metadata"
	"github.com/vexrpc/vrpc/status"
)

var (
	// ErrStreamClosed is returned by outbound operations after the stream
	// reached its terminal outbound phase.
	ErrStreamClosed = errors.New("transport: stream is closed")
	// ErrHeadersWritten is returned by WriteHeaders on the second call.
	ErrHeadersWritten = errors.New("transport: headers have already been written")
	// ErrMessageOutsideWindow is returned by WriteMessage before headers or
	// after close.
	ErrMessageOutsideWindow = errors.New("transport: messages are only permitted after headers and before close")
	// ErrCompleteWithoutClose is returned by Complete when no graceful
	// Close preceded it.
	ErrCompleteWithoutClose = errors.New("transport: successful complete() without close()")

	errNilHeaders  = errors.New("transport: headers must not be nil")
	errNilStatus   = errors.New("transport: status must not be nil")
	errNilTrailers = errors.New("transport: trailers must not be nil")
)

// ServerStream is the server half of one call multiplexed over a shared
// connection. The wire binding creates it when a call arrives and feeds it
// inbound frames; the call layer drives the outbound side.
//
// All methods are safe for concurrent use. A single mutex guards the phase
// tracker, the headers/trailers bookkeeping and the listener-closed latch;
// listener callbacks are invoked with the mutex released.
type ServerStream struct {
	sink   FrameSink
	logger *zap.Logger

	mu       sync.Mutex
	phases   streamPhases
	fr       framer
	df       deframer
	listener StreamListener
	// listenerClosed latches the Closed notification: it can be raced by a
	// network-thread abort and an application-thread close, and only the
	// first one may reach the listener.
	listenerClosed  bool
	headersSent     bool
	gracefulClose   bool
	stashedTrailers metadata.MD
}

// NewServerStream returns a stream writing through sink. maxMessageSize
// bounds individual inbound messages; zero means unbounded.
func NewServerStream(sink FrameSink, maxMessageSize int) *ServerStream {
	s := &ServerStream{
		sink:   sink,
		logger: zap.L(),
	}
	s.fr.deliver = s.deliverFrame
	s.df.maxMessageSize = maxMessageSize
	return s
}

// SetListener binds the listener. It must be called exactly once, before
// any inbound frame is processed, and panics on misuse. If the sink is
// already writable the listener's Ready fires immediately.
func (s *ServerStream) SetListener(l StreamListener) {
	if l == nil {
		panic("transport: nil stream listener")
	}
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		panic("transport: stream listener already set")
	}
	s.listener = l
	s.mu.Unlock()

	if s.sink.Ready() {
		l.Ready()
	}
}

// WriteHeaders emits the response headers and opens the message window.
func (s *ServerStream) WriteHeaders(md metadata.MD) error {
	if md == nil {
		return errNilHeaders
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phases.outbound() {
	case phaseStatus:
		return ErrStreamClosed
	case phaseMessage:
		return ErrHeadersWritten
	}

	s.headersSent = true
	s.sink.WriteHeaders(md)
	s.phases.advanceOutbound(phaseMessage)
	return nil
}

// WriteMessage hands one serialized message to the framer. The stream takes
// ownership of msg. A framing failure aborts the stream for the remote peer
// and closes the listener, and the error is still returned to the caller.
func (s *ServerStream) WriteMessage(msg mem.BufferSlice) error {
	s.mu.Lock()
	if s.phases.outbound() != phaseMessage {
		s.mu.Unlock()
		msg.Free()
		return ErrMessageOutsideWindow
	}
	err := s.fr.writePayload(msg)
	s.mu.Unlock()

	if err != nil {
		s.AbortStream(status.New(status.Internal, "failed to frame outbound message"), true)
		return err
	}
	return nil
}

// Flush pushes any buffered message bytes to the sink.
func (s *ServerStream) Flush() {
	s.mu.Lock()
	s.fr.flush()
	s.mu.Unlock()
}

// Close terminates the outbound side gracefully. The status code and
// description are merged into trailers under the reserved keys, replacing
// stale values, and the trailers are stashed until the framer has drained
// every buffered message. Closing an already-closed stream is a no-op; the
// call layer is responsible for surfacing double closes to the application.
func (s *ServerStream) Close(st *status.Status, trailers metadata.MD) error {
	if st == nil {
		return errNilStatus
	}
	if trailers == nil {
		return errNilTrailers
	}

	s.mu.Lock()
	if s.phases.advanceOutbound(phaseStatus) != phaseStatus {
		s.gracefulClose = true
		s.stashedTrailers = trailers
		s.writeStatusToTrailersLocked(st)
		s.fr.close()
	}
	s.mu.Unlock()
	return nil
}

// Request signals demand for n more inbound messages.
func (s *ServerStream) Request(n int) {
	s.mu.Lock()
	evs := s.df.request(n)
	l := s.collectLocked(evs)
	s.mu.Unlock()

	s.dispatch(l, evs)
}

// InboundDataReceived processes the content of one inbound data frame.
// Frames arriving after the inbound side reached its terminal phase are
// released without processing; they can trail a cancellation.
func (s *ServerStream) InboundDataReceived(frame mem.BufferSlice, endOfStream bool) {
	s.mu.Lock()
	if s.phases.inbound() == phaseStatus {
		s.mu.Unlock()
		frame.Free()
		return
	}
	evs := s.df.deframe(frame, endOfStream)
	l := s.collectLocked(evs)
	s.mu.Unlock()

	s.dispatch(l, evs)
}

// Complete is the binding's notification that the outbound side finished
// successfully. Completing a stream that was never gracefully closed is a
// transport bug that would otherwise report OK for an aborted call; it
// closes the listener with an internal error and returns an error.
func (s *ServerStream) Complete() error {
	s.mu.Lock()
	graceful := s.gracefulClose
	notify := s.closeListenerLocked()
	l := s.listener
	s.mu.Unlock()

	if !graceful {
		if notify && l != nil {
			l.Closed(status.New(status.Internal, "successful complete() without close()"))
		}
		return ErrCompleteWithoutClose
	}
	if notify && l != nil {
		l.Closed(status.New(status.OK, ""))
	}
	return nil
}

// AbortStream terminates the stream for an internal or transport failure.
// st must not be OK; an OK status is replaced with an internal error rather
// than rejected, so the abort path stays safe to call from any failure
// context. The listener is closed idempotently: only the first closer on a
// stream notifies it. When notifyClient is set, trailers (stashed ones if
// present, fresh ones otherwise) are merged with the status and sent to the
// remote peer.
func (s *ServerStream) AbortStream(st *status.Status, notifyClient bool) {
	if st.IsOK() {
		s.logger.Error("vrpc: AbortStream called with OK status",
			zap.Stack("stack"))
		st = status.New(status.Internal, "stream aborted with OK status")
	}

	s.mu.Lock()
	notify := s.closeListenerLocked()
	var trailers metadata.MD
	if notifyClient {
		if s.stashedTrailers == nil {
			s.stashedTrailers = metadata.MD{}
		}
		s.writeStatusToTrailersLocked(st)
		trailers = s.stashedTrailers
	}
	l := s.listener
	s.mu.Unlock()

	if notify && l != nil {
		l.Closed(st)
	}
	if notifyClient {
		s.sink.WriteAbort(st, trailers)
	}
}

// IsClosed reports whether the stream is terminated. The outbound machinery
// and the listener notification can diverge transiently, so either one
// counts.
func (s *ServerStream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fr.isClosed() || s.listenerClosed
}

// IsReady reports whether the binding can absorb more data.
func (s *ServerStream) IsReady() bool {
	s.mu.Lock()
	closed := s.fr.isClosed() || s.listenerClosed
	s.mu.Unlock()
	if closed {
		return false
	}
	return s.sink.Ready()
}

// deframeFailed translates a deframing failure into a full abort: listener
// closed locally, peer notified remotely.
func (s *ServerStream) deframeFailed(err error) {
	s.logger.Warn("vrpc: exception processing inbound message", zap.Error(err))
	s.AbortStream(status.FromError(err), true)
}

// deliverFrame is the framer's delivery target; it runs under s.mu. A data
// frame always goes out before the end-of-stream marker, and the stashed
// trailers go out only once the framer has nothing left, which is what
// keeps trailers strictly behind buffered message bytes.
func (s *ServerStream) deliverFrame(frame mem.BufferSlice, endOfStream, flush bool) {
	if len(frame) > 0 {
		s.sink.WriteFrame(frame, false, flush && !endOfStream)
	}
	if endOfStream {
		// Covers the trailers-only path: if headers never went out the
		// binding folds them into the trailers frame.
		s.sink.WriteTrailers(s.stashedTrailers, s.headersSent)
		s.headersSent = true
		s.stashedTrailers = nil
	}
}

// collectLocked advances the inbound phase for decoded messages and
// returns the listener to dispatch to. Runs under s.mu.
func (s *ServerStream) collectLocked(evs []deframeEvent) StreamListener {
	for _, ev := range evs {
		if ev.msg != nil {
			s.phases.advanceInbound(phaseMessage)
		}
	}
	return s.listener
}

// dispatch delivers deframe events outside the stream mutex, so listener
// callbacks can call back into the stream.
func (s *ServerStream) dispatch(l StreamListener, evs []deframeEvent) {
	for _, ev := range evs {
		switch {
		case ev.err != nil:
			s.deframeFailed(ev.err)
		case ev.halfClose:
			s.halfClose()
		default:
			if l != nil {
				l.MessageRead(ev.msg.NewReader())
			}
		}
	}
}

// halfClose fires the half-closed event once, when the remote end finishes
// sending before the stream was otherwise terminated.
func (s *ServerStream) halfClose() {
	s.mu.Lock()
	notify := false
	if s.phases.advanceInbound(phaseStatus) != phaseStatus && !s.listenerClosed {
		s.df.close()
		notify = true
	}
	l := s.listener
	s.mu.Unlock()

	if notify && l != nil {
		l.HalfClosed()
	}
}

// closeListenerLocked consumes the close latch and frees inbound resources.
// It returns true only for the first caller; that caller must deliver the
// Closed notification after releasing s.mu.
func (s *ServerStream) closeListenerLocked() bool {
	if s.listenerClosed {
		return false
	}
	s.listenerClosed = true
	s.df.close()
	return true
}

// writeStatusToTrailersLocked merges st into the stashed trailers under the
// reserved keys, dropping any stale values first. The description key is
// omitted for an empty description. Runs under s.mu.
func (s *ServerStream) writeStatusToTrailersLocked(st *status.Status) {
	s.stashedTrailers.Delete(status.CodeKey)
	s.stashedTrailers.Delete(status.MessageKey)
	s.stashedTrailers.Set(status.CodeKey, status.EncodeCode(st.Code()))
	if st.Message() != "" {
		s.stashedTrailers.Set(status.MessageKey, st.Message())
	}
}
