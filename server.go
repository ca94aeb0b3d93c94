// Package vrpc is a message-oriented RPC framework multiplexing calls over
// TCP connections. The root package holds the server, the client and the
// per-call façade; the stream state machine lives in transport.
package vrpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vexrpc/vrpc/codec"
	"github.com/vexrpc/vrpc/mem"
	"github.com/vexrpc/vrpc/metadata"
	"github.com/vexrpc/vrpc/protocol"
	"github.com/vexrpc/vrpc/status"
	"github.com/vexrpc/vrpc/transport"
)

const readBufferSize = 16 * 1024

// ErrServerClosed is returned by Serve after Stop or GracefulStop.
var ErrServerClosed = errors.New("vrpc: the server has been stopped")

// Server is an RPC server. Create one with NewServer, register services,
// then call Serve.
type Server struct {
	opt    serverOption
	logger *zap.Logger

	mu         sync.Mutex
	lis        net.Listener
	conns      map[*serverConn]struct{}
	serve      bool
	serviceMap sync.Map // service name -> *service
	serveWG    sync.WaitGroup

	inShutdown atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once

	tasks chan func()
}

// NewServer returns a server configured by opts.
func NewServer(opts ...ServerOption) *Server {
	opt := defaultServerOption
	for _, o := range opts {
		o(&opt)
	}
	if len(opt.chainMiddlewares) > 0 {
		mws := opt.chainMiddlewares
		if opt.srvMiddleware != nil {
			mws = append([]ServerMiddleware{opt.srvMiddleware}, mws...)
		}
		opt.srvMiddleware = chainServerMiddlewares(mws)
	}

	s := &Server{
		opt:    opt,
		logger: zap.L(),
		conns:  make(map[*serverConn]struct{}),
		done:   make(chan struct{}),
		tasks:  make(chan func(), opt.taskQueueSize),
	}
	s.startWorkers()
	return s
}

// startWorkers launches the fixed handler pool. Handlers that arrive while
// every worker is busy and the queue is full run on overflow goroutines, so
// a slow handler can never wedge a connection's read loop.
func (s *Server) startWorkers() {
	for i := 0; i < s.opt.workerPoolSize; i++ {
		go func() {
			for {
				select {
				case t := <-s.tasks:
					t()
				case <-s.done:
					return
				}
			}
		}()
	}
}

func (s *Server) dispatch(t func()) {
	select {
	case s.tasks <- t:
	default:
		go t()
	}
}

// Serve listens on addr and serves connections until Stop or a fatal
// listener error.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("vrpc: failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(lis)
}

// ServeListener serves connections accepted from lis.
func (s *Server) ServeListener(lis net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		lis.Close()
		return ErrServerClosed
	}
	s.serve = true
	s.lis = lis
	s.mu.Unlock()

	var tempDelay time.Duration
	for {
		rawConn, err := lis.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.logger.Warn("vrpc: accept error, retrying", zap.Error(err), zap.Duration("backoff", tempDelay))
				select {
				case <-time.After(tempDelay):
					continue
				case <-s.done:
					return ErrServerClosed
				}
			}
			return err
		}
		tempDelay = 0

		sc := s.newServerConn(rawConn)
		s.mu.Lock()
		if s.inShutdown.Load() {
			s.mu.Unlock()
			rawConn.Close()
			return ErrServerClosed
		}
		s.conns[sc] = struct{}{}
		s.mu.Unlock()

		s.serveWG.Add(1)
		go func() {
			defer s.serveWG.Done()
			sc.serve()
			s.removeConn(sc)
		}()
	}
}

func (s *Server) removeConn(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()
}

// Stop closes the listener and every active connection immediately.
func (s *Server) Stop() {
	s.inShutdown.Store(true)
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	lis := s.lis
	s.lis = nil
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	if lis != nil {
		lis.Close()
	}
	for _, sc := range conns {
		sc.close()
	}
	s.serveWG.Wait()
}

// GracefulStop closes the listener, lets in-flight connections drain their
// reads, then waits for serving goroutines to finish.
func (s *Server) GracefulStop() {
	s.inShutdown.Store(true)

	s.mu.Lock()
	lis := s.lis
	s.lis = nil
	s.mu.Unlock()

	if lis != nil {
		lis.Close()
	}
	s.serveWG.Wait()
	s.closeOnce.Do(func() { close(s.done) })
}

// serverConn owns one accepted connection: a read loop deframing wire
// messages and demultiplexing them to streams by id, and a write loop
// serializing every outbound frame of every stream on the connection.
type serverConn struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader

	writeCh chan writeOp
	done    chan struct{}
	closed  atomic.Bool

	mu      sync.Mutex
	streams map[uint64]*transport.ServerStream
}

type writeOp struct {
	buf mem.Buffer
	// onDone runs in the write loop after buf hit the wire; the trailers
	// path uses it to mark the stream complete.
	onDone func()
}

func (s *Server) newServerConn(rawConn net.Conn) *serverConn {
	return &serverConn{
		server:  s,
		conn:    rawConn,
		reader:  bufio.NewReaderSize(rawConn, readBufferSize),
		writeCh: make(chan writeOp, 32),
		done:    make(chan struct{}),
		streams: make(map[uint64]*transport.ServerStream),
	}
}

func (sc *serverConn) serve() {
	go sc.writeLoop()
	defer sc.close()

	msg := protocol.NewMessage()
	for {
		if t := sc.server.opt.readTimeout; t > 0 {
			sc.conn.SetReadDeadline(time.Now().Add(t))
		}
		if err := msg.Decode(sc.reader, sc.server.opt.maxReceiveMessageSize); err != nil {
			if !errors.Is(err, io.EOF) && !sc.closed.Load() {
				sc.server.logger.Warn("vrpc: connection read failed",
					zap.String("remote", sc.conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}

		switch msg.FrameType() {
		case protocol.FrameHeaders:
			sc.handleNewStream(msg)
		case protocol.FrameData:
			if st := sc.lookupStream(msg.StreamID()); st != nil {
				frame := mem.BufferSlice{mem.SliceBuffer(msg.Payload)}
				st.InboundDataReceived(frame, msg.EndStream())
			}
		case protocol.FrameCancel:
			if st := sc.takeStream(msg.StreamID()); st != nil {
				st.AbortStream(status.New(status.Canceled, "canceled by the client"), false)
			}
		default:
			sc.server.logger.Warn("vrpc: unknown frame type",
				zap.Uint8("type", uint8(msg.FrameType())), zap.Uint64("stream", msg.StreamID()))
		}
	}
}

// handleNewStream sets up the stream, call façade and listener for one
// incoming RPC and hands the stream its first message of demand.
func (sc *serverConn) handleNewStream(msg *protocol.Message) {
	srv := sc.server
	id := msg.StreamID()

	sink := &tcpSink{conn: sc, streamID: id}
	st := transport.NewServerStream(sink, srv.opt.maxReceiveMessageSize)
	sink.stream = st

	svc, desc, ok := srv.lookupMethod(msg.Method)
	if !ok {
		st.AbortStream(status.Newf(status.Unimplemented, "unknown method %q", msg.Method), true)
		return
	}

	cdc := codec.Proto
	md := msg.Metadata
	if md != nil {
		if names := md.Get(protocol.CodecHeader); len(names) > 0 {
			if cdc = codec.Lookup(names[0]); cdc == nil {
				st.AbortStream(status.Newf(status.Unimplemented, "unknown codec %q", names[0]), true)
				return
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	if md != nil {
		ctx = metadata.NewIncomingContext(ctx, md)
		if vals := md.Get(protocol.TimeoutHeader); len(vals) > 0 {
			if d, ok := protocol.DecodeTimeout(vals[0]); ok {
				cancel()
				ctx, cancel = context.WithTimeout(metadata.NewIncomingContext(context.Background(), md), d)
			}
		}
	}

	l := &unaryListener{
		server: srv,
		conn:   sc,
		stream: st,
		call:   NewServerCall(st, cdc, msg.Method),
		svc:    svc,
		desc:   desc,
		ctx:    ctx,
		cancel: cancel,
		id:     id,
	}
	sc.addStream(id, st)
	st.SetListener(l)

	// Expiry of the call deadline must reach the client even if the
	// handler never checks its context.
	go func() {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			st.AbortStream(status.New(status.DeadlineExceeded, "request deadline exceeded"), true)
		}
	}()

	st.Request(1)
}

func (sc *serverConn) addStream(id uint64, st *transport.ServerStream) {
	sc.mu.Lock()
	sc.streams[id] = st
	sc.mu.Unlock()
}

func (sc *serverConn) lookupStream(id uint64) *transport.ServerStream {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.streams[id]
}

func (sc *serverConn) takeStream(id uint64) *transport.ServerStream {
	sc.mu.Lock()
	st := sc.streams[id]
	delete(sc.streams, id)
	sc.mu.Unlock()
	return st
}

func (sc *serverConn) writeLoop() {
	for {
		select {
		case op := <-sc.writeCh:
			if t := sc.server.opt.writeTimeout; t > 0 {
				sc.conn.SetWriteDeadline(time.Now().Add(t))
			}
			_, err := sc.conn.Write(op.buf.ReadOnlyData())
			op.buf.Free()
			if err != nil {
				sc.server.logger.Warn("vrpc: connection write failed",
					zap.String("remote", sc.conn.RemoteAddr().String()), zap.Error(err))
				sc.close()
				return
			}
			if op.onDone != nil {
				op.onDone()
			}
		case <-sc.done:
			return
		}
	}
}

// enqueue hands one encoded frame to the write loop. Frames racing the
// connection teardown are dropped; their streams are aborted by close.
func (sc *serverConn) enqueue(buf mem.Buffer, onDone func()) {
	if sc.closed.Load() {
		buf.Free()
		return
	}
	select {
	case sc.writeCh <- writeOp{buf: buf, onDone: onDone}:
	case <-sc.done:
		buf.Free()
	}
}

func (sc *serverConn) close() {
	if !sc.closed.CompareAndSwap(false, true) {
		return
	}
	close(sc.done)
	sc.conn.Close()

	sc.mu.Lock()
	streams := make([]*transport.ServerStream, 0, len(sc.streams))
	for _, st := range sc.streams {
		streams = append(streams, st)
	}
	sc.streams = make(map[uint64]*transport.ServerStream)
	sc.mu.Unlock()

	for _, st := range streams {
		st.AbortStream(status.New(status.Unavailable, "connection closed"), false)
	}
}

// tcpSink binds one stream's outbound side to the connection write loop.
// Every method only encodes and enqueues, so no sink call ever re-enters
// the stream synchronously.
type tcpSink struct {
	conn     *serverConn
	stream   *transport.ServerStream
	streamID uint64
}

func (k *tcpSink) WriteHeaders(md metadata.MD) {
	msg := protocol.NewMessage()
	msg.SetFrameType(protocol.FrameHeaders)
	msg.SetStreamID(k.streamID)
	msg.Metadata = md
	k.conn.enqueue(msg.Encode(), nil)
}

func (k *tcpSink) WriteFrame(frame mem.BufferSlice, endOfStream, flush bool) {
	msg := protocol.NewMessage()
	msg.SetFrameType(protocol.FrameData)
	msg.SetStreamID(k.streamID)
	msg.SetEndStream(endOfStream)
	msg.Payload = frame.Materialize()
	frame.Free()
	if len(msg.Payload) > protocol.CompressThreshold {
		msg.SetCompressed(true)
	}
	k.conn.enqueue(msg.Encode(), nil)
}

func (k *tcpSink) WriteTrailers(md metadata.MD, headersSent bool) {
	// headersSent is not needed on this wire: a trailers frame is
	// self-sufficient, so a trailers-only response needs no synthetic
	// headers frame.
	msg := protocol.NewMessage()
	msg.SetFrameType(protocol.FrameTrailers)
	msg.SetStreamID(k.streamID)
	msg.SetEndStream(true)
	msg.Metadata = md
	st := k.stream
	k.conn.enqueue(msg.Encode(), func() {
		k.conn.takeStream(k.streamID)
		if err := st.Complete(); err != nil {
			k.conn.server.logger.Error("vrpc: stream completed without close", zap.Error(err))
		}
	})
}

func (k *tcpSink) WriteAbort(st *status.Status, md metadata.MD) {
	msg := protocol.NewMessage()
	msg.SetFrameType(protocol.FrameTrailers)
	msg.SetStreamID(k.streamID)
	msg.SetEndStream(true)
	msg.Metadata = md
	k.conn.takeStream(k.streamID)
	k.conn.enqueue(msg.Encode(), nil)
}

func (k *tcpSink) Ready() bool {
	return !k.conn.closed.Load() && len(k.conn.writeCh) < cap(k.conn.writeCh)
}

// unaryListener adapts one unary RPC to the stream listener contract: it
// buffers the single request message, dispatches the handler on half-close
// and tears the call context down on close.
type unaryListener struct {
	server *Server
	conn   *serverConn
	stream *transport.ServerStream
	call   *ServerCall
	svc    *service
	desc   *MethodDesc
	ctx    context.Context
	cancel context.CancelFunc
	id     uint64

	mu     sync.Mutex
	req    []byte
	gotReq bool
}

func (l *unaryListener) Ready() {}

func (l *unaryListener) MessageRead(r mem.Reader) {
	defer r.Close()
	buf := make([]byte, r.Remain())
	if _, err := io.ReadFull(r, buf); err != nil {
		l.stream.AbortStream(status.Newf(status.Internal, "failed to read request message: %v", err), true)
		return
	}
	l.mu.Lock()
	l.req = buf
	l.gotReq = true
	l.mu.Unlock()
}

func (l *unaryListener) HalfClosed() {
	l.mu.Lock()
	got := l.gotReq
	l.mu.Unlock()
	if !got {
		l.stream.AbortStream(status.New(status.Internal, "half-closed without a request"), true)
		return
	}
	l.server.dispatch(l.run)
}

func (l *unaryListener) Closed(st *status.Status) {
	l.cancel()
	l.conn.takeStream(l.id)
}

func (l *unaryListener) run() {
	dec := func(v any) error {
		l.mu.Lock()
		req := l.req
		l.mu.Unlock()
		return l.call.codec.Unmarshal(mem.BufferSlice{mem.SliceBuffer(req)}, v)
	}

	resp, err := l.desc.Handler(l.svc.serviceImpl, l.ctx, dec, l.server.opt.srvMiddleware)
	if err != nil {
		if cerr := l.call.Close(status.FromError(err), metadata.MD{}); cerr != nil {
			l.server.logger.Warn("vrpc: failed to close call", zap.String("method", l.call.Method()), zap.Error(cerr))
		}
		return
	}

	if err := l.call.SendHeaders(nil); err != nil {
		l.server.logger.Warn("vrpc: failed to send headers", zap.String("method", l.call.Method()), zap.Error(err))
		return
	}
	if err := l.call.SendMessage(resp); err != nil {
		// SendMessage already closed the stream.
		l.server.logger.Warn("vrpc: failed to send response", zap.String("method", l.call.Method()), zap.Error(err))
		return
	}
	l.call.Close(status.New(status.OK, ""), metadata.MD{})
}
