package vrpc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vexrpc/vrpc/metadata"
	"github.com/vexrpc/vrpc/protocol"
	"github.com/vexrpc/vrpc/status"
)

// readerBufferSize is used for the connection's bufio reader.
const readerBufferSize = 16 * 1024

// pendingCall collects the response frames of one in-flight RPC until its
// trailers arrive.
type pendingCall struct {
	mu       sync.Mutex
	headers  metadata.MD
	trailers metadata.MD
	payload  []byte

	once sync.Once
	done chan struct{}
	err  error
}

// finish resolves the call once; a trailers frame and a connection teardown
// can race to it.
func (pc *pendingCall) finish(err error) {
	pc.once.Do(func() {
		pc.err = err
		close(pc.done)
	})
}

// clientConn is one multiplexed connection to a server. Calls share it
// concurrently: writes are serialized by a mutex, and a single read loop
// demultiplexes response frames to pending calls by stream id.
type clientConn struct {
	client *Client
	conn   net.Conn
	reader *bufio.Reader
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]*pendingCall

	nextID atomic.Uint64
	closed atomic.Bool
}

func newClientConn(c *Client, target string) (*clientConn, error) {
	var conn net.Conn
	var err error
	if c.opt.connectTimeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), c.opt.connectTimeout)
		defer cancel()
		d := &net.Dialer{}
		conn, err = d.DialContext(ctx, "tcp", target)
	} else {
		conn, err = net.Dial("tcp", target)
	}
	if err != nil {
		return nil, err
	}

	if c.opt.tcpKeepAlivePeriod > 0 {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(c.opt.tcpKeepAlivePeriod)
		}
	}

	cc := &clientConn{
		client:  c,
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, readerBufferSize),
		logger:  zap.L(),
		pending: make(map[uint64]*pendingCall),
	}
	go cc.readLoop()
	return cc, nil
}

func (cc *clientConn) nextStreamID() uint64 {
	return cc.nextID.Add(1)
}

func (cc *clientConn) register(id uint64) *pendingCall {
	pc := &pendingCall{done: make(chan struct{})}
	cc.mu.Lock()
	cc.pending[id] = pc
	cc.mu.Unlock()
	return pc
}

func (cc *clientConn) unregister(id uint64) {
	cc.mu.Lock()
	delete(cc.pending, id)
	cc.mu.Unlock()
}

// write encodes and sends one frame. Frames of concurrent calls interleave
// at message granularity, never mid-frame.
func (cc *clientConn) write(msg *protocol.Message) error {
	buf := msg.Encode()
	defer buf.Free()

	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	if cc.closed.Load() {
		return ErrClientConnClosing
	}
	if t := cc.client.opt.writeTimeout; t > 0 {
		cc.conn.SetWriteDeadline(time.Now().Add(t))
	}
	if _, err := cc.conn.Write(buf.ReadOnlyData()); err != nil {
		cc.close(err)
		return err
	}
	return nil
}

func (cc *clientConn) readLoop() {
	msg := protocol.NewMessage()
	for {
		if err := msg.Decode(cc.reader, cc.client.opt.maxReceiveMessageSize); err != nil {
			if !cc.closed.Load() && !errors.Is(err, io.EOF) {
				cc.logger.Warn("vrpc: client connection read failed", zap.Error(err))
			}
			cc.close(err)
			return
		}

		cc.mu.Lock()
		pc := cc.pending[msg.StreamID()]
		cc.mu.Unlock()
		if pc == nil {
			continue
		}

		switch msg.FrameType() {
		case protocol.FrameHeaders:
			pc.mu.Lock()
			pc.headers = msg.Metadata
			pc.mu.Unlock()
		case protocol.FrameData:
			pc.mu.Lock()
			pc.payload = append(pc.payload, msg.Payload...)
			pc.mu.Unlock()
		case protocol.FrameTrailers:
			pc.mu.Lock()
			pc.trailers = msg.Metadata
			pc.mu.Unlock()
			cc.unregister(msg.StreamID())
			pc.finish(nil)
		}
	}
}

// close tears the connection down and fails every in-flight call. The
// owning client drops the connection and redials on the next Invoke.
func (cc *clientConn) close(cause error) {
	if !cc.closed.CompareAndSwap(false, true) {
		return
	}
	cc.conn.Close()

	cc.mu.Lock()
	pending := cc.pending
	cc.pending = make(map[uint64]*pendingCall)
	cc.mu.Unlock()

	st := status.New(status.Unavailable, "connection closed")
	for _, pc := range pending {
		pc.finish(st.Err())
	}

	cc.client.dropConn(cc)
}

func (cc *clientConn) isClosed() bool {
	return cc.closed.Load()
}
