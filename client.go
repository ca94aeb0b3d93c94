package vrpc

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vexrpc/vrpc/future"
	"github.com/vexrpc/vrpc/mem"
	"github.com/vexrpc/vrpc/metadata"
	"github.com/vexrpc/vrpc/protocol"
	"github.com/vexrpc/vrpc/status"
)

var (
	// ErrInvalidArgument is returned by Invoke when args or reply is nil.
	ErrInvalidArgument = errors.New("vrpc: args and reply must not be nil")
	// ErrClientConnClosing is returned when the client has been closed.
	ErrClientConnClosing = errors.New("vrpc: the client connection is closing")
)

// Client is a connection-managing RPC client for one target. It keeps a
// single multiplexed connection and redials lazily when it breaks.
//
// Connection establishment is asynchronous: callers that arrive while a
// dial is in flight receive placeholder futures from a provider, and the
// dialing goroutine fulfills or fails the whole batch when it finishes. No
// caller ever observes another caller's dial halfway.
type Client struct {
	target string
	opt    clientOption
	logger *zap.Logger

	mu       sync.Mutex
	conn     *clientConn
	dialing  bool
	provider *future.Provider[*clientConn]
	closed   bool
}

// NewClient returns a client for target. The connection is established on
// the first Invoke.
func NewClient(target string, opts ...DialOption) *Client {
	opt := defaultClientOption
	for _, o := range opts {
		o(&opt)
	}
	if len(opt.chainMiddlewares) > 0 {
		mws := opt.chainMiddlewares
		if opt.clientMiddleware != nil {
			mws = append([]ClientMiddleware{opt.clientMiddleware}, mws...)
		}
		opt.clientMiddleware = chainClientMiddlewares(mws)
	}

	return &Client{
		target:   target,
		opt:      opt,
		logger:   zap.L(),
		provider: future.NewProvider[*clientConn](),
	}
}

// Close tears down the connection and fails callers still waiting on a
// dial.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cc := c.conn
	c.conn = nil
	batch := c.provider.Batch()
	c.mu.Unlock()

	batch.Fail(ErrClientConnClosing)
	if cc != nil {
		cc.close(ErrClientConnClosing)
	}
	return nil
}

// getConn returns the established connection, or a placeholder future's
// result once the in-flight dial settles.
func (c *Client) getConn(ctx context.Context) (*clientConn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientConnClosing
	}
	if cc := c.conn; cc != nil && !cc.isClosed() {
		c.mu.Unlock()
		return cc, nil
	}
	c.conn = nil
	f := c.provider.Blank()
	if !c.dialing {
		c.dialing = true
		go c.dial()
	}
	c.mu.Unlock()

	return f.Wait(ctx)
}

// dial resolves the target, connects and settles every placeholder handed
// out while the dial was in flight.
func (c *Client) dial() {
	target := c.target
	if c.opt.discovery != nil {
		addr, err := c.opt.discovery.Get(c.opt.selectMode)
		if err != nil {
			c.failDial(err)
			return
		}
		target = addr
	}

	cc, err := newClientConn(c, target)
	if err != nil {
		c.failDial(err)
		return
	}

	c.mu.Lock()
	c.dialing = false
	if c.closed {
		batch := c.provider.Batch()
		c.mu.Unlock()
		cc.close(ErrClientConnClosing)
		batch.Fail(ErrClientConnClosing)
		return
	}
	c.conn = cc
	batch := c.provider.Batch()
	c.mu.Unlock()

	batch.Link(func() *future.Future[*clientConn] {
		return future.Resolved(cc)
	})
}

func (c *Client) failDial(err error) {
	c.logger.Warn("vrpc: dial failed", zap.String("target", c.target), zap.Error(err))
	c.mu.Lock()
	c.dialing = false
	batch := c.provider.Batch()
	c.mu.Unlock()
	batch.Fail(err)
}

// dropConn forgets a broken connection so the next Invoke redials.
func (c *Client) dropConn(cc *clientConn) {
	c.mu.Lock()
	if c.conn == cc {
		c.conn = nil
	}
	c.mu.Unlock()
}

// Invoke sends a unary RPC and blocks until the response or a terminal
// error arrives. This is typically called by generated code.
func (c *Client) Invoke(ctx context.Context, method string, args, reply any) error {
	if mw := c.opt.clientMiddleware; mw != nil {
		return mw(ctx, method, args, reply, c, invoke)
	}
	return invoke(ctx, method, args, reply, c)
}

func invoke(ctx context.Context, method string, args, reply any, c *Client) error {
	if args == nil || reply == nil {
		return ErrInvalidArgument
	}
	if !strings.HasPrefix(method, "/") {
		method = "/" + method
	}

	if _, ok := ctx.Deadline(); !ok && c.opt.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opt.callTimeout)
		defer cancel()
	}

	cc, err := c.getConn(ctx)
	if err != nil {
		return status.FromError(err).Err()
	}

	data, err := c.opt.codec.Marshal(args)
	if err != nil {
		return status.Newf(status.Internal, "failed to serialize request: %v", err).Err()
	}

	md := metadata.MD{}
	if out, ok := metadata.FromOutgoingContext(ctx); ok {
		md = metadata.Join(out)
	}
	md.Set(protocol.CodecHeader, c.opt.codec.Name())
	md.Set(protocol.UserAgentHeader, protocol.UserAgent)
	if dl, ok := ctx.Deadline(); ok {
		md.Set(protocol.TimeoutHeader, protocol.EncodeTimeout(time.Until(dl)))
	}

	id := cc.nextStreamID()
	pc := cc.register(id)
	defer cc.unregister(id)

	hmsg := protocol.NewMessage()
	hmsg.SetFrameType(protocol.FrameHeaders)
	hmsg.SetStreamID(id)
	hmsg.Method = method
	hmsg.Metadata = md
	if err := cc.write(hmsg); err != nil {
		data.Free()
		return status.Newf(status.Unavailable, "failed to send request headers: %v", err).Err()
	}

	// The payload carries the stream-level message framing: a 4-byte
	// big-endian length before the serialized message.
	body := make([]byte, 4+data.Len())
	binary.BigEndian.PutUint32(body, uint32(data.Len()))
	data.CopyTo(body[4:])
	data.Free()

	dmsg := protocol.NewMessage()
	dmsg.SetFrameType(protocol.FrameData)
	dmsg.SetStreamID(id)
	dmsg.SetEndStream(true)
	dmsg.Payload = body
	if len(body) > protocol.CompressThreshold {
		dmsg.SetCompressed(true)
	}
	if err := cc.write(dmsg); err != nil {
		return status.Newf(status.Unavailable, "failed to send request: %v", err).Err()
	}

	select {
	case <-pc.done:
	case <-ctx.Done():
		cmsg := protocol.NewMessage()
		cmsg.SetFrameType(protocol.FrameCancel)
		cmsg.SetStreamID(id)
		cc.write(cmsg)
		return status.FromError(ctx.Err()).Err()
	}

	if pc.err != nil {
		return status.FromError(pc.err).Err()
	}
	return decodeResponse(c, pc, reply)
}

// decodeResponse turns the buffered trailers and payload of a finished call
// into the caller's reply value or a status error.
func decodeResponse(c *Client, pc *pendingCall, reply any) error {
	code := status.OK
	var message string
	if vals := pc.trailers.Get(status.CodeKey); len(vals) > 0 {
		code = status.DecodeCode(vals[0])
	} else {
		code = status.Unknown
		message = "missing status in trailers"
	}
	if vals := pc.trailers.Get(status.MessageKey); len(vals) > 0 {
		message = vals[0]
	}
	if code != status.OK {
		return status.New(code, message).Err()
	}

	if len(pc.payload) < 4 {
		return status.New(status.Internal, "truncated response payload").Err()
	}
	l := int(binary.BigEndian.Uint32(pc.payload[:4]))
	if 4+l > len(pc.payload) {
		return status.New(status.Internal, "truncated response message").Err()
	}
	msg := mem.BufferSlice{mem.SliceBuffer(pc.payload[4 : 4+l])}
	if err := c.opt.codec.Unmarshal(msg, reply); err != nil {
		return status.Newf(status.Internal, "failed to deserialize response: %v", err).Err()
	}
	return nil
}
