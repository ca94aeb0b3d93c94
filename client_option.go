package vrpc

import (
	"time"

	"github.com/vexrpc/vrpc/codec"
	"github.com/vexrpc/vrpc/discovery"
)

const (
	defaultClientMaxReceiveMessageSize = 1024 * 1024 * 5
	defaultConnectTimeout              = 5 * time.Second
)

type clientOption struct {
	clientMiddleware ClientMiddleware
	chainMiddlewares []ClientMiddleware

	codec                 codec.Codec
	connectTimeout        time.Duration
	callTimeout           time.Duration
	writeTimeout          time.Duration
	tcpKeepAlivePeriod    time.Duration
	maxReceiveMessageSize int

	discovery  discovery.Discovery
	selectMode discovery.SelectMode
}

var defaultClientOption = clientOption{
	codec:                 codec.Proto,
	connectTimeout:        defaultConnectTimeout,
	maxReceiveMessageSize: defaultClientMaxReceiveMessageSize,
}

// DialOption configures a Client.
type DialOption func(*clientOption)

// DialWithMiddleware sets the client middleware. It may be set once.
func DialWithMiddleware(mw ClientMiddleware) DialOption {
	return func(opt *clientOption) {
		if opt.clientMiddleware != nil {
			panic("vrpc: the client middleware was already set and may not be reset")
		}
		opt.clientMiddleware = mw
	}
}

// DialWithChainMiddleware appends multiple middlewares, executed in order
// around every Invoke.
func DialWithChainMiddleware(mws ...ClientMiddleware) DialOption {
	return func(opt *clientOption) {
		opt.chainMiddlewares = append(opt.chainMiddlewares, mws...)
	}
}

// DialWithCodec sets the codec used to serialize requests and responses.
func DialWithCodec(c codec.Codec) DialOption {
	return func(opt *clientOption) {
		if c != nil {
			opt.codec = c
		}
	}
}

// DialWithConnectTimeout bounds connection establishment.
func DialWithConnectTimeout(d time.Duration) DialOption {
	return func(opt *clientOption) {
		opt.connectTimeout = d
	}
}

// DialWithCallTimeout sets a default per-call timeout applied when the
// caller's context carries no deadline.
func DialWithCallTimeout(d time.Duration) DialOption {
	return func(opt *clientOption) {
		opt.callTimeout = d
	}
}

// DialWithWriteTimeout bounds a single write to the connection.
func DialWithWriteTimeout(d time.Duration) DialOption {
	return func(opt *clientOption) {
		opt.writeTimeout = d
	}
}

// DialWithKeepAlivePeriod enables TCP keep-alive on the connection.
func DialWithKeepAlivePeriod(d time.Duration) DialOption {
	return func(opt *clientOption) {
		opt.tcpKeepAlivePeriod = d
	}
}

// DialWithMaxReceiveMessageSize bounds inbound messages.
func DialWithMaxReceiveMessageSize(n int) DialOption {
	return func(opt *clientOption) {
		opt.maxReceiveMessageSize = n
	}
}

// DialWithDiscovery resolves the dial target through d instead of treating
// the target as a literal address.
func DialWithDiscovery(d discovery.Discovery, mode discovery.SelectMode) DialOption {
	return func(opt *clientOption) {
		opt.discovery = d
		opt.selectMode = mode
	}
}
