package vrpc

import (
	"math"
	"time"
)

const (
	defaultServerMaxReceiveMessageSize = 1024 * 1024 * 5
	defaultServerMaxSendMessageSize    = math.MaxInt32
	defaultWorkerPoolSize              = 20
	defaultTaskQueueSize               = 128
)

type serverOption struct {
	srvMiddleware    ServerMiddleware
	chainMiddlewares []ServerMiddleware

	readTimeout           time.Duration
	writeTimeout          time.Duration
	maxReceiveMessageSize int
	maxSendMessageSize    int

	workerPoolSize int
	taskQueueSize  int
}

var defaultServerOption = serverOption{
	readTimeout:           time.Second * 120,
	writeTimeout:          time.Second * 120,
	maxReceiveMessageSize: defaultServerMaxReceiveMessageSize,
	maxSendMessageSize:    defaultServerMaxSendMessageSize,
	workerPoolSize:        defaultWorkerPoolSize,
	taskQueueSize:         defaultTaskQueueSize,
}

// ServerOption configures a Server.
type ServerOption func(*serverOption)

// WithMiddleware sets the server middleware called around every handler. It
// may be set once.
func WithMiddleware(mw ServerMiddleware) ServerOption {
	return func(opt *serverOption) {
		if opt.srvMiddleware != nil {
			panic("vrpc: the server middleware was already set and may not be reset")
		}
		opt.srvMiddleware = mw
	}
}

// WithChainMiddleware appends multiple middlewares, executed in order
// around every handler.
func WithChainMiddleware(mws ...ServerMiddleware) ServerOption {
	return func(opt *serverOption) {
		opt.chainMiddlewares = append(opt.chainMiddlewares, mws...)
	}
}

// WithReadTimeout bounds a single read from a connection.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(opt *serverOption) {
		opt.readTimeout = d
	}
}

// WithWriteTimeout bounds a single write to a connection.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(opt *serverOption) {
		opt.writeTimeout = d
	}
}

// WithMaxReceiveMessageSize bounds inbound messages.
func WithMaxReceiveMessageSize(n int) ServerOption {
	return func(opt *serverOption) {
		opt.maxReceiveMessageSize = n
	}
}

// WithMaxSendMessageSize bounds outbound messages.
func WithMaxSendMessageSize(n int) ServerOption {
	return func(opt *serverOption) {
		opt.maxSendMessageSize = n
	}
}

// WithWorkerPoolSize sets how many handler workers run per server.
func WithWorkerPoolSize(n int) ServerOption {
	return func(opt *serverOption) {
		if n > 0 {
			opt.workerPoolSize = n
		}
	}
}

// WithTaskQueueSize sets the handler task queue depth. When the queue is
// full new tasks overflow to fresh goroutines instead of blocking the
// connection read loop.
func WithTaskQueueSize(n int) ServerOption {
	return func(opt *serverOption) {
		if n > 0 {
			opt.taskQueueSize = n
		}
	}
}
