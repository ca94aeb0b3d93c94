package vrpc

import "context"

// Invoker is called by a ClientMiddleware to complete the RPC.
type Invoker func(ctx context.Context, method string, req, reply any, cc *Client) error

// ClientMiddleware intercepts unary RPCs performed by the client. It is set
// through DialWithMiddleware or DialWithChainMiddleware; once set, every
// Invoke is delegated to it, and it is the middleware's responsibility to
// call invoker to actually perform the RPC.
type ClientMiddleware func(ctx context.Context, method string, req, reply any, cc *Client, invoker Invoker) error

// ServerInfo carries the per-RPC information a server middleware may
// inspect.
type ServerInfo struct {
	// Server is the service implementation the user registered. Read-only.
	Server any
	// FullMethod is the full RPC method string, i.e. /service/method.
	FullMethod string
}

// Handler is the wrapper of the service method implementation, invoked by a
// ServerMiddleware to run the RPC.
type Handler func(ctx context.Context, req any) (any, error)

// ServerMiddleware hooks the execution of an RPC on the server. It must
// call handler to complete the RPC.
type ServerMiddleware func(ctx context.Context, req any, info *ServerInfo, handler Handler) (resp any, err error)

// chainServerMiddlewares folds a middleware list into one, outermost first.
func chainServerMiddlewares(mws []ServerMiddleware) ServerMiddleware {
	if len(mws) == 0 {
		return nil
	}
	if len(mws) == 1 {
		return mws[0]
	}
	return func(ctx context.Context, req any, info *ServerInfo, handler Handler) (any, error) {
		chained := handler
		for i := len(mws) - 1; i >= 0; i-- {
			mw, next := mws[i], chained
			chained = func(ctx context.Context, req any) (any, error) {
				return mw(ctx, req, info, next)
			}
		}
		return chained(ctx, req)
	}
}

// chainClientMiddlewares is the client-side counterpart.
func chainClientMiddlewares(mws []ClientMiddleware) ClientMiddleware {
	if len(mws) == 0 {
		return nil
	}
	if len(mws) == 1 {
		return mws[0]
	}
	return func(ctx context.Context, method string, req, reply any, cc *Client, invoker Invoker) error {
		chained := invoker
		for i := len(mws) - 1; i >= 0; i-- {
			mw, next := mws[i], chained
			chained = func(ctx context.Context, method string, req, reply any, cc *Client) error {
				return mw(ctx, method, req, reply, cc, next)
			}
		}
		return chained(ctx, method, req, reply, cc)
	}
}
