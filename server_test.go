package vrpc

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"

	"github.com/vexrpc/vrpc/codec"
	"github.com/vexrpc/vrpc/metadata"
	"github.com/vexrpc/vrpc/status"
)

type echoRequest struct {
	Value string `json:"value"`
}

type echoResponse struct {
	Value string `json:"value"`
	Meta  string `json:"meta,omitempty"`
}

type echoServer interface {
	Echo(ctx context.Context, req *echoRequest) (*echoResponse, error)
}

// echoHandler mirrors what generated code produces for a unary method.
func echoHandler(srv any, ctx context.Context, dec func(any) error, mw ServerMiddleware) (any, error) {
	in := new(echoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if mw == nil {
		return srv.(echoServer).Echo(ctx, in)
	}
	info := &ServerInfo{Server: srv, FullMethod: "/test.Echo/Echo"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(echoServer).Echo(ctx, req.(*echoRequest))
	}
	return mw(ctx, in, info, handler)
}

var echoServiceDesc = ServiceDesc{
	ServiceName: "test.Echo",
	HandlerType: (*echoServer)(nil),
	Methods: []MethodDesc{
		{MethodName: "Echo", Handler: echoHandler},
	},
}

type echoImpl struct{}

func (echoImpl) Echo(ctx context.Context, req *echoRequest) (*echoResponse, error) {
	switch req.Value {
	case "fail":
		return nil, status.New(status.NotFound, "no such thing").Err()
	case "slow":
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	resp := &echoResponse{Value: req.Value}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("echo-key"); len(vals) > 0 {
			resp.Meta = vals[0]
		}
	}
	return resp, nil
}

// startEchoServer serves echoImpl on a loopback listener and returns its
// address plus a shutdown func.
func startEchoServer(t *testing.T, opts ...ServerOption) (string, func()) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := NewServer(opts...)
	srv.RegisterService(&echoServiceDesc, echoImpl{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeListener(lis)
	}()

	return lis.Addr().String(), func() {
		srv.Stop()
		<-done
	}
}

func TestUnaryEcho(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	addr, stop := startEchoServer(t)
	defer stop()

	client := NewClient(addr, DialWithCodec(codec.JSON))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply echoResponse
	if err := client.Invoke(ctx, "/test.Echo/Echo", &echoRequest{Value: "hello"}, &reply); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if diff := cmp.Diff(echoResponse{Value: "hello"}, reply); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}
}

func TestUnaryEchoLargePayload(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	addr, stop := startEchoServer(t)
	defer stop()

	client := NewClient(addr, DialWithCodec(codec.JSON))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Large enough to cross the compression threshold in both directions.
	payload := strings.Repeat("abcdefgh", 1024)
	var reply echoResponse
	if err := client.Invoke(ctx, "/test.Echo/Echo", &echoRequest{Value: payload}, &reply); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if reply.Value != payload {
		t.Errorf("large payload corrupted: got %d bytes, want %d", len(reply.Value), len(payload))
	}
}

func TestErrorStatusPropagates(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	addr, stop := startEchoServer(t)
	defer stop()

	client := NewClient(addr, DialWithCodec(codec.JSON))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply echoResponse
	err := client.Invoke(ctx, "/test.Echo/Echo", &echoRequest{Value: "fail"}, &reply)
	st := status.FromError(err)
	if st.Code() != status.NotFound {
		t.Fatalf("status code = %v, want NotFound (err: %v)", st.Code(), err)
	}
	if st.Message() != "no such thing" {
		t.Errorf("status message = %q, want %q", st.Message(), "no such thing")
	}
}

func TestUnknownMethodReturnsUnimplemented(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	addr, stop := startEchoServer(t)
	defer stop()

	client := NewClient(addr, DialWithCodec(codec.JSON))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply echoResponse
	err := client.Invoke(ctx, "/test.Echo/NoSuchMethod", &echoRequest{}, &reply)
	if got := status.FromError(err).Code(); got != status.Unimplemented {
		t.Errorf("status code = %v, want Unimplemented (err: %v)", got, err)
	}
}

func TestMetadataReachesHandler(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	addr, stop := startEchoServer(t)
	defer stop()

	client := NewClient(addr, DialWithCodec(codec.JSON))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "echo-key", "from-client")

	var reply echoResponse
	if err := client.Invoke(ctx, "/test.Echo/Echo", &echoRequest{Value: "md"}, &reply); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if reply.Meta != "from-client" {
		t.Errorf("handler saw metadata %q, want %q", reply.Meta, "from-client")
	}
}

func TestDeadlinePropagates(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	addr, stop := startEchoServer(t)
	defer stop()

	client := NewClient(addr, DialWithCodec(codec.JSON))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var reply echoResponse
	err := client.Invoke(ctx, "/test.Echo/Echo", &echoRequest{Value: "slow"}, &reply)
	if got := status.FromError(err).Code(); got != status.DeadlineExceeded {
		t.Errorf("status code = %v, want DeadlineExceeded (err: %v)", got, err)
	}
}

func TestServerMiddlewareRuns(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	var seenMethod string
	mw := func(ctx context.Context, req any, info *ServerInfo, handler Handler) (any, error) {
		seenMethod = info.FullMethod
		return handler(ctx, req)
	}

	addr, stop := startEchoServer(t, WithMiddleware(mw))
	defer stop()

	client := NewClient(addr, DialWithCodec(codec.JSON))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply echoResponse
	if err := client.Invoke(ctx, "/test.Echo/Echo", &echoRequest{Value: "mw"}, &reply); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if seenMethod != "/test.Echo/Echo" {
		t.Errorf("middleware saw method %q", seenMethod)
	}
}

func TestClientMiddlewareRuns(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	addr, stop := startEchoServer(t)
	defer stop()

	var calls int
	mw := func(ctx context.Context, method string, req, reply any, cc *Client, invoker Invoker) error {
		calls++
		return invoker(ctx, method, req, reply, cc)
	}

	client := NewClient(addr, DialWithCodec(codec.JSON), DialWithMiddleware(mw))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply echoResponse
	if err := client.Invoke(ctx, "/test.Echo/Echo", &echoRequest{Value: "x"}, &reply); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if calls != 1 {
		t.Errorf("client middleware ran %d times, want 1", calls)
	}
}

func TestConcurrentCallsMultiplex(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	addr, stop := startEchoServer(t)
	defer stop()

	client := NewClient(addr, DialWithCodec(codec.JSON))
	defer client.Close()

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			want := strings.Repeat("x", i+1)
			var reply echoResponse
			if err := client.Invoke(ctx, "/test.Echo/Echo", &echoRequest{Value: want}, &reply); err != nil {
				errs[i] = err
				return
			}
			if reply.Value != want {
				t.Errorf("caller %d got cross-wired reply of %d bytes", i, len(reply.Value))
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
}

func TestInvokeValidatesArguments(t *testing.T) {
	client := NewClient("127.0.0.1:1", DialWithCodec(codec.JSON))
	defer client.Close()

	if err := client.Invoke(context.Background(), "/m", nil, &echoResponse{}); err != ErrInvalidArgument {
		t.Errorf("nil args: got %v, want %v", err, ErrInvalidArgument)
	}
	if err := client.Invoke(context.Background(), "/m", &echoRequest{}, nil); err != ErrInvalidArgument {
		t.Errorf("nil reply: got %v, want %v", err, ErrInvalidArgument)
	}
}
