package vrpc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vexrpc/vrpc/codec"
	"github.com/vexrpc/vrpc/mem"
	"github.com/vexrpc/vrpc/metadata"
	"github.com/vexrpc/vrpc/status"
)

// fakeStream records the calls the façade makes and can be told to fail
// writes.
type fakeStream struct {
	requested   int
	headers     metadata.MD
	messages    [][]byte
	flushes     int
	closeStatus *status.Status
	closeMD     metadata.MD
	closes      int
	ready       bool

	writeErr error
}

func (f *fakeStream) Request(n int) { f.requested += n }

func (f *fakeStream) WriteHeaders(md metadata.MD) error {
	f.headers = md
	return nil
}

func (f *fakeStream) WriteMessage(msg mem.BufferSlice) error {
	if f.writeErr != nil {
		msg.Free()
		return f.writeErr
	}
	f.messages = append(f.messages, msg.Materialize())
	msg.Free()
	return nil
}

func (f *fakeStream) Flush() { f.flushes++ }

func (f *fakeStream) Close(st *status.Status, trailers metadata.MD) error {
	f.closes++
	f.closeStatus = st
	f.closeMD = trailers
	return nil
}

func (f *fakeStream) IsReady() bool { return f.ready }

type echoPayload struct {
	Value string `json:"value"`
}

func newTestCall() (*ServerCall, *fakeStream) {
	fs := &fakeStream{ready: true}
	return NewServerCall(fs, codec.JSON, "/test.Echo/Echo"), fs
}

func TestCallSendHeadersOnce(t *testing.T) {
	call, fs := newTestCall()

	if err := call.SendHeaders(metadata.MD{"k": {"v"}}); err != nil {
		t.Fatalf("SendHeaders: %v", err)
	}
	if diff := cmp.Diff(metadata.MD{"k": {"v"}}, fs.headers); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}

	err := call.SendHeaders(metadata.MD{})
	if !errors.Is(err, ErrHeadersAlreadySent) {
		t.Fatalf("second SendHeaders: got %v, want %v", err, ErrHeadersAlreadySent)
	}
	if got := err.Error(); got != "SendHeaders has already been called" {
		t.Errorf("error text = %q", got)
	}
}

func TestCallSendMessageRequiresHeaders(t *testing.T) {
	call, fs := newTestCall()

	err := call.SendMessage(&echoPayload{Value: "hi"})
	if !errors.Is(err, ErrHeadersNotSent) {
		t.Fatalf("SendMessage before headers: got %v, want %v", err, ErrHeadersNotSent)
	}
	if got := err.Error(); got != "SendHeaders has not been called" {
		t.Errorf("error text = %q", got)
	}
	if len(fs.messages) != 0 {
		t.Errorf("message reached the stream: %v", fs.messages)
	}
}

func TestCallSendMessageAfterCloseFails(t *testing.T) {
	call, _ := newTestCall()

	call.SendHeaders(nil)
	if err := call.Close(status.New(status.OK, ""), nil); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := call.SendMessage(&echoPayload{Value: "hi"})
	if !errors.Is(err, ErrCallClosed) {
		t.Fatalf("SendMessage after close: got %v, want %v", err, ErrCallClosed)
	}
	if got := err.Error(); got != "call is closed" {
		t.Errorf("error text = %q", got)
	}
}

func TestCallSendMessageWritesAndFlushes(t *testing.T) {
	call, fs := newTestCall()

	call.SendHeaders(nil)
	if err := call.SendMessage(&echoPayload{Value: "hi"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(fs.messages) != 1 {
		t.Fatalf("stream saw %d messages, want 1", len(fs.messages))
	}
	if fs.flushes != 1 {
		t.Errorf("stream saw %d flushes, want 1", fs.flushes)
	}

	var got echoPayload
	if err := codec.JSON.Unmarshal(mem.BufferSlice{mem.SliceBuffer(fs.messages[0])}, &got); err != nil {
		t.Fatalf("decode written message: %v", err)
	}
	if got.Value != "hi" {
		t.Errorf("round-tripped value = %q, want %q", got.Value, "hi")
	}
}

func TestCallFailedWriteClosesStream(t *testing.T) {
	call, fs := newTestCall()
	fs.writeErr = errors.New("write exploded")

	call.SendHeaders(nil)
	err := call.SendMessage(&echoPayload{Value: "hi"})
	if !errors.Is(err, fs.writeErr) {
		t.Fatalf("SendMessage: got %v, want the stream write error", err)
	}

	// The stream must be closed before the error surfaces, so the remote
	// peer never waits on a stalled call.
	if fs.closes != 1 {
		t.Fatalf("stream closed %d times, want 1", fs.closes)
	}
	if fs.closeStatus.Code() != status.Internal {
		t.Errorf("stream closed with %v, want Internal", fs.closeStatus)
	}

	if got := call.SendMessage(&echoPayload{}); !errors.Is(got, ErrCallClosed) {
		t.Errorf("SendMessage after failed write: got %v, want %v", got, ErrCallClosed)
	}
}

func TestCallCloseOnce(t *testing.T) {
	call, fs := newTestCall()

	if err := call.Close(status.New(status.NotFound, "missing"), metadata.MD{"t": {"1"}}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fs.closeStatus.Code() != status.NotFound {
		t.Errorf("close status = %v, want NotFound", fs.closeStatus)
	}
	if diff := cmp.Diff(metadata.MD{"t": {"1"}}, fs.closeMD); diff != "" {
		t.Errorf("trailers mismatch (-want +got):\n%s", diff)
	}

	if err := call.Close(status.New(status.OK, ""), nil); !errors.Is(err, ErrCallClosed) {
		t.Errorf("second Close: got %v, want %v", err, ErrCallClosed)
	}
	if fs.closes != 1 {
		t.Errorf("stream closed %d times, want 1", fs.closes)
	}
}

func TestCallIsReady(t *testing.T) {
	call, fs := newTestCall()

	if !call.IsReady() {
		t.Error("IsReady = false on open call with ready stream")
	}
	fs.ready = false
	if call.IsReady() {
		t.Error("IsReady = true with unready stream")
	}

	fs.ready = true
	call.Close(status.New(status.OK, ""), nil)
	if call.IsReady() {
		t.Error("IsReady = true on closed call")
	}
}

func TestCallRequestForwards(t *testing.T) {
	call, fs := newTestCall()
	call.Request(3)
	if fs.requested != 3 {
		t.Errorf("stream demand = %d, want 3", fs.requested)
	}
}
