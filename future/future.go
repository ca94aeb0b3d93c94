// Package future provides single-assignment result cells and a registry for
// handing out blank ones before their eventual source exists. The registry
// pattern serves startup races: callers can obtain a Future for a resource
// (a connection, a lease) while it is still being established, and the
// establishing goroutine later links every outstanding blank to the real
// result in one batch.
package future

import (
	"context"
	"sync"
)

// Future is a cell resolved exactly once with either a value or an error.
// The zero value is not usable; construct one through a Provider, Resolved
// or Failed.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already holding v.
func Resolved[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.resolve(v, nil)
	return f
}

// Failed returns a future already holding err.
func Failed[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.resolve(zero, err)
	return f
}

// resolve sets the outcome. Later calls are ignored; a future's outcome
// never changes once observed.
func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed when the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends, whichever comes first.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Provider hands out blank futures and batches them for fulfillment. It is
// safe for concurrent use.
type Provider[T any] struct {
	mu     sync.Mutex
	blanks []*Future[T]
}

// NewProvider returns an empty provider.
func NewProvider[T any]() *Provider[T] {
	return &Provider[T]{}
}

// Blank registers and returns a new unresolved future.
func (p *Provider[T]) Blank() *Future[T] {
	f := newFuture[T]()
	p.mu.Lock()
	p.blanks = append(p.blanks, f)
	p.mu.Unlock()
	return f
}

// Batch atomically takes ownership of every blank handed out so far and
// resets the provider. Blanks created after the call belong to the next
// batch and are untouched by this one.
func (p *Provider[T]) Batch() *FulfillmentBatch[T] {
	p.mu.Lock()
	blanks := p.blanks
	p.blanks = nil
	p.mu.Unlock()
	return &FulfillmentBatch[T]{blanks: blanks}
}

// FulfillmentBatch resolves a snapshot of blank futures. Exactly one of
// Link or Fail should be called; a batch used twice resolves nothing the
// second time because each future only takes its first outcome.
type FulfillmentBatch[T any] struct {
	blanks []*Future[T]
}

// Len reports how many futures the batch holds.
func (b *FulfillmentBatch[T]) Len() int { return len(b.blanks) }

// Link resolves every future in the batch with the outcome of the future
// returned by source. source is invoked once per blank so each can chain to
// its own upstream; resolution happens asynchronously as each upstream
// settles.
func (b *FulfillmentBatch[T]) Link(source func() *Future[T]) {
	for _, f := range b.blanks {
		src := source()
		go func(f *Future[T]) {
			<-src.done
			f.resolve(src.val, src.err)
		}(f)
	}
	b.blanks = nil
}

// Fail resolves every future in the batch with err.
func (b *FulfillmentBatch[T]) Fail(err error) {
	var zero T
	for _, f := range b.blanks {
		f.resolve(zero, err)
	}
	b.blanks = nil
}
