package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func mustWait(t *testing.T, f *Future[string]) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestBatchFailFailsOnlyItsBlanks(t *testing.T) {
	p := NewProvider[string]()

	f1 := p.Blank()
	f2 := p.Blank()
	f3 := p.Blank()
	batch := p.Batch()
	f4 := p.Blank() // belongs to the next batch

	wantErr := errors.New("no transport")
	batch.Fail(wantErr)

	for i, f := range []*Future[string]{f1, f2, f3} {
		if _, err := mustWait(t, f); !errors.Is(err, wantErr) {
			t.Errorf("future %d: got %v, want %v", i+1, err, wantErr)
		}
	}

	select {
	case <-f4.Done():
		t.Error("future created after Batch was resolved by it")
	default:
	}

	p.Batch().Link(func() *Future[string] { return Resolved("late") })
	if v, err := mustWait(t, f4); err != nil || v != "late" {
		t.Errorf("late future: got (%q, %v), want (\"late\", nil)", v, err)
	}
}

func TestBatchLinkPropagatesValues(t *testing.T) {
	p := NewProvider[string]()

	f1 := p.Blank()
	f2 := p.Blank()
	batch := p.Batch()

	var calls int
	batch.Link(func() *Future[string] {
		calls++
		return Resolved("conn")
	})
	if calls != 2 {
		t.Errorf("source invoked %d times, want once per blank (2)", calls)
	}

	for i, f := range []*Future[string]{f1, f2} {
		if v, err := mustWait(t, f); err != nil || v != "conn" {
			t.Errorf("future %d: got (%q, %v), want (\"conn\", nil)", i+1, v, err)
		}
	}
}

func TestBatchLinkPropagatesFailure(t *testing.T) {
	p := NewProvider[string]()
	f := p.Blank()

	wantErr := errors.New("upstream broke")
	p.Batch().Link(func() *Future[string] { return Failed[string](wantErr) })

	if _, err := mustWait(t, f); !errors.Is(err, wantErr) {
		t.Errorf("got %v, want %v", err, wantErr)
	}
}

func TestFutureResolvesOnce(t *testing.T) {
	f := Resolved("first")
	f.resolve("second", errors.New("too late"))

	if v, err := mustWait(t, f); err != nil || v != "first" {
		t.Errorf("got (%q, %v), want (\"first\", nil)", v, err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	p := NewProvider[string]()
	f := p.Blank()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}

	// The future itself is still blank and can resolve later.
	p.Batch().Link(func() *Future[string] { return Resolved("eventually") })
	if v, err := mustWait(t, f); err != nil || v != "eventually" {
		t.Errorf("got (%q, %v), want (\"eventually\", nil)", v, err)
	}
}

func TestConcurrentBlanksAndBatches(t *testing.T) {
	p := NewProvider[int]()

	const n = 64
	futures := make([]*Future[int], n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			futures[i] = p.Blank()
		}(i)
	}
	wg.Wait()

	// Split the blanks across two batches: whatever the first batch took,
	// the two together must settle all of them and nothing twice.
	b1 := p.Batch()
	b2 := p.Batch()
	len1, len2 := b1.Len(), b2.Len()
	if len1+len2 != n {
		t.Fatalf("batches hold %d+%d futures, want %d total", len1, len2, n)
	}

	b1.Link(func() *Future[int] { return Resolved(1) })
	b2.Fail(errors.New("second batch"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var resolved, failed int
	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			failed++
		} else {
			resolved++
		}
	}
	if resolved != len1 || failed != len2 {
		t.Fatalf("resolved=%d failed=%d, want %d and %d", resolved, failed, len1, len2)
	}
}
