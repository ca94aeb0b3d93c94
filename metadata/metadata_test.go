package metadata

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPairs(t *testing.T) {
	md := Pairs("Key-A", "1", "key-a", "2", "Key-B", "x")
	want := MD{
		"key-a": {"1", "2"},
		"key-b": {"x"},
	}
	if diff := cmp.Diff(want, md); diff != "" {
		t.Errorf("Pairs mismatch (-want +got):\n%s", diff)
	}
}

func TestPairsPanicsOnOddInput(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Pairs with odd arguments did not panic")
		}
	}()
	Pairs("key", "value", "dangling")
}

func TestCaseFolding(t *testing.T) {
	md := MD{}
	md.Set("Content-Type", "json")
	md.Append("CONTENT-TYPE", "proto")

	if diff := cmp.Diff([]string{"json", "proto"}, md.Get("content-type")); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}

	md.Delete("Content-TYPE")
	if got := md.Get("content-type"); got != nil {
		t.Errorf("Get after Delete = %v, want nil", got)
	}
}

func TestCopyIsDeep(t *testing.T) {
	md := Pairs("k", "v")
	cp := md.Copy()
	cp.Append("k", "v2")
	cp.Set("other", "x")

	want := MD{"k": {"v"}}
	if diff := cmp.Diff(want, md); diff != "" {
		t.Errorf("original mutated (-want +got):\n%s", diff)
	}
}

func TestJoin(t *testing.T) {
	got := Join(Pairs("a", "1"), Pairs("a", "2", "b", "3"), nil)
	want := MD{"a": {"1", "2"}, "b": {"3"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Join mismatch (-want +got):\n%s", diff)
	}
}

func TestIncomingOutgoingContexts(t *testing.T) {
	ctx := context.Background()
	if _, ok := FromOutgoingContext(ctx); ok {
		t.Error("FromOutgoingContext reported metadata on an empty context")
	}

	ctx = NewOutgoingContext(ctx, Pairs("k", "v"))
	ctx = AppendToOutgoingContext(ctx, "k", "v2", "extra", "1")

	out, ok := FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("FromOutgoingContext: missing metadata")
	}
	want := MD{"k": {"v", "v2"}, "extra": {"1"}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("outgoing mismatch (-want +got):\n%s", diff)
	}

	// Incoming and outgoing directions must not leak into each other.
	if _, ok := FromIncomingContext(ctx); ok {
		t.Error("outgoing metadata visible through FromIncomingContext")
	}
	ctx = NewIncomingContext(ctx, Pairs("in", "1"))
	in, ok := FromIncomingContext(ctx)
	if !ok {
		t.Fatal("FromIncomingContext: missing metadata")
	}
	if diff := cmp.Diff(MD{"in": {"1"}}, in); diff != "" {
		t.Errorf("incoming mismatch (-want +got):\n%s", diff)
	}
}
