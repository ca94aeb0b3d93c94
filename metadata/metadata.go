// Package metadata defines the ordered key/value mapping carried in
// headers and trailers of a call.
package metadata

import (
	"context"
	"fmt"
	"strings"
)

// MD is a mapping from ASCII header keys to one or more values. Keys are
// stored lowercase. Keys ending in "-bin" carry binary values that callers
// are expected to base64-encode before storing.
//
// Keys beginning with "vrpc-" are reserved for internal use and may be
// overwritten by the transport (status and timeout propagation).
type MD map[string][]string

// New creates an MD from a given key-value map.
// Uppercase letters are automatically converted to lowercase.
func New(m map[string]string) MD {
	md := make(MD, len(m))
	for k, v := range m {
		key := strings.ToLower(k)
		md[key] = append(md[key], v)
	}
	return md
}

// Pairs returns an MD formed by the mapping of key, value ...
// Pairs panics if len(kv) is odd.
func Pairs(kv ...string) MD {
	if len(kv)%2 != 0 {
		panic(fmt.Sprintf("metadata: Pairs got the odd number of input pairs for metadata: %d", len(kv)))
	}

	md := make(MD, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key := strings.ToLower(kv[i])
		md[key] = append(md[key], kv[i+1])
	}

	return md
}

// Len returns the number of keys in md.
func (md MD) Len() int {
	return len(md)
}

// Copy returns a copy of md.
func (md MD) Copy() MD {
	out := make(MD, len(md))
	for k, v := range md {
		out[k] = copyOf(v)
	}
	return out
}

// Get obtains the values for a given key.
//
// k is converted to lowercase before searching in md.
func (md MD) Get(k string) []string {
	return md[strings.ToLower(k)]
}

// Set sets the value of a given key with a slice of values.
//
// k is converted to lowercase before storing in md.
func (md MD) Set(k string, vals ...string) {
	if len(vals) == 0 {
		return
	}
	md[strings.ToLower(k)] = vals
}

// Append adds the values to key k, not overwriting what was already stored
// at that key.
func (md MD) Append(k string, vals ...string) {
	if len(vals) == 0 {
		return
	}
	k = strings.ToLower(k)
	md[k] = append(md[k], vals...)
}

// Delete removes the values for a given key k which is converted to
// lowercase before removing it from md.
func (md MD) Delete(k string) {
	delete(md, strings.ToLower(k))
}

// Join joins any number of mds into a single MD.
//
// The order of values for each key is determined by the order in which the
// mds containing those values are presented to Join.
func Join(mds ...MD) MD {
	out := MD{}
	for _, md := range mds {
		for k, v := range md {
			out[k] = append(out[k], v...)
		}
	}
	return out
}

type mdIncomingKey struct{}
type mdOutgoingKey struct{}

// NewOutgoingContext creates a new context with outgoing md attached.
// md must not be modified after calling this function.
func NewOutgoingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, mdOutgoingKey{}, md)
}

// AppendToOutgoingContext returns a new context with the provided kv merged
// with any existing outgoing metadata in ctx. Panics if len(kv) is odd.
func AppendToOutgoingContext(ctx context.Context, kv ...string) context.Context {
	if len(kv)%2 == 1 {
		panic(fmt.Sprintf("metadata: AppendToOutgoingContext got an odd number of input pairs for metadata: %d", len(kv)))
	}
	md, _ := ctx.Value(mdOutgoingKey{}).(MD)
	return context.WithValue(ctx, mdOutgoingKey{}, Join(md, Pairs(kv...)))
}

// FromOutgoingContext returns the outgoing metadata in ctx if it exists.
func FromOutgoingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(mdOutgoingKey{}).(MD)
	if !ok {
		return nil, false
	}
	return md.Copy(), true
}

// NewIncomingContext injects the MD received from the remote peer into the
// context. Called by the transport; md must not be modified afterwards.
func NewIncomingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, mdIncomingKey{}, md)
}

// FromIncomingContext returns the metadata the remote peer attached to the
// call, if any.
func FromIncomingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(mdIncomingKey{}).(MD)
	if !ok {
		return nil, false
	}
	return md.Copy(), true
}

func copyOf(v []string) []string {
	vals := make([]string, len(v))
	copy(vals, v)
	return vals
}
