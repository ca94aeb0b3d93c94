package status

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrRoundTrip(t *testing.T) {
	st := New(NotFound, "missing thing")
	err := st.Err()

	got := FromError(err)
	if got.Code() != NotFound || got.Message() != "missing thing" {
		t.Errorf("FromError = %v, want %v", got, st)
	}

	if New(OK, "").Err() != nil {
		t.Error("OK status produced a non-nil error")
	}
	if FromError(nil).Code() != OK {
		t.Error("FromError(nil) is not OK")
	}
}

func TestFromErrorWrapped(t *testing.T) {
	inner := New(PermissionDenied, "nope").Err()
	wrapped := fmt.Errorf("calling backend: %w", inner)
	if got := FromError(wrapped).Code(); got != PermissionDenied {
		t.Errorf("wrapped status error: code = %v, want PermissionDenied", got)
	}
}

func TestFromContextErrors(t *testing.T) {
	if got := FromError(context.Canceled).Code(); got != Canceled {
		t.Errorf("context.Canceled: code = %v, want Canceled", got)
	}
	if got := FromError(context.DeadlineExceeded).Code(); got != DeadlineExceeded {
		t.Errorf("context.DeadlineExceeded: code = %v, want DeadlineExceeded", got)
	}
	if got := FromError(errors.New("anything")).Code(); got != Unknown {
		t.Errorf("plain error: code = %v, want Unknown", got)
	}
}

func TestCodeEncoding(t *testing.T) {
	for _, c := range []Code{OK, Canceled, Internal, Unavailable, Unauthenticated} {
		if got := DecodeCode(EncodeCode(c)); got != c {
			t.Errorf("DecodeCode(EncodeCode(%v)) = %v", c, got)
		}
	}
	if got := DecodeCode("not-a-number"); got != Unknown {
		t.Errorf("DecodeCode(garbage) = %v, want Unknown", got)
	}
}
