// Package status carries the terminal result of a call: a canonical code
// plus an optional human-readable description. On the wire both are mapped
// into two reserved trailer keys.
package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

const (
	// CodeKey is the reserved trailer key carrying the numeric status code.
	CodeKey = "vrpc-status"
	// MessageKey is the reserved trailer key carrying the status
	// description. It is omitted entirely when the description is empty.
	MessageKey = "vrpc-message"
)

// Status represents the terminal state of a call.
type Status struct {
	code    Code
	message string
}

// New returns a Status with the given code and description.
func New(c Code, msg string) *Status {
	return &Status{code: c, message: msg}
}

// Newf returns New(c, fmt.Sprintf(format, a...)).
func Newf(c Code, format string, a ...any) *Status {
	return New(c, fmt.Sprintf(format, a...))
}

// Code returns the status code.
func (s *Status) Code() Code {
	if s == nil {
		return OK
	}
	return s.code
}

// Message returns the status description, which may be empty.
func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

// IsOK reports whether the status carries the OK code.
func (s *Status) IsOK() bool {
	return s.Code() == OK
}

// Err returns an error representing s, or nil if s is OK.
func (s *Status) Err() error {
	if s.IsOK() {
		return nil
	}
	return &statusError{s: s}
}

// String implements fmt.Stringer.
func (s *Status) String() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", s.Code(), s.Message())
}

type statusError struct {
	s *Status
}

func (e *statusError) Error() string { return e.s.String() }

// Status returns the wrapped Status, so errors.As can recover it.
func (e *statusError) Status() *Status { return e.s }

// FromError returns the Status carried by err. Errors produced by
// (*Status).Err() keep their code; context errors map to Canceled or
// DeadlineExceeded; anything else becomes Unknown with the error text as
// description. A nil error yields OK.
func FromError(err error) *Status {
	if err == nil {
		return New(OK, "")
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.s
	}
	if s := fromContextError(err); s != nil {
		return s
	}
	return New(Unknown, err.Error())
}

func fromContextError(err error) *Status {
	switch {
	case errors.Is(err, context.Canceled):
		return New(Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return New(DeadlineExceeded, err.Error())
	}
	return nil
}

// EncodeCode renders a code the way it appears in the status trailer.
func EncodeCode(c Code) string {
	return strconv.FormatUint(uint64(c), 10)
}

// DecodeCode parses a status trailer value. Unparseable values decode to
// Unknown so a corrupt trailer never masquerades as success.
func DecodeCode(v string) Code {
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return Unknown
	}
	return Code(n)
}
