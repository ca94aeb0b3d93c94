package status

import "strconv"

// A Code is a canonical status code carried in the reserved status trailer.
type Code uint32

const (
	// OK means the call completed successfully.
	OK Code = 0
	// Canceled means the operation was canceled, typically by the caller.
	Canceled Code = 1
	// Unknown covers errors with no better mapping, e.g. an error value
	// raised by a handler that is not a *Status.
	Unknown Code = 2
	// InvalidArgument means the client supplied a bad request.
	InvalidArgument Code = 3
	// DeadlineExceeded means the call's deadline expired before completion.
	DeadlineExceeded Code = 4
	// NotFound means a requested entity was not found.
	NotFound Code = 5
	// AlreadyExists means an entity the client tried to create exists.
	AlreadyExists Code = 6
	// PermissionDenied means the caller lacks permission.
	PermissionDenied Code = 7
	// ResourceExhausted means a quota or limit was hit.
	ResourceExhausted Code = 8
	// FailedPrecondition means the system is not in the required state.
	FailedPrecondition Code = 9
	// Aborted means the operation was aborted, e.g. a concurrency conflict.
	Aborted Code = 10
	// OutOfRange means the operation was attempted past a valid range.
	OutOfRange Code = 11
	// Unimplemented means the method is not implemented by the server.
	Unimplemented Code = 12
	// Internal means an invariant expected by the system was broken.
	Internal Code = 13
	// Unavailable means the service is currently unavailable.
	Unavailable Code = 14
	// DataLoss means unrecoverable data loss or corruption.
	DataLoss Code = 15
	// Unauthenticated means the caller could not be authenticated.
	Unauthenticated Code = 16
)

var codeNames = map[Code]string{
	OK:                 "OK",
	Canceled:           "Canceled",
	Unknown:            "Unknown",
	InvalidArgument:    "InvalidArgument",
	DeadlineExceeded:   "DeadlineExceeded",
	NotFound:           "NotFound",
	AlreadyExists:      "AlreadyExists",
	PermissionDenied:   "PermissionDenied",
	ResourceExhausted:  "ResourceExhausted",
	FailedPrecondition: "FailedPrecondition",
	Aborted:            "Aborted",
	OutOfRange:         "OutOfRange",
	Unimplemented:      "Unimplemented",
	Internal:           "Internal",
	Unavailable:        "Unavailable",
	DataLoss:           "DataLoss",
	Unauthenticated:    "Unauthenticated",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "Code(" + strconv.FormatUint(uint64(c), 10) + ")"
}
