// Package rpcerr models the small error taxonomy carried on every
// revtun RPC response, standing in for gRPC status codes in a transport
// that never links google.golang.org/grpc.
package rpcerr

import "fmt"

// Kind is one of the fixed error categories an RPC can fail with.
type Kind string

const (
	Unauthenticated   Kind = "unauthenticated"
	InvalidArgument   Kind = "invalid_argument"
	AlreadyExists     Kind = "already_exists"
	Internal          Kind = "internal"
	ProtocolViolation Kind = "protocol_violation"
)

// Error is a typed, wire-serializable RPC failure.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, rpcerr.New(rpcerr.AlreadyExists, "")) matches any
// AlreadyExists error. The IsXxx helpers below check err's Kind directly.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, format, args...)
}

func IsUnauthenticated(err error) bool   { return hasKind(err, Unauthenticated) }
func IsInvalidArgument(err error) bool   { return hasKind(err, InvalidArgument) }
func IsAlreadyExists(err error) bool     { return hasKind(err, AlreadyExists) }
func IsInternal(err error) bool          { return hasKind(err, Internal) }
func IsProtocolViolation(err error) bool { return hasKind(err, ProtocolViolation) }

func hasKind(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}
