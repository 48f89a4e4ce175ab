package rpcerr

import (
	"errors"
	"testing"
)

func TestErrorString(t *testing.T) {
	e := New(AlreadyExists, "subdomain %q is taken", "foo")
	want := "already_exists: subdomain \"foo\" is taken"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestIsHelpers(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		fn   func(error) bool
		want bool
	}{
		{"unauthenticated match", New(Unauthenticated, "no session"), IsUnauthenticated, true},
		{"unauthenticated mismatch", New(Internal, "boom"), IsUnauthenticated, false},
		{"invalid argument match", New(InvalidArgument, "bad subdomain"), IsInvalidArgument, true},
		{"already exists match", New(AlreadyExists, "taken"), IsAlreadyExists, true},
		{"internal match", New(Internal, "boom"), IsInternal, true},
		{"protocol violation match", New(ProtocolViolation, "bad frame"), IsProtocolViolation, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.err); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	a := New(AlreadyExists, "first")
	b := New(AlreadyExists, "second")
	c := New(Internal, "other")

	if !errors.Is(a, b) {
		t.Error("expected errors with the same Kind to match via errors.Is")
	}
	if errors.Is(a, c) {
		t.Error("expected errors with different Kinds not to match via errors.Is")
	}
	if errors.Is(a, errors.New("plain")) {
		t.Error("expected a plain error never to match")
	}
}
