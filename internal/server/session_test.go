package server

import (
	"testing"

	"github.com/revtun/revtun/pkg/protocol"
)

func TestRandomID(t *testing.T) {
	id, err := randomID(protocol.SessionIDLength)
	if err != nil {
		t.Fatalf("randomID() error = %v", err)
	}
	if len(id) != protocol.SessionIDLength {
		t.Errorf("len(randomID()) = %d, want %d", len(id), protocol.SessionIDLength)
	}

	other, err := randomID(protocol.SessionIDLength)
	if err != nil {
		t.Fatalf("randomID() error = %v", err)
	}
	if id == other {
		t.Error("randomID() produced the same id twice in a row")
	}
}

func TestSessionRegistryLoginAndValidate(t *testing.T) {
	r := NewSessionRegistry()

	sess, err := r.Login("alice")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if sess.Username != "alice" {
		t.Errorf("Username = %q, want %q", sess.Username, "alice")
	}
	if len(sess.SessionID) != protocol.SessionIDLength {
		t.Errorf("len(SessionID) = %d, want %d", len(sess.SessionID), protocol.SessionIDLength)
	}

	got, err := r.Validate(sess.SessionID)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("Validate() Username = %q, want %q", got.Username, "alice")
	}
}

func TestSessionRegistryValidateUnknown(t *testing.T) {
	r := NewSessionRegistry()
	if _, err := r.Validate("nonexistent"); err != ErrSessionNotFound {
		t.Errorf("Validate() error = %v, want %v", err, ErrSessionNotFound)
	}
	if _, err := r.Validate(""); err != ErrSessionNotFound {
		t.Errorf("Validate(\"\") error = %v, want %v", err, ErrSessionNotFound)
	}
}

func TestSessionRegistryLogout(t *testing.T) {
	r := NewSessionRegistry()
	sess, _ := r.Login("alice")

	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}

	r.Logout(sess.SessionID)

	if r.Count() != 0 {
		t.Errorf("Count() after Logout = %d, want 0", r.Count())
	}
	if _, err := r.Validate(sess.SessionID); err != ErrSessionNotFound {
		t.Errorf("Validate() after Logout error = %v, want %v", err, ErrSessionNotFound)
	}
}

func TestSessionRegistryMultipleLogins(t *testing.T) {
	r := NewSessionRegistry()
	a, _ := r.Login("alice")
	b, _ := r.Login("bob")

	if a.SessionID == b.SessionID {
		t.Fatal("two logins minted the same session id")
	}
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
}
