package server

import (
	"net"
	"testing"

	"github.com/revtun/revtun/internal/config"
	"github.com/revtun/revtun/pkg/protocol"
)

func testConfig() *config.Config {
	return &config.Config{
		Core: config.Core{AuthMethod: "token", AllowPorts: "11000-12000"},
		HTTP: config.HTTP{BindAddr: ":0", DefaultDomain: "tun.example.com"},
		Tokens: map[string]string{
			"alice": "tok-alice",
		},
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(&config.Config{})
	if err == nil {
		t.Fatal("expected New() to reject an empty config")
	}
}

func TestNewBuildsServer(t *testing.T) {
	srv, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.ActiveSessions() != 0 {
		t.Errorf("ActiveSessions() = %d, want 0", srv.ActiveSessions())
	}
}

func TestRegisterAndLookupTunnel(t *testing.T) {
	srv, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cs := NewClientSession(&LoggedInSession{SessionID: "s1", Username: "alice"})
	handle := &TunnelHandle{
		Entrypoint: &Entrypoint{Key: "http://foo.tun.example.com"},
		NewConns:   make(chan *Connection, 1),
		session:    cs,
	}

	srv.registerTunnel(handle.Entrypoint.Key, handle)

	got, ok := srv.lookupTunnel(handle.Entrypoint.Key)
	if !ok {
		t.Fatal("lookupTunnel() = false, want true")
	}
	if got != handle {
		t.Error("lookupTunnel() returned a different handle")
	}

	srv.unregisterTunnel(handle.Entrypoint.Key)
	if _, ok := srv.lookupTunnel(handle.Entrypoint.Key); ok {
		t.Error("lookupTunnel() after unregisterTunnel() = true, want false")
	}
}

func TestHandleAuthenticatedRejectsUnknownSession(t *testing.T) {
	srv, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()

	called := false
	done := make(chan struct{})
	go func() {
		srv.handleAuthenticated(server, protocol.StreamHello{Method: protocol.MethodListen, Authorization: "bogus"},
			func(cs *ClientSession, c net.Conn) { called = true })
		close(done)
	}()
	<-done

	if called {
		t.Error("handler should not run for an unknown session id")
	}
}

func TestHandleAuthenticatedAcceptsKnownSession(t *testing.T) {
	srv, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	login, err := srv.sessions.Login("alice")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	srv.clientSessions.Store(login.SessionID, NewClientSession(login))

	client, server := net.Pipe()
	defer client.Close()

	called := false
	done := make(chan struct{})
	go func() {
		srv.handleAuthenticated(server, protocol.StreamHello{Method: protocol.MethodListen, Authorization: login.SessionID},
			func(cs *ClientSession, c net.Conn) { called = true })
		close(done)
	}()
	<-done

	if !called {
		t.Error("handler should run for a known session id")
	}
}
