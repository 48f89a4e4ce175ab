// Package server implements the revtun control plane: the Session
// Registry, Entrypoint Allocator, Connection Registry, public HTTP/TCP
// listeners, and the Listen/Transfer Tunnel Control Plane RPCs that tie
// them together.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/revtun/revtun/internal/config"
	"github.com/revtun/revtun/pkg/auth"
	"github.com/revtun/revtun/pkg/protocol"
	"github.com/revtun/revtun/pkg/rpcerr"
	"github.com/revtun/revtun/pkg/transport"
)

// Server is the revtun control-plane daemon (revtund).
type Server struct {
	cfg           *config.Config
	authenticator *auth.Authenticator
	sessions      *SessionRegistry
	entrypoints   *EntrypointAllocator
	connections   *ConnectionRegistry
	httpServer    *http.Server
	logger        *log.Logger
	wg            sync.WaitGroup

	clientSessions sync.Map // map[sessionID]*ClientSession
	tunnelsByKey   sync.Map // map[entrypointKey]*TunnelHandle
}

// New builds a Server from a loaded Config.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// oidc is a declared, unimplemented extension point (spec.md §3): it
	// never needs tokens, and login against it always fails at
	// authenticateLogin, so no Authenticator is built for it.
	var authenticator *auth.Authenticator
	if cfg.Core.AuthMethod == config.AuthMethodToken {
		a, err := auth.NewAuthenticator(cfg.Tokens)
		if err != nil {
			return nil, fmt.Errorf("create authenticator: %w", err)
		}
		authenticator = a
	}

	portRange, err := cfg.PortRange()
	if err != nil {
		return nil, fmt.Errorf("parse allow_ports: %w", err)
	}

	s := &Server{
		cfg:           cfg,
		authenticator: authenticator,
		sessions:      NewSessionRegistry(),
		entrypoints:   NewEntrypointAllocator(cfg.HTTP.DefaultDomain, portRange),
		connections:   NewConnectionRegistry(),
		logger:        log.New(os.Stdout, "[revtund] ", log.LstdFlags|log.Lmsgprefix),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.ConnectPath, s.handleConnect)
	mux.Handle("/", NewPublicHTTPListener(s))

	bindAddr := cfg.Core.BindAddr
	if bindAddr == "" {
		bindAddr = cfg.HTTP.BindAddr
	}
	s.httpServer = &http.Server{
		Addr:         bindAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Run starts the control-plane listener and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		s.logger.Printf("listening on %s (domain %s)", s.httpServer.Addr, s.cfg.HTTP.DefaultDomain)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	s.logger.Printf("shutting down")
	return s.Shutdown()
}

// Shutdown gracefully tears down the control plane.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shut down http server: %w", err)
	}
	s.wg.Wait()
	s.logger.Printf("shutdown complete")
	return nil
}

// ActiveSessions returns the number of currently logged-in clients.
func (s *Server) ActiveSessions() int {
	return s.sessions.Count()
}

func (s *Server) registerTunnel(key string, h *TunnelHandle) {
	s.tunnelsByKey.Store(key, h)
}

func (s *Server) unregisterTunnel(key string) {
	s.tunnelsByKey.Delete(key)
}

func (s *Server) lookupTunnel(key string) (*TunnelHandle, bool) {
	v, ok := s.tunnelsByKey.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*TunnelHandle), true
}

// newRateLimiter builds the optional per-entrypoint connection throttle.
// It returns nil (no limiting) unless core.rate_limit is configured, since
// rate-limiting is off by default (spec.md Non-goals).
func (s *Server) newRateLimiter() *rate.Limiter {
	if s.cfg.Core.RateLimit <= 0 {
		return nil
	}
	perSecond := float64(s.cfg.Core.RateLimit) / 60.0
	return rate.NewLimiter(rate.Limit(perSecond), s.cfg.Core.RateLimit)
}

// handleConnect upgrades an incoming WebSocket into a control connection
// and dispatches every subsequent yamux stream to the RPC it declares in
// its StreamHello (spec.md §4.F).
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	wsConn, err := transport.WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	session, err := transport.NewServerSession(wsConn, r.RemoteAddr)
	if err != nil {
		s.logger.Printf("create session: %v", err)
		wsConn.Close()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer session.Close()
		s.serveControlConnection(session)
	}()
}

func (s *Server) serveControlConnection(session *transport.Session) {
	for {
		stream, hello, err := session.AcceptHelloStream()
		if err != nil {
			return
		}
		go s.dispatchStream(session, stream, hello)
	}
}

func (s *Server) dispatchStream(session *transport.Session, stream net.Conn, hello protocol.StreamHello) {
	switch hello.Method {
	case protocol.MethodLogin:
		s.handleLogin(stream)
	case protocol.MethodListen:
		s.handleAuthenticated(stream, hello, s.HandleListen)
	case protocol.MethodTransfer:
		s.handleAuthenticated(stream, hello, s.HandleTransfer)
	default:
		stream.Close()
	}
}

// authenticateLogin validates a presented token per the configured
// core.auth_method. oidc is accepted by config (spec.md §3) but not
// implemented, so it fails every login with the same error the original
// server returns (original_source/src/server/grpc.rs: token2username).
func (s *Server) authenticateLogin(token string) (string, error) {
	if s.cfg.Core.AuthMethod == config.AuthMethodOIDC {
		return "", rpcerr.New(rpcerr.InvalidArgument, "oidc not implement")
	}
	return s.authenticator.Validate(token)
}

// handleLogin implements the User.Login RPC: validate the presented
// token, mint a session id, and reply once before the stream closes.
func (s *Server) handleLogin(stream net.Conn) {
	defer stream.Close()

	var body protocol.LoginBody
	if err := protocol.ReadFrame(stream, &body); err != nil {
		s.logger.Printf("login: read body: %v", err)
		return
	}

	username, err := s.authenticateLogin(body.Token)
	if err != nil {
		s.logger.Printf("login: %v", err)
		_ = protocol.WriteFrame(stream, protocol.LoginReply{})
		return
	}

	login, err := s.sessions.Login(username)
	if err != nil {
		s.logger.Printf("login: mint session: %v", err)
		return
	}
	s.clientSessions.Store(login.SessionID, NewClientSession(login))

	if err := protocol.WriteFrame(stream, protocol.LoginReply{
		SessionID: login.SessionID,
		Username:  login.Username,
	}); err != nil {
		s.logger.Printf("login: write reply: %v", err)
		return
	}
	s.logger.Printf("login: %s authenticated", username)
}

// handleAuthenticated validates hello.Authorization against the Session
// Registry before invoking fn, the auth interceptor required of every
// Tunnel RPC (spec.md §4.F).
func (s *Server) handleAuthenticated(stream net.Conn, hello protocol.StreamHello, fn func(*ClientSession, net.Conn)) {
	login, err := s.sessions.Validate(hello.Authorization)
	if err != nil {
		s.logger.Printf("%s: %v", hello.Method, rpcerr.New(rpcerr.Unauthenticated, "%v", err))
		stream.Close()
		return
	}

	v, ok := s.clientSessions.Load(login.SessionID)
	if !ok {
		stream.Close()
		return
	}
	fn(v.(*ClientSession), stream)
}
