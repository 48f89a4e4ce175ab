package server

import (
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/revtun/revtun/pkg/protocol"
	"github.com/revtun/revtun/pkg/rpcerr"
)

// TunnelHandle is what one Listen call holds for as long as its stream
// stays open: the entrypoint it published and the channel new public
// connections for that entrypoint arrive on (spec.md §4.D/§4.E).
//
// Limiter is nil unless core.rate_limit is configured; rate-limiting is a
// spec.md Non-goal so it stays off by default, but when an operator opts in
// it throttles new connections per entrypoint rather than globally.
//
// done is closed when the owning HandleListen call returns, so a dispatch
// blocked on a full channel (spec.md §5) doesn't leak forever once nothing
// will ever drain it again.
type TunnelHandle struct {
	Entrypoint  *Entrypoint
	NewConns    chan *Connection
	Limiter     *rate.Limiter
	Connections *ConnectionRegistry
	done        chan struct{}
	session     *ClientSession
}

// ClientSession is the control-plane state for one logged-in client: its
// Session Registry entry, the Connection Registry entries it owns, and the
// single fan-in channel every entrypoint it publishes feeds into so one
// Transfer stream can multiplex them all by conn_id.
type ClientSession struct {
	Login         *LoggedInSession
	TransferInbox chan *Connection

	mu      sync.Mutex
	tunnels map[string]*TunnelHandle // entrypoint key -> handle
	writeMu sync.Mutex               // serializes writes to the one Transfer stream
}

// NewClientSession wraps a freshly logged-in session with control-plane
// bookkeeping.
func NewClientSession(login *LoggedInSession) *ClientSession {
	return &ClientSession{
		Login:         login,
		TransferInbox: make(chan *Connection, protocol.ChannelCapacity),
		tunnels:       make(map[string]*TunnelHandle),
	}
}

func (cs *ClientSession) addTunnel(h *TunnelHandle) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.tunnels[h.Entrypoint.Key] = h
}

func (cs *ClientSession) removeTunnel(key string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.tunnels, key)
}

func (cs *ClientSession) tunnel(key string) (*TunnelHandle, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	h, ok := cs.tunnels[key]
	return h, ok
}

// dispatch routes a newly-accepted public Connection to the tunnel
// handle for its entrypoint, feeding both the owning Listen stream (for
// its "coming" notification) and the shared Transfer inbox. The
// Connection is registered synchronously, before either channel send, so
// a "coming" notification can never reach the client before its conn_id
// is resolvable (the earlier race this closes).
//
// Per spec.md §5 a full channel suspends the sender rather than dropping
// the connection: a slow client's own listener slows down with it instead
// of the server allocating unbounded memory. The only escape hatch is
// h.done, closed once the owning Listen stream has exited and nothing
// will ever drain these channels again.
func (h *TunnelHandle) dispatch(c *Connection) bool {
	if h.Limiter != nil && !h.Limiter.Allow() {
		return false
	}
	h.Connections.Insert(c)

	select {
	case h.NewConns <- c:
	case <-h.done:
		h.Connections.Remove(c.ID)
		return false
	}

	select {
	case h.session.TransferInbox <- c:
		return true
	case <-h.done:
		h.Connections.Remove(c.ID)
		return false
	}
}

// HandleListen implements the Listen RPC (spec.md §4.E): it allocates an
// entrypoint, announces it as "ready", then streams "coming" notifications
// for every public connection routed to it until the stream closes, at
// which point the entrypoint is released.
func (s *Server) HandleListen(cs *ClientSession, stream net.Conn) {
	defer stream.Close()

	var param protocol.ListenParam
	if err := protocol.ReadFrame(stream, &param); err != nil {
		s.logger.Printf("listen: read ListenParam: %v", err)
		return
	}

	proto, err := protocol.ParseProtocol(param.Protocol)
	if err != nil {
		s.writeListenError(stream, rpcerr.New(rpcerr.InvalidArgument, "%v", err))
		return
	}

	var entrypoint *Entrypoint
	switch proto {
	case protocol.ProtocolHTTP:
		entrypoint, err = s.entrypoints.AllocateHTTP(param.Subdomain)
	case protocol.ProtocolTCP:
		entrypoint, err = s.entrypoints.AllocateTCP()
	}
	if err != nil {
		if rpcErr, ok := err.(*rpcerr.Error); ok {
			s.writeListenError(stream, rpcErr)
		} else {
			s.writeListenError(stream, rpcerr.New(rpcerr.Internal, "%v", err))
		}
		return
	}
	defer s.entrypoints.Release(entrypoint)

	handle := &TunnelHandle{
		Entrypoint:  entrypoint,
		NewConns:    make(chan *Connection, protocol.ChannelCapacity),
		Limiter:     s.newRateLimiter(),
		Connections: s.connections,
		done:        make(chan struct{}),
		session:     cs,
	}
	defer close(handle.done)
	cs.addTunnel(handle)
	defer cs.removeTunnel(entrypoint.Key)
	s.registerTunnel(entrypoint.Key, handle)
	defer s.unregisterTunnel(entrypoint.Key)

	var tcpListener net.Listener
	if proto == protocol.ProtocolTCP {
		tcpListener, err = net.Listen("tcp", listenAddrForPort(entrypoint.Port))
		if err != nil {
			s.writeListenError(stream, rpcerr.New(rpcerr.Internal, "bind tcp port: %v", err))
			return
		}
		defer tcpListener.Close()
		go s.runTCPListener(tcpListener, handle)
	}

	if err := protocol.WriteFrame(stream, protocol.ListenNotification{
		Action:  protocol.ActionReady,
		Message: entrypoint.Key,
	}); err != nil {
		s.logger.Printf("listen: write ready notification: %v", err)
		return
	}
	s.logger.Printf("listen: %s ready for %s", entrypoint.Key, cs.Login.Username)

	cancelTicker := time.NewTicker(protocol.CancelPollInterval)
	defer cancelTicker.Stop()

	for {
		select {
		case conn := <-handle.NewConns:
			if err := protocol.WriteFrame(stream, protocol.ListenNotification{
				Action:  protocol.ActionComing,
				Message: conn.ID,
			}); err != nil {
				s.logger.Printf("listen: write coming notification: %v", err)
				return
			}
		case <-cancelTicker.C:
			if isStreamClosed(stream) {
				s.logger.Printf("listen: %s stream closed, releasing", entrypoint.Key)
				return
			}
		}
	}
}

func (s *Server) writeListenError(stream net.Conn, e *rpcerr.Error) {
	_ = protocol.WriteFrame(stream, protocol.ListenNotification{
		Action:  string(e.Kind),
		Message: e.Message,
	})
}

// isStreamClosed probes a yamux stream by attempting a read with a 1ms
// deadline; a byte read this way is discarded (the client sends nothing on
// a Listen stream after its ListenParam). A timeout means the stream is
// still open; io.EOF or any other error indicates the peer is gone.
func isStreamClosed(stream net.Conn) bool {
	_ = stream.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer stream.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	_, err := stream.Read(one)
	if err == nil {
		return false
	}
	if err == io.EOF {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	return true
}

// HandleTransfer implements the Transfer RPC (spec.md §4.E): one
// bidirectional stream multiplexing every active connection the session
// owns, disambiguated by conn_id.
func (s *Server) HandleTransfer(cs *ClientSession, stream net.Conn) {
	defer stream.Close()

	readerDone := make(chan struct{})
	go s.transferReadLoop(cs, stream, readerDone)

	for {
		select {
		case conn, ok := <-cs.TransferInbox:
			if !ok {
				return
			}
			go s.pumpConnection(cs, stream, conn)
		case <-readerDone:
			return
		}
	}
}

// transferReadLoop consumes client->server TransferBody frames and routes
// their RespData onto the matching Connection's Outbound channel. It
// closes done when the stream can no longer be read, signaling
// HandleTransfer to stop dispatching new connections onto it.
//
// Every frame must name a conn_id present in the server's Connection
// Registry (the lookup is not scoped to this session); dispatch()
// registers synchronously before a client can ever learn a conn_id, so an
// unresolvable one (or a Working frame before the matching Ready) is a
// genuine protocol violation and ends this Transfer stream — the spec's
// documented ProtocolViolation behavior, scoped to the offending stream
// only (spec.md §4.E/§7).
func (s *Server) transferReadLoop(cs *ClientSession, stream net.Conn, done chan struct{}) {
	defer close(done)
	for {
		var body protocol.TransferBody
		if err := protocol.ReadFrame(stream, &body); err != nil {
			return
		}

		conn, err := s.connections.Get(body.ConnID)
		if err != nil {
			s.logger.Printf("transfer: %v", rpcerr.New(rpcerr.ProtocolViolation, "unknown conn_id %s", body.ConnID))
			return
		}

		switch body.Status {
		case protocol.TStatusReady:
			conn.MarkReady()
		case protocol.TStatusDone:
			select {
			case conn.Outbound <- protocol.EOFMarker:
			case <-conn.Done:
			}
			s.connections.Remove(body.ConnID)
		default: // TStatusWorking
			if !conn.IsReady() {
				s.logger.Printf("transfer: %v", rpcerr.New(rpcerr.ProtocolViolation, "working frame for %s before ready", body.ConnID))
				return
			}
			select {
			case conn.Outbound <- body.RespData:
			case <-conn.Done:
			}
		}
	}
}

// pumpConnection waits for the client's Ready frame (conn is already
// registered by dispatch()) before draining Inbound at all — the
// Initial->Working transition spec.md §4.E requires — then streams
// Inbound bytes to the client as TransferReply frames until Done closes.
// The terminal frame carries an empty req_data, matching
// original_source/src/server/grpc.rs:255 (`req_data: vec![]`); the
// literal EOF marker is reserved for the Outbound/response-direction
// close this function never touches.
func (s *Server) pumpConnection(cs *ClientSession, stream net.Conn, conn *Connection) {
	select {
	case <-conn.Ready:
	case <-conn.Done:
		return
	}

	for {
		select {
		case data, ok := <-conn.Inbound:
			if !ok {
				s.writeTransferReply(cs, stream, conn.ID, nil)
				return
			}
			s.writeTransferReply(cs, stream, conn.ID, data)
		case <-conn.Done:
			s.writeTransferReply(cs, stream, conn.ID, nil)
			return
		}
	}
}

func (s *Server) writeTransferReply(cs *ClientSession, stream net.Conn, connID string, data []byte) {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	if err := protocol.WriteFrame(stream, protocol.TransferReply{ConnID: connID, ReqData: data}); err != nil {
		s.logger.Printf("transfer: write reply for %s: %v", connID, err)
	}
}

// runTCPListener accepts public TCP connections on a Listen-allocated port
// and hands each one to the owning tunnel.
func (s *Server) runTCPListener(listener net.Listener, handle *TunnelHandle) {
	for {
		raw, err := listener.Accept()
		if err != nil {
			return
		}

		connID, err := randomID(16)
		if err != nil {
			raw.Close()
			continue
		}
		conn := NewConnection(connID, protocol.ProtocolTCP.String(), handle.Entrypoint.Key, protocol.ChannelCapacity)

		if !handle.dispatch(conn) {
			raw.Close()
			continue
		}
		go s.bridgeTCPPublicConn(raw, conn)
	}
}

// bridgeTCPPublicConn copies bytes between the public TCP socket and the
// Connection's Inbound/Outbound channels.
func (s *Server) bridgeTCPPublicConn(raw net.Conn, conn *Connection) {
	defer raw.Close()
	defer conn.Close()

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := raw.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case conn.Inbound <- chunk:
				case <-conn.Done:
					return
				}
			}
			if err != nil {
				close(conn.Inbound)
				return
			}
		}
	}()

	for {
		select {
		case data := <-conn.Outbound:
			if isEOFMarker(data) {
				return
			}
			if _, err := raw.Write(data); err != nil {
				return
			}
		case <-conn.Done:
			return
		}
	}
}
