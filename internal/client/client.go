// Package client contains the revtun client: it logs in, publishes one
// entrypoint via Listen, and bridges every connection the server routes to
// that entrypoint through one shared Transfer stream.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/revtun/revtun/pkg/protocol"
	"github.com/revtun/revtun/pkg/transport"
)

// Config holds the client configuration.
type Config struct {
	ServerURL   string
	Token       string
	Subdomain   string
	LocalPort   int
	LocalHost   string
	RewriteHost bool
	TunnelType  string // "http" or "tcp"
	BasicAuth   string // "user:pass" for HTTP basic auth protection
}

// Client is the revtun tunneling client.
type Client struct {
	config       *Config
	session      *transport.Session
	sessionID    string
	transfer     net.Conn
	transferMu   sync.Mutex
	logger       *log.Logger
	publicURL    string
	requestCount atomic.Int64
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	connectedAt  time.Time
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.RWMutex
	quietMode    bool

	inboxes       sync.Map // map[connID]chan []byte, fed by the Transfer read loop
	activeConns   map[net.Conn]struct{}
	activeConnsMu sync.Mutex
	conns         *connStats // per-conn_id byte counters, see counting.go

	// Callbacks for UI updates.
	OnConnect    func(publicURL string)
	OnDisconnect func(err error)
	OnRequest    func(log protocol.RequestLog)
}

// New creates a new revtun client with the given configuration.
func New(cfg *Config) (*Client, error) {
	if cfg.LocalHost == "" {
		cfg.LocalHost = "127.0.0.1"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:      cfg,
		logger:      log.New(os.Stdout, "[revtun] ", log.LstdFlags|log.Lmsgprefix),
		ctx:         ctx,
		cancel:      cancel,
		activeConns: make(map[net.Conn]struct{}),
		conns:       newConnStats(),
	}, nil
}

// Connect dials the server, completes Login, and opens a Listen stream
// for the configured subdomain/protocol. The public URL is available via
// PublicURL() once it returns.
func (c *Client) Connect(ctx context.Context) error {
	serverURL, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	switch serverURL.Scheme {
	case "http":
		serverURL.Scheme = "ws"
	case "https":
		serverURL.Scheme = "wss"
	}
	serverURL.Path = protocol.ConnectPath

	c.logger.Printf("connecting to %s", serverURL.String())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	var wsConn *websocket.Conn
	delay := protocol.InitialReconnectDelay
	for {
		wsConn, _, err = dialer.DialContext(ctx, serverURL.String(), nil)
		if err == nil {
			break
		}
		c.logger.Printf("connection failed: %v, retrying in %v", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > protocol.MaxReconnectDelay {
			delay = protocol.MaxReconnectDelay
		}
	}

	session, err := transport.NewClientSession(wsConn, c.config.Subdomain)
	if err != nil {
		wsConn.Close()
		return fmt.Errorf("create session: %w", err)
	}
	c.mu.Lock()
	c.session = session
	c.connectedAt = time.Now()
	c.mu.Unlock()

	if err := c.login(); err != nil {
		session.Close()
		return err
	}

	if err := c.openListen(); err != nil {
		session.Close()
		return err
	}

	if err := c.openTransfer(); err != nil {
		session.Close()
		return err
	}

	if !c.quietMode {
		c.logger.Printf("tunnel established: %s", c.publicURL)
		c.logger.Printf("forwarding to %s:%d", c.config.LocalHost, c.config.LocalPort)
	}
	if c.OnConnect != nil {
		c.OnConnect(c.publicURL)
	}
	return nil
}

func (c *Client) login() error {
	stream, err := c.session.OpenHelloStream(protocol.MethodLogin, "")
	if err != nil {
		return fmt.Errorf("open login stream: %w", err)
	}
	defer stream.Close()

	if err := protocol.WriteFrame(stream, protocol.LoginBody{Token: c.config.Token}); err != nil {
		return fmt.Errorf("write login body: %w", err)
	}
	var reply protocol.LoginReply
	if err := protocol.ReadFrame(stream, &reply); err != nil {
		return fmt.Errorf("read login reply: %w", err)
	}
	if reply.SessionID == "" {
		return fmt.Errorf("login rejected: invalid token")
	}
	c.sessionID = reply.SessionID
	return nil
}

// openListen opens the single Listen stream, waits for its "ready"
// notification, and holds the stream open for the life of the tunnel so
// the server can keep delivering "coming" notifications.
func (c *Client) openListen() error {
	stream, err := c.session.OpenHelloStream(protocol.MethodListen, c.sessionID)
	if err != nil {
		return fmt.Errorf("open listen stream: %w", err)
	}

	tunnelType := c.config.TunnelType
	if tunnelType == "" {
		tunnelType = "http"
	}
	proto := protocol.ProtocolHTTP
	if tunnelType == "tcp" {
		proto = protocol.ProtocolTCP
	}
	if err := protocol.WriteFrame(stream, protocol.ListenParam{Protocol: proto, Subdomain: c.config.Subdomain}); err != nil {
		stream.Close()
		return fmt.Errorf("write listen param: %w", err)
	}

	var ready protocol.ListenNotification
	if err := protocol.ReadFrame(stream, &ready); err != nil {
		stream.Close()
		return fmt.Errorf("read ready notification: %w", err)
	}
	if ready.Action != protocol.ActionReady {
		stream.Close()
		return fmt.Errorf("listen rejected: %s: %s", ready.Action, ready.Message)
	}
	c.publicURL = publicURLFromKey(ready.Message, proto)

	c.wg.Add(1)
	go c.readComingNotifications(stream)
	return nil
}

func publicURLFromKey(key string, proto protocol.Protocol) string {
	if proto == protocol.ProtocolTCP {
		return key
	}
	return strings.Replace(key, "http://", "https://", 1)
}

func (c *Client) readComingNotifications(stream net.Conn) {
	defer c.wg.Done()
	defer stream.Close()

	for {
		var n protocol.ListenNotification
		if err := protocol.ReadFrame(stream, &n); err != nil {
			return
		}
		if n.Action != protocol.ActionComing {
			continue
		}
		c.startConnection(n.Message)
	}
}

func (c *Client) openTransfer() error {
	stream, err := c.session.OpenHelloStream(protocol.MethodTransfer, c.sessionID)
	if err != nil {
		return fmt.Errorf("open transfer stream: %w", err)
	}
	c.transfer = stream

	c.wg.Add(1)
	go c.transferReadLoop(stream)
	return nil
}

// transferReadLoop demultiplexes server->client TransferReply frames onto
// the per-connection inbox created by startConnection.
func (c *Client) transferReadLoop(stream net.Conn) {
	defer c.wg.Done()
	for {
		var reply protocol.TransferReply
		if err := protocol.ReadFrame(stream, &reply); err != nil {
			return
		}
		v, ok := c.inboxes.Load(reply.ConnID)
		if !ok {
			continue
		}
		ch := v.(chan []byte)
		select {
		case ch <- reply.ReqData:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) writeTransferBody(body protocol.TransferBody) error {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()
	return protocol.WriteFrame(c.transfer, body)
}

// startConnection dials the local service for a newly announced conn_id
// and bridges bytes in both directions until either side is done.
func (c *Client) startConnection(connID string) {
	inbox := make(chan []byte, protocol.ChannelCapacity)
	c.inboxes.Store(connID, inbox)
	defer c.inboxes.Delete(connID)

	localAddr := net.JoinHostPort(c.config.LocalHost, fmt.Sprintf("%d", c.config.LocalPort))
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	localConn, err := dialer.DialContext(c.ctx, "tcp", localAddr)
	if err != nil {
		c.logger.Printf("connect to local service: %v", err)
		c.writeTransferBody(protocol.TransferBody{ConnID: connID, Status: protocol.TStatusDone})
		return
	}
	c.trackConn(localConn)
	defer c.untrackConn(localConn)
	defer localConn.Close()

	cc := c.conns.open(connID)
	defer c.conns.close(connID)

	// Ready tells the server it may start draining this connection's
	// Inbound queue to us (spec.md §4.E Initial->Working); sending it only
	// after the local dial succeeds is what "install the TX drain" gates
	// on (S4/Property 6).
	if err := c.writeTransferBody(protocol.TransferBody{ConnID: connID, Status: protocol.TStatusReady}); err != nil {
		c.logger.Printf("send ready for %s: %v", connID, err)
		return
	}

	if c.config.TunnelType == "tcp" {
		c.bridgeTCP(connID, inbox, localConn, cc)
		return
	}
	c.bridgeHTTP(connID, inbox, localConn, cc)
}

// bridgeTCP forwards raw chunks between the inbox and the local socket,
// counting bytes through the same CountingReader/CountingWriter wrappers
// the teacher used for its stream bridging, fanned out into both the
// session-wide totals and this conn_id's own counters.
func (c *Client) bridgeTCP(connID string, inbox chan []byte, localConn net.Conn, cc *connCounter) {
	localWriter := NewCountingWriter(localConn, &c.bytesIn, &cc.in)
	localReader := NewCountingReader(localConn, &c.bytesOut, &cc.out)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case data := <-inbox:
				if isReqDataComplete(data) {
					return
				}
				if _, err := localWriter.Write(data); err != nil {
					return
				}
			case <-c.ctx.Done():
				return
			}
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := localReader.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			c.writeTransferBody(protocol.TransferBody{ConnID: connID, Status: protocol.TStatusWorking, RespData: chunk})
		}
		if err != nil {
			break
		}
	}
	c.writeTransferBody(protocol.TransferBody{ConnID: connID, Status: protocol.TStatusDone})
	<-done
}

// bridgeHTTP parses the one buffered request frame, applies BasicAuth and
// Host-rewrite policy, and streams the local service's response back.
func (c *Client) bridgeHTTP(connID string, inbox chan []byte, localConn net.Conn, cc *connCounter) {
	startTime := time.Now()

	var reqBuf bytes.Buffer
	for {
		select {
		case data := <-inbox:
			if isReqDataComplete(data) {
				goto requestComplete
			}
			reqBuf.Write(data)
		case <-c.ctx.Done():
			return
		}
	}
requestComplete:

	req, err := http.ReadRequest(bufio.NewReader(&reqBuf))
	if err != nil {
		c.writeTransferBody(protocol.TransferBody{ConnID: connID, Status: protocol.TStatusDone})
		return
	}

	if !c.quietMode {
		c.logger.Printf("%s %s", req.Method, req.URL.Path)
	}

	if c.config.BasicAuth != "" && !c.validateBasicAuth(req) {
		c.writeUnauthorized(connID)
		return
	}

	originalHost := req.Host
	if c.config.RewriteHost {
		req.Host = fmt.Sprintf("%s:%d", c.config.LocalHost, c.config.LocalPort)
		req.Header.Set("Host", req.Host)
	}
	req.Header.Set("X-Forwarded-Host", originalHost)
	req.Header.Set("X-Forwarded-Proto", "https")

	localWriter := NewCountingWriter(localConn, &c.bytesIn, &cc.in)
	if err := req.Write(localWriter); err != nil {
		c.writeTransferBody(protocol.TransferBody{ConnID: connID, Status: protocol.TStatusDone})
		return
	}

	localReader := NewCountingReader(localConn, &c.bytesOut, &cc.out)
	resp, err := http.ReadResponse(bufio.NewReader(localReader), req)
	if err != nil {
		c.writeTransferBody(protocol.TransferBody{ConnID: connID, Status: protocol.TStatusDone})
		return
	}
	defer resp.Body.Close()

	var respBuf bytes.Buffer
	resp.Write(&respBuf)
	c.writeTransferBody(protocol.TransferBody{ConnID: connID, Status: protocol.TStatusWorking, RespData: respBuf.Bytes()})
	c.writeTransferBody(protocol.TransferBody{ConnID: connID, Status: protocol.TStatusDone})

	c.requestCount.Add(1)
	if c.OnRequest != nil {
		c.OnRequest(protocol.RequestLog{
			Timestamp:  startTime,
			Method:     req.Method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Duration:   time.Since(startTime),
			BytesOut:   resp.ContentLength,
		})
	}
}

// isReqDataComplete reports whether data is the terminal, empty req_data
// frame that ends request forwarding on a connection (spec.md §4.E;
// original_source/src/server/grpc.rs:255 sends req_data: vec![] here, not
// a literal "EOF" — that literal is reserved for the Outbound/response-
// direction close this client never reads).
func isReqDataComplete(data []byte) bool {
	return len(data) == 0
}

func (c *Client) writeUnauthorized(connID string) {
	body := "Unauthorized"
	resp := &http.Response{
		StatusCode:    http.StatusUnauthorized,
		Status:        http.StatusText(http.StatusUnauthorized),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	resp.Header.Set("Content-Type", "text/plain")
	resp.Header.Set("WWW-Authenticate", `Basic realm="revtun"`)
	var buf bytes.Buffer
	resp.Write(&buf)
	c.writeTransferBody(protocol.TransferBody{ConnID: connID, Status: protocol.TStatusWorking, RespData: buf.Bytes()})
	c.writeTransferBody(protocol.TransferBody{ConnID: connID, Status: protocol.TStatusDone})
}

func (c *Client) validateBasicAuth(req *http.Request) bool {
	authHeader := req.Header.Get("Authorization")
	if authHeader == "" || !strings.HasPrefix(authHeader, "Basic ") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, "Basic "))
	if err != nil {
		return false
	}
	return string(decoded) == c.config.BasicAuth
}

func (c *Client) trackConn(conn net.Conn) {
	c.activeConnsMu.Lock()
	c.activeConns[conn] = struct{}{}
	c.activeConnsMu.Unlock()
}

func (c *Client) untrackConn(conn net.Conn) {
	c.activeConnsMu.Lock()
	delete(c.activeConns, conn)
	c.activeConnsMu.Unlock()
}

func (c *Client) closeAllConns() {
	c.activeConnsMu.Lock()
	defer c.activeConnsMu.Unlock()
	for conn := range c.activeConns {
		conn.Close()
	}
	c.activeConns = make(map[net.Conn]struct{})
}

// Run blocks until the control connection closes.
func (c *Client) Run(ctx context.Context) error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return fmt.Errorf("not connected")
	}

	<-session.Context().Done()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.closeAllConns()
	}

	if c.OnDisconnect != nil {
		c.OnDisconnect(nil)
	}
	return nil
}

// Close tears down the client's connection and all bridged conns.
func (c *Client) Close() error {
	c.cancel()
	c.closeAllConns()

	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}

// PublicURL returns the public URL of the tunnel.
func (c *Client) PublicURL() string { return c.publicURL }

// Config returns the client configuration.
func (c *Client) Config() *Config { return c.config }

// SetQuietMode enables or disables quiet mode (suppresses default log output).
func (c *Client) SetQuietMode(quiet bool) { c.quietMode = quiet }

// Stats returns tunnel statistics.
func (c *Client) Stats() (requestCount int64, bytesIn int64, bytesOut int64, connectedAt time.Time) {
	return c.requestCount.Load(), c.bytesIn.Load(), c.bytesOut.Load(), c.connectedAt
}

// ActiveConns returns a snapshot of every conn_id currently bridged and
// its byte counts, oldest first.
func (c *Client) ActiveConns() []ConnBytes {
	return c.conns.snapshot()
}
