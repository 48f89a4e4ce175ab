// Package protocol defines the wire messages and constants shared by the
// revtun control plane and its clients.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// ConnectPath is the WebSocket upgrade endpoint for control-plane connections.
	ConnectPath = "/_connect"

	// HeartbeatInterval is the interval for WebSocket/yamux keep-alive.
	HeartbeatInterval = 30 * time.Second

	// WriteTimeout is the timeout for writing to the control connection.
	WriteTimeout = 10 * time.Second

	// ReadTimeout is the timeout for reading from the control connection.
	ReadTimeout = 60 * time.Second

	// MaxReconnectDelay is the ceiling for exponential-backoff reconnection.
	MaxReconnectDelay = 30 * time.Second

	// InitialReconnectDelay is the starting delay for exponential backoff.
	InitialReconnectDelay = 1 * time.Second

	// ChannelCapacity is the bound used for every internal fan-in/fan-out
	// channel (a tunnel's new-connection and Transfer queues, each
	// Connection's Inbound/Outbound, and the client's per-conn inboxes).
	ChannelCapacity = 128

	// CancelPollInterval is how often Listen checks for a closed downstream
	// stream before releasing its entrypoint.
	CancelPollInterval = 1 * time.Second

	// SessionIDLength is the length, in characters, of a minted session id.
	SessionIDLength = 128

	// RandomSubdomainLength is the length of a server-generated subdomain.
	RandomSubdomainLength = 8
)

// Protocol identifies the kind of entrypoint a Listen call requests.
type Protocol int32

const (
	ProtocolHTTP Protocol = iota
	ProtocolTCP
	// ProtocolUDP is reserved by the wire enum but intentionally unhandled.
	ProtocolUDP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("protocol(%d)", int32(p))
	}
}

// ErrUnroutableProtocol is returned when a Protocol value cannot be routed
// to a listener (the reserved UDP value, or anything out of range).
var ErrUnroutableProtocol = fmt.Errorf("protocol not routable")

// ParseProtocol validates a wire Protocol value, rejecting anything it
// cannot route (including the reserved UDP value).
func ParseProtocol(p Protocol) (Protocol, error) {
	switch p {
	case ProtocolHTTP, ProtocolTCP:
		return p, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnroutableProtocol, p)
	}
}

// TStatus is the per-frame state on a Transfer stream.
type TStatus int32

const (
	TStatusReady TStatus = iota
	TStatusWorking
	TStatusDone
)

func (s TStatus) String() string {
	switch s {
	case TStatusReady:
		return "ready"
	case TStatusWorking:
		return "working"
	case TStatusDone:
		return "done"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// ListenNotification actions.
const (
	ActionReady  = "ready"
	ActionComing = "coming"
)

// RPC method names carried in a StreamHello.
const (
	MethodLogin    = "login"
	MethodListen   = "listen"
	MethodTransfer = "transfer"
)

// AuthMetadataKey is the field name carrying the session id on every
// Tunnel RPC, mirroring the "authorization" gRPC metadata key.
const AuthMetadataKey = "authorization"

// StreamHello is the first frame sent on every yamux stream; it tells the
// server which RPC the stream implements and carries the session id that
// would otherwise travel as request metadata.
type StreamHello struct {
	Method        string `json:"method"`
	Authorization string `json:"authorization,omitempty"`
}

// LoginBody is the request for the User.Login RPC.
type LoginBody struct {
	Token string `json:"token"`
}

// LoginReply is the response for the User.Login RPC.
type LoginReply struct {
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
}

// ListenParam is the request that opens a Listen stream.
type ListenParam struct {
	Protocol  Protocol `json:"protocol"`
	Subdomain string   `json:"subdomain,omitempty"`
}

// ListenNotification is one frame on a Listen stream.
type ListenNotification struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// TransferBody is one client->server frame on the Transfer stream.
type TransferBody struct {
	ConnID   string  `json:"conn_id"`
	Status   TStatus `json:"status"`
	RespData []byte  `json:"resp_data,omitempty"`
}

// TransferReply is one server->client frame on the Transfer stream.
type TransferReply struct {
	ConnID  string `json:"conn_id"`
	ReqData []byte `json:"req_data"`
}

// EOFMarker is the literal 3-byte payload that signals response close on
// a server-side Connection's Outbound channel (spec.md §3, §4.E).
var EOFMarker = []byte("EOF")

// RequestLog is one completed HTTP request, reported by the client for UI
// and stats purposes. It never crosses the wire.
type RequestLog struct {
	Timestamp  time.Time
	Method     string
	Path       string
	StatusCode int
	Duration   time.Duration
	BytesOut   int64
}

// ExtractSubdomain extracts the subdomain portion of a Host header given a
// base domain, e.g. "api.tun.example.com" with base "tun.example.com"
// returns "api". Returns "" if host does not end with the base domain.
func ExtractSubdomain(host, baseDomain string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	host = strings.ToLower(host)
	baseDomain = strings.ToLower(baseDomain)

	suffix := "." + baseDomain
	if len(host) <= len(suffix) || !strings.HasSuffix(host, suffix) {
		return ""
	}
	return host[:len(host)-len(suffix)]
}

// HTTPEntrypointKey builds the canonical entrypoint key for an HTTP
// subdomain, lowercased as required by spec.md §3.
func HTTPEntrypointKey(subdomain, baseDomain string) string {
	return strings.ToLower(fmt.Sprintf("http://%s.%s", subdomain, baseDomain))
}

// TCPEntrypointKey builds the canonical entrypoint key for a TCP port.
func TCPEntrypointKey(port int) string {
	return "tcp://0.0.0.0:" + strconv.Itoa(port)
}
