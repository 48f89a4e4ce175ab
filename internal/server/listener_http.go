package server

import (
	"bufio"
	"io"
	"net/http"

	"github.com/revtun/revtun/pkg/protocol"
)

// PublicHTTPListener is the public-facing HTTP entrypoint (spec.md §4.D):
// it routes by Host header to the tunnel handle publishing that
// subdomain, opens a Connection, and bridges the request/response bytes
// through the Connection Registry's Inbound/Outbound channels.
type PublicHTTPListener struct {
	server *Server
}

// NewPublicHTTPListener wires an HTTP handler onto srv's tunnel registry.
func NewPublicHTTPListener(srv *Server) *PublicHTTPListener {
	return &PublicHTTPListener{server: srv}
}

func (l *PublicHTTPListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subdomain := protocol.ExtractSubdomain(r.Host, l.server.entrypoints.BaseDomain())
	if subdomain == "" {
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}
	key := protocol.HTTPEntrypointKey(subdomain, l.server.entrypoints.BaseDomain())

	handle, ok := l.server.lookupTunnel(key)
	if !ok {
		http.Error(w, "tunnel not found", http.StatusNotFound)
		return
	}

	connID, err := randomID(16)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	conn := NewConnection(connID, protocol.ProtocolHTTP.String(), key, protocol.ChannelCapacity)

	reqBytes, err := dumpRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !handle.dispatch(conn) {
		http.Error(w, "tunnel overloaded", http.StatusServiceUnavailable)
		return
	}

	select {
	case conn.Inbound <- reqBytes:
	case <-conn.Done:
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	close(conn.Inbound)

	l.writeResponse(w, conn)
}

func dumpRequest(r *http.Request) ([]byte, error) {
	pr, pw := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		errc <- r.Write(pw)
		pw.Close()
	}()
	buf, readErr := io.ReadAll(pr)
	if writeErr := <-errc; writeErr != nil {
		return nil, writeErr
	}
	return buf, readErr
}

// writeResponse reads the local service's HTTP response, relayed chunk by
// chunk through conn.Outbound, and streams it to the public client.
func (l *PublicHTTPListener) writeResponse(w http.ResponseWriter, conn *Connection) {
	pr, pw := io.Pipe()
	go func() {
		for {
			select {
			case data, ok := <-conn.Outbound:
				if !ok {
					pw.Close()
					return
				}
				if isEOFMarker(data) {
					pw.Close()
					return
				}
				if _, err := pw.Write(data); err != nil {
					return
				}
			case <-conn.Done:
				pw.Close()
				return
			}
		}
	}()
	defer conn.Close()

	resp, err := http.ReadResponse(bufio.NewReader(pr), nil)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func isEOFMarker(data []byte) bool {
	return len(data) == len(protocol.EOFMarker) && string(data) == string(protocol.EOFMarker)
}
