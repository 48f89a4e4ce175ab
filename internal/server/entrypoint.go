package server

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/revtun/revtun/internal/config"
	"github.com/revtun/revtun/pkg/protocol"
	"github.com/revtun/revtun/pkg/rpcerr"
)

// validSubdomainRegex matches a user-requested subdomain: lowercase
// alphanumerics and hyphens, 3-63 characters, not starting or ending with
// a hyphen.
var validSubdomainRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

// ValidateSubdomain checks a user-requested subdomain against the
// allowed shape. The caller is expected to have already lowercased it.
func ValidateSubdomain(subdomain string) error {
	if len(subdomain) < 3 || len(subdomain) > 63 {
		return rpcerr.New(rpcerr.InvalidArgument, "subdomain %q must be 3-63 characters", subdomain)
	}
	if !validSubdomainRegex.MatchString(subdomain) {
		return rpcerr.New(rpcerr.InvalidArgument, "subdomain %q has an invalid format", subdomain)
	}
	return nil
}

// Entrypoint is a live, routable public address: either an HTTP subdomain
// or a bound TCP port. It is what the Entrypoint Allocator (spec.md §4.B)
// hands back from a successful Listen call.
type Entrypoint struct {
	Protocol  protocol.Protocol
	Key       string // canonical key, e.g. "http://foo.tun.example.com" or "tcp://0.0.0.0:10005"
	Subdomain string // set for HTTP entrypoints
	Port      int    // set for TCP entrypoints
}

// EntrypointAllocator owns the live set of published entrypoints: HTTP
// subdomains under one base domain, and TCP ports drawn from a configured
// range. It never retries a collision on a server-generated random
// subdomain — a collision there surfaces the same AlreadyExists error as
// a user-requested one (see DESIGN.md's Open Question log).
type EntrypointAllocator struct {
	baseDomain string
	portRange  config.PortRange

	mu    sync.Mutex
	live  map[string]struct{} // entrypoint key -> present
	ports map[int]struct{}    // allocated TCP ports
}

// NewEntrypointAllocator creates an allocator for the given base HTTP
// domain and TCP port range.
func NewEntrypointAllocator(baseDomain string, portRange config.PortRange) *EntrypointAllocator {
	return &EntrypointAllocator{
		baseDomain: baseDomain,
		portRange:  portRange,
		live:       make(map[string]struct{}),
		ports:      make(map[int]struct{}),
	}
}

// AllocateHTTP claims an HTTP subdomain. If subdomain is empty, a random
// one is generated; a collision on a generated subdomain is NOT retried.
func (a *EntrypointAllocator) AllocateHTTP(subdomain string) (*Entrypoint, error) {
	if subdomain == "" {
		gen, err := randomID(protocol.RandomSubdomainLength)
		if err != nil {
			return nil, rpcerr.New(rpcerr.Internal, "generate subdomain: %v", err)
		}
		subdomain = strings.ToLower(gen)
	} else {
		subdomain = strings.ToLower(subdomain)
		if err := ValidateSubdomain(subdomain); err != nil {
			return nil, err
		}
	}

	key := protocol.HTTPEntrypointKey(subdomain, a.baseDomain)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.live[key]; exists {
		return nil, rpcerr.New(rpcerr.AlreadyExists, "entrypoint %s already in use", key)
	}
	a.live[key] = struct{}{}

	return &Entrypoint{
		Protocol:  protocol.ProtocolHTTP,
		Key:       key,
		Subdomain: subdomain,
	}, nil
}

// AllocateTCP scans the configured port range ascending for the first free
// port and claims it.
func (a *EntrypointAllocator) AllocateTCP() (*Entrypoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.portRange.Min; port < a.portRange.Max; port++ {
		if _, taken := a.ports[port]; taken {
			continue
		}
		a.ports[port] = struct{}{}
		key := protocol.TCPEntrypointKey(port)
		a.live[key] = struct{}{}
		return &Entrypoint{
			Protocol: protocol.ProtocolTCP,
			Key:      key,
			Port:     port,
		}, nil
	}
	return nil, rpcerr.New(rpcerr.Internal, "no TCP ports available in range %d-%d", a.portRange.Min, a.portRange.Max)
}

// Release frees an entrypoint, making its key (and TCP port, if any)
// available again.
func (a *EntrypointAllocator) Release(e *Entrypoint) {
	if e == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, e.Key)
	if e.Protocol == protocol.ProtocolTCP {
		delete(a.ports, e.Port)
	}
}

// Exists reports whether key is currently live. The public listeners do
// not call it; they route through the Server's tunnel lookup.
func (a *EntrypointAllocator) Exists(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.live[key]
	return ok
}

// BaseDomain returns the configured HTTP base domain.
func (a *EntrypointAllocator) BaseDomain() string {
	return a.baseDomain
}

// listenAddrForPort formats a bind address for a freshly allocated TCP
// port, used by the TCP public listener.
func listenAddrForPort(port int) string {
	return fmt.Sprintf(":%d", port)
}
