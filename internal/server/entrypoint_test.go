package server

import (
	"testing"

	"github.com/revtun/revtun/internal/config"
	"github.com/revtun/revtun/pkg/protocol"
	"github.com/revtun/revtun/pkg/rpcerr"
)

func newTestAllocator() *EntrypointAllocator {
	return NewEntrypointAllocator("tun.example.com", config.PortRange{Min: 10000, Max: 10003})
}

func TestValidateSubdomain(t *testing.T) {
	tests := []struct {
		name      string
		subdomain string
		wantErr   bool
	}{
		{"valid", "my-app", false},
		{"too short", "ab", true},
		{"starts with hyphen", "-app", true},
		{"ends with hyphen", "app-", true},
		{"uppercase rejected", "MyApp", true},
		{"too long", string(make([]byte, 64)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubdomain(tt.subdomain)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSubdomain(%q) error = %v, wantErr %v", tt.subdomain, err, tt.wantErr)
			}
		})
	}
}

func TestAllocateHTTPUserRequested(t *testing.T) {
	a := newTestAllocator()

	ep, err := a.AllocateHTTP("myapp")
	if err != nil {
		t.Fatalf("AllocateHTTP() error = %v", err)
	}
	if ep.Subdomain != "myapp" {
		t.Errorf("Subdomain = %q, want %q", ep.Subdomain, "myapp")
	}
	want := "http://myapp.tun.example.com"
	if ep.Key != want {
		t.Errorf("Key = %q, want %q", ep.Key, want)
	}
	if !a.Exists(ep.Key) {
		t.Error("Exists() = false after AllocateHTTP")
	}
}

func TestAllocateHTTPCollision(t *testing.T) {
	a := newTestAllocator()

	if _, err := a.AllocateHTTP("myapp"); err != nil {
		t.Fatalf("first AllocateHTTP() error = %v", err)
	}
	_, err := a.AllocateHTTP("myapp")
	if !rpcerr.IsAlreadyExists(err) {
		t.Errorf("second AllocateHTTP() error = %v, want AlreadyExists", err)
	}
}

func TestAllocateHTTPRandomNoRetryOnCollision(t *testing.T) {
	a := newTestAllocator()
	ep, err := a.AllocateHTTP("")
	if err != nil {
		t.Fatalf("AllocateHTTP(\"\") error = %v", err)
	}
	if len(ep.Subdomain) != protocol.RandomSubdomainLength {
		t.Errorf("len(Subdomain) = %d, want %d", len(ep.Subdomain), protocol.RandomSubdomainLength)
	}

	// A generated subdomain goes through the same check-then-insert as a
	// requested one, so a key that is already live surfaces AlreadyExists
	// immediately instead of being retried under another name.
	a.mu.Lock()
	a.live[protocol.HTTPEntrypointKey("forced-collision", a.baseDomain)] = struct{}{}
	a.mu.Unlock()

	if _, err := a.AllocateHTTP("forced-collision"); !rpcerr.IsAlreadyExists(err) {
		t.Errorf("AllocateHTTP() on a live key error = %v, want AlreadyExists", err)
	}
}

func TestAllocateTCPSequential(t *testing.T) {
	a := newTestAllocator()

	first, err := a.AllocateTCP()
	if err != nil {
		t.Fatalf("AllocateTCP() error = %v", err)
	}
	if first.Port != 10000 {
		t.Errorf("first Port = %d, want 10000", first.Port)
	}

	second, err := a.AllocateTCP()
	if err != nil {
		t.Fatalf("AllocateTCP() error = %v", err)
	}
	if second.Port != 10001 {
		t.Errorf("second Port = %d, want 10001", second.Port)
	}
}

func TestAllocateTCPExhausted(t *testing.T) {
	a := NewEntrypointAllocator("tun.example.com", config.PortRange{Min: 10000, Max: 10001})

	if _, err := a.AllocateTCP(); err != nil {
		t.Fatalf("first AllocateTCP() error = %v", err)
	}
	_, err := a.AllocateTCP()
	if err == nil {
		t.Fatal("expected error when the port range is exhausted")
	}
}

func TestReleaseFreesEntrypoint(t *testing.T) {
	a := newTestAllocator()

	ep, _ := a.AllocateHTTP("myapp")
	a.Release(ep)
	if a.Exists(ep.Key) {
		t.Error("Exists() = true after Release")
	}

	// Re-allocation should now succeed.
	if _, err := a.AllocateHTTP("myapp"); err != nil {
		t.Errorf("re-AllocateHTTP() after Release error = %v", err)
	}
}

func TestReleaseFreesTCPPort(t *testing.T) {
	a := newTestAllocator()

	ep, _ := a.AllocateTCP()
	a.Release(ep)

	reAlloc, err := a.AllocateTCP()
	if err != nil {
		t.Fatalf("AllocateTCP() after Release error = %v", err)
	}
	if reAlloc.Port != ep.Port {
		t.Errorf("expected released port %d to be reused first, got %d", ep.Port, reAlloc.Port)
	}
}
