package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestExtractSubdomain(t *testing.T) {
	tests := []struct {
		name       string
		host       string
		baseDomain string
		want       string
	}{
		{"simple subdomain", "myapp.dev.example.com", "dev.example.com", "myapp"},
		{"subdomain with hyphen", "my-cool-app.dev.example.com", "dev.example.com", "my-cool-app"},
		{"subdomain with port", "myapp.dev.example.com:8080", "dev.example.com", "myapp"},
		{"no subdomain - exact match", "dev.example.com", "dev.example.com", ""},
		{"different domain", "other.domain.com", "dev.example.com", ""},
		{"nested subdomain", "api.v2.dev.example.com", "dev.example.com", "api.v2"},
		{"empty host", "", "dev.example.com", ""},
		{"uppercase host lowercased", "MyApp.Dev.Example.Com", "dev.example.com", "myapp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractSubdomain(tt.host, tt.baseDomain)
			if got != tt.want {
				t.Errorf("ExtractSubdomain(%q, %q) = %q, want %q", tt.host, tt.baseDomain, got, tt.want)
			}
		})
	}
}

func TestHTTPEntrypointKey(t *testing.T) {
	got := HTTPEntrypointKey("Foo", "Example.com")
	want := "http://foo.example.com"
	if got != want {
		t.Errorf("HTTPEntrypointKey() = %q, want %q", got, want)
	}
}

func TestTCPEntrypointKey(t *testing.T) {
	got := TCPEntrypointKey(9000)
	want := "tcp://0.0.0.0:9000"
	if got != want {
		t.Errorf("TCPEntrypointKey() = %q, want %q", got, want)
	}
}

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		name    string
		p       Protocol
		wantErr bool
	}{
		{"http", ProtocolHTTP, false},
		{"tcp", ProtocolTCP, false},
		{"udp reserved", ProtocolUDP, true},
		{"out of range", Protocol(99), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProtocol(tt.p)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseProtocol(%v) error = %v, wantErr %v", tt.p, err, tt.wantErr)
			}
		})
	}
}

func TestConstants(t *testing.T) {
	if ConnectPath != "/_connect" {
		t.Errorf("ConnectPath = %q, want %q", ConnectPath, "/_connect")
	}
	if HeartbeatInterval <= 0 {
		t.Error("HeartbeatInterval should be positive")
	}
	if MaxReconnectDelay <= InitialReconnectDelay {
		t.Error("MaxReconnectDelay should be greater than InitialReconnectDelay")
	}
	if ChannelCapacity != 128 {
		t.Errorf("ChannelCapacity = %d, want 128", ChannelCapacity)
	}
}

func TestStreamHelloRoundTrip(t *testing.T) {
	r, w := io.Pipe()
	go func() {
		_ = WriteFrame(w, StreamHello{Method: MethodTransfer, Authorization: "sess-123"})
		w.Close()
	}()

	var got StreamHello
	if err := ReadFrame(r, &got); err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if got.Method != MethodTransfer || got.Authorization != "sess-123" {
		t.Errorf("ReadFrame() = %+v, want Method=%q Authorization=%q", got, MethodTransfer, "sess-123")
	}
}

func TestTransferBodyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := TransferBody{ConnID: "c1", Status: TStatusWorking, RespData: []byte("hello")}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	var got TransferBody
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if got.ConnID != want.ConnID || got.Status != want.Status || !bytes.Equal(got.RespData, want.RespData) {
		t.Errorf("ReadFrame() = %+v, want %+v", got, want)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameBytes+1)
	buf.Write(hdr[:])

	var v TransferBody
	err := ReadFrame(&buf, &v)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ReadFrame() error = %v, want %v", err, ErrFrameTooLarge)
	}
}
