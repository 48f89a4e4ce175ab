package config

import (
	"path/filepath"
	"testing"
)

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    PortRange
		wantErr bool
	}{
		{"simple range", "10000-20000", PortRange{10000, 20000}, false},
		{"spaced range", "10000 - 20000", PortRange{10000, 20000}, false},
		{"no dash", "10000", PortRange{}, true},
		{"non-numeric min", "abc-20000", PortRange{}, true},
		{"non-numeric max", "10000-xyz", PortRange{}, true},
		{"min >= max", "20000-10000", PortRange{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePortRange(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePortRange(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParsePortRange(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg: Config{
				Core: Core{AuthMethod: "token", AllowPorts: "10000-20000"},
				HTTP: HTTP{DefaultDomain: "tun.example.com"},
				Tokens: map[string]string{"alice": "secret"},
			},
			wantErr: false,
		},
		{
			name:    "missing auth method",
			cfg:     Config{HTTP: HTTP{DefaultDomain: "tun.example.com"}},
			wantErr: true,
		},
		{
			name: "token auth without tokens",
			cfg: Config{
				Core: Core{AuthMethod: "token"},
				HTTP: HTTP{DefaultDomain: "tun.example.com"},
			},
			wantErr: true,
		},
		{
			name: "missing default domain",
			cfg: Config{
				Core:   Core{AuthMethod: "token"},
				Tokens: map[string]string{"alice": "secret"},
			},
			wantErr: true,
		},
		{
			name: "bad allow_ports",
			cfg: Config{
				Core:   Core{AuthMethod: "token", AllowPorts: "not-a-range"},
				HTTP:   HTTP{DefaultDomain: "tun.example.com"},
				Tokens: map[string]string{"alice": "secret"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigPortRangeDefault(t *testing.T) {
	c := Config{}
	got, err := c.PortRange()
	if err != nil {
		t.Fatalf("PortRange() error = %v", err)
	}
	want := PortRange{Min: 10000, Max: 20000}
	if got != want {
		t.Errorf("PortRange() = %+v, want %+v", got, want)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revtund.yaml")

	want := &Config{
		Core: Core{AuthMethod: "token", BindAddr: "0.0.0.0:9000", AllowPorts: "11000-12000", RateLimit: 60},
		HTTP: HTTP{BindAddr: "0.0.0.0:8080", DefaultDomain: "tun.example.com"},
		Tokens: map[string]string{
			"alice": "tok-alice",
			"bob":   "tok-bob",
		},
	}

	if err := Save(path, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got.Core != want.Core {
		t.Errorf("Core = %+v, want %+v", got.Core, want.Core)
	}
	if got.HTTP != want.HTTP {
		t.Errorf("HTTP = %+v, want %+v", got.HTTP, want.HTTP)
	}
	if len(got.Tokens) != len(want.Tokens) {
		t.Fatalf("Tokens = %v, want %v", got.Tokens, want.Tokens)
	}
	for k, v := range want.Tokens {
		if got.Tokens[k] != v {
			t.Errorf("Tokens[%q] = %q, want %q", k, got.Tokens[k], v)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("expected error loading a missing file")
	}
}
