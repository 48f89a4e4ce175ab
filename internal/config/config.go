// Package config loads the frozen revtund configuration object from a YAML
// file on disk (gopkg.in/yaml.v3). cmd/revtund takes the file's path from a
// flag or environment variable through spf13/viper; every field comes from
// the file alone.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Recognized core.auth_method values (spec.md §3). AuthMethodOIDC is a
// declared extension point: config validation accepts it, but the login
// path always fails it with InvalidArgument("oidc not implement").
const (
	AuthMethodToken = "token"
	AuthMethodOIDC  = "oidc"
)

// PortRange is the inclusive-exclusive [Min, Max) TCP port interval the
// Entrypoint Allocator scans for `tcp` Listen requests.
type PortRange struct {
	Min int
	Max int
}

// ParsePortRange parses a "min-max" interval, e.g. "10000-20000".
func ParsePortRange(s string) (PortRange, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return PortRange{}, fmt.Errorf("allow_ports: expected \"min-max\", got %q", s)
	}
	min, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return PortRange{}, fmt.Errorf("allow_ports: invalid min %q: %w", parts[0], err)
	}
	max, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return PortRange{}, fmt.Errorf("allow_ports: invalid max %q: %w", parts[1], err)
	}
	if min >= max {
		return PortRange{}, fmt.Errorf("allow_ports: min %d must be less than max %d", min, max)
	}
	return PortRange{Min: min, Max: max}, nil
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// Core holds the control-plane bind settings.
type Core struct {
	AuthMethod string `yaml:"auth_method"`
	BindAddr   string `yaml:"bind_addr"`
	AllowPorts string `yaml:"allow_ports"`
	RateLimit  int    `yaml:"rate_limit"`
}

// HTTP holds the public HTTP listener settings. The public listener is
// served by the same HTTP server as the control plane: it binds
// Core.BindAddr, and HTTP.BindAddr is used as the bind address only when
// Core.BindAddr is empty. No separate public listener is opened.
type HTTP struct {
	BindAddr      string `yaml:"bind_addr"`
	DefaultDomain string `yaml:"default_domain"`
}

// Config is the frozen on-disk shape of a revtund configuration file.
type Config struct {
	Core   Core              `yaml:"core"`
	HTTP   HTTP              `yaml:"http"`
	Tokens map[string]string `yaml:"tokens"`
}

// PortRange parses Core.AllowPorts, defaulting to 10000-20000 when unset.
func (c *Config) PortRange() (PortRange, error) {
	if c.Core.AllowPorts == "" {
		return PortRange{Min: 10000, Max: 20000}, nil
	}
	return ParsePortRange(c.Core.AllowPorts)
}

// Validate checks that the fields required to start a server are present.
func (c *Config) Validate() error {
	switch c.Core.AuthMethod {
	case "":
		return fmt.Errorf("core.auth_method is required")
	case AuthMethodToken:
		if len(c.Tokens) == 0 {
			return fmt.Errorf("tokens must be non-empty when core.auth_method is \"token\"")
		}
	case AuthMethodOIDC:
		// no further requirements: oidc is a declared, unimplemented extension
		// point (spec.md §3), so every login against it fails regardless of
		// what's configured here.
	default:
		return fmt.Errorf("core.auth_method %q is not one of \"token\", \"oidc\"", c.Core.AuthMethod)
	}
	if c.HTTP.DefaultDomain == "" {
		return fmt.Errorf("http.default_domain is required")
	}
	if _, err := c.PortRange(); err != nil {
		return err
	}
	return nil
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &c, nil
}

// Save writes c to path as YAML, truncating any existing file.
func Save(path string, c *Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
