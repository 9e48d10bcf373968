// Package config models the tool server configuration file. The file maps
// server names to launch commands under an "mcpServers" key:
//
//	{ "mcpServers": {
//	    "search": { "command": "npx", "args": ["-y", "@acme/search-server"],
//	                "env": {"API_KEY": "..."}, "timeout": 30000 } } }
//
// JSON is the canonical format; files ending in .yaml or .yml decode the
// same shape via YAML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport and framing identifiers accepted in server configurations.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"

	FramingLine          = "line"
	FramingContentLength = "content-length"
)

// Defaults applied to server entries that omit the corresponding field.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3

	// MinTimeout is the smallest accepted per-server timeout.
	MinTimeout = time.Second
)

type (
	// File is the on-disk configuration shape.
	File struct {
		// Servers maps server names to their configurations. The map key is
		// the stable server identifier used across all subsystems.
		Servers map[string]Server `json:"mcpServers" yaml:"mcpServers"`
	}

	// Server configures one tool server.
	Server struct {
		// Name is the unique server identifier. Populated from the map key
		// when loading a file.
		Name string `json:"-" yaml:"-"`
		// Command is the executable to spawn for stdio transport.
		Command string `json:"command" yaml:"command"`
		// Args are passed to the command.
		Args []string `json:"args,omitempty" yaml:"args,omitempty"`
		// Env entries are merged over the parent process environment.
		Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
		// Transport selects "stdio" (default) or "http".
		Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`
		// Framing selects the stdio message framing: "line" (default) or
		// "content-length".
		Framing string `json:"framing,omitempty" yaml:"framing,omitempty"`
		// Disabled entries are omitted from the effective server list.
		Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
		// TimeoutMS bounds each request to the server, in milliseconds.
		// Zero means DefaultTimeout.
		TimeoutMS int `json:"timeout,omitempty" yaml:"timeout,omitempty"`
		// MaxRetries bounds consecutive health-check failures before a
		// pooled connection is evicted. Zero means DefaultMaxRetries.
		MaxRetries int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
		// RateLimit caps tool calls per second on this server. Zero
		// disables limiting.
		RateLimit float64 `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	}
)

// Timeout returns the effective per-request timeout.
func (s Server) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return DefaultTimeout
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Retries returns the effective health-check failure budget.
func (s Server) Retries() int {
	if s.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return s.MaxRetries
}

// EffectiveFraming returns the configured framing, defaulting to line
// framing.
func (s Server) EffectiveFraming() string {
	if s.Framing == "" {
		return FramingLine
	}
	return s.Framing
}

// Validate checks a server entry against the configuration rules: name and
// command are required, transport and framing must be known, and the timeout
// must be at least MinTimeout when set.
func (s Server) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if s.Command == "" {
		return fmt.Errorf("server %q: command is required", s.Name)
	}
	switch s.Transport {
	case "", TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("server %q: unknown transport %q", s.Name, s.Transport)
	}
	switch s.Framing {
	case "", FramingLine, FramingContentLength:
	default:
		return fmt.Errorf("server %q: unknown framing %q", s.Name, s.Framing)
	}
	if s.TimeoutMS != 0 && time.Duration(s.TimeoutMS)*time.Millisecond < MinTimeout {
		return fmt.Errorf("server %q: timeout must be at least %v", s.Name, MinTimeout)
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("server %q: rateLimit must not be negative", s.Name)
	}
	return nil
}

// Load reads and validates the configuration at path and returns the enabled
// servers sorted by name. Disabled entries are dropped after validation.
func Load(path string) ([]Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes configuration bytes. ext selects the decoder: ".yaml" and
// ".yml" use YAML, everything else JSON.
func Parse(data []byte, ext string) ([]Server, error) {
	var file File
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	servers := make([]Server, 0, len(file.Servers))
	for name, srv := range file.Servers {
		srv.Name = name
		if err := srv.Validate(); err != nil {
			return nil, err
		}
		if srv.Disabled {
			continue
		}
		servers = append(servers, srv)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}
