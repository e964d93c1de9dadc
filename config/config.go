// Package config loads the tool server set from a YAML or JSON file.
package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/configloader"
	"github.com/go-playground/validator/v10"
)

// Config describes the set of tool servers to register. Servers are
// registered in file order, so a later server's tool names win on collision.
type Config struct {
	Servers []*ServerConfig `json:"servers" yaml:"servers" validate:"required,min=1,dive"`
}

// ServerConfig describes one tool server. Exactly one of Command or URL must
// be set.
type ServerConfig struct {
	ID string `json:"id" yaml:"id" validate:"required"`

	// Command spawns the server as a subprocess.
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Env is applied on top of the parent environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// URL connects to the server's streaming HTTP endpoint.
	URL string `json:"url,omitempty" yaml:"url,omitempty" validate:"omitempty,url"`
	// Headers are sent with every request, in "Key:Value" format.
	Headers []string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// RequestTimeout overrides the default per-request timeout,
	// e.g. "30s" or "2m".
	RequestTimeout string `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
}

// Load reads and validates the server set configuration. Environment
// variables in the file are expanded.
func Load(file string) (*Config, error) {
	cfg := new(Config)
	err := configloader.UnmarshalAndExpand(file, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for required fields and duplicate ids.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err != nil {
		return errors.WithMessage(err, "invalid servers configuration")
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, srv := range c.Servers {
		if seen[srv.ID] {
			return errors.Errorf("duplicate server id: %s", srv.ID)
		}
		seen[srv.ID] = true

		if srv.Command == "" && srv.URL == "" {
			return errors.Errorf("server %s: requires a command or a url", srv.ID)
		}
		if srv.Command != "" && srv.URL != "" {
			return errors.Errorf("server %s: command and url are mutually exclusive", srv.ID)
		}
		if _, err := ParseHeaders(srv.Headers); err != nil {
			return errors.WithMessagef(err, "server %s", srv.ID)
		}
	}
	return nil
}

// ParseHeaders parses header strings in "Key:Value" format.
func ParseHeaders(headerStrings []string) (map[string]string, error) {
	if len(headerStrings) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(headerStrings))
	for _, h := range headerStrings {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("invalid header format: %s (expected Key:Value)", h)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			return nil, errors.Errorf("empty header key in: %s", h)
		}
		headers[key] = value
	}
	return headers, nil
}
