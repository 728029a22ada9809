// Package config handles interpreting the pgmasq.json config file.
package config

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"iter"
	"os"

	"github.com/pgmasq/pgmasq/pkg/wire"
)

// Config holds the pgmasq configuration.
type Config struct {
	// Listeners are the client-facing dialect endpoints.
	Listeners []ListenerConfig `json:"listeners"`

	// Backend is the PostgreSQL server every session executes against.
	Backend BackendConfig `json:"backend"`

	// Pool sizes the backend connection pool.
	Pool PoolSettings `json:"pool"`

	// Users are the client credentials the proxy accepts.
	Users []UserConfig `json:"users"`

	// Prometheus enables the metrics endpoint when present.
	Prometheus *PrometheusConfig `json:"prometheus,omitzero"`

	// Autocommit is the starting autocommit mode for new sessions.
	// Defaults to true, matching the emulated servers.
	Autocommit *bool `json:"autocommit,omitzero"`
}

// UserConfig configures one accepted client identity.
type UserConfig struct {
	Username SecretRef `json:"username"`
	Password SecretRef `json:"password"`
}

// ParseConfig parses a JSON configuration string and returns a Config.
func ParseConfig(jsonStr string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadConfigFile reads and parses a configuration file from the given path.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(string(data))
}

// AutocommitDefault returns the configured starting autocommit mode.
func (c *Config) AutocommitDefault() bool {
	if c.Autocommit == nil {
		return true
	}
	return *c.Autocommit
}

// Secrets returns an iterator over all secret references in the config.
// Each secret is yielded with a description of where it appears.
func (c *Config) Secrets() iter.Seq2[string, SecretRef] {
	return func(yield func(string, SecretRef) bool) {
		for i, user := range c.Users {
			if !yield(fmt.Sprintf("users[%d].username", i), user.Username) {
				return
			}
			if !yield(fmt.Sprintf("users[%d].password", i), user.Password) {
				return
			}
		}
		for path, ref := range c.Backend.secrets() {
			if !yield("backend."+path, ref) {
				return
			}
		}
	}
}

// ResolveUsers materializes the user table from secret references.
func (c *Config) ResolveUsers(ctx context.Context, secrets *SecretCache) (map[string]string, error) {
	users := make(map[string]string, len(c.Users))
	for i, user := range c.Users {
		username, err := secrets.Get(ctx, user.Username)
		if err != nil {
			return nil, fmt.Errorf("users[%d].username: %w", i, err)
		}
		password, err := secrets.Get(ctx, user.Password)
		if err != nil {
			return nil, fmt.Errorf("users[%d].password: %w", i, err)
		}
		users[username] = password
	}
	return users, nil
}

// Validate verifies the configuration:
//   - every listener has a known dialect and a usable address
//   - the pool settings are coherent
//   - all secrets are accessible
//
// It does not stop at the first error; all errors are accumulated and
// returned together.
func (c *Config) Validate(ctx context.Context, secrets *SecretCache) error {
	var errs []error

	if len(c.Listeners) == 0 {
		errs = append(errs, errors.New("at least one listener is required"))
	}
	for i, l := range c.Listeners {
		if _, ok := wire.ParseDialect(l.Dialect); !ok {
			errs = append(errs, fmt.Errorf("listeners[%d]: unknown dialect %q", i, l.Dialect))
		}
		if l.Listen == "" {
			errs = append(errs, fmt.Errorf("listeners[%d]: listen address is required", i))
		}
	}

	if err := c.Pool.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if c.Backend.Host == "" {
		errs = append(errs, errors.New("backend.host is required"))
	}
	if c.Prometheus != nil {
		if err := c.Prometheus.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("prometheus: %w", err))
		}
	}

	for path, ref := range c.Secrets() {
		if _, err := secrets.Get(ctx, ref); err != nil {
			errs = append(errs, errors.Join(errors.New(path), err))
		}
	}

	return errors.Join(errs...)
}
