package config

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"time"
)

// BackendConfig configures the PostgreSQL server to execute against.
type BackendConfig struct {
	Host     string    `json:"host"`
	Port     uint16    `json:"port,omitzero"`
	Database string    `json:"database"`
	Username SecretRef `json:"username"`
	Password SecretRef `json:"password"`
}

func (b *BackendConfig) secrets() iter.Seq2[string, SecretRef] {
	return func(yield func(string, SecretRef) bool) {
		if !yield("username", b.Username) {
			return
		}
		yield("password", b.Password)
	}
}

// GetPort returns the port, defaulting to 5432.
func (b *BackendConfig) GetPort() uint16 {
	if b.Port == 0 {
		return 5432
	}
	return b.Port
}

// ConnString resolves the backend credentials and builds a pgconn URL.
func (b *BackendConfig) ConnString(ctx context.Context, secrets *SecretCache) (string, error) {
	username, err := secrets.Get(ctx, b.Username)
	if err != nil {
		return "", fmt.Errorf("backend.username: %w", err)
	}
	password, err := secrets.Get(ctx, b.Password)
	if err != nil {
		return "", fmt.Errorf("backend.password: %w", err)
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(username, password),
		Host:   fmt.Sprintf("%s:%d", b.Host, b.GetPort()),
		Path:   "/" + b.Database,
	}
	return u.String(), nil
}

// PoolSettings sizes and tunes the backend connection pool.
type PoolSettings struct {
	// Capacity is the hard upper bound on open backend connections.
	// Default: 10.
	Capacity int32 `json:"capacity,omitzero"`

	// Policy is "block" (wait for a free connection) or "fail_fast"
	// (refuse immediately at capacity). Default: "block".
	Policy string `json:"policy,omitzero"`

	// AcquireTimeout bounds a blocking acquire. Default: "5s".
	AcquireTimeout Duration `json:"acquire_timeout,omitzero"`

	// IdleStaleness destroys idle connections older than this instead of
	// reusing them. Zero disables the check.
	IdleStaleness Duration `json:"idle_staleness,omitzero"`
}

// GetCapacity returns the pool capacity, defaulting to 10.
func (p *PoolSettings) GetCapacity() int32 {
	if p.Capacity == 0 {
		return 10
	}
	return p.Capacity
}

// GetPolicy returns the acquire policy, defaulting to "block".
func (p *PoolSettings) GetPolicy() string {
	if p.Policy == "" {
		return "block"
	}
	return p.Policy
}

// GetAcquireTimeout returns the acquire timeout, defaulting to 5 seconds.
func (p *PoolSettings) GetAcquireTimeout() time.Duration {
	if p.AcquireTimeout == 0 {
		return 5 * time.Second
	}
	return p.AcquireTimeout.Duration()
}

// Validate validates the pool settings.
func (p *PoolSettings) Validate() error {
	var errs []error
	if p.Capacity < 0 {
		errs = append(errs, errors.New("capacity must be non-negative"))
	}
	switch p.GetPolicy() {
	case "block", "fail_fast":
	default:
		errs = append(errs, fmt.Errorf("policy must be \"block\" or \"fail_fast\", got %q", p.Policy))
	}
	if p.AcquireTimeout < 0 {
		errs = append(errs, errors.New("acquire_timeout must be non-negative"))
	}
	if p.IdleStaleness < 0 {
		errs = append(errs, errors.New("idle_staleness must be non-negative"))
	}
	return errors.Join(errs...)
}
