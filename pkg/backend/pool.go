package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/puddle/v2"
)

// ErrPoolExhausted is returned by Acquire under the fail_fast policy
// when every connection is leased.
var ErrPoolExhausted = errors.New("backend pool exhausted")

// AcquirePolicy decides what Acquire does at capacity.
type AcquirePolicy string

const (
	// PolicyBlock waits for a free connection, bounded by the acquire
	// timeout or the caller's context.
	PolicyBlock AcquirePolicy = "block"
	// PolicyFailFast returns ErrPoolExhausted immediately.
	PolicyFailFast AcquirePolicy = "fail_fast"
)

// PoolConfig sizes and tunes a Pool.
type PoolConfig struct {
	// Capacity is the hard upper bound on open backend connections.
	Capacity int32
	Policy   AcquirePolicy

	// AcquireTimeout bounds a blocking Acquire. Zero means the caller's
	// context is the only bound.
	AcquireTimeout time.Duration

	// IdleStaleness destroys connections idle longer than this instead
	// of handing them out. Zero disables the check.
	IdleStaleness time.Duration
}

// Pool is a bounded pool of backend connections. Sessions hold a Lease
// for the duration of a transaction and release it at the boundary, so
// capacity can be far below the client connection count.
type Pool struct {
	pool   *puddle.Pool[Conn]
	config PoolConfig
	logger *slog.Logger
}

// NewPool builds a pool that opens connections lazily via connector.
func NewPool(config PoolConfig, connector Connector, logger *slog.Logger) (*Pool, error) {
	if config.Capacity <= 0 {
		return nil, errors.New("backend: pool capacity must be positive")
	}
	if config.Policy == "" {
		config.Policy = PolicyBlock
	}

	p, err := puddle.NewPool(&puddle.Config[Conn]{
		Constructor: func(ctx context.Context) (Conn, error) {
			return connector(ctx)
		},
		Destructor: func(conn Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := conn.Close(ctx); err != nil {
				logger.Warn("backend connection close failed", "error", err)
			}
		},
		MaxSize: config.Capacity,
	})
	if err != nil {
		return nil, err
	}

	return &Pool{pool: p, config: config, logger: logger}, nil
}

// Acquire leases a connection, honoring the pool's policy. Stale idle
// connections are destroyed and replaced transparently.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		res, err := p.acquireResource(ctx)
		if err != nil {
			return nil, err
		}

		if p.config.IdleStaleness > 0 && res.IdleDuration() > p.config.IdleStaleness {
			p.logger.Debug("destroying stale backend connection",
				"idle", res.IdleDuration())
			res.Destroy()
			continue
		}

		return &Lease{resource: res, pool: p}, nil
	}
}

func (p *Pool) acquireResource(ctx context.Context) (*puddle.Resource[Conn], error) {
	if p.config.Policy == PolicyFailFast {
		res, err := p.pool.TryAcquire(ctx)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, puddle.ErrNotAvailable) {
			return nil, err
		}
		// TryAcquire reports not-available both at capacity and while a
		// fresh connection is still being dialed in the background. Only
		// the former is exhaustion; for the latter, wait for the dial.
		if p.pool.Stat().AcquiredResources() >= p.config.Capacity {
			return nil, ErrPoolExhausted
		}
	}

	if p.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}
	res, err := p.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrPoolExhausted
		}
		return nil, err
	}
	return res, nil
}

// Stat reports pool occupancy for metrics.
func (p *Pool) Stat() (total, idle, acquired int32) {
	s := p.pool.Stat()
	return s.TotalResources(), s.IdleResources(), s.AcquiredResources()
}

// Close destroys all connections. Blocks until leased connections are
// released.
func (p *Pool) Close() {
	p.pool.Close()
}

// Lease is one leased backend connection. Not safe for concurrent use;
// a session owns its lease exclusively.
type Lease struct {
	resource *puddle.Resource[Conn]
	pool     *Pool
	released bool
}

// Conn returns the leased connection. Panics if released.
func (l *Lease) Conn() Conn {
	return l.resource.Value()
}

// Release returns the connection to the pool. A connection still inside
// a transaction block is rolled back first, then DISCARD ALL clears any
// session state (SET variables, temp tables, prepared statements) the
// previous lessee left behind so it cannot leak into the next lease. If
// any of the reset steps fail the connection is destroyed rather than
// reused.
func (l *Lease) Release(ctx context.Context) {
	if l.released {
		return
	}
	l.released = true

	conn := l.resource.Value()
	if conn.InTransaction() {
		if _, err := conn.Exec(ctx, "ROLLBACK"); err != nil {
			l.pool.logger.Warn("rollback on release failed, destroying connection",
				"error", err)
			l.resource.Destroy()
			return
		}
	}
	if _, err := conn.Exec(ctx, "DISCARD ALL"); err != nil {
		l.pool.logger.Warn("session reset on release failed, destroying connection",
			"error", err)
		l.resource.Destroy()
		return
	}
	if err := conn.Ping(ctx); err != nil {
		l.pool.logger.Warn("liveness check on release failed, destroying connection",
			"error", err)
		l.resource.Destroy()
		return
	}
	l.resource.Release()
}

// Destroy closes the connection instead of returning it, for use after
// protocol-level failures.
func (l *Lease) Destroy() {
	if l.released {
		return
	}
	l.released = true
	l.resource.Destroy()
}
