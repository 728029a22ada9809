// Package frontend accepts client connections on the configured dialect
// listeners and runs one session per connection.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgmasq/pgmasq/pkg/backend"
	"github.com/pgmasq/pgmasq/pkg/config"
	"github.com/pgmasq/pgmasq/pkg/errmap"
	"github.com/pgmasq/pgmasq/pkg/observability"
	"github.com/pgmasq/pgmasq/pkg/session"
	"github.com/pgmasq/pgmasq/pkg/translate"
	"github.com/pgmasq/pgmasq/pkg/wire"
	"github.com/pgmasq/pgmasq/pkg/wire/mysql"
	"github.com/pgmasq/pgmasq/pkg/wire/tds"
	"github.com/pgmasq/pgmasq/pkg/wire/tns"
)

// Service owns the dialect listeners, the shared backend pool, and the
// per-dialect translation and error-mapping tables.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	config  *config.Config
	secrets *config.SecretCache
	metrics *observability.Metrics

	pool  *backend.Pool
	users map[string]string

	// nextConnID numbers MySQL sessions for the handshake thread id.
	nextConnID atomic.Uint32

	engines map[wire.Dialect]*translate.Engine
	mappers map[wire.Dialect]*errmap.Mapper
}

// NewService validates the config, resolves secrets, and builds the
// backend pool. The pool dials lazily, so a down backend does not fail
// startup.
func NewService(ctx context.Context, cfg *config.Config, secrets *config.SecretCache, metrics *observability.Metrics, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(ctx, secrets); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	users, err := cfg.ResolveUsers(ctx, secrets)
	if err != nil {
		return nil, err
	}

	connString, err := cfg.Backend.ConnString(ctx, secrets)
	if err != nil {
		return nil, err
	}
	connector, err := backend.PgConnector(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid backend config: %w", err)
	}

	pool, err := backend.NewPool(backend.PoolConfig{
		Capacity:       cfg.Pool.GetCapacity(),
		Policy:         backend.AcquirePolicy(cfg.Pool.GetPolicy()),
		AcquireTimeout: cfg.Pool.GetAcquireTimeout(),
		IdleStaleness:  cfg.Pool.IdleStaleness.Duration(),
	}, connector, logger)
	if err != nil {
		return nil, err
	}

	engines := make(map[wire.Dialect]*translate.Engine)
	mappers := make(map[wire.Dialect]*errmap.Mapper)
	for _, l := range cfg.Listeners {
		dialect, _ := wire.ParseDialect(l.Dialect)
		if _, ok := engines[dialect]; ok {
			continue
		}
		engine, err := translate.New(dialect)
		if err != nil {
			return nil, err
		}
		engines[dialect] = engine
		mappers[dialect] = errmap.New(dialect)
	}

	innerCtx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:     innerCtx,
		cancel:  cancel,
		logger:  logger,
		config:  cfg,
		secrets: secrets,
		metrics: metrics,
		pool:    pool,
		users:   users,
		engines: engines,
		mappers: mappers,
	}, nil
}

// newCodec builds a fresh codec for one accepted connection.
func (s *Service) newCodec(dialect wire.Dialect) (wire.Codec, error) {
	switch dialect {
	case wire.DialectMySQL:
		return mysql.NewCodec(s.nextConnID.Add(1))
	case wire.DialectMSSQL:
		return tds.NewCodec(), nil
	default:
		return tns.NewCodec(), nil
	}
}

// Listen starts accepting on all configured addresses. It blocks until
// the context is canceled or a listener fails, then shuts everything
// down and waits for in-flight sessions.
func (s *Service) Listen() error {
	type dialectListener struct {
		dialect  wire.Dialect
		listener net.Listener
	}

	listeners := make([]dialectListener, 0, len(s.config.Listeners))
	for _, lc := range s.config.Listeners {
		dialect, _ := wire.ParseDialect(lc.Dialect)
		ln, err := net.Listen("tcp", lc.Listen.String())
		if err != nil {
			for _, dl := range listeners {
				_ = dl.listener.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", lc.Listen, err)
		}
		listeners = append(listeners, dialectListener{dialect: dialect, listener: ln})
		s.logger.Info("listening", "dialect", dialect, "addr", lc.Listen.String())
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(listeners))

	for _, dl := range listeners {
		wg.Add(1)
		go func(dl dialectListener) {
			defer wg.Done()
			if err := s.acceptLoop(dl.dialect, dl.listener); err != nil {
				errCh <- err
			}
		}(dl)
	}

	go s.pollPoolStats()

	var firstErr error
	select {
	case <-s.ctx.Done():
		firstErr = s.ctx.Err()
	case err := <-errCh:
		firstErr = err
	}

	s.cancel()
	for _, dl := range listeners {
		_ = dl.listener.Close()
	}
	wg.Wait()
	s.pool.Close()

	return firstErr
}

// acceptLoop accepts connections for one dialect listener until the
// listener closes.
func (s *Service) acceptLoop(dialect wire.Dialect, ln net.Listener) error {
	var sessions sync.WaitGroup
	defer sessions.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept on %s failed: %w", ln.Addr(), err)
		}

		logger := s.logger.With(
			"dialect", dialect,
			"client", conn.RemoteAddr().String(),
		)
		codec, err := s.newCodec(dialect)
		if err != nil {
			logger.Error("codec setup failed", "error", err)
			_ = conn.Close()
			continue
		}
		sess := session.New(session.Options{
			Conn:       conn,
			Codec:      codec,
			Engine:     s.engines[dialect],
			Mapper:     s.mappers[dialect],
			Pool:       s.pool,
			Logger:     logger,
			Metrics:    s.metrics,
			Users:      s.users,
			Autocommit: s.config.AutocommitDefault(),
		})

		sessions.Add(1)
		go func() {
			defer sessions.Done()
			sess.Run(s.ctx)
		}()
	}
}

// pollPoolStats keeps the pool gauges current.
func (s *Service) pollPoolStats() {
	if s.metrics == nil {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			total, idle, _ := s.pool.Stat()
			s.metrics.UpdatePoolStats(total, idle)
		}
	}
}

// Shutdown cancels the service's context, triggering graceful shutdown.
func (s *Service) Shutdown() {
	s.cancel()
}
