// Package session runs the per-connection state machine: it drives a
// dialect codec over the client socket, translates statements, and
// leases backend connections at transaction boundaries.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/pgmasq/pgmasq/pkg/backend"
	"github.com/pgmasq/pgmasq/pkg/errmap"
	"github.com/pgmasq/pgmasq/pkg/observability"
	"github.com/pgmasq/pgmasq/pkg/translate"
	"github.com/pgmasq/pgmasq/pkg/wire"
)

// State is the session's lifecycle position. Transitions are strictly
// forward through the login phase; Idle and InTransaction alternate for
// the life of the session.
type State int

const (
	StateAwaitingHandshake State = iota
	StateAuthenticating
	StateIdle
	StateInTransaction
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StateInTransaction:
		return "in_transaction"
	case StateClosed:
		return "closed"
	default:
		return "failed"
	}
}

// Options wires a Session to its collaborators.
type Options struct {
	Conn    net.Conn
	Codec   wire.Codec
	Engine  *translate.Engine
	Mapper  *errmap.Mapper
	Pool    *backend.Pool
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Users maps a client username to its expected password.
	Users map[string]string

	// Autocommit is the session's starting autocommit mode.
	Autocommit bool
}

// Session is one client connection's state machine. Owned by a single
// goroutine; never shared.
type Session struct {
	conn    net.Conn
	codec   wire.Codec
	engine  *translate.Engine
	mapper  *errmap.Mapper
	pool    *backend.Pool
	logger  *slog.Logger
	metrics *observability.Metrics
	users   map[string]string

	state      State
	autocommit bool

	// variables records session-variable assignments for diagnostics.
	variables map[string]string
	// pendingSets replays translated SET statements onto each newly
	// leased backend connection, since leases do not persist session
	// state across transactions.
	pendingSets []string

	schema string
	lease  *backend.Lease
}

// New builds a session in the pre-handshake state.
func New(opts Options) *Session {
	return &Session{
		conn:       opts.Conn,
		codec:      opts.Codec,
		engine:     opts.Engine,
		mapper:     opts.Mapper,
		pool:       opts.Pool,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		users:      opts.Users,
		state:      StateAwaitingHandshake,
		autocommit: opts.Autocommit,
		variables:  make(map[string]string),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Run drives the session until the client disconnects, a fatal error is
// sent, or ctx is canceled. It always tears down the backend lease.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown(ctx)

	if s.metrics != nil {
		s.metrics.SessionOpened(string(s.codec.Dialect()))
		defer s.metrics.SessionClosed(string(s.codec.Dialect()))
	}

	greeting, err := s.codec.Greet()
	if err != nil {
		s.logger.Error("greeting failed", "error", err)
		return
	}
	if greeting != nil {
		if err := s.send(greeting); err != nil {
			return
		}
		// The server spoke first, so the client's next message is login.
		s.state = StateAuthenticating
	}

	stop := context.AfterFunc(ctx, func() {
		// Unblocks the Read below so cancellation is prompt.
		s.conn.Close()
	})
	defer stop()

	buf := make([]byte, 8192)
	for s.state != StateClosed && s.state != StateFailed {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if _, werr := s.codec.Write(buf[:n]); werr != nil {
				s.logger.Error("codec buffer write failed", "error", werr)
				s.state = StateFailed
				return
			}
			if !s.drainEvents(ctx) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("client read failed", "error", err)
			}
			s.state = StateClosed
			return
		}
	}
}

// drainEvents decodes every complete message buffered by the codec.
// Returns false when the session must stop.
func (s *Session) drainEvents(ctx context.Context) bool {
	for {
		ev, err := s.codec.Decode()
		if errors.Is(err, wire.ErrIncomplete) {
			return true
		}
		if err != nil {
			// Framing is broken; nothing safe to send.
			s.logger.Warn("protocol error", "error", err, "state", s.state.String())
			s.state = StateFailed
			return false
		}
		if !s.handleEvent(ctx, ev) {
			return false
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev wire.Event) bool {
	switch ev := ev.(type) {
	case wire.HandshakeRequest:
		return s.handleHandshake(ev)
	case wire.LoginRequest:
		return s.handleLogin(ctx, ev)
	case wire.CommandQuit:
		s.logger.Debug("client quit")
		s.state = StateClosed
		return false
	case wire.CommandPing:
		return s.sendEvent(wire.OKResult{InTransaction: s.state == StateInTransaction})
	case wire.CommandInitDB:
		return s.handleInitDB(ev)
	case wire.CommandFieldList:
		// Deprecated completion command: an empty result set pushes
		// drivers to information_schema instead.
		return s.sendEvent(wire.ResultSet{})
	case wire.CommandQuery:
		return s.handleQuery(ctx, ev.Text)
	default:
		s.logger.Warn("unhandled event", "type", fmt.Sprintf("%T", ev))
		s.state = StateFailed
		return false
	}
}

func (s *Session) handleHandshake(ev wire.HandshakeRequest) bool {
	if s.state != StateAwaitingHandshake {
		s.logger.Warn("handshake out of order", "state", s.state.String())
		s.state = StateFailed
		return false
	}
	if ev.ServiceName != "" {
		s.schema = ev.ServiceName
	}
	if !s.sendEvent(wire.HandshakeAck{}) {
		return false
	}
	s.state = StateAuthenticating
	return true
}

func (s *Session) handleLogin(ctx context.Context, ev wire.LoginRequest) bool {
	if s.state != StateAuthenticating {
		s.logger.Warn("login out of order", "state", s.state.String())
		s.state = StateFailed
		return false
	}

	password, known := s.users[ev.Username]
	if !known || !s.codec.VerifyPassword(&ev, password) {
		s.logger.Info("authentication failed", "user", ev.Username)
		if s.metrics != nil {
			s.metrics.AuthFailed(string(s.codec.Dialect()))
		}
		s.sendEvent(s.mapper.AccessDenied("access denied for user '" + ev.Username + "'"))
		s.state = StateFailed
		return false
	}

	// Probe the pool so a dead backend fails the login instead of the
	// first query.
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		s.logger.Error("backend probe failed during login", "error", err)
		packet := s.mapper.Unavailable("backend unavailable: " + err.Error())
		packet.Fatal = true
		s.sendEvent(packet)
		s.state = StateFailed
		return false
	}
	pingErr := lease.Conn().Ping(ctx)
	if pingErr != nil {
		lease.Destroy()
		s.logger.Error("backend ping failed during login", "error", pingErr)
		packet := s.mapper.Unavailable("backend unavailable: " + pingErr.Error())
		packet.Fatal = true
		s.sendEvent(packet)
		s.state = StateFailed
		return false
	}
	lease.Release(ctx)

	if ev.Database != "" {
		s.schema = ev.Database
	}
	s.logger = s.logger.With("user", ev.Username)
	s.logger.Info("client authenticated", "database", s.schema)

	if !s.sendEvent(wire.AuthOK{}) {
		return false
	}
	s.state = StateIdle
	return true
}

func (s *Session) handleInitDB(ev wire.CommandInitDB) bool {
	s.schema = ev.Schema
	return s.sendEvent(wire.OKResult{InTransaction: s.state == StateInTransaction})
}

// teardown rolls back and releases any held lease and closes the socket.
func (s *Session) teardown(ctx context.Context) {
	if s.lease != nil {
		s.lease.Release(ctx)
		s.lease = nil
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("client close failed", "error", err)
	}
	if s.state != StateFailed {
		s.state = StateClosed
	}
	s.logger.Debug("session ended", "state", s.state.String())
}

// send writes raw bytes to the client socket.
func (s *Session) send(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := s.conn.Write(b); err != nil {
		s.logger.Debug("client write failed", "error", err)
		s.state = StateClosed
		return err
	}
	return nil
}

// sendEvent encodes and writes one response event. Returns false when
// the session must stop, either from a write failure or a fatal packet.
func (s *Session) sendEvent(ev wire.Event) bool {
	b, err := s.codec.Encode(ev)
	if err != nil {
		s.logger.Error("encode failed", "error", err)
		s.state = StateFailed
		return false
	}
	if err := s.send(b); err != nil {
		return false
	}
	if ep, ok := ev.(wire.ErrorPacket); ok && ep.Fatal {
		s.state = StateFailed
		return false
	}
	return true
}
