package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pgmasq/pgmasq/pkg/backend"
	"github.com/pgmasq/pgmasq/pkg/translate"
	"github.com/pgmasq/pgmasq/pkg/wire"
)

// handleQuery routes one client statement: transaction control and
// session variables are handled by the session itself, everything else
// is translated and executed on a leased backend connection.
func (s *Session) handleQuery(ctx context.Context, text string) bool {
	if s.state != StateIdle && s.state != StateInTransaction {
		s.logger.Warn("query before login", "state", s.state.String())
		s.state = StateFailed
		return false
	}

	stmt := translate.Normalize(text)
	class := translate.Classify(stmt)

	if s.metrics != nil {
		s.metrics.QueryReceived(string(s.codec.Dialect()), class.String())
	}

	switch class {
	case translate.ClassBegin:
		return s.handleBegin(ctx)
	case translate.ClassCommit:
		return s.handleCommit(ctx)
	case translate.ClassRollback:
		return s.handleRollback(ctx)
	case translate.ClassSet:
		return s.handleSet(ctx, stmt)
	case translate.ClassUse:
		return s.handleUse(stmt)
	default:
		start := time.Now()
		ok := s.executeQuery(ctx, stmt, class)
		if s.metrics != nil {
			s.metrics.RecordQueryDuration(string(s.codec.Dialect()), class.String(), time.Since(start).Seconds())
		}
		return ok
	}
}

func (s *Session) handleBegin(ctx context.Context) bool {
	if s.state == StateInTransaction {
		// Nested BEGIN is a no-op, matching the legacy servers' tolerance.
		return s.sendEvent(wire.OKResult{InTransaction: true})
	}

	lease, ok := s.acquireLease(ctx)
	if !ok {
		return s.state != StateFailed
	}
	if _, err := lease.Conn().Exec(ctx, "BEGIN"); err != nil {
		s.releaseLease(ctx)
		return s.sendBackendError(err)
	}
	s.lease = lease
	s.state = StateInTransaction
	return s.sendEvent(wire.OKResult{InTransaction: true})
}

func (s *Session) handleCommit(ctx context.Context) bool {
	return s.endTransaction(ctx, "COMMIT")
}

func (s *Session) handleRollback(ctx context.Context) bool {
	return s.endTransaction(ctx, "ROLLBACK")
}

func (s *Session) endTransaction(ctx context.Context, sql string) bool {
	if s.state != StateInTransaction {
		// COMMIT/ROLLBACK outside a transaction succeeds silently.
		return s.sendEvent(wire.OKResult{InTransaction: false})
	}

	_, err := s.lease.Conn().Exec(ctx, sql)
	s.releaseLease(ctx)
	s.state = StateIdle
	if err != nil {
		return s.sendBackendError(err)
	}
	return s.sendEvent(wire.OKResult{InTransaction: false})
}

func (s *Session) handleSet(ctx context.Context, stmt string) bool {
	result, ok := s.engine.RewriteSet(stmt)
	if !ok {
		// SET syntax the dialect rules don't claim: pass through.
		return s.executeQuery(ctx, stmt, translate.ClassOther)
	}

	if result.Variable != "" {
		s.variables[result.Variable] = result.Value
	}
	if result.Autocommit != nil {
		s.autocommit = *result.Autocommit
		s.logger.Debug("autocommit changed", "enabled", s.autocommit)
	}
	if result.Dropped {
		s.logger.Debug("session variable dropped",
			"variable", result.Variable, "value", result.Value)
	}

	if len(result.Statements) > 0 {
		// Replay onto every future lease so the setting survives
		// transaction boundaries.
		s.pendingSets = append(s.pendingSets, result.Statements...)
		if s.state == StateInTransaction {
			for _, sql := range result.Statements {
				if _, err := s.lease.Conn().Exec(ctx, sql); err != nil {
					return s.sendBackendError(err)
				}
			}
		}
	}

	return s.sendEvent(wire.OKResult{InTransaction: s.state == StateInTransaction})
}

func (s *Session) handleUse(stmt string) bool {
	_, schema, _ := strings.Cut(stmt, " ")
	s.schema = strings.Trim(strings.TrimSpace(schema), "`\"[]")
	return s.sendEvent(wire.OKResult{InTransaction: s.state == StateInTransaction})
}

// executeQuery translates and runs a statement. Outside an explicit
// transaction the lease lasts only for this statement, unless autocommit
// is off, in which case the statement implicitly opens a transaction.
func (s *Session) executeQuery(ctx context.Context, stmt string, class translate.Class) bool {
	translated := s.engine.Translate(stmt)
	if len(translated) == 0 {
		return s.sendEvent(wire.OKResult{InTransaction: s.state == StateInTransaction})
	}

	inTx := s.state == StateInTransaction
	lease := s.lease
	if !inTx {
		var ok bool
		lease, ok = s.acquireLease(ctx)
		if !ok {
			return s.state != StateFailed
		}
		if !s.autocommit {
			if _, err := lease.Conn().Exec(ctx, "BEGIN"); err != nil {
				lease.Release(ctx)
				return s.sendBackendError(err)
			}
			s.lease = lease
			s.state = StateInTransaction
			inTx = true
		}
	}

	result, err := lease.Conn().Exec(ctx, strings.Join(translated, "; "))
	if err != nil {
		if !inTx {
			lease.Release(ctx)
		}
		// Inside a transaction the backend is now in a failed state;
		// the lease is kept so the client can roll back.
		return s.sendBackendError(err)
	}

	if !inTx {
		lease.Release(ctx)
	}

	return s.sendResult(result, class)
}

func (s *Session) sendResult(result *backend.Result, class translate.Class) bool {
	inTx := s.state == StateInTransaction
	if result.HasRows() {
		columns := make([]wire.Column, len(result.Columns))
		for i, name := range result.Columns {
			columns[i] = wire.Column{Name: name}
		}
		return s.sendEvent(wire.ResultSet{
			Columns:       columns,
			Rows:          result.Rows,
			InTransaction: inTx,
		})
	}
	return s.sendEvent(wire.OKResult{
		AffectedRows:  result.AffectedRows,
		InTransaction: inTx,
	})
}

// acquireLease leases a backend connection and replays recorded session
// variables onto it. On failure an error packet is sent and false is
// returned; the session survives unless the packet was fatal.
func (s *Session) acquireLease(ctx context.Context) (*backend.Lease, bool) {
	if s.lease != nil {
		return s.lease, true
	}

	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrPoolExhausted) {
			s.logger.Warn("backend pool exhausted")
			if s.metrics != nil {
				s.metrics.PoolExhausted()
			}
			s.sendEvent(s.mapper.Busy("no backend connections available"))
			return nil, false
		}
		s.logger.Error("backend acquire failed", "error", err)
		s.sendEvent(s.mapper.Unavailable("backend unavailable: " + err.Error()))
		return nil, false
	}

	for _, sql := range s.pendingSets {
		if _, err := lease.Conn().Exec(ctx, sql); err != nil {
			s.logger.Warn("session variable replay failed", "sql", sql, "error", err)
		}
	}
	return lease, true
}

// releaseLease returns the held lease to the pool.
func (s *Session) releaseLease(ctx context.Context) {
	if s.lease == nil {
		return
	}
	s.lease.Release(ctx)
	s.lease = nil
}

// sendBackendError maps a backend error into the dialect and sends it.
// Returns false when the session must stop.
func (s *Session) sendBackendError(err error) bool {
	packet := s.mapper.MapError(err)
	s.logger.Debug("backend error",
		"code", packet.Code, "sqlstate", packet.SQLState, "error", err)
	if s.metrics != nil {
		s.metrics.BackendError(string(s.codec.Dialect()), packet.SQLState)
	}
	return s.sendEvent(packet)
}
