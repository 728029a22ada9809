package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records calls and lets tests script transaction state and
// rollback failures.
type fakeConn struct {
	mu       sync.Mutex
	executed []string
	inTx     bool
	execErr  error
	pingErr  error
	closed   bool
}

func (c *fakeConn) Exec(ctx context.Context, sql string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, sql)
	if c.execErr != nil {
		return nil, c.execErr
	}
	if sql == "ROLLBACK" {
		c.inTx = false
	}
	return &Result{}, nil
}

func (c *fakeConn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTx
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.executed...)
}

// fakeConnector counts dials and hands back fresh fakeConns.
type fakeConnector struct {
	dials atomic.Int32
	conns []*fakeConn
	mu    sync.Mutex
}

func (f *fakeConnector) connect(ctx context.Context) (Conn, error) {
	f.dials.Add(1)
	c := &fakeConn{}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestPool(t *testing.T, config PoolConfig) (*Pool, *fakeConnector) {
	t.Helper()
	connector := &fakeConnector{}
	pool, err := NewPool(config, connector.connect, testLogger())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool, connector
}

func TestNewPool_RejectsZeroCapacity(t *testing.T) {
	_, err := NewPool(PoolConfig{Capacity: 0}, (&fakeConnector{}).connect, testLogger())
	require.Error(t, err)
}

func TestAcquire_ReusesConnections(t *testing.T) {
	pool, connector := newTestPool(t, PoolConfig{Capacity: 2})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)

	lease, err = pool.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)

	assert.Equal(t, int32(1), connector.dials.Load(), "released connection is reused")
}

func TestAcquire_FailFastAtCapacity(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{Capacity: 1, Policy: PolicyFailFast})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)

	lease.Release(ctx)
	lease, err = pool.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)
}

func TestAcquire_BlockWaitsForRelease(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{Capacity: 1, Policy: PolicyBlock})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan *Lease)
	go func() {
		l, err := pool.Acquire(ctx)
		if err != nil {
			close(acquired)
			return
		}
		acquired <- l
	}()

	// The waiter must not get a lease while ours is held.
	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while pool was at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	lease.Release(ctx)
	select {
	case l := <-acquired:
		require.NotNil(t, l)
		l.Release(ctx)
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire did not complete after release")
	}
}

func TestAcquire_BlockTimesOut(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{
		Capacity:       1,
		Policy:         PolicyBlock,
		AcquireTimeout: 20 * time.Millisecond,
	})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release(ctx)

	start := time.Now()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquire_CapacityInvariantUnderConcurrency(t *testing.T) {
	const capacity = 4
	pool, connector := newTestPool(t, PoolConfig{Capacity: capacity, Policy: PolicyBlock})
	ctx := context.Background()

	var wg sync.WaitGroup
	var active, peak atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			lease.Release(ctx)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(capacity))
	assert.LessOrEqual(t, connector.dials.Load(), int32(capacity))
}

func TestRelease_RollsBackOpenTransaction(t *testing.T) {
	pool, connector := newTestPool(t, PoolConfig{Capacity: 1})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	conn := connector.conns[0]
	conn.mu.Lock()
	conn.inTx = true
	conn.mu.Unlock()

	lease.Release(ctx)
	assert.Contains(t, conn.statements(), "ROLLBACK")
	assert.False(t, conn.InTransaction())

	// The connection survived and is handed out again.
	lease, err = pool.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)
	assert.Equal(t, int32(1), connector.dials.Load())
}

func TestRelease_ResetsSessionState(t *testing.T) {
	pool, connector := newTestPool(t, PoolConfig{Capacity: 1})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	_, err = lease.Conn().Exec(ctx, "SET client_encoding TO 'LATIN1'")
	require.NoError(t, err)
	lease.Release(ctx)

	conn := connector.conns[0]
	assert.Equal(t, []string{"SET client_encoding TO 'LATIN1'", "DISCARD ALL"}, conn.statements())

	// The next lessee gets the same connection, scrubbed rather than
	// redialed.
	lease, err = pool.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)
	assert.Equal(t, int32(1), connector.dials.Load())
}

func TestRelease_DestroysOnRollbackFailure(t *testing.T) {
	pool, connector := newTestPool(t, PoolConfig{Capacity: 1})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	conn := connector.conns[0]
	conn.mu.Lock()
	conn.inTx = true
	conn.execErr = errors.New("connection reset")
	conn.mu.Unlock()

	lease.Release(ctx)

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	assert.True(t, closed, "unrollbackable connection must be destroyed")

	// Next acquire dials a fresh connection.
	lease, err = pool.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)
	assert.Equal(t, int32(2), connector.dials.Load())
}

func TestRelease_DestroysOnFailedLivenessCheck(t *testing.T) {
	pool, connector := newTestPool(t, PoolConfig{Capacity: 1})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	conn := connector.conns[0]
	conn.mu.Lock()
	conn.pingErr = errors.New("broken pipe")
	conn.mu.Unlock()

	lease.Release(ctx)

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	assert.True(t, closed, "dead connection must not be pooled")

	total, _, _ := pool.Stat()
	assert.Equal(t, int32(0), total)
}

func TestRelease_Idempotent(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{Capacity: 1})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)
	lease.Release(ctx)
	lease.Destroy()

	lease, err = pool.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)
}

func TestAcquire_DestroysStaleIdleConnections(t *testing.T) {
	pool, connector := newTestPool(t, PoolConfig{
		Capacity:      1,
		IdleStaleness: 10 * time.Millisecond,
	})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)

	time.Sleep(30 * time.Millisecond)

	lease, err = pool.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)

	assert.Equal(t, int32(2), connector.dials.Load(), "stale connection replaced")
	conn := connector.conns[0]
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	assert.True(t, closed)
}

func TestStat(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{Capacity: 3})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)

	total, idle, acquired := pool.Stat()
	assert.Equal(t, int32(1), total)
	assert.Equal(t, int32(0), idle)
	assert.Equal(t, int32(1), acquired)

	lease.Release(ctx)
	total, idle, acquired = pool.Stat()
	assert.Equal(t, int32(1), total)
	assert.Equal(t, int32(1), idle)
	assert.Equal(t, int32(0), acquired)
}
