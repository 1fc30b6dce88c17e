package store

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLitePool(t *testing.T, size int, acquireTimeout, statementTimeout time.Duration) *Pool {
	t.Helper()

	db, err := sql.Open("sqlite", sqliteDSN(t))
	require.NoError(t, err)

	var p = NewPool(db, size, acquireTimeout, statementTimeout)
	t.Cleanup(func() { p.Close() })
	return p
}

func queryInt(t *testing.T, p *Pool, text string, args ...interface{}) (int, error) {
	var n int
	var err = p.Query(ctx(), Statement{Text: text, Args: args}, func(rows *sql.Rows) error {
		if !rows.Next() {
			return errors.New("no rows")
		}
		return rows.Scan(&n)
	})
	return n, err
}

func TestPool_QueryAndExec(t *testing.T) {
	var p = newSQLitePool(t, 2, time.Second, time.Second)

	_, err := p.Exec(ctx(), Statement{Text: "CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER)"})
	require.NoError(t, err)

	res, err := p.Exec(ctx(), Statement{
		Text: "INSERT INTO kv (k, v) VALUES ($1, $2), ($3, $4)",
		Args: []interface{}{"a", 1, "b", 2},
	})
	require.NoError(t, err)
	affected, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	n, err := queryInt(t, p, "SELECT v FROM kv WHERE k = $1", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Parameters are bound, never interpolated.
	n, err = queryInt(t, p, "SELECT COUNT(*) FROM kv WHERE k = $1", "a' OR '1'='1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, 0, p.Stats().InUse)
}

func TestPool_AcquireTimeout(t *testing.T) {
	var p = newSQLitePool(t, 1, 50*time.Millisecond, time.Second)

	// Check out the only connection.
	conn, err := p.db.Conn(ctx())
	require.NoError(t, err)

	_, err = queryInt(t, p, "SELECT 1")
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, conn.Close())

	n, err := queryInt(t, p, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPool_ReleasesOnQueryError(t *testing.T) {
	var p = newSQLitePool(t, 1, 50*time.Millisecond, time.Second)

	for i := 0; i != 3; i++ {
		_, err := queryInt(t, p, "SELECT nope FROM missing")
		var qe *QueryError
		require.True(t, errors.As(err, &qe))
		assert.Equal(t, "SELECT nope FROM missing", qe.Statement)
	}
	// A leaked connection would make this a ConnectionError.
	n, err := queryInt(t, p, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPool_ReleasesOnScanError(t *testing.T) {
	var p = newSQLitePool(t, 1, 50*time.Millisecond, time.Second)

	var err = p.Query(ctx(), Statement{Text: "SELECT 1"}, func(*sql.Rows) error {
		return errors.New("scan failed")
	})
	assert.EqualError(t, err, "executing statement: scan failed")
	assert.Equal(t, 0, p.Stats().InUse)

	_, err = queryInt(t, p, "SELECT 1")
	require.NoError(t, err)
}

func TestPool_ReleasesOnCallerCancel(t *testing.T) {
	var p = newSQLitePool(t, 1, 50*time.Millisecond, time.Second)

	var cancelCtx, cancel = context.WithCancel(ctx())
	var err = p.Query(cancelCtx, Statement{Text: "SELECT 1"}, func(rows *sql.Rows) error {
		cancel() // The caller gives up mid-statement.
		return cancelCtx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, 0, p.Stats().InUse)

	// An already-cancelled caller never gets a connection.
	_, err = p.Exec(cancelCtx, Statement{Text: "SELECT 1"})
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))

	_, err = queryInt(t, p, "SELECT 1")
	require.NoError(t, err)
}

func TestPool_StatementTimeout(t *testing.T) {
	var p = newSQLitePool(t, 1, time.Second, 50*time.Millisecond)

	_, err := queryInt(t, p, `
		WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c LIMIT 1000000000)
		SELECT COUNT(*) FROM c`)
	var qe *QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestPool_BoundedSize(t *testing.T) {
	var p = newSQLitePool(t, 3, time.Second, time.Second)
	assert.Equal(t, 3, p.Stats().MaxOpenConnections)

	var p2 = NewPool(p.db, 0, time.Second, time.Second)
	assert.Equal(t, DefaultPoolSize, p2.Stats().MaxOpenConnections)
}

func TestPool_CloseIsIdempotent(t *testing.T) {
	var p = newSQLitePool(t, 2, time.Second, time.Second)
	assert.Equal(t, PoolOpen, p.State())

	require.NoError(t, p.Close())
	assert.Equal(t, PoolClosed, p.State())

	select {
	case <-p.Done():
	default:
		t.Fatal("expected Done to be closed")
	}

	// Later calls return immediately.
	var closed = make(chan error)
	go func() { closed <- p.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second Close blocked")
	}

	_, err := p.Exec(ctx(), Statement{Text: "SELECT 1"})
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.True(t, errors.Is(err, ErrPoolClosed))
}

func TestPool_ConcurrentClose(t *testing.T) {
	var p = newSQLitePool(t, 2, time.Second, time.Second)
	_, err := queryInt(t, p, "SELECT 1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var errs = make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Close()
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, PoolClosed, p.State())
	<-p.Done()
}

func TestPoolState_String(t *testing.T) {
	assert.Equal(t, "open", PoolOpen.String())
	assert.Equal(t, "closing", PoolClosing.String())
	assert.Equal(t, "closed", PoolClosed.String())
	assert.Equal(t, "unknown", PoolState(7).String())
}

func TestPool_CloseDrainsInFlightStatements(t *testing.T) {
	var p = newSQLitePool(t, 2, time.Second, 10*time.Second)

	var entered, release = make(chan struct{}), make(chan struct{})
	var queried = make(chan error, 1)
	go func() {
		queried <- p.Query(ctx(), Statement{Text: "SELECT 1"}, func(rows *sql.Rows) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var closed = make(chan error, 2)
	go func() { closed <- p.Close() }()
	go func() { closed <- p.Close() }()

	// Closing stops new statements, but waits for the running one.
	require.Eventually(t, func() bool { return p.State() == PoolClosing },
		time.Second, time.Millisecond)
	_, err := p.Exec(ctx(), Statement{Text: "SELECT 1"})
	assert.True(t, errors.Is(err, ErrPoolClosed))

	select {
	case <-p.Done():
		t.Fatal("Done signalled with a statement in flight")
	case <-closed:
		t.Fatal("Close returned with a statement in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-queried)
	assert.NoError(t, <-closed)
	assert.NoError(t, <-closed)

	<-p.Done()
	assert.Equal(t, PoolClosed, p.State())
}
