package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PoolState is the lifecycle state of a Pool.
type PoolState int

const (
	PoolOpen PoolState = iota
	PoolClosing
	PoolClosed
)

func (s PoolState) String() string {
	switch s {
	case PoolOpen:
		return "open"
	case PoolClosing:
		return "closing"
	case PoolClosed:
		return "closed"
	}
	return "unknown"
}

// Statement is a single parameterized SQL statement. Request data must only
// ever appear in Args, never be formatted into Text.
type Statement struct {
	Text string
	Args []interface{}
}

// Pool is a bounded pool of database connections. Each Query or Exec checks
// out one connection, runs exactly one Statement on it, and returns the
// connection to the pool before returning, whether or not the statement
// succeeded and whether or not the caller is still waiting.
//
// A Pool is safe for concurrent use.
type Pool struct {
	db               *sql.DB
	acquireTimeout   time.Duration
	statementTimeout time.Duration

	mu       sync.Mutex
	state    PoolState
	inflight sync.WaitGroup // Statements admitted while PoolOpen.
	closeErr error
	done     chan struct{} // Closed once the pool reaches PoolClosed.
}

// NewPool returns a Pool over db, limited to size open connections.
func NewPool(db *sql.DB, size int, acquireTimeout, statementTimeout time.Duration) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)

	return &Pool{
		db:               db,
		acquireTimeout:   acquireTimeout,
		statementTimeout: statementTimeout,
		state:            PoolOpen,
		done:             make(chan struct{}),
	}
}

// OpenPool opens a *sql.DB of the named driver using the Config's DSN and
// wraps it in a Pool. As with sql.Open, no connection is made until first use.
func OpenPool(driverName string, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	if cfg.DSN == "" {
		return nil, errors.New("expected a database DSN")
	}

	var db, err = sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening %s database", driverName)
	}
	return NewPool(db, cfg.PoolSize, cfg.AcquireTimeout, cfg.StatementTimeout), nil
}

// Query runs the Statement and passes its result rows to scan, which must
// not retain them.
func (p *Pool) Query(ctx context.Context, stmt Statement, scan func(*sql.Rows) error) error {
	return p.withConn(ctx, stmt, func(ctx context.Context, conn *sql.Conn) error {
		var rows, err = conn.QueryContext(ctx, stmt.Text, stmt.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		if err = scan(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}

// Exec runs the Statement, which is expected to return no rows.
func (p *Pool) Exec(ctx context.Context, stmt Statement) (result sql.Result, err error) {
	err = p.withConn(ctx, stmt, func(ctx context.Context, conn *sql.Conn) error {
		result, err = conn.ExecContext(ctx, stmt.Text, stmt.Args...)
		return err
	})
	return result, err
}

// withConn acquires a connection, runs fn under the statement timeout,
// and releases the connection.
func (p *Pool) withConn(ctx context.Context, stmt Statement, fn func(context.Context, *sql.Conn) error) error {
	p.mu.Lock()
	if p.state != PoolOpen {
		p.mu.Unlock()
		return &ConnectionError{Err: ErrPoolClosed}
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	var acquireCtx, cancelAcquire = context.WithTimeout(ctx, p.acquireTimeout)
	var started = time.Now()
	var conn, err = p.db.Conn(acquireCtx)
	cancelAcquire()
	poolAcquireDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		log.WithFields(log.Fields{"err": err, "waited": time.Since(started)}).
			Warn("failed to acquire database connection")
		return &ConnectionError{Err: err}
	}
	poolInUse.Inc()

	defer func() {
		poolInUse.Dec()
		if err := conn.Close(); err != nil && err != sql.ErrConnDone {
			log.WithField("err", err).Warn("failed to release database connection")
		}
	}()

	var stmtCtx, cancelStmt = context.WithTimeout(ctx, p.statementTimeout)
	defer cancelStmt()

	started = time.Now()
	err = fn(stmtCtx, conn)

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"stmt":    stmt.Text,
			"args":    len(stmt.Args),
			"elapsed": time.Since(started),
			"err":     err,
		}).Debug("executed statement")
	}
	if err != nil {
		return &QueryError{Statement: stmt.Text, Err: err}
	}
	return nil
}

// State returns the current lifecycle state of the Pool.
func (p *Pool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done returns a channel which is closed once the Pool has fully closed.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Stats returns database/sql statistics of the underlying connections.
func (p *Pool) Stats() sql.DBStats { return p.db.Stats() }

// Close the Pool. The first call stops new statements, waits for in-flight
// statements to finish, closes all connections, and then signals Done.
// Calls made while that is underway wait for it and return the same error.
// Calls made after the Pool is closed return nil immediately.
func (p *Pool) Close() error {
	p.mu.Lock()
	switch p.state {
	case PoolClosed:
		p.mu.Unlock()
		return nil
	case PoolClosing:
		p.mu.Unlock()
		<-p.done
		return p.closeErr
	}
	p.state = PoolClosing
	p.mu.Unlock()

	log.Info("closing database connection pool")
	p.inflight.Wait()
	var err = p.db.Close()

	p.mu.Lock()
	p.state = PoolClosed
	p.closeErr = err
	p.mu.Unlock()

	close(p.done)
	log.WithField("err", err).Info("database connection pool closed")
	return err
}
