package store

import "time"

// Defaults applied to zero-valued Config fields.
const (
	DefaultPoolSize         = 10
	DefaultAcquireTimeout   = 5 * time.Second
	DefaultStatementTimeout = 30 * time.Second
	DefaultSnapshotTable    = "snapshots"
	DefaultOpsTable         = "ops"
)

// Config of a SQL-backed Store, parse-able with `github.com/jessevdk/go-flags`.
type Config struct {
	Dialect          string        `long:"dialect" env:"DIALECT" default:"postgres" choice:"postgres" choice:"sqlite" description:"SQL dialect of the database"`
	DSN              string        `long:"dsn" env:"DSN" description:"Database connection string"`
	PoolSize         int           `long:"pool-size" env:"POOL_SIZE" default:"10" description:"Maximum number of open database connections"`
	AcquireTimeout   time.Duration `long:"acquire-timeout" env:"ACQUIRE_TIMEOUT" default:"5s" description:"Maximum time to wait for a pooled connection"`
	StatementTimeout time.Duration `long:"statement-timeout" env:"STATEMENT_TIMEOUT" default:"30s" description:"Maximum time a single statement may run"`
	SnapshotTable    string        `long:"snapshot-table" env:"SNAPSHOT_TABLE" default:"snapshots" description:"Table holding current document snapshots"`
	OpsTable         string        `long:"ops-table" env:"OPS_TABLE" default:"ops" description:"Table holding the operation log"`
}

// withDefaults returns a copy of the Config with zero fields defaulted.
// go-flags applies `default` tags only when parsing, and library users
// commonly build a Config literal.
func (c Config) withDefaults() Config {
	if c.Dialect == "" {
		c.Dialect = "postgres"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = DefaultStatementTimeout
	}
	if c.SnapshotTable == "" {
		c.SnapshotTable = DefaultSnapshotTable
	}
	if c.OpsTable == "" {
		c.OpsTable = DefaultOpsTable
	}
	return c
}
