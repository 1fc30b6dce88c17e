package store

import (
	"fmt"

	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite is the Dialect of SQLite, using the pure-Go modernc.org/sqlite
// driver. Document data is stored as JSON TEXT.
//
// Concurrent writers should open the database with a busy timeout, eg
// "file:livedb.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
// so that lock contention waits rather than failing.
var SQLite Dialect = sqliteDialect{}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite" }

func (sqliteDialect) Schema(snapshotTable, opsTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			collection TEXT NOT NULL,
			doc_name   TEXT NOT NULL,
			data       TEXT NOT NULL,
			PRIMARY KEY (collection, doc_name)
		)`, snapshotTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			collection TEXT    NOT NULL,
			doc_name   TEXT    NOT NULL,
			version    INTEGER NOT NULL CHECK (version >= 0),
			data       TEXT    NOT NULL,
			PRIMARY KEY (collection, doc_name, version)
		)`, opsTable),
	}
}

func (sqliteDialect) IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE,
		sqlite3.SQLITE_CONSTRAINT: // Without extended result codes.
		return true
	}
	return false
}
