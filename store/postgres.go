package store

import (
	"fmt"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// Postgres is the Dialect of PostgreSQL, using the github.com/lib/pq driver.
// Document data is stored as JSONB.
var Postgres Dialect = postgresDialect{}

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "postgres" }

func (postgresDialect) Schema(snapshotTable, opsTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			collection TEXT  NOT NULL,
			doc_name   TEXT  NOT NULL,
			data       JSONB NOT NULL,
			PRIMARY KEY (collection, doc_name)
		)`, snapshotTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			collection TEXT   NOT NULL,
			doc_name   TEXT   NOT NULL,
			version    BIGINT NOT NULL CHECK (version >= 0),
			data       JSONB  NOT NULL,
			PRIMARY KEY (collection, doc_name, version)
		)`, opsTable),
	}
}

func (postgresDialect) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}
