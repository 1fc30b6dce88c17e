package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Dialect captures what differs between the SQL engines SQLStore runs on.
// Statements themselves are written in the common subset: `$N` placeholders
// and `INSERT ... ON CONFLICT ... DO UPDATE`.
type Dialect interface {
	// Name of the dialect, as used in Config.Dialect.
	Name() string
	// DriverName registered with database/sql.
	DriverName() string
	// Schema returns the statements which create the snapshot and op tables.
	Schema(snapshotTable, opsTable string) []string
	// IsUniqueViolation returns true if err is the engine's rejection of a
	// row which collides with an existing PRIMARY KEY or UNIQUE constraint.
	IsUniqueViolation(err error) bool
}

// DialectByName returns the Dialect of the given name.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case "postgres", "postgresql", "":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return nil, errors.Errorf("unknown SQL dialect %q", name)
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLStore is a Store backed by two tables of a SQL database: a snapshot
// table with one row per document, keyed on (collection, doc_name), and an
// append-only op table keyed on (collection, doc_name, version):
//
//	CREATE TABLE snapshots (
//	  collection TEXT  NOT NULL,
//	  doc_name   TEXT  NOT NULL,
//	  data       JSONB NOT NULL,
//	  PRIMARY KEY (collection, doc_name)
//	);
//	CREATE TABLE ops (
//	  collection TEXT   NOT NULL,
//	  doc_name   TEXT   NOT NULL,
//	  version    BIGINT NOT NULL,
//	  data       JSONB  NOT NULL,
//	  PRIMARY KEY (collection, doc_name, version)
//	);
//
// ApplySchema creates these tables if they don't exist. The op table's
// PRIMARY KEY is what rejects a second write of the same version: SQLStore
// holds no locks of its own, and concurrent writers of a document may run
// on different connections or different processes.
type SQLStore struct {
	pool          *Pool
	dialect       Dialect
	snapshotTable string
	opsTable      string

	getSnapshotSQL string
	putSnapshotSQL string
	appendOpSQL    string
	getOpsSQL      string
	getOpsToSQL    string
	maxVersionSQL  string
}

// NewSQLStore returns a SQLStore using the Pool and Dialect, and the named
// snapshot and op tables.
func NewSQLStore(pool *Pool, dialect Dialect, snapshotTable, opsTable string) (*SQLStore, error) {
	for _, table := range []string{snapshotTable, opsTable} {
		if !identRe.MatchString(table) {
			return nil, errors.Errorf("invalid table name %q", table)
		}
	}
	return &SQLStore{
		pool:          pool,
		dialect:       dialect,
		snapshotTable: snapshotTable,
		opsTable:      opsTable,

		getSnapshotSQL: fmt.Sprintf(
			`SELECT data FROM %s WHERE collection = $1 AND doc_name = $2`, snapshotTable),
		putSnapshotSQL: fmt.Sprintf(
			`INSERT INTO %s (collection, doc_name, data) VALUES ($1, $2, $3) `+
				`ON CONFLICT (collection, doc_name) DO UPDATE SET data = excluded.data`, snapshotTable),
		appendOpSQL: fmt.Sprintf(
			`INSERT INTO %s (collection, doc_name, version, data) VALUES ($1, $2, $3, $4)`, opsTable),
		getOpsSQL: fmt.Sprintf(
			`SELECT data FROM %s WHERE collection = $1 AND doc_name = $2 AND version >= $3 `+
				`ORDER BY version ASC`, opsTable),
		getOpsToSQL: fmt.Sprintf(
			`SELECT data FROM %s WHERE collection = $1 AND doc_name = $2 AND version >= $3 AND version < $4 `+
				`ORDER BY version ASC`, opsTable),
		maxVersionSQL: fmt.Sprintf(
			`SELECT MAX(version) FROM %s WHERE collection = $1 AND doc_name = $2`, opsTable),
	}, nil
}

// OpenSQLStore opens a Pool per the Config and returns a SQLStore over it.
func OpenSQLStore(cfg Config) (*SQLStore, error) {
	cfg = cfg.withDefaults()

	var dialect, err = DialectByName(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	pool, err := OpenPool(dialect.DriverName(), cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLStore(pool, dialect, cfg.SnapshotTable, cfg.OpsTable)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	log.WithFields(log.Fields{
		"dialect":   dialect.Name(),
		"poolSize":  cfg.PoolSize,
		"snapshots": cfg.SnapshotTable,
		"ops":       cfg.OpsTable,
	}).Info("opened SQL store")

	return s, nil
}

// Pool returns the connection Pool of the SQLStore.
func (s *SQLStore) Pool() *Pool { return s.pool }

// ApplySchema creates the snapshot and op tables if they don't already exist.
func (s *SQLStore) ApplySchema(ctx context.Context) error {
	for _, ddl := range s.dialect.Schema(s.snapshotTable, s.opsTable) {
		if _, err := s.pool.Exec(ctx, Statement{Text: ddl}); err != nil {
			return errors.WithMessage(err, "applying schema")
		}
	}
	return nil
}

func (s *SQLStore) GetSnapshot(ctx context.Context, collection, doc string) (data interface{}, err error) {
	defer func(started time.Time) { observe(s.dialect.Name(), "get_snapshot", started, err) }(time.Now())

	var raw []byte
	err = s.pool.Query(ctx, Statement{
		Text: s.getSnapshotSQL,
		Args: []interface{}{collection, doc},
	}, func(rows *sql.Rows) error {
		if rows.Next() {
			return rows.Scan(&raw)
		}
		return nil
	})
	if err != nil || raw == nil {
		return nil, err // Absent snapshot is not an error.
	}
	return decode(raw)
}

func (s *SQLStore) PutSnapshot(ctx context.Context, collection, doc string, data interface{}) (_ interface{}, err error) {
	defer func(started time.Time) { observe(s.dialect.Name(), "put_snapshot", started, err) }(time.Now())

	clean, b, err := prepare(data)
	if err != nil {
		return nil, err
	}
	if _, err = s.pool.Exec(ctx, Statement{
		Text: s.putSnapshotSQL,
		Args: []interface{}{collection, doc, string(b)},
	}); err != nil {
		return nil, err
	}
	return clean, nil
}

func (s *SQLStore) AppendOp(ctx context.Context, collection, doc string, version int, op interface{}) (_ interface{}, err error) {
	defer func(started time.Time) { observe(s.dialect.Name(), "append_op", started, err) }(time.Now())

	if err = checkVersion(version); err != nil {
		return nil, err
	}
	clean, b, err := prepare(op)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx, Statement{
		Text: s.appendOpSQL,
		Args: []interface{}{collection, doc, version, string(b)},
	})

	var qe *QueryError
	if errors.As(err, &qe) && s.dialect.IsUniqueViolation(qe.Err) {
		return nil, &DuplicateVersionError{
			Collection: collection,
			Document:   doc,
			Version:    version,
			Err:        err,
		}
	} else if err != nil {
		return nil, err
	}
	return clean, nil
}

func (s *SQLStore) GetOps(ctx context.Context, collection, doc string, start, end int) (_ []interface{}, err error) {
	defer func(started time.Time) { observe(s.dialect.Name(), "get_ops", started, err) }(time.Now())

	if err = checkVersion(start); err != nil {
		return nil, err
	}
	var stmt = Statement{Text: s.getOpsSQL, Args: []interface{}{collection, doc, start}}
	if end >= 0 {
		if end <= start {
			return []interface{}{}, nil
		}
		stmt = Statement{Text: s.getOpsToSQL, Args: []interface{}{collection, doc, start, end}}
	}

	var raws [][]byte
	if err = s.pool.Query(ctx, stmt, func(rows *sql.Rows) error {
		for rows.Next() {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			raws = append(raws, raw)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var ops = make([]interface{}, len(raws))
	for i, raw := range raws {
		if ops[i], err = decode(raw); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

func (s *SQLStore) GetNextVersion(ctx context.Context, collection, doc string) (_ int, err error) {
	defer func(started time.Time) { observe(s.dialect.Name(), "get_next_version", started, err) }(time.Now())

	var high sql.NullInt64
	if err = s.pool.Query(ctx, Statement{
		Text: s.maxVersionSQL,
		Args: []interface{}{collection, doc},
	}, func(rows *sql.Rows) error {
		if rows.Next() {
			return rows.Scan(&high)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	if !high.Valid {
		return 0, nil
	}
	return int(high.Int64) + 1, nil
}

func (s *SQLStore) BulkGetSnapshots(ctx context.Context, requests map[string][]string) (_ map[string]map[string]interface{}, err error) {
	defer func(started time.Time) { observe(s.dialect.Name(), "bulk_get_snapshots", started, err) }(time.Now())

	var out = padCollections(requests)
	var stmt, ok = s.bulkStatement(requests)
	if !ok {
		return out, nil
	}

	type row struct {
		collection, name string
		raw              []byte
	}
	var found []row

	if err = s.pool.Query(ctx, stmt, func(rows *sql.Rows) error {
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.collection, &r.name, &r.raw); err != nil {
				return err
			}
			found = append(found, r)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	for _, r := range found {
		var docs, ok = out[r.collection]
		if !ok {
			continue
		}
		if docs[r.name], err = decode(r.raw); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// bulkStatement builds a single SELECT matching every requested document:
//
//	WHERE (collection = $1 AND doc_name IN ($2, $3)) OR (collection = $4 AND doc_name IN ($5))
//
// Collections are ordered so that equal requests produce equal statements.
// It returns false if no document names were requested at all.
func (s *SQLStore) bulkStatement(requests map[string][]string) (Statement, bool) {
	var collections = make([]string, 0, len(requests))
	for collection, names := range requests {
		if len(names) != 0 {
			collections = append(collections, collection)
		}
	}
	if len(collections) == 0 {
		return Statement{}, false
	}
	sort.Strings(collections)

	var args []interface{}
	var clauses = make([]string, 0, len(collections))

	for _, collection := range collections {
		args = append(args, collection)
		var collectionArg = len(args)

		var names = requests[collection]
		var placeholders = make([]string, len(names))
		for i, name := range names {
			args = append(args, name)
			placeholders[i] = "$" + strconv.Itoa(len(args))
		}
		clauses = append(clauses, fmt.Sprintf("(collection = $%d AND doc_name IN (%s))",
			collectionArg, strings.Join(placeholders, ", ")))
	}

	return Statement{
		Text: fmt.Sprintf("SELECT collection, doc_name, data FROM %s WHERE %s",
			s.snapshotTable, strings.Join(clauses, " OR ")),
		Args: args,
	}, true
}

// Close the SQLStore's Pool.
func (s *SQLStore) Close() error { return s.pool.Close() }
