package store

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrPoolClosed is wrapped by the ConnectionError returned for operations
// issued after the Pool has begun closing.
var ErrPoolClosed = errors.New("connection pool is closed")

// ConnectionError is returned when a connection could not be obtained from
// the pool, either because the pool is closed or because none became
// available before the acquisition timeout.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "acquiring connection: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }
func (e *ConnectionError) Cause() error  { return e.Err }

// QueryError wraps an engine-side failure of a statement: a malformed query,
// a rejected value, or a statement timeout.
type QueryError struct {
	Statement string
	Err       error
}

func (e *QueryError) Error() string { return "executing statement: " + e.Err.Error() }
func (e *QueryError) Unwrap() error { return e.Err }
func (e *QueryError) Cause() error  { return e.Err }

// DuplicateVersionError is returned by AppendOp when an operation with the
// same version already exists for the document. It usually means a
// concurrent writer won the race for that version; the caller decides
// whether to recompute and retry.
type DuplicateVersionError struct {
	Collection string
	Document   string
	Version    int
	Err        error
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("operation %d of %s/%s already exists", e.Version, e.Collection, e.Document)
}
func (e *DuplicateVersionError) Unwrap() error { return e.Err }
func (e *DuplicateVersionError) Cause() error  { return e.Err }

// IsDuplicateVersion returns true if err is or wraps a *DuplicateVersionError.
func IsDuplicateVersion(err error) bool {
	var dve *DuplicateVersionError
	return errors.As(err, &dve)
}
