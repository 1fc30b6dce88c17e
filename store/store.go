package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/alimasry/livedb-postgres/sanitize"
)

// ToEnd may be passed as the end of GetOps to read through the latest
// operation of a document.
const ToEnd = -1

// Store persists document snapshots and their operation logs.
//
// Snapshot and operation data is any JSON-serializable value. Data handed to
// PutSnapshot and AppendOp is sanitized first, and the sanitized value is
// returned. Data read back is decoded JSON (maps, slices, float64, string,
// bool, nil).
//
// Implementations: SQLStore (Postgres, SQLite), FirestoreStore, MemoryStore,
// and CachedStore which wraps any of them.
type Store interface {
	// GetSnapshot returns the current snapshot of the document, or nil if
	// none has been written yet.
	GetSnapshot(ctx context.Context, collection, doc string) (interface{}, error)
	// PutSnapshot creates or overwrites the snapshot of the document.
	PutSnapshot(ctx context.Context, collection, doc string, data interface{}) (interface{}, error)
	// AppendOp adds operation version to the document's log. It fails with
	// *DuplicateVersionError if that version already exists.
	AppendOp(ctx context.Context, collection, doc string, version int, op interface{}) (interface{}, error)
	// GetOps returns operations with start <= version < end, ascending. Pass
	// ToEnd as end to read through the latest operation.
	GetOps(ctx context.Context, collection, doc string, start, end int) ([]interface{}, error)
	// GetNextVersion returns one more than the highest logged version of the
	// document, or 0 if it has no operations.
	GetNextVersion(ctx context.Context, collection, doc string) (int, error)
	// BulkGetSnapshots fetches snapshots of many documents across
	// collections. Every requested collection is present in the result,
	// mapping names of documents which have snapshots to their data.
	BulkGetSnapshots(ctx context.Context, requests map[string][]string) (map[string]map[string]interface{}, error)
	// Close releases resources held by the Store. It's safe to call more
	// than once.
	Close() error
}

// prepare sanitizes data and returns it along with its JSON encoding.
func prepare(data interface{}) (interface{}, []byte, error) {
	var clean = sanitize.Value(data)
	var b, err = json.Marshal(clean)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "encoding document data")
	}
	return clean, b, nil
}

func decode(b []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, errors.WithMessage(err, "decoding document data")
	}
	return v, nil
}

func checkVersion(version int) error {
	if version < 0 {
		return errors.Errorf("invalid version %d", version)
	}
	return nil
}

// padCollections returns a result map holding an empty entry for every
// requested collection.
func padCollections(requests map[string][]string) map[string]map[string]interface{} {
	var out = make(map[string]map[string]interface{}, len(requests))
	for collection := range requests {
		out[collection] = make(map[string]interface{})
	}
	return out
}
