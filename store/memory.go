package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type docKey struct {
	collection string
	doc        string
}

type docRecord struct {
	snapshot []byte         // JSON encoding, or nil if never written.
	ops      map[int][]byte // JSON encodings, by version.
}

// MemoryStore is an in-memory implementation of Store. Data is held in its
// JSON encoding, so values returned to callers never alias stored state.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[docKey]*docRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[docKey]*docRecord)}
}

// record returns the record of a document, creating it if create is set.
// The caller must hold mu.
func (s *MemoryStore) record(collection, doc string, create bool) *docRecord {
	key := docKey{collection, doc}
	rec, ok := s.docs[key]
	if !ok && create {
		rec = &docRecord{ops: make(map[int][]byte)}
		s.docs[key] = rec
	}
	return rec
}

func (s *MemoryStore) GetSnapshot(_ context.Context, collection, doc string) (_ interface{}, err error) {
	defer func(started time.Time) { observe("memory", "get_snapshot", started, err) }(time.Now())

	s.mu.RLock()
	var raw []byte
	if rec := s.record(collection, doc, false); rec != nil {
		raw = rec.snapshot
	}
	s.mu.RUnlock()

	if raw == nil {
		return nil, nil
	}
	return decode(raw)
}

func (s *MemoryStore) PutSnapshot(_ context.Context, collection, doc string, data interface{}) (_ interface{}, err error) {
	defer func(started time.Time) { observe("memory", "put_snapshot", started, err) }(time.Now())

	clean, b, err := prepare(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(collection, doc, true).snapshot = b
	return clean, nil
}

func (s *MemoryStore) AppendOp(_ context.Context, collection, doc string, version int, op interface{}) (_ interface{}, err error) {
	defer func(started time.Time) { observe("memory", "append_op", started, err) }(time.Now())

	if err := checkVersion(version); err != nil {
		return nil, err
	}
	clean, b, err := prepare(op)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(collection, doc, true)
	if _, exists := rec.ops[version]; exists {
		return nil, &DuplicateVersionError{Collection: collection, Document: doc, Version: version}
	}
	rec.ops[version] = b
	return clean, nil
}

func (s *MemoryStore) GetOps(_ context.Context, collection, doc string, start, end int) (_ []interface{}, err error) {
	defer func(started time.Time) { observe("memory", "get_ops", started, err) }(time.Now())

	if err := checkVersion(start); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var versions []int
	raws := make(map[int][]byte)
	if rec := s.record(collection, doc, false); rec != nil {
		for v, raw := range rec.ops {
			if v >= start && (end < 0 || v < end) {
				versions = append(versions, v)
				raws[v] = raw
			}
		}
	}
	s.mu.RUnlock()

	sort.Ints(versions)

	ops := make([]interface{}, len(versions))
	for i, v := range versions {
		if ops[i], err = decode(raws[v]); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

func (s *MemoryStore) GetNextVersion(_ context.Context, collection, doc string) (_ int, err error) {
	defer func(started time.Time) { observe("memory", "get_next_version", started, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	next := 0
	if rec := s.record(collection, doc, false); rec != nil {
		for v := range rec.ops {
			if v >= next {
				next = v + 1
			}
		}
	}
	return next, nil
}

func (s *MemoryStore) BulkGetSnapshots(_ context.Context, requests map[string][]string) (_ map[string]map[string]interface{}, err error) {
	defer func(started time.Time) { observe("memory", "bulk_get_snapshots", started, err) }(time.Now())

	out := padCollections(requests)

	s.mu.RLock()
	found := make(map[docKey][]byte)
	for collection, names := range requests {
		for _, name := range names {
			if rec := s.record(collection, name, false); rec != nil && rec.snapshot != nil {
				found[docKey{collection, name}] = rec.snapshot
			}
		}
	}
	s.mu.RUnlock()

	for key, raw := range found {
		if out[key.collection][key.doc], err = decode(raw); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
