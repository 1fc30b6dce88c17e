package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// CachedStore wraps a backing Store with an LRU cache of snapshots.
// Snapshot reads are served from the cache when possible and loaded from the
// backing store otherwise, with concurrent misses of one document collapsed
// into a single load. Snapshot writes go to the backing store first and
// update the cache only once they succeed, so a failed write never leaves a
// cached value the backing store doesn't have.
//
// Operation log calls pass straight through: their ordering and uniqueness
// belong to the backing store.
//
// The cache is only coherent if this process is the sole writer of the
// snapshots it reads.
type CachedStore struct {
	backing Store
	cache   *lru.Cache // docKey => []byte (JSON encoding).
	loads   singleflight.Group
	stripes [64]stripe
}

// stripe serializes snapshot writes of the documents hashing to it. gen is
// bumped by every write or invalidation, and a load only fills the cache if
// gen didn't move while it read the backing store.
type stripe struct {
	mu  sync.Mutex
	gen uint64
}

func (cs *CachedStore) stripe(key docKey) *stripe {
	h := xxhash.Sum64String(key.collection + "\x00" + key.doc)
	return &cs.stripes[h%uint64(len(cs.stripes))]
}

func (st *stripe) generation() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.gen
}

// fill caches b as the snapshot of key, unless a write to its stripe
// has happened since generation gen was read.
func (cs *CachedStore) fill(key docKey, gen uint64, b []byte) {
	st := cs.stripe(key)
	st.mu.Lock()
	if st.gen == gen {
		cs.cache.Add(key, b)
	}
	st.mu.Unlock()
}

// NewCachedStore returns a CachedStore holding up to size snapshots,
// which must be > 0.
func NewCachedStore(backing Store, size int) *CachedStore {
	cache, err := lru.New(size)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &CachedStore{backing: backing, cache: cache}
}

func (cs *CachedStore) GetSnapshot(ctx context.Context, collection, doc string) (interface{}, error) {
	key := docKey{collection, doc}
	if raw, ok := cs.cache.Get(key); ok {
		cacheRequestsTotal.WithLabelValues("hit").Inc()
		return decode(raw.([]byte))
	}
	cacheRequestsTotal.WithLabelValues("miss").Inc()

	// Cache miss: load from backing store. The load is shared by every
	// waiter, so it isn't cancelled with the caller which started it.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := cs.loads.Do(collection+"\x00"+doc, func() (interface{}, error) {
		gen := cs.stripe(key).generation()

		data, err := cs.backing.GetSnapshot(loadCtx, collection, doc)
		if err != nil || data == nil {
			return nil, err
		}
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		cs.fill(key, gen, b)
		return b, nil
	})
	if err != nil || v == nil {
		return nil, err
	}
	return decode(v.([]byte))
}

// PutSnapshot writes through to the backing store. Writes of one document
// are serialized from the backing write through the cache update, so the
// cache always ends with the value of the last write to reach the store.
func (cs *CachedStore) PutSnapshot(ctx context.Context, collection, doc string, data interface{}) (interface{}, error) {
	key := docKey{collection, doc}
	st := cs.stripe(key)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.gen++

	stored, err := cs.backing.PutSnapshot(ctx, collection, doc, data)
	if err != nil {
		// The backing write may or may not have applied.
		cs.cache.Remove(key)
		return nil, err
	}
	if b, err := json.Marshal(stored); err != nil {
		cs.cache.Remove(key)
		log.WithFields(log.Fields{"collection": collection, "doc": doc, "err": err}).
			Warn("cached store: failed to encode stored snapshot")
	} else {
		cs.cache.Add(key, b)
	}
	return stored, nil
}

func (cs *CachedStore) AppendOp(ctx context.Context, collection, doc string, version int, op interface{}) (interface{}, error) {
	return cs.backing.AppendOp(ctx, collection, doc, version, op)
}

func (cs *CachedStore) GetOps(ctx context.Context, collection, doc string, start, end int) ([]interface{}, error) {
	return cs.backing.GetOps(ctx, collection, doc, start, end)
}

func (cs *CachedStore) GetNextVersion(ctx context.Context, collection, doc string) (int, error) {
	return cs.backing.GetNextVersion(ctx, collection, doc)
}

// BulkGetSnapshots serves what it can from the cache, and fetches all
// remaining documents from the backing store in one call.
func (cs *CachedStore) BulkGetSnapshots(ctx context.Context, requests map[string][]string) (map[string]map[string]interface{}, error) {
	out := padCollections(requests)
	misses := make(map[string][]string)

	for collection, names := range requests {
		for _, name := range names {
			raw, ok := cs.cache.Get(docKey{collection, name})
			if !ok {
				cacheRequestsTotal.WithLabelValues("miss").Inc()
				misses[collection] = append(misses[collection], name)
				continue
			}
			cacheRequestsTotal.WithLabelValues("hit").Inc()

			data, err := decode(raw.([]byte))
			if err != nil {
				return nil, err
			}
			out[collection][name] = data
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	gens := make(map[docKey]uint64)
	for collection, names := range misses {
		for _, name := range names {
			key := docKey{collection, name}
			gens[key] = cs.stripe(key).generation()
		}
	}

	fetched, err := cs.backing.BulkGetSnapshots(ctx, misses)
	if err != nil {
		return nil, err
	}
	for collection, docs := range fetched {
		if out[collection] == nil {
			continue
		}
		// Stable insertion order keeps LRU eviction deterministic.
		names := make([]string, 0, len(docs))
		for name := range docs {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			data := docs[name]
			key := docKey{collection, name}
			if gen, ok := gens[key]; !ok {
				// Not requested.
			} else if b, err := json.Marshal(data); err == nil {
				cs.fill(key, gen, b)
			}
			out[collection][name] = data
		}
	}
	return out, nil
}

// Invalidate drops any cached snapshot of the document, so that the next
// read loads it from the backing store.
func (cs *CachedStore) Invalidate(collection, doc string) {
	key := docKey{collection, doc}
	st := cs.stripe(key)

	st.mu.Lock()
	st.gen++
	cs.cache.Remove(key)
	st.mu.Unlock()
}

// Close purges the cache and closes the backing store.
func (cs *CachedStore) Close() error {
	cs.cache.Purge()
	return cs.backing.Close()
}
