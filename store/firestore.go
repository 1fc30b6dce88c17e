package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of Store. Each
// collection maps to a Firestore collection of the same name holding one
// Firestore document per snapshot, and a document's operations live in its
// "ops" subcollection under zero-padded version IDs:
//
//	<collection>/<doc>                {data: "<json>"}
//	<collection>/<doc>/ops/0000000000000000007 {version: 7, data: "<json>"}
//
// Data is stored as a JSON string because Firestore can't represent all
// JSON values (eg, nested arrays). Operations are written with Create, so
// Firestore itself rejects a second write of a version.
type FirestoreStore struct {
	client *firestore.Client

	closeOnce sync.Once
	closeErr  error
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) docRef(collection, doc string) *firestore.DocumentRef {
	return s.client.Collection(collection).Doc(doc)
}

func (s *FirestoreStore) opsCollection(collection, doc string) *firestore.CollectionRef {
	return s.docRef(collection, doc).Collection("ops")
}

// zeroPad formats version to the width of the largest int64, so that
// document ID order is version order.
func zeroPad(version int) string {
	return fmt.Sprintf("%019d", version)
}

// firestoreError maps a Firestore RPC error into the Store's taxonomy.
func firestoreError(err error) error {
	switch status.Code(err) {
	case codes.OK:
		return err
	case codes.Unavailable, codes.Unauthenticated, codes.PermissionDenied, codes.Canceled:
		return &ConnectionError{Err: err}
	default:
		return &QueryError{Err: err}
	}
}

func (s *FirestoreStore) GetSnapshot(ctx context.Context, collection, doc string) (_ interface{}, err error) {
	defer func(started time.Time) { observe("firestore", "get_snapshot", started, err) }(time.Now())

	snap, err := s.docRef(collection, doc).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	} else if err != nil {
		return nil, firestoreError(err)
	}
	return snapshotData(snap)
}

func snapshotData(snap *firestore.DocumentSnapshot) (interface{}, error) {
	raw, ok := snap.Data()["data"].(string)
	if !ok {
		return nil, errors.Errorf("invalid data field in %s", snap.Ref.Path)
	}
	return decode([]byte(raw))
}

func (s *FirestoreStore) PutSnapshot(ctx context.Context, collection, doc string, data interface{}) (_ interface{}, err error) {
	defer func(started time.Time) { observe("firestore", "put_snapshot", started, err) }(time.Now())

	clean, b, err := prepare(data)
	if err != nil {
		return nil, err
	}
	// Set creates or replaces the document in a single write.
	if _, err = s.docRef(collection, doc).Set(ctx, map[string]interface{}{
		"data":      string(b),
		"updatedAt": firestore.ServerTimestamp,
	}); err != nil {
		return nil, firestoreError(err)
	}
	return clean, nil
}

func (s *FirestoreStore) AppendOp(ctx context.Context, collection, doc string, version int, op interface{}) (_ interface{}, err error) {
	defer func(started time.Time) { observe("firestore", "append_op", started, err) }(time.Now())

	if err := checkVersion(version); err != nil {
		return nil, err
	}
	clean, b, err := prepare(op)
	if err != nil {
		return nil, err
	}

	_, err = s.opsCollection(collection, doc).Doc(zeroPad(version)).Create(ctx, map[string]interface{}{
		"version": version,
		"data":    string(b),
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil, &DuplicateVersionError{Collection: collection, Document: doc, Version: version, Err: err}
	} else if err != nil {
		return nil, firestoreError(err)
	}
	return clean, nil
}

func (s *FirestoreStore) GetOps(ctx context.Context, collection, doc string, start, end int) (_ []interface{}, err error) {
	defer func(started time.Time) { observe("firestore", "get_ops", started, err) }(time.Now())

	if err := checkVersion(start); err != nil {
		return nil, err
	}
	ops := []interface{}{}
	if end >= 0 && end <= start {
		return ops, nil
	}

	query := s.opsCollection(collection, doc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAt(zeroPad(start))
	if end >= 0 {
		query = query.EndBefore(zeroPad(end))
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, firestoreError(err)
		}
		op, err := snapshotData(snap)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *FirestoreStore) GetNextVersion(ctx context.Context, collection, doc string) (_ int, err error) {
	defer func(started time.Time) { observe("firestore", "get_next_version", started, err) }(time.Now())

	iter := s.opsCollection(collection, doc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return 0, nil
	} else if err != nil {
		return 0, firestoreError(err)
	}
	version, ok := snap.Data()["version"].(int64)
	if !ok {
		return 0, errors.Errorf("invalid version field in %s", snap.Ref.Path)
	}
	return int(version) + 1, nil
}

// BulkGetSnapshots fetches all requested documents with one GetAll call.
func (s *FirestoreStore) BulkGetSnapshots(ctx context.Context, requests map[string][]string) (_ map[string]map[string]interface{}, err error) {
	defer func(started time.Time) { observe("firestore", "bulk_get_snapshots", started, err) }(time.Now())

	out := padCollections(requests)
	var refs []*firestore.DocumentRef
	for collection, names := range requests {
		for _, name := range names {
			refs = append(refs, s.docRef(collection, name))
		}
	}
	if len(refs) == 0 {
		return out, nil
	}

	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, firestoreError(err)
	}
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		docs, ok := out[snap.Ref.Parent.ID]
		if !ok {
			continue
		}
		if docs[snap.Ref.ID], err = snapshotData(snap); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Close the Firestore client.
func (s *FirestoreStore) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.client.Close() })
	return s.closeErr
}
