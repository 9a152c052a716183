package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/serroba/collab-text/internal/ot"
	bolt "go.etcd.io/bbolt"
)

var (
	documentsBucket = []byte("documents")
	opsBucket       = []byte("ops")
	snapshotKey     = []byte("snapshot")
)

// BoltStore persists documents in a single bbolt file.
// Each document is a nested bucket holding its snapshot and an ops bucket
// keyed by big-endian revision.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)

		return err
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("init bolt %s: %w", path, err)
	}

	return &BoltStore{db: db}, nil
}

func revisionKey(revision int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(revision))

	return key
}

func docBucket(tx *bolt.Tx, docID string) *bolt.Bucket {
	return tx.Bucket(documentsBucket).Bucket([]byte(docID))
}

// CreateDocument creates a new document with the given ID.
func (s *BoltStore) CreateDocument(_ context.Context, docID, content string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if docBucket(tx, docID) != nil {
			return ErrDocumentExists
		}

		b, err := tx.Bucket(documentsBucket).CreateBucket([]byte(docID))
		if err != nil {
			return err
		}

		if _, err := b.CreateBucket(opsBucket); err != nil {
			return err
		}

		return putSnapshot(b, Snapshot{DocID: docID, Content: content, CreatedAt: time.Now()})
	})
}

// DeleteDocument removes a document.
func (s *BoltStore) DeleteDocument(_ context.Context, docID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if docBucket(tx, docID) == nil {
			return ErrDocumentNotFound
		}

		return tx.Bucket(documentsBucket).DeleteBucket([]byte(docID))
	})
}

// DocumentExists checks if a document exists.
func (s *BoltStore) DocumentExists(_ context.Context, docID string) (bool, error) {
	var exists bool

	err := s.db.View(func(tx *bolt.Tx) error {
		exists = docBucket(tx, docID) != nil

		return nil
	})

	return exists, err
}

// SaveSnapshot persists a snapshot and prunes the log entries it covers.
func (s *BoltStore) SaveSnapshot(_ context.Context, docID string, revision int, content string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := docBucket(tx, docID)
		if b == nil {
			return ErrDocumentNotFound
		}

		err := putSnapshot(b, Snapshot{DocID: docID, Revision: revision, Content: content, CreatedAt: time.Now()})
		if err != nil {
			return err
		}

		ops := b.Bucket(opsBucket)
		c := ops.Cursor()

		// Deleting through the cursor keeps iteration valid.
		for k, _ := c.First(); k != nil && int(binary.BigEndian.Uint64(k)) <= revision; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}

		return nil
	})
}

func putSnapshot(b *bolt.Bucket, snapshot Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	return b.Put(snapshotKey, data)
}

// LoadSnapshot retrieves the latest snapshot for a document.
func (s *BoltStore) LoadSnapshot(_ context.Context, docID string) (Snapshot, error) {
	var snapshot Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		b := docBucket(tx, docID)
		if b == nil {
			return ErrDocumentNotFound
		}

		data := b.Get(snapshotKey)
		if data == nil {
			return ErrSnapshotNotFound
		}

		return json.Unmarshal(data, &snapshot)
	})

	return snapshot, err
}

// AppendOperation adds an entry to the document's operation log.
func (s *BoltStore) AppendOperation(_ context.Context, docID string, entry ot.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := docBucket(tx, docID)
		if b == nil {
			return ErrDocumentNotFound
		}

		latest, err := boltLatest(b)
		if err != nil {
			return err
		}

		if entry.Revision <= latest {
			return ErrRevisionConflict
		}

		return b.Bucket(opsBucket).Put(revisionKey(entry.Revision), data)
	})
}

// LoadOperations retrieves all entries after the given revision.
func (s *BoltStore) LoadOperations(_ context.Context, docID string, sinceRevision int) ([]ot.HistoryEntry, error) {
	var result []ot.HistoryEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		b := docBucket(tx, docID)
		if b == nil {
			return ErrDocumentNotFound
		}

		c := b.Bucket(opsBucket).Cursor()

		for k, v := c.Seek(revisionKey(sinceRevision + 1)); k != nil; k, v = c.Next() {
			var entry ot.HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode revision %d: %w", binary.BigEndian.Uint64(k), err)
			}

			result = append(result, entry)
		}

		return nil
	})

	return result, err
}

// LatestRevision returns the highest revision number for a document.
func (s *BoltStore) LatestRevision(_ context.Context, docID string) (int, error) {
	var latest int

	err := s.db.View(func(tx *bolt.Tx) error {
		b := docBucket(tx, docID)
		if b == nil {
			return ErrDocumentNotFound
		}

		var err error
		latest, err = boltLatest(b)

		return err
	})

	return latest, err
}

func boltLatest(b *bolt.Bucket) (int, error) {
	if k, _ := b.Bucket(opsBucket).Cursor().Last(); k != nil {
		return int(binary.BigEndian.Uint64(k)), nil
	}

	data := b.Get(snapshotKey)
	if data == nil {
		return 0, nil
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return 0, err
	}

	return snapshot.Revision, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ensure BoltStore implements Store.
var _ Store = (*BoltStore)(nil)
