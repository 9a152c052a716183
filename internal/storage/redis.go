package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/serroba/collab-text/internal/ot"
)

// RedisStore persists documents in Redis. A document is a marker hash, a
// snapshot string and a sorted set of log entries scored by revision.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis server at addr.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	return &RedisStore{rdb: rdb, prefix: "collab:doc:"}, nil
}

// WithPrefix returns a store sharing the connection under a different key
// namespace.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	return &RedisStore{rdb: s.rdb, prefix: prefix}
}

func (s *RedisStore) docKey(docID string) string      { return s.prefix + docID }
func (s *RedisStore) snapshotKey(docID string) string { return s.prefix + docID + ":snapshot" }
func (s *RedisStore) opsKey(docID string) string      { return s.prefix + docID + ":ops" }

// CreateDocument creates a new document with the given ID.
func (s *RedisStore) CreateDocument(ctx context.Context, docID, content string) error {
	now := time.Now().UTC()

	created, err := s.rdb.HSetNX(ctx, s.docKey(docID), "created_at", now.Format(time.RFC3339Nano)).Result()
	if err != nil {
		return err
	}

	if !created {
		return ErrDocumentExists
	}

	return s.putSnapshot(ctx, s.rdb, Snapshot{DocID: docID, Content: content, CreatedAt: now})
}

func (s *RedisStore) putSnapshot(ctx context.Context, c redis.Cmdable, snapshot Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	return c.Set(ctx, s.snapshotKey(snapshot.DocID), data, 0).Err()
}

func (s *RedisStore) requireDocument(ctx context.Context, c redis.Cmdable, docID string) error {
	n, err := c.Exists(ctx, s.docKey(docID)).Result()
	if err != nil {
		return err
	}

	if n == 0 {
		return ErrDocumentNotFound
	}

	return nil
}

// DeleteDocument removes a document.
func (s *RedisStore) DeleteDocument(ctx context.Context, docID string) error {
	removed, err := s.rdb.Del(ctx, s.docKey(docID)).Result()
	if err != nil {
		return err
	}

	if removed == 0 {
		return ErrDocumentNotFound
	}

	return s.rdb.Del(ctx, s.snapshotKey(docID), s.opsKey(docID)).Err()
}

// DocumentExists checks if a document exists.
func (s *RedisStore) DocumentExists(ctx context.Context, docID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.docKey(docID)).Result()

	return n > 0, err
}

// SaveSnapshot persists a snapshot and prunes the log entries it covers.
func (s *RedisStore) SaveSnapshot(ctx context.Context, docID string, revision int, content string) error {
	if err := s.requireDocument(ctx, s.rdb, docID); err != nil {
		return err
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		snapshot := Snapshot{DocID: docID, Revision: revision, Content: content, CreatedAt: time.Now().UTC()}
		if err := s.putSnapshot(ctx, pipe, snapshot); err != nil {
			return err
		}

		pipe.ZRemRangeByScore(ctx, s.opsKey(docID), "-inf", strconv.Itoa(revision))

		return nil
	})

	return err
}

// LoadSnapshot retrieves the latest snapshot for a document.
func (s *RedisStore) LoadSnapshot(ctx context.Context, docID string) (Snapshot, error) {
	return s.loadSnapshot(ctx, s.rdb, docID)
}

func (s *RedisStore) loadSnapshot(ctx context.Context, c redis.Cmdable, docID string) (Snapshot, error) {
	if err := s.requireDocument(ctx, c, docID); err != nil {
		return Snapshot{}, err
	}

	data, err := c.Get(ctx, s.snapshotKey(docID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrSnapshotNotFound
	}

	if err != nil {
		return Snapshot{}, err
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, err
	}

	return snapshot, nil
}

// AppendOperation adds an entry to the document's operation log. The
// revision check and the write run in one optimistic transaction; losing a
// race to another writer reports ErrRevisionConflict.
func (s *RedisStore) AppendOperation(ctx context.Context, docID string, entry ot.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	opsKey := s.opsKey(docID)

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		latest, err := s.latestRevision(ctx, tx, docID)
		if err != nil {
			return err
		}

		if entry.Revision <= latest {
			return ErrRevisionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, opsKey, redis.Z{Score: float64(entry.Revision), Member: data})

			return nil
		})

		return err
	}, s.docKey(docID), s.snapshotKey(docID), opsKey)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrRevisionConflict
	}

	return err
}

// LoadOperations retrieves all entries after the given revision.
func (s *RedisStore) LoadOperations(ctx context.Context, docID string, sinceRevision int) ([]ot.HistoryEntry, error) {
	if err := s.requireDocument(ctx, s.rdb, docID); err != nil {
		return nil, err
	}

	members, err := s.rdb.ZRangeByScore(ctx, s.opsKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.Itoa(sinceRevision),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	result := make([]ot.HistoryEntry, 0, len(members))

	for _, member := range members {
		var entry ot.HistoryEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			return nil, fmt.Errorf("decode log entry: %w", err)
		}

		result = append(result, entry)
	}

	return result, nil
}

// LatestRevision returns the highest revision number for a document.
func (s *RedisStore) LatestRevision(ctx context.Context, docID string) (int, error) {
	return s.latestRevision(ctx, s.rdb, docID)
}

func (s *RedisStore) latestRevision(ctx context.Context, c redis.Cmdable, docID string) (int, error) {
	last, err := c.ZRevRangeWithScores(ctx, s.opsKey(docID), 0, 0).Result()
	if err != nil {
		return 0, err
	}

	if len(last) > 0 {
		return int(last[0].Score), nil
	}

	snapshot, err := s.loadSnapshot(ctx, c, docID)
	if errors.Is(err, ErrSnapshotNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return snapshot.Revision, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
