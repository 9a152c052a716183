package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serroba/collab-text/internal/ot"
)

const uniqueViolation = "23505"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS snapshots (
	doc_id     TEXT PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
	revision   BIGINT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS operations (
	doc_id     TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	revision   BIGINT NOT NULL,
	op         TEXT NOT NULL,
	client_id  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (doc_id, revision)
);`

// PostgresStore persists documents in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()

		return nil, err
	}

	return s, nil
}

// EnsureSchema creates the tables if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	return nil
}

// CreateDocument creates a new document with the given ID.
func (s *PostgresStore) CreateDocument(ctx context.Context, docID, content string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO documents (id) VALUES ($1) ON CONFLICT DO NOTHING`, docID)
		if err != nil {
			return err
		}

		if tag.RowsAffected() == 0 {
			return ErrDocumentExists
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO snapshots (doc_id, revision, content, created_at) VALUES ($1, 0, $2, $3)`,
			docID, content, time.Now().UTC())

		return err
	})
}

// DeleteDocument removes a document; snapshots and operations cascade.
func (s *PostgresStore) DeleteDocument(ctx context.Context, docID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, docID)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}

	return nil
}

// DocumentExists checks if a document exists.
func (s *PostgresStore) DocumentExists(ctx context.Context, docID string) (bool, error) {
	var exists bool

	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, docID).Scan(&exists)

	return exists, err
}

func (s *PostgresStore) requireDocument(ctx context.Context, q pgx.Tx, docID string) error {
	var one int

	err := q.QueryRow(ctx, `SELECT 1 FROM documents WHERE id = $1`, docID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDocumentNotFound
	}

	return err
}

// SaveSnapshot persists a snapshot and prunes the log entries it covers.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, docID string, revision int, content string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.requireDocument(ctx, tx, docID); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO snapshots (doc_id, revision, content, created_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (doc_id) DO UPDATE
			SET revision = EXCLUDED.revision, content = EXCLUDED.content, created_at = EXCLUDED.created_at`,
			docID, revision, content, time.Now().UTC())
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `DELETE FROM operations WHERE doc_id = $1 AND revision <= $2`, docID, revision)

		return err
	})
}

// LoadSnapshot retrieves the latest snapshot for a document.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, docID string) (Snapshot, error) {
	snapshot := Snapshot{DocID: docID}

	err := s.pool.QueryRow(ctx,
		`SELECT revision, content, created_at FROM snapshots WHERE doc_id = $1`, docID,
	).Scan(&snapshot.Revision, &snapshot.Content, &snapshot.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		exists, existsErr := s.DocumentExists(ctx, docID)

		switch {
		case existsErr != nil:
			return Snapshot{}, existsErr
		case !exists:
			return Snapshot{}, ErrDocumentNotFound
		default:
			return Snapshot{}, ErrSnapshotNotFound
		}
	}

	if err != nil {
		return Snapshot{}, err
	}

	return snapshot, nil
}

// AppendOperation adds an entry to the document's operation log.
func (s *PostgresStore) AppendOperation(ctx context.Context, docID string, entry ot.HistoryEntry) error {
	op, err := json.Marshal(entry.Op)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.requireDocument(ctx, tx, docID); err != nil {
			return err
		}

		var latest int
		if err := tx.QueryRow(ctx, latestRevisionQuery, docID).Scan(&latest); err != nil {
			return err
		}

		if entry.Revision <= latest {
			return ErrRevisionConflict
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO operations (doc_id, revision, op, client_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
			docID, entry.Revision, string(op), entry.ClientID, entry.Timestamp)

		return err
	})

	// A concurrent writer inserted the same revision first.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrRevisionConflict
	}

	return err
}

// LoadOperations retrieves all entries after the given revision.
func (s *PostgresStore) LoadOperations(ctx context.Context, docID string, sinceRevision int) ([]ot.HistoryEntry, error) {
	exists, err := s.DocumentExists(ctx, docID)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, ErrDocumentNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT revision, op, client_id, created_at FROM operations
		WHERE doc_id = $1 AND revision > $2 ORDER BY revision`, docID, sinceRevision)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ot.HistoryEntry

	for rows.Next() {
		var (
			entry ot.HistoryEntry
			op    string
		)

		if err := rows.Scan(&entry.Revision, &op, &entry.ClientID, &entry.Timestamp); err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(op), &entry.Op); err != nil {
			return nil, fmt.Errorf("decode revision %d: %w", entry.Revision, err)
		}

		result = append(result, entry)
	}

	return result, rows.Err()
}

const latestRevisionQuery = `
	SELECT GREATEST(
		COALESCE((SELECT MAX(revision) FROM operations WHERE doc_id = $1), 0),
		COALESCE((SELECT revision FROM snapshots WHERE doc_id = $1), 0))`

// LatestRevision returns the highest revision number for a document.
func (s *PostgresStore) LatestRevision(ctx context.Context, docID string) (int, error) {
	exists, err := s.DocumentExists(ctx, docID)
	if err != nil {
		return 0, err
	}

	if !exists {
		return 0, ErrDocumentNotFound
	}

	var latest int
	err = s.pool.QueryRow(ctx, latestRevisionQuery, docID).Scan(&latest)

	return latest, err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()

	return nil
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
