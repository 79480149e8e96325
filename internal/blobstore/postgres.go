package blobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/regdoc/backend/internal/lifecycle"
)

// ============================================================================
// POSTGRES IMPLEMENTATION
// ============================================================================

// PostgresStore keeps blobs in a bytea column. Payloads here are regulatory
// documents, not media: single-digit megabytes, well within bytea comfort.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool and ensures the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS blobs (
		id           TEXT PRIMARY KEY,
		data         BYTEA NOT NULL,
		sha256       TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		size         BIGINT NOT NULL,
		stored_at    TIMESTAMPTZ NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: create blobs table: %v", lifecycle.ErrStorageFailure, err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, id string, data []byte, contentType string) (*Blob, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty blob id", lifecycle.ErrInvalidInput)
	}
	blob := &Blob{
		ID:          id,
		Data:        data,
		SHA256:      Digest(data),
		ContentType: contentType,
		Size:        int64(len(data)),
		StoredAt:    time.Now().UTC(),
	}
	// Idempotent per id: a concurrent or repeated put of the same blob id
	// keeps the first write.
	const query = `
	INSERT INTO blobs (id, data, sha256, content_type, size, stored_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query,
		blob.ID, blob.Data, blob.SHA256, blob.ContentType, blob.Size, blob.StoredAt); err != nil {
		return nil, fmt.Errorf("%w: put blob %s: %v", lifecycle.ErrStorageFailure, id, err)
	}
	return blob, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Blob, error) {
	const query = `SELECT id, data, sha256, content_type, size, stored_at FROM blobs WHERE id = $1`
	blob := &Blob{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&blob.ID, &blob.Data, &blob.SHA256, &blob.ContentType, &blob.Size, &blob.StoredAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: blob %s", lifecycle.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get blob %s: %v", lifecycle.ErrStorageFailure, id, err)
	}
	return blob, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%w: delete blob %s: %v", lifecycle.ErrStorageFailure, id, err)
	}
	return nil
}

func (s *PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM blobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: exists blob %s: %v", lifecycle.ErrStorageFailure, id, err)
	}
	return exists, nil
}
