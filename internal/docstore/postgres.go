package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lib/pq"
	"github.com/regdoc/backend/internal/core"
	"github.com/regdoc/backend/internal/lifecycle"
)

// ============================================================================
// POSTGRES IMPLEMENTATION
// ============================================================================

// PostgresStore keeps the full document record as JSONB, with the fields the
// queries need extracted into indexed columns. The version_counter column is
// the compare-and-set token: updates are conditional on the counter the
// caller read, so a stale snapshot loses with ErrConflict instead of
// overwriting a concurrent commit.
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
	// The partial unique index is the commit-time amendment slot: at most
	// one in-progress descendant per predecessor, no matter how many
	// callers passed the advisory check concurrently.
	const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		id                   TEXT PRIMARY KEY,
		lineage_id           TEXT NOT NULL,
		doc_number           TEXT NOT NULL,
		status               TEXT NOT NULL,
		author_id            TEXT NOT NULL,
		major_version        INT NOT NULL,
		minor_version        INT NOT NULL,
		amended_from         TEXT NOT NULL DEFAULT '',
		pending_supersession TEXT NOT NULL DEFAULT '',
		created_at           TIMESTAMPTZ NOT NULL,
		version_counter      BIGINT NOT NULL,
		record               JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_lineage ON documents (lineage_id);
	CREATE INDEX IF NOT EXISTS idx_documents_doc_number ON documents (doc_number);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status);
	CREATE INDEX IF NOT EXISTS idx_documents_amended_from ON documents (amended_from) WHERE amended_from <> '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_amendment_slot
		ON documents (amended_from)
		WHERE amended_from <> '' AND status IN (` + inProgressStatusList + `);
	CREATE TABLE IF NOT EXISTS sequences (
		name  TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: create documents schema: %v", lifecycle.ErrStorageFailure, err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, doc *core.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: empty document id", lifecycle.ErrInvalidInput)
	}
	doc.VersionCounter = 1
	record, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: marshal document %s: %v", lifecycle.ErrStorageFailure, doc.ID, err)
	}
	const query = `
	INSERT INTO documents (id, lineage_id, doc_number, status, author_id,
		major_version, minor_version, amended_from, pending_supersession,
		created_at, version_counter, record)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query,
		doc.ID, doc.LineageID, doc.DocNumber, string(doc.Status), doc.AuthorID,
		doc.MajorVersion, doc.MinorVersion, doc.AmendedFrom, doc.PendingSupersession,
		doc.CreatedAt, doc.VersionCounter, record)
	if err != nil {
		// ON CONFLICT only absorbs the primary key; a unique violation
		// here is the amendment slot index.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("%w: an in-progress amendment of %s already exists",
				lifecycle.ErrDuplicateAmendment, doc.AmendedFrom)
		}
		return fmt.Errorf("%w: insert document %s: %v", lifecycle.ErrStorageFailure, doc.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: document %s already exists", lifecycle.ErrConflict, doc.ID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*core.Document, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM documents WHERE id = $1`, id).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: document %s", lifecycle.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get document %s: %v", lifecycle.ErrStorageFailure, id, err)
	}
	return unmarshalDocument(record)
}

func (s *PostgresStore) Update(ctx context.Context, doc *core.Document) error {
	readCounter := doc.VersionCounter
	doc.VersionCounter++
	record, err := json.Marshal(doc)
	if err != nil {
		doc.VersionCounter = readCounter
		return fmt.Errorf("%w: marshal document %s: %v", lifecycle.ErrStorageFailure, doc.ID, err)
	}
	const query = `
	UPDATE documents SET
		status = $1, major_version = $2, minor_version = $3,
		amended_from = $4, pending_supersession = $5,
		version_counter = $6, record = $7
	WHERE id = $8 AND version_counter = $9`
	res, err := s.db.ExecContext(ctx, query,
		string(doc.Status), doc.MajorVersion, doc.MinorVersion,
		doc.AmendedFrom, doc.PendingSupersession,
		doc.VersionCounter, record, doc.ID, readCounter)
	if err != nil {
		doc.VersionCounter = readCounter
		return fmt.Errorf("%w: update document %s: %v", lifecycle.ErrStorageFailure, doc.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		doc.VersionCounter = readCounter
		if exists, eerr := s.exists(ctx, doc.ID); eerr == nil && !exists {
			return fmt.Errorf("%w: document %s", lifecycle.ErrNotFound, doc.ID)
		}
		return fmt.Errorf("%w: document %s update built from counter %d",
			lifecycle.ErrConflict, doc.ID, readCounter)
	}
	return nil
}

func (s *PostgresStore) exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete document %s: %v", lifecycle.ErrStorageFailure, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: document %s", lifecycle.ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) Lineage(ctx context.Context, lineageID string) ([]*core.Document, error) {
	const query = `
	SELECT record FROM documents
	WHERE lineage_id = $1
	ORDER BY major_version, minor_version`
	docs, err := s.queryDocuments(ctx, query, lineageID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: lineage %s", lifecycle.ErrNotFound, lineageID)
	}
	return docs, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*core.Document, int, error) {
	// DISTINCT ON picks the highest (major, minor) per lineage; the
	// search filter runs in Go because it reaches into the active
	// revision's filename inside the JSONB record.
	const query = `
	SELECT DISTINCT ON (lineage_id) record FROM documents
	ORDER BY lineage_id, major_version DESC, minor_version DESC`
	latest, err := s.queryDocuments(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	filtered := latest[:0]
	for _, doc := range latest {
		if matches(doc, filter) {
			filtered = append(filtered, doc)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})
	total := len(filtered)
	return page(filtered, filter.Offset, filter.Limit), total, nil
}

func (s *PostgresStore) InProgressAmendment(ctx context.Context, predecessorID string) (*core.Document, error) {
	query := `
	SELECT record FROM documents
	WHERE amended_from = $1 AND status IN (` + inProgressStatusList + `)
	LIMIT 1`
	docs, err := s.queryDocuments(ctx, query, predecessorID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (s *PostgresStore) PendingSupersessions(ctx context.Context) ([]*core.Document, error) {
	return s.queryDocuments(ctx,
		`SELECT record FROM documents WHERE pending_supersession <> ''`)
}

func (s *PostgresStore) MyTasks(ctx context.Context, principalID string) ([]Task, error) {
	// Candidate rows are narrowed by status; ballot membership is decided
	// in Go against the full record. Rejected statuses also park on the
	// author, so they join the in-progress set here.
	query := `
	SELECT record FROM documents
	WHERE status IN (` + inProgressStatusList + `, 'QC Rejected', 'Approval Rejected')`
	docs, err := s.queryDocuments(ctx, query)
	if err != nil {
		return nil, err
	}
	var tasks []Task
	for _, doc := range docs {
		if task, ok := taskFor(doc, principalID); ok {
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return taskLess(tasks[i], tasks[j]) })
	return tasks, nil
}

func (s *PostgresStore) NextSequence(ctx context.Context, name string) (int64, error) {
	const query = `
	INSERT INTO sequences (name, value) VALUES ($1, 1)
	ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1
	RETURNING value`
	var value int64
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&value); err != nil {
		return 0, fmt.Errorf("%w: sequence %s: %v", lifecycle.ErrStorageFailure, name, err)
	}
	return value, nil
}

func (s *PostgresStore) queryDocuments(ctx context.Context, query string, args ...interface{}) ([]*core.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query documents: %v", lifecycle.ErrStorageFailure, err)
	}
	defer rows.Close()

	var out []*core.Document
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("%w: scan document: %v", lifecycle.ErrStorageFailure, err)
		}
		doc, err := unmarshalDocument(record)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate documents: %v", lifecycle.ErrStorageFailure, err)
	}
	return out, nil
}

func unmarshalDocument(record []byte) (*core.Document, error) {
	doc := &core.Document{}
	if err := json.Unmarshal(record, doc); err != nil {
		return nil, fmt.Errorf("%w: unmarshal document: %v", lifecycle.ErrStorageFailure, err)
	}
	return doc, nil
}

// inProgressStatusList is the SQL literal of the in-progress status set,
// kept in sync with Status.InProgress.
const inProgressStatusList = `'Draft', 'In QC', 'QC Complete', 'In Review', 'Under Revision', 'Review Complete', 'Pending Approval'`
