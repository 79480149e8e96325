// Package blobstore stores opaque revision payloads keyed by blob id. Put,
// Get and Delete are independently idempotent per id; a sha256 digest is
// recorded at ingestion so later retrieval can be integrity-checked.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/regdoc/backend/internal/lifecycle"
)

// ============================================================================
// BLOB STORE
// ============================================================================

// Blob is a stored payload plus its ingestion record.
type Blob struct {
	ID          string
	Data        []byte
	SHA256      string
	ContentType string
	Size        int64
	StoredAt    time.Time
}

// Store is the content store contract. Implementations must make Put
// idempotent per blob id: re-putting an existing id is a no-op, not an error.
type Store interface {
	Put(ctx context.Context, id string, data []byte, contentType string) (*Blob, error)
	Get(ctx context.Context, id string) (*Blob, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}

// Digest returns the hex sha256 of a payload.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// IN-MEMORY IMPLEMENTATION
// ============================================================================

// MemoryStore keeps blobs in process memory. Used by tests and single-node
// deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*Blob
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]*Blob)}
}

func (s *MemoryStore) Put(_ context.Context, id string, data []byte, contentType string) (*Blob, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty blob id", lifecycle.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.blobs[id]; ok {
		return existing, nil
	}
	blob := &Blob{
		ID:          id,
		Data:        append([]byte(nil), data...),
		SHA256:      Digest(data),
		ContentType: contentType,
		Size:        int64(len(data)),
		StoredAt:    time.Now().UTC(),
	}
	s.blobs[id] = blob
	return blob, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", lifecycle.ErrNotFound, id)
	}
	cp := *blob
	cp.Data = append([]byte(nil), blob.Data...)
	return &cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, id)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[id]
	return ok, nil
}
