package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/regdoc/backend/internal/core"
	"github.com/regdoc/backend/internal/lifecycle"
)

// ============================================================================
// IN-MEMORY IMPLEMENTATION
// ============================================================================

// MemoryStore keeps documents in process memory under a single lock, so
// every operation is trivially serializable. Used by tests and single-node
// deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	docs      map[string]*core.Document
	lineages  map[string][]string // lineage_id -> doc ids, insertion order
	sequences map[string]int64
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string]*core.Document),
		lineages:  make(map[string][]string),
		sequences: make(map[string]int64),
	}
}

func (s *MemoryStore) Insert(_ context.Context, doc *core.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: empty document id", lifecycle.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("%w: document %s already exists", lifecycle.ErrConflict, doc.ID)
	}
	// The amendment slot is enforced here, under the store lock, so
	// concurrent inserts cannot both pass an earlier advisory check.
	if doc.AmendedFrom != "" {
		for _, existing := range s.docs {
			if existing.AmendedFrom == doc.AmendedFrom && existing.Status.InProgress() {
				return fmt.Errorf("%w: %s is already being amended by version %s (%s)",
					lifecycle.ErrDuplicateAmendment, existing.DocNumber, existing.Version(), existing.ID)
			}
		}
	}
	doc.VersionCounter = 1
	s.docs[doc.ID] = doc.Clone()
	s.lineages[doc.LineageID] = append(s.lineages[doc.LineageID], doc.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", lifecycle.ErrNotFound, id)
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, doc *core.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.docs[doc.ID]
	if !ok {
		return fmt.Errorf("%w: document %s", lifecycle.ErrNotFound, doc.ID)
	}
	if stored.VersionCounter != doc.VersionCounter {
		return fmt.Errorf("%w: document %s counter %d, update built from %d",
			lifecycle.ErrConflict, doc.ID, stored.VersionCounter, doc.VersionCounter)
	}
	doc.VersionCounter++
	s.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("%w: document %s", lifecycle.ErrNotFound, id)
	}
	delete(s.docs, id)
	ids := s.lineages[doc.LineageID]
	for i, candidate := range ids {
		if candidate == id {
			s.lineages[doc.LineageID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.lineages[doc.LineageID]) == 0 {
		delete(s.lineages, doc.LineageID)
	}
	return nil
}

func (s *MemoryStore) Lineage(_ context.Context, lineageID string) ([]*core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.lineages[lineageID]
	if !ok {
		return nil, fmt.Errorf("%w: lineage %s", lifecycle.ErrNotFound, lineageID)
	}
	out := make([]*core.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.docs[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return core.VersionLess(out[i], out[j]) })
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*core.Document, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make([]*core.Document, 0, len(s.lineages))
	for _, ids := range s.lineages {
		var top *core.Document
		for _, id := range ids {
			doc := s.docs[id]
			if top == nil || core.VersionLess(top, doc) {
				top = doc
			}
		}
		if top != nil && matches(top, filter) {
			latest = append(latest, top.Clone())
		}
	}
	sort.Slice(latest, func(i, j int) bool {
		return latest[i].CreatedAt.After(latest[j].CreatedAt)
	})

	total := len(latest)
	latest = page(latest, filter.Offset, filter.Limit)
	return latest, total, nil
}

func (s *MemoryStore) InProgressAmendment(_ context.Context, predecessorID string) (*core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, doc := range s.docs {
		if doc.AmendedFrom == predecessorID && doc.Status.InProgress() {
			return doc.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) PendingSupersessions(_ context.Context) ([]*core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Document
	for _, doc := range s.docs {
		if doc.PendingSupersession != "" {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) MyTasks(_ context.Context, principalID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []Task
	for _, doc := range s.docs {
		if task, ok := taskFor(doc, principalID); ok {
			task.Doc = doc.Clone()
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return taskLess(tasks[i], tasks[j]) })
	return tasks, nil
}

func (s *MemoryStore) NextSequence(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[name]++
	return s.sequences[name], nil
}

func matches(doc *core.Document, filter ListFilter) bool {
	if filter.Status != "" && doc.Status != filter.Status {
		return false
	}
	if filter.Search == "" {
		return true
	}
	needle := strings.ToLower(filter.Search)
	if strings.Contains(strings.ToLower(doc.DocNumber), needle) {
		return true
	}
	if rev, err := doc.ActiveRev(); err == nil &&
		strings.Contains(strings.ToLower(rev.Filename), needle) {
		return true
	}
	return false
}

func page(docs []*core.Document, offset, limit int) []*core.Document {
	if offset >= len(docs) {
		return nil
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}
