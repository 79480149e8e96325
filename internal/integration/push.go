// Package integration maps TMF zones to the external systems that consume
// approved documents (RIMS, EDC, IRT, safety database, site portal) and
// keeps a push log for audit. Pushes fan out to registered webhooks; the
// log is the record of what left the engine regardless of delivery.
package integration

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/regdoc/backend/internal/core"
	"github.com/regdoc/backend/internal/docstore"
	"github.com/regdoc/backend/internal/lifecycle"
	"github.com/regdoc/backend/internal/webhooks"
)

// ============================================================================
// ZONE → SYSTEM MAP
// ============================================================================

// CTMSSystem is always an available target regardless of zone.
const CTMSSystem = "CTMS"

// zoneSystems maps a TMF zone prefix to its integration targets.
var zoneSystems = map[string][]string{
	"01": {"RIMS"},
	"02": {"RIMS", "Site Portal", "EDC", "Safety DB"},
	"03": {"RIMS", "Site Portal"},
	"04": {"IRT", "Site Portal"},
	"05": {"Safety DB", "Site Portal", "EDC", "RIMS"},
	"06": {"Site Portal"},
	"07": {"EDC", "Site Portal"},
	"08": {"IRT", "RIMS", "Site Portal"},
	"09": {"EDC", "Safety DB"},
	"10": {"RIMS"},
	"11": {"Site Portal"},
}

// SystemsForZone returns the push targets for a TMF zone. Zones carry a
// two-digit prefix ("02" or "02.01"); CTMS is always included.
func SystemsForZone(zone string) []string {
	prefix := zone
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	systems := append([]string(nil), zoneSystems[prefix]...)
	systems = append(systems, CTMSSystem)
	sort.Strings(systems)
	return systems
}

// ValidTarget reports whether a system is a push target for the zone.
func ValidTarget(zone, system string) bool {
	for _, s := range SystemsForZone(zone) {
		if s == system {
			return true
		}
	}
	return false
}

// ============================================================================
// PUSH SERVICE
// ============================================================================

// LogEntry records one push for the audit trail.
type LogEntry struct {
	DocumentID   string    `json:"document_id"`
	DocNumber    string    `json:"doc_number"`
	Version      string    `json:"version"`
	TargetSystem string    `json:"target_system"`
	PushedByID   string    `json:"pushed_by_id"`
	PushedByName string    `json:"pushed_by_name"`
	PushedAt     time.Time `json:"pushed_at"`
	Status       string    `json:"status"`
}

// Service validates and logs pushes of approved documents.
type Service struct {
	docs     docstore.Store
	webhooks webhooks.Emitter

	mu     sync.RWMutex
	logs   []LogEntry
	logger *log.Logger
}

// NewService creates a push service.
func NewService(docs docstore.Store, hooks webhooks.Emitter) *Service {
	if hooks == nil {
		hooks = webhooks.NopEmitter{}
	}
	return &Service{
		docs:     docs,
		webhooks: hooks,
		logger:   log.New(log.Writer(), "[INTEGRATION] ", log.LstdFlags),
	}
}

// AvailableSystems returns the targets for a document's TMF zone.
func (s *Service) AvailableSystems(ctx context.Context, docID string) (*core.Document, []string, error) {
	doc, err := s.docs.Get(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	return doc, SystemsForZone(doc.Metadata.TMFZone), nil
}

// Push sends an approved document to a target system. Only Approved
// documents are pushable, and only to systems mapped for their zone.
func (s *Service) Push(ctx context.Context, docID, targetSystem string, actor lifecycle.Actor) (*LogEntry, error) {
	if targetSystem == "" {
		return nil, fmt.Errorf("%w: target system is required", lifecycle.ErrInvalidInput)
	}
	doc, err := s.docs.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status != core.StatusApproved {
		return nil, fmt.Errorf("%w: only Approved documents can be pushed, %s is %q",
			lifecycle.ErrInvalidState, doc.DocNumber, doc.Status)
	}
	if !ValidTarget(doc.Metadata.TMFZone, targetSystem) {
		return nil, fmt.Errorf("%w: %s is not an integration target for zone %q",
			lifecycle.ErrInvalidInput, targetSystem, doc.Metadata.TMFZone)
	}

	entry := LogEntry{
		DocumentID:   doc.ID,
		DocNumber:    doc.DocNumber,
		Version:      doc.Version(),
		TargetSystem: targetSystem,
		PushedByID:   actor.ID,
		PushedByName: actor.Name,
		PushedAt:     time.Now().UTC(),
		Status:       "success",
	}
	s.mu.Lock()
	s.logs = append(s.logs, entry)
	s.mu.Unlock()

	s.webhooks.Emit("document.pushed", doc.ID, map[string]interface{}{
		"doc_number":    doc.DocNumber,
		"version":       doc.Version(),
		"target_system": targetSystem,
	})
	s.logger.Printf("📤 %s v%s → %s by %s", doc.DocNumber, doc.Version(), targetSystem, actor.Name)
	return &entry, nil
}

// Logs returns push log entries, newest first, optionally filtered by
// document id, capped at limit.
func (s *Service) Logs(docID string, limit int) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []LogEntry
	for i := len(s.logs) - 1; i >= 0; i-- {
		if docID != "" && s.logs[i].DocumentID != docID {
			continue
		}
		out = append(out, s.logs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ApprovedFeed lists approved documents for external systems to poll,
// optionally filtered by zone prefix and signature date.
func (s *Service) ApprovedFeed(ctx context.Context, zone string, after time.Time, limit int) ([]*core.Document, error) {
	docs, _, err := s.docs.List(ctx, docstore.ListFilter{Status: core.StatusApproved})
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*core.Document
	for _, doc := range docs {
		if zone != "" && !strings.HasPrefix(doc.Metadata.TMFZone, zone) {
			continue
		}
		if !after.IsZero() && doc.Signature != nil && doc.Signature.SignedAt.Before(after) {
			continue
		}
		out = append(out, doc)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
