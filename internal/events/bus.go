// Package events carries document lifecycle notifications as CloudEvents 1.0
// envelopes: an in-process bus for co-located subscribers (websocket stream,
// webhook dispatcher, notifier) and a Redis-backed bus for cross-pod fan-out.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// ============================================================================
// LIFECYCLE EVENT TYPES
// ============================================================================

const (
	TypeDocumentCreated     = "document.created"
	TypeDocumentSubmittedQC = "document.submitted_qc"
	TypeQCBallotCast        = "document.qc_ballot"
	TypeDocumentInReview    = "document.submitted_review"
	TypeReviewBallotCast    = "document.review_ballot"
	TypePendingApproval     = "document.pending_approval"
	TypeDocumentApproved    = "document.approved"
	TypeDocumentRejected    = "document.rejected"
	TypeDocumentRecalled    = "document.recalled"
	TypeDocumentWithdrawn   = "document.withdrawn"
	TypeDocumentSuperseded  = "document.superseded"
	TypeDocumentObsolete    = "document.obsolete"
	TypeDocumentArchived    = "document.archived"
	TypeDocumentDeleted     = "document.deleted"
	TypeRevisionUploaded    = "document.revision_uploaded"
)

// Source identifies this engine in event envelopes.
const Source = "regdoc/lifecycle-engine"

// ============================================================================
// CLOUDEVENTS ENVELOPE
// ============================================================================

// Emitter publishes lifecycle events. The in-process Bus and the RedisBus
// both satisfy it; a nil-safe NopEmitter serves tests.
type Emitter interface {
	Emit(eventType, subject string, data map[string]interface{})
}

// Event is the CloudEvents 1.0 envelope. Subject carries the document id.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// New creates a CloudEvents 1.0 compliant envelope.
func New(eventType, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      Source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the envelope.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// ============================================================================
// IN-PROCESS BUS
// ============================================================================

// Bus is an in-process pub/sub bus. Delivery is best-effort: a subscriber
// with a full buffer misses the event rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // event type -> channels
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates an in-process event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or every
// event when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// Publish delivers an event to all matching subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Buffer full, subscriber misses this one.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an envelope.
func (b *Bus) Emit(eventType, subject string, data map[string]interface{}) {
	b.Publish(New(eventType, subject, data))
}

// SubscriberCount returns the number of active subscription channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// NopEmitter drops every event. Used where no bus is wired.
type NopEmitter struct{}

func (NopEmitter) Emit(string, string, map[string]interface{}) {}
