package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Dispatcher posts lifecycle events to subscribed endpoints from a
// background worker pool. Delivery never blocks or fails a document
// transition; a full queue drops the delivery with a log line.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	subscriber *Subscription
	payload    *Payload
	attempt    int
}

// NewDispatcher starts a dispatcher with the given worker count and queue
// capacity.
func NewDispatcher(registry *Registry, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, queueSize),
		logger:     log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit queues a delivery to every subscriber of the event type.
func (d *Dispatcher) Emit(eventType, docID string, data map[string]interface{}) {
	subscribers := d.registry.Subscribers(eventType)
	if len(subscribers) == 0 {
		return
	}
	payload := &Payload{
		ID:         fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:       eventType,
		Source:     "/api/documents",
		Timestamp:  time.Now().UTC(),
		DocumentID: docID,
		Data:       data,
	}
	for _, sub := range subscribers {
		select {
		case d.queue <- &deliveryJob{subscriber: sub, payload: payload, attempt: 1}:
		default:
			d.logger.Printf("⚠️  Webhook queue full, dropping event %s for %s", payload.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	body, err := json.Marshal(job.payload)
	if err != nil {
		d.logger.Printf("❌ Failed to marshal webhook payload: %v", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Printf("❌ Failed to create webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-RegDoc-Event-Type", job.payload.Type)
	req.Header.Set("X-RegDoc-Event-ID", job.payload.ID)
	req.Header.Set("X-RegDoc-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.subscriber.Secret != "" {
		req.Header.Set("X-RegDoc-Signature", "sha256="+SignPayload(body, job.subscriber.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("❌ Webhook delivery failed: %s → %v", job.subscriber.URL, err)
		d.registry.MarkFailed(job.subscriber.ID)
		// Retry up to 3 times with quadratic backoff.
		if job.attempt < 3 {
			time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
			job.attempt++
			select {
			case d.queue <- job:
			default:
			}
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("⚠️  Webhook returned %d: %s → %s", resp.StatusCode, job.subscriber.URL, job.payload.Type)
		d.registry.MarkFailed(job.subscriber.ID)
		return
	}
	d.registry.MarkDelivered(job.subscriber.ID)
	d.logger.Printf("✅ Webhook delivered: %s → %s (%s)", job.payload.Type, job.subscriber.URL, job.payload.ID)
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

// NopEmitter drops every event. Used where webhook delivery is not wired.
type NopEmitter struct{}

func (NopEmitter) Emit(string, string, map[string]interface{}) {}
func (NopEmitter) Shutdown()                                   {}
