package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeShape(t *testing.T) {
	event := New(TypeDocumentApproved, "d1", map[string]interface{}{"version": "1.0"})

	assert.Equal(t, "1.0", event.SpecVersion)
	assert.Equal(t, TypeDocumentApproved, event.Type)
	assert.Equal(t, Source, event.Source)
	assert.Equal(t, "d1", event.Subject)
	assert.NotEmpty(t, event.ID)

	data, err := event.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"specversion":"1.0"`)
}

func TestTypedSubscription(t *testing.T) {
	bus := NewBus()
	approved := bus.Subscribe(TypeDocumentApproved)
	defer bus.Unsubscribe(approved)

	bus.Emit(TypeDocumentCreated, "d1", nil)
	bus.Emit(TypeDocumentApproved, "d2", nil)

	select {
	case event := <-approved:
		assert.Equal(t, "d2", event.Subject)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case event := <-approved:
		t.Fatalf("unexpected event %s", event.Type)
	default:
	}
}

func TestAllEventsSubscription(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()
	defer bus.Unsubscribe(all)

	bus.Emit(TypeDocumentCreated, "d1", nil)
	bus.Emit(TypeDocumentWithdrawn, "d1", nil)

	got := []string{(<-all).Type, (<-all).Type}
	assert.Equal(t, []string{TypeDocumentCreated, TypeDocumentWithdrawn}, got)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeDocumentCreated)
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestFullBufferDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TypeDocumentCreated)
	defer bus.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		bus.Emit(TypeDocumentCreated, "d1", nil)
		bus.Emit(TypeDocumentCreated, "d2", nil) // dropped, buffer full
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

// fakePubSub loops published payloads straight back to subscribers.
type fakePubSub struct {
	handlers []func([]byte)
}

func (f *fakePubSub) Publish(_ context.Context, _ string, message []byte) error {
	for _, h := range f.handlers {
		h(message)
	}
	return nil
}

func (f *fakePubSub) Subscribe(_ context.Context, _ string, handler func([]byte)) (func(), error) {
	f.handlers = append(f.handlers, handler)
	return func() {}, nil
}

func TestRedisBusMirrorsOntoLocalBus(t *testing.T) {
	local := NewBus()
	ch := local.Subscribe(TypeDocumentApproved)
	defer local.Unsubscribe(ch)

	bus, err := NewRedisBus(&fakePubSub{}, "", local)
	require.NoError(t, err)
	defer bus.Close()

	bus.Emit(TypeDocumentApproved, "d1", map[string]interface{}{"version": "1.0"})

	select {
	case event := <-ch:
		assert.Equal(t, "d1", event.Subject)
		assert.Equal(t, "1.0", event.Data["version"])
	case <-time.After(time.Second):
		t.Fatal("event did not round-trip through pub/sub")
	}
}
