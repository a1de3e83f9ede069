// Package eventbus implements the in-process fan-out collaborator contract
// from spec §4.5: fire-and-forget publication to typed and catch-all
// subscribers, handler panics/errors logged and swallowed, grounded on
// events.py's EventPublisher.
package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/cleanco/dispatchcore/internal/domain"
)

// Handler receives a published event. Returning an error only causes the
// bus to log it — delivery is always fire-and-forget.
type Handler func(domain.Event) error

// Bus is an in-process publish/subscribe fan-out. Handlers run
// synchronously on the publisher's goroutine, so Publish returns only after
// every handler has returned; a slow handler delays the publisher. Handler
// errors and panics never propagate back.
type Bus struct {
	mu       sync.RWMutex
	byType   map[domain.EventType][]Handler
	all      []Handler
	log      logr.Logger
	now      func() time.Time
}

// New constructs an empty bus.
func New(log logr.Logger) *Bus {
	return &Bus{
		byType: make(map[domain.EventType][]Handler),
		log:    log,
		now:    time.Now,
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t domain.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], h)
}

// SubscribeAll registers a catch-all handler invoked for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers payload to subscribers of t and to catch-all
// subscribers. Best-effort: handler failures are logged, never returned,
// per spec §4.5 ("must not fail the transition").
func (b *Bus) Publish(t domain.EventType, payload map[string]any) {
	event := domain.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Timestamp: b.now().UTC(),
	}

	b.mu.RLock()
	handlers := append([]Handler{}, b.byType[t]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeInvoke(h, event)
	}
}

func (b *Bus) safeInvoke(h Handler, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(fmt.Errorf("%v", r), "event handler panicked", "event_type", event.Type)
		}
	}()
	if err := h(event); err != nil {
		b.log.Error(err, "event handler failed", "event_type", event.Type, "event_id", event.ID)
	}
}
