// Package bus in-process fan-out for validated and rejected order events.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orderfeed/ingest/internal/metrics"
	"github.com/orderfeed/ingest/internal/repository"
	apperrors "github.com/orderfeed/ingest/pkg/errors"
	"github.com/orderfeed/ingest/pkg/logger"
	"github.com/orderfeed/ingest/pkg/validate"
)

// Kind identifies one of the two event streams.
type Kind string

const (
	// EventValidOrder carries a normalized order that passed validation.
	EventValidOrder Kind = "order.valid"
	// EventErrorOrder carries a rejected payload with its field errors.
	EventErrorOrder Kind = "order.error"
)

// Event is the envelope delivered to subscribers and kept in history.
type Event struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Payload   any    `json:"payload"`
	EmittedAt string `json:"emittedAt"`
}

// ValidOrderPayload is the payload for EventValidOrder.
type ValidOrderPayload struct {
	Order      repository.OrderEvent `json:"order"`
	ReceivedAt string                `json:"receivedAt"`
}

// ErrorOrderPayload is the payload for EventErrorOrder.
type ErrorOrderPayload struct {
	PartnerID       repository.PartnerID  `json:"partnerId"`
	OriginalOrderID string                `json:"originalOrderId,omitempty"`
	Errors          []validate.FieldError `json:"errors,omitempty"`
	RawInput        any                   `json:"rawInput,omitempty"`
	Timestamp       string                `json:"timestamp"`
}

// Record materializes the payload as a persistent error record. Passing the
// emitting event's ID keeps replayed deliveries idempotent; an empty id gets
// a fresh UUID.
func (p ErrorOrderPayload) Record(id string) *repository.ErrorEvent {
	if id == "" {
		id = uuid.NewString()
	}
	rec := &repository.ErrorEvent{
		ID:              id,
		PartnerID:       p.PartnerID,
		ExternalOrderID: p.OriginalOrderID,
		ErrorCode:       apperrors.CodeInvalidRequest,
		Message:         "payload rejected",
		Details:         p.Errors,
		OriginalPayload: p.RawInput,
		Timestamp:       p.Timestamp,
	}
	if len(p.Errors) > 0 {
		rec.ErrorCode = p.Errors[0].Code
		rec.Message = p.Errors[0].String()
	}
	return rec
}

// Handler consumes one event. A non-nil return is logged and counted but
// never propagated to the emitter or to other subscribers.
type Handler func(Event) error

type subscriber struct {
	id int64
	fn Handler
}

// EventBus delivers events synchronously to subscribers in subscription
// order and records every emitted event per kind.
type EventBus struct {
	mu      sync.RWMutex
	nextID  int64
	subs    map[Kind][]subscriber
	history map[Kind][]Event

	log *logger.Logger
	m   *metrics.Metrics
}

// New creates an empty bus. log and m may be nil.
func New(log *logger.Logger, m *metrics.Metrics) *EventBus {
	return &EventBus{
		subs:    make(map[Kind][]subscriber),
		history: make(map[Kind][]Event),
		log:     log,
		m:       m,
	}
}

// Subscribe registers fn for kind and returns a token for Unsubscribe.
func (b *EventBus) Subscribe(kind Kind, fn Handler) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[kind] = append(b.subs[kind], subscriber{id: b.nextID, fn: fn})
	return b.nextID
}

// Unsubscribe removes a subscriber. Unknown tokens are ignored.
func (b *EventBus) Unsubscribe(kind Kind, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit records the event and delivers it to every current subscriber before
// returning. Subscribers registered during delivery see only later events.
func (b *EventBus) Emit(kind Kind, payload any) Event {
	evt := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		EmittedAt: repository.FormatInstant(time.Now()),
	}

	b.mu.Lock()
	b.history[kind] = append(b.history[kind], evt)
	subs := make([]subscriber, len(b.subs[kind]))
	copy(subs, b.subs[kind])
	b.mu.Unlock()

	b.m.IncBusEvent(string(kind))

	for _, s := range subs {
		b.dispatch(s, evt)
	}
	return evt
}

// dispatch runs one handler, catching panics so a broken subscriber cannot
// take down the emitter or starve later subscribers.
func (b *EventBus) dispatch(s subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.m.IncBusHandlerError(string(evt.Kind))
			if b.log != nil {
				b.log.Errorf("bus handler panic", map[string]interface{}{
					"kind":       string(evt.Kind),
					"subscriber": s.id,
					"eventId":    evt.ID,
					"panic":      fmt.Sprintf("%v", r),
				})
			}
		}
	}()

	if err := s.fn(evt); err != nil {
		b.m.IncBusHandlerError(string(evt.Kind))
		if b.log != nil {
			b.log.WithError(err).Errorf("bus handler failed", map[string]interface{}{
				"kind":       string(evt.Kind),
				"subscriber": s.id,
				"eventId":    evt.ID,
			})
		}
	}
}

// History returns a copy of every event emitted for kind, oldest first.
func (b *EventBus) History(kind Kind) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, len(b.history[kind]))
	copy(out, b.history[kind])
	return out
}

// ClearHistory drops recorded events for every kind. Subscriptions survive.
func (b *EventBus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = make(map[Kind][]Event)
}

// SubscriberCount reports how many handlers are registered for kind.
func (b *EventBus) SubscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
