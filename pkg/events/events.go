// Package events carries catalog mutations to the components that derive state
// from them. Delivery inside a process is synchronous: Publish returns after
// every subscriber has observed the event.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pdfshelf/internal/util"
	"pdfshelf/pkg/domain"
)

type Kind string

const (
	BookCreated     Kind = "book.created"
	BookUpdated     Kind = "book.updated"
	BookDeleted     Kind = "book.deleted"
	CounterChanged  Kind = "book.counter"
	FeaturedChanged Kind = "book.featured"
)

// Event describes one committed catalog mutation.
type Event struct {
	Kind    Kind           `json:"kind"`
	BookID  string         `json:"bookId"`
	Book    *domain.Book   `json:"book,omitempty"`
	Counter domain.Counter `json:"counter,omitempty"`
	Value   int64          `json:"value,omitempty"`
	Origin  string         `json:"origin,omitempty"`
	At      time.Time      `json:"at"`
}

// Handler observes events. Handlers must not block on slow I/O.
type Handler func(ctx context.Context, ev Event)

// Forwarder relays locally published events to other processes.
type Forwarder interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus fans events out to subscribers.
type Bus struct {
	mu         sync.RWMutex
	handlers   []Handler
	forwarders []Forwarder
	origin     string
	logger     *slog.Logger
	now        func() time.Time
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		origin: util.NewID(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Origin identifies this process on shared streams.
func (b *Bus) Origin() string {
	return b.origin
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Forward registers a relay that receives every locally published event.
func (b *Bus) Forward(f Forwarder) {
	b.mu.Lock()
	b.forwarders = append(b.forwarders, f)
	b.mu.Unlock()
}

// Publish stamps ev, delivers it to local subscribers and then relays it.
// Relay failures are logged; local delivery has already happened.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	b.Deliver(ctx, ev)

	b.mu.RLock()
	forwarders := b.forwarders
	b.mu.RUnlock()
	for _, f := range forwarders {
		if err := f.Publish(ctx, ev); err != nil {
			b.logger.Warn("event relay failed", "kind", ev.Kind, "book_id", ev.BookID, "err", err)
		}
	}
}

// Deliver hands ev to local subscribers only.
func (b *Bus) Deliver(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
}
