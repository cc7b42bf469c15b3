// Package broadcast fans chat events out to every connection subscribed
// to a room.
package broadcast

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/metorial/chatops/internal/logging"
	"github.com/metorial/chatops/internal/models"
)

// Subscriber is one live connection. Send may be called concurrently from
// several publishers and must serialize its own writes.
type Subscriber interface {
	ID() string
	Send(event models.Event) error
}

// Broadcaster tracks room membership for the lifetime of the process.
type Broadcaster struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Subscriber
	metrics *logging.Metrics
	logger  *zap.Logger
}

func New(metrics *logging.Metrics, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		rooms:   make(map[string]map[string]Subscriber),
		metrics: metrics,
		logger:  logger.Named("broadcast"),
	}
}

// Subscribe adds sub to room. Subscribing twice is a no-op.
func (b *Broadcaster) Subscribe(sub Subscriber, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]Subscriber)
		b.rooms[room] = members
	}
	members[sub.ID()] = sub
}

// Unsubscribe removes sub from room. It is a no-op if sub is not a member.
func (b *Broadcaster) Unsubscribe(sub Subscriber, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(room, sub)
}

// Publish sends event to every current member of room. Members whose Send
// fails are dropped once the pass is over; the others still get the event.
func (b *Broadcaster) Publish(ctx context.Context, room string, event models.Event) {
	b.mu.RLock()
	members := make([]Subscriber, 0, len(b.rooms[room]))
	for _, sub := range b.rooms[room] {
		members = append(members, sub)
	}
	b.mu.RUnlock()

	var failed []Subscriber
	for _, sub := range members {
		if err := sub.Send(event); err != nil {
			b.logger.Warn("Dropping subscriber after failed send",
				zap.String("room", room),
				zap.String("subscriber", sub.ID()),
				zap.String("event", string(event.Type)),
				zap.Error(err))
			failed = append(failed, sub)
		}
	}

	if len(failed) == 0 {
		return
	}

	b.mu.Lock()
	for _, sub := range failed {
		b.remove(room, sub)
	}
	b.mu.Unlock()
	b.metrics.PublishDrops.Add(ctx, int64(len(failed)), metric.WithAttributes(attribute.String("room", room)))
}

// Count returns the number of subscribers in room.
func (b *Broadcaster) Count(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}

// Rooms returns the number of rooms with at least one subscriber.
func (b *Broadcaster) Rooms() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}

// remove must be called with mu held. A different subscriber that reused
// the same ID is left alone.
func (b *Broadcaster) remove(room string, sub Subscriber) {
	members, ok := b.rooms[room]
	if !ok {
		return
	}
	if current, ok := members[sub.ID()]; ok && current == sub {
		delete(members, sub.ID())
	}
	if len(members) == 0 {
		delete(b.rooms, room)
	}
}
