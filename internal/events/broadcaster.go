// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package events fans dashboard notifications out to stream subscribers.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/devfarm/devfarm/internal/metrics"
)

// Event types published by the dashboard.
const (
	TypeRegistryUpdate = "registry-update"
	TypeEnvStatus      = "env-status"
	TypeUpdateProgress = "update-progress"
)

// DefaultBuffer is the mailbox size of a subscriber.
const DefaultBuffer = 32

// HeartbeatInterval is how often stream handlers send a keep-alive.
const HeartbeatInterval = 30 * time.Second

// Event is one notification.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	Time time.Time `json:"timestamp"`
}

// Subscription is a bounded mailbox registered with a Broadcaster.
type Subscription struct {
	ID     string
	ch     chan Event
	closed atomic.Bool
	once   sync.Once
}

// C returns the receive side of the mailbox. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close marks the subscription dead; the broadcaster prunes it on the next
// publish. Safe to call from the reader goroutine.
func (s *Subscription) Close() { s.closed.Store(true) }

// Broadcaster delivers events to every live subscriber without blocking.
// A subscriber whose mailbox is full misses the event.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	buffer  int
	dropped atomic.Uint64
	log     *slog.Logger
	now     func() time.Time
}

// NewBroadcaster returns a broadcaster whose subscribers buffer up to buffer
// events. buffer <= 0 uses DefaultBuffer.
func NewBroadcaster(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		log:    logger,
		now:    time.Now,
	}
}

// Subscribe registers a new mailbox.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{ID: uuid.NewString(), ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSubscribers(n)
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	b.remove(sub)
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSubscribers(n)
}

func (b *Broadcaster) remove(sub *Subscription) {
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	sub.closed.Store(true)
	sub.once.Do(func() { close(sub.ch) })
}

// Publish delivers an event of the given type to all live subscribers.
func (b *Broadcaster) Publish(eventType string, data any) {
	ev := Event{Type: eventType, Data: data, Time: b.now().UTC()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.closed.Load() {
			b.remove(sub)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			metrics.IncEventsDropped()
			b.log.Debug("event dropped", "subscriber", sub.ID, "type", eventType)
		}
	}
	metrics.SetSubscribers(len(b.subs))
}

// Count returns the number of registered subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped on full mailboxes.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }
