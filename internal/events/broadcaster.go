// Package events fans out file change notifications to SSE subscribers.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/markpippins/throttler/internal/metrics"
	"github.com/markpippins/throttler/pkg/protocol"
)

// Event is a file system change, as sent to clients.
type Event = protocol.Event

// Subscription receives events below a path prefix.
type Subscription struct {
	C      chan Event
	prefix string
}

func (s *Subscription) wants(e Event) bool {
	if s.prefix == "/" || s.prefix == "" {
		return true
	}
	return under(e.Path, s.prefix) || (e.From != "" && under(e.From, s.prefix))
}

func under(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	closed      bool
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Subscribe adds a subscriber for events at or below prefix ("/" for all).
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(prefix string) *Subscription {
	sub := &Subscription{C: make(chan Event, 64), prefix: prefix}
	b.mu.Lock()
	if b.closed {
		close(sub.C)
	} else {
		b.subscribers[sub] = struct{}{}
	}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.C)
	}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to all interested subscribers. Non-blocking: drops
// events for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.C <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordSSEEvent(event.Type, event.Source)
}

// Close closes every subscription; later subscriptions start closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for sub := range b.subscribers {
		close(sub.C)
		delete(b.subscribers, sub)
	}
	b.closed = true
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(0)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
