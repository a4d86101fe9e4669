// Package notify fans server-side state changes out to connected clients.
// Delivery is lossy on purpose: every message carries (or can be re-read as)
// the full current state, so a dropped update is superseded by the next one
// and a slow client can never stall a publisher.
package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
)

// Topics clients can receive.
const (
	TopicAIQueueStatus      = "ai_queue_status"
	TopicStorageStats       = "storage_stats"
	TopicImageCount         = "image_count"
	TopicMigrationProgress  = "migration_progress"
	TopicSmartAlbumProgress = "smart_album_progress"
)

// subscriberBuffer is the per-subscriber queue depth before drops start.
const subscriberBuffer = 32

// Message is one topic update.
type Message struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Bus is an in-process fan-out of Messages to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan Message
}

func NewBus() *Bus {
	return &Bus{subs: map[string]chan Message{}}
}

// Subscribe registers a new subscriber and returns its id and channel. The
// channel closes on Unsubscribe.
func (b *Bus) Subscribe() (string, <-chan Message) {
	id := uuid.NewString()
	ch := make(chan Message, subscriberBuffer)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// no-ops.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish delivers to every subscriber without blocking. A subscriber whose
// queue is full loses this message.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			log.WithFunc("notify.Publish").Debugf(ctx, "subscriber %s full, dropped %s", id, topic)
		}
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
