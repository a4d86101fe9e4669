package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	_, ch1 := bus.Subscribe()
	_, ch2 := bus.Subscribe()

	bus.Publish(context.Background(), TopicImageCount, 42)

	for _, ch := range []<-chan Message{ch1, ch2} {
		msg := <-ch
		assert.Equal(t, TopicImageCount, msg.Topic)
		assert.Equal(t, 42, msg.Payload)
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	_, ch := bus.Subscribe()

	// Overfill the queue; Publish must never block.
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(context.Background(), TopicStorageStats, i)
	}

	received := 0
	for {
		select {
		case msg := <-ch:
			// Drops happen at the tail: what got through is the oldest run.
			assert.Equal(t, received, msg.Payload)
			received++
		default:
			assert.Equal(t, subscriberBuffer, received)
			return
		}
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	id, ch := bus.Subscribe()
	require.Equal(t, 1, bus.Subscribers())

	bus.Unsubscribe(id)
	assert.Equal(t, 0, bus.Subscribers())

	_, open := <-ch
	assert.False(t, open)

	// Publishing with no subscribers is a no-op.
	bus.Publish(context.Background(), TopicImageCount, 1)
	// Double unsubscribe is a no-op.
	bus.Unsubscribe(id)
}
