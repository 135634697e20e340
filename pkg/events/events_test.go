package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()

	broker.Publish(&Event{
		ID:      "ev-1",
		Type:    EventDeploymentQueued,
		Project: "hello",
	})

	select {
	case event := <-sub:
		assert.Equal(t, EventDeploymentQueued, event.Type)
		assert.Equal(t, "hello", event.Project)
		assert.False(t, event.Timestamp.IsZero(), "timestamp should be stamped on publish")
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	first := broker.Subscribe()
	second := broker.Subscribe()

	broker.Publish(&Event{ID: "ev-1", Type: EventDeploymentDeployed, Project: "svc"})

	for _, sub := range []Subscriber{first, second} {
		select {
		case event := <-sub:
			assert.Equal(t, EventDeploymentDeployed, event.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)

	_, open := <-sub
	require.False(t, open, "unsubscribed channel should be closed")

	// Double unsubscribe must not panic.
	broker.Unsubscribe(sub)
}

func TestStopIsIdempotent(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	broker.Stop()
	broker.Stop()
}
