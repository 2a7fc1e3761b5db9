package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHubCoalescesSignals(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(TopicOpenPings)
	defer cancel()

	h.Notify(TopicOpenPings)
	h.Notify(TopicOpenPings)
	h.Notify(TopicOpenPings)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a signal")
	}

	select {
	case <-ch:
		t.Fatal("signals should coalesce into one")
	default:
	}
}

func TestHubTopicIsolation(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe(AlertTopic("u1"))
	defer cancelA()
	b, cancelB := h.Subscribe(AlertTopic("u2"))
	defer cancelB()

	h.Notify(AlertTopic("u1"))

	assert.Len(t, a, 1)
	assert.Len(t, b, 0)
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(RequesterTopic("u1"))
	assert.Equal(t, 1, h.Subscribers(RequesterTopic("u1")))

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers(RequesterTopic("u1")))

	// must not panic after cancel
	h.Notify(RequesterTopic("u1"))
}

func TestNilHubNotify(t *testing.T) {
	var h *Hub
	h.Notify(TopicOpenPings)
}
