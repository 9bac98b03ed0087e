package kernel

import (
	"testing"
	"time"
)

func TestEventBusPublishDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()

	bus.Publish(OverlayEvent)

	select {
	case got := <-ch:
		if got != OverlayEvent {
			t.Errorf("topic = %v, want %v", got, OverlayEvent)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive publish")
	}
}

func TestEventBusPublishSkipsFullSubscriber(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()

	bus.Publish(FlowEvent) // fills the buffered slot
	bus.Publish(FlowEvent) // must not block even though ch is still unread

	select {
	case <-ch:
	default:
		t.Fatalf("expected a pending notification")
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	_, ok := <-ch
	if ok {
		t.Fatalf("expected channel closed after Unsubscribe")
	}
}

func TestTopicString(t *testing.T) {
	cases := map[Topic]string{
		FlowEvent:    "flow_event",
		OverlayEvent: "overlay_event",
		Topic(99):    "unknown_event",
	}
	for topic, want := range cases {
		if got := topic.String(); got != want {
			t.Errorf("Topic(%d).String() = %q, want %q", topic, got, want)
		}
	}
}
