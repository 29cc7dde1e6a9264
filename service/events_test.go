package service

import (
	"testing"
	"time"
)

func TestEventHubDeliversToRunSubscribers(t *testing.T) {
	hub := NewEventHub()
	ch, cancel := hub.Subscribe("run-1")
	defer cancel()
	other, cancelOther := hub.Subscribe("run-2")
	defer cancelOther()

	hub.Publish(Event{RunID: "run-1", Kind: EventRunTransition, Status: "rendering"})

	select {
	case ev := <-ch:
		if ev.RunID != "run-1" || ev.Status != "rendering" {
			t.Fatalf("got %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Fatal("publish did not stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}

	select {
	case ev := <-other:
		t.Fatalf("run-2 subscriber received run-1 event: %+v", ev)
	default:
	}
}

func TestEventHubPublishNeverBlocks(t *testing.T) {
	hub := NewEventHub()
	_, cancel := hub.Subscribe("run-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		// far more events than the subscriber buffer holds, never drained
		for i := 0; i < 1000; i++ {
			hub.Publish(Event{RunID: "run-1", Kind: EventTaskTransition})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestEventHubCancelIsIdempotent(t *testing.T) {
	hub := NewEventHub()
	ch, cancel := hub.Subscribe("run-1")
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	// publishing to a run with no subscribers is a no-op
	hub.Publish(Event{RunID: "run-1", Kind: EventRunCompleted})
}
