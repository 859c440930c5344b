package services

import (
	"context"
	"testing"
)

func TestEventBus_WithoutRedis(t *testing.T) {
	bus := NewEventBus(nil)

	// Publish degrades to a no-op
	bus.Publish(context.Background(), EventAgentAttached, "m1", "a1")

	// Stream must refuse instead of dereferencing a nil service; the
	// websocket handler turns the error into a close.
	ch, err := bus.Stream(context.Background(), "m1")
	if err == nil {
		t.Fatal("Stream must error when Redis is not configured")
	}
	if ch != nil {
		t.Error("no channel may be returned alongside the error")
	}
}

func TestEventBus_NilReceiver(t *testing.T) {
	var bus *EventBus

	bus.Publish(context.Background(), EventMeetingCompleted, "m1", "")

	if _, err := bus.Stream(context.Background(), "m1"); err == nil {
		t.Fatal("Stream on a nil bus must error, not panic")
	}
}
