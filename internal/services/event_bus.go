package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"meetai/internal/models"
)

// EventBus fans meeting lifecycle events out to subscribers via Redis
// pub/sub. With Redis absent it degrades to a no-op publisher so the
// orchestrator never depends on it being up.
type EventBus struct {
	redis *RedisService
}

// NewEventBus creates an event bus. redis may be nil.
func NewEventBus(redis *RedisService) *EventBus {
	return &EventBus{redis: redis}
}

func meetingChannel(meetingID string) string {
	return "meeting:" + meetingID + ":events"
}

// Publish emits one meeting event. Best-effort: failures are logged.
func (b *EventBus) Publish(ctx context.Context, eventType, meetingID, agentID string) {
	if b == nil || b.redis == nil {
		return
	}
	ev := models.MeetingEvent{
		Type:      eventType,
		MeetingID: meetingID,
		AgentID:   agentID,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := b.redis.Publish(ctx, meetingChannel(meetingID), data); err != nil {
		log.Printf("⚠️  Failed to publish %s for meeting %s: %v", eventType, meetingID, err)
	}
}

// Stream delivers a meeting's events to the returned channel until ctx is
// cancelled. Used by the browser websocket endpoint. Errors when Redis is
// not configured; the caller closes the socket.
func (b *EventBus) Stream(ctx context.Context, meetingID string) (<-chan models.MeetingEvent, error) {
	if b == nil || b.redis == nil {
		return nil, errors.New("event stream unavailable - Redis not configured")
	}
	sub := b.redis.Subscribe(ctx, meetingChannel(meetingID))
	if _, err := sub.Receive(ctx); err != nil {
		return nil, err
	}

	out := make(chan models.MeetingEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev models.MeetingEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				default:
					// Slow consumer: drop rather than stall the pump
				}
			}
		}
	}()
	return out, nil
}
