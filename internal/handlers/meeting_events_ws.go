package handlers

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"

	"meetai/internal/services"
)

// MeetingEventsHandler streams a meeting's lifecycle events (agent attached,
// detached, meeting completed, summary ready) to the browser over WebSocket.
type MeetingEventsHandler struct {
	events *services.EventBus
}

// NewMeetingEventsHandler creates a new meeting events handler
func NewMeetingEventsHandler(events *services.EventBus) *MeetingEventsHandler {
	return &MeetingEventsHandler{events: events}
}

// Handle handles a new WebSocket connection on /ws/meetings/:id/events
func (h *MeetingEventsHandler) Handle(c *websocket.Conn) {
	meetingID := c.Params("id")
	if meetingID == "" {
		c.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.events.Stream(ctx, meetingID)
	if err != nil {
		log.Printf("❌ Failed to subscribe to events for meeting %s: %v", meetingID, err)
		c.Close()
		return
	}

	log.Printf("🔌 Event stream opened for meeting %s", meetingID)

	// Reader goroutine: its only job is to notice the peer going away
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case ev, ok := <-stream:
			if !ok {
				c.Close()
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				log.Printf("⚠️  Event stream write failed for meeting %s: %v", meetingID, err)
				c.Close()
				return
			}
		}
	}
}
