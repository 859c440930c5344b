package services

import (
	"context"
	"log"
	"sync"
)

// ConnectionKey identifies one (meeting, agent) realtime link.
// It is the unit of idempotency for agent attachment.
type ConnectionKey struct {
	MeetingID string
	AgentID   string
}

// String renders the key in the meetingId:agentId form used in logs
func (k ConnectionKey) String() string {
	return k.MeetingID + ":" + k.AgentID
}

// DetachFunc tears down one realtime link. Best-effort: errors are logged
// by the registry, never propagated.
type DetachFunc func(ctx context.Context) error

// ConnectionRegistry tracks which (meeting, agent) pairs currently hold a
// live realtime link, and which meetings have a session_started event in
// flight. It is the only mutable state shared between webhook handlers, so
// every operation takes the mutex; the check-and-set operations are atomic
// with respect to concurrent webhook deliveries.
type ConnectionRegistry struct {
	mu         sync.Mutex
	processing map[string]struct{}
	links      map[ConnectionKey]DetachFunc
}

// NewConnectionRegistry creates an empty registry. One instance is
// constructed at process start and injected into the webhook handler.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		processing: make(map[string]struct{}),
		links:      make(map[ConnectionKey]DetachFunc),
	}
}

// TryBeginProcessing atomically marks a meeting as having a session-start
// event in flight. Returns false if one is already being handled, in which
// case the caller must skip.
func (r *ConnectionRegistry) TryBeginProcessing(meetingID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processing[meetingID]; exists {
		return false
	}
	r.processing[meetingID] = struct{}{}
	return true
}

// EndProcessing removes the in-flight marker. Idempotent; must run on every
// exit path after a successful TryBeginProcessing or the meeting deadlocks.
func (r *ConnectionRegistry) EndProcessing(meetingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processing, meetingID)
}

// IsProcessing reports whether a session-start event is in flight
func (r *ConnectionRegistry) IsProcessing(meetingID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.processing[meetingID]
	return exists
}

// IsConnected reports whether a live link is registered for the key
func (r *ConnectionRegistry) IsConnected(key ConnectionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.links[key]
	return exists
}

// MarkConnected registers a live link and its detach handle.
// At most one link per key; a duplicate overwrites the stale handle.
func (r *ConnectionRegistry) MarkConnected(key ConnectionKey, detach DetachFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[key] = detach
	log.Printf("✅ Link registered: %s (live: %d)", key, len(r.links))
}

// MarkDisconnected drops a link without invoking its detach handle.
// Used when the link reports its own closure. Idempotent.
func (r *ConnectionRegistry) MarkDisconnected(key ConnectionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.links[key]; exists {
		delete(r.links, key)
		log.Printf("❌ Link removed: %s (live: %d)", key, len(r.links))
	}
}

// DisconnectAll detaches and removes every link belonging to a meeting.
// Detach failures are logged, not raised. Returns how many links were removed.
func (r *ConnectionRegistry) DisconnectAll(ctx context.Context, meetingID string) int {
	r.mu.Lock()
	detached := make(map[ConnectionKey]DetachFunc)
	for key, detach := range r.links {
		if key.MeetingID == meetingID {
			detached[key] = detach
			delete(r.links, key)
		}
	}
	r.mu.Unlock()

	// Detach outside the lock: handles do network I/O
	for key, detach := range detached {
		if detach == nil {
			continue
		}
		if err := detach(ctx); err != nil {
			log.Printf("⚠️  Error detaching %s: %v", key, err)
		} else {
			log.Printf("🧹 Detached agent link: %s", key)
		}
	}
	return len(detached)
}

// Shutdown detaches every live link. Called once during process shutdown.
func (r *ConnectionRegistry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	detached := make(map[ConnectionKey]DetachFunc, len(r.links))
	for key, detach := range r.links {
		detached[key] = detach
		delete(r.links, key)
	}
	r.mu.Unlock()

	for key, detach := range detached {
		if detach == nil {
			continue
		}
		if err := detach(ctx); err != nil {
			log.Printf("⚠️  Error detaching %s during shutdown: %v", key, err)
		}
	}
	if len(detached) > 0 {
		log.Printf("🧹 Detached %d agent link(s) during shutdown", len(detached))
	}
}

// HasLink reports whether any agent link is live for the meeting
func (r *ConnectionRegistry) HasLink(meetingID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.links {
		if key.MeetingID == meetingID {
			return true
		}
	}
	return false
}

// Count returns the number of live links
func (r *ConnectionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// ProcessingCount returns the number of in-flight session-start markers
func (r *ConnectionRegistry) ProcessingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processing)
}
