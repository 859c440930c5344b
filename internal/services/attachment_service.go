package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"meetai/internal/models"
	"meetai/internal/video"
)

// Event types published on the meeting event stream
const (
	EventAgentAttached    = "agent_attached"
	EventAgentDetached    = "agent_detached"
	EventMeetingCompleted = "meeting_completed"
	EventSummaryReady     = "summary_ready"
)

// VideoProvider is the slice of the video client the orchestrator needs
type VideoProvider interface {
	UpsertUser(ctx context.Context, id, name string) error
	MintCallToken(userID string, callCIDs []string, validity time.Duration) (string, error)
	GetCallState(ctx context.Context, callType, callID string) (*video.CallState, error)
	OpenRealtime(ctx context.Context, realtimeURL, callCID, agentUserID, callToken, voiceAPIKey string) (video.RealtimeLink, error)
}

// DefaultInstructions is used when an agent profile carries no instructions
const DefaultInstructions = "You are a helpful AI assistant in a video call. Listen carefully and respond naturally."

// CallType is the provider-side call category; all meetings use it
const CallType = "default"

// AttachmentService runs the multi-step handshake that puts an agent into a
// live call: ensure identity, mint credentials, open the realtime link, push
// configuration, verify liveness, register cleanup. Failures after the
// meeting is already active are reported to the caller but never block the
// call itself.
type AttachmentService struct {
	registry *ConnectionRegistry
	provider VideoProvider
	events   *EventBus
	metrics  *Metrics

	voiceAPIKey       string
	realtimeURL       string
	callTokenValidity time.Duration

	// Readiness poll: bounded total wait, then explicit failure
	readyAttempts int
	readyInterval time.Duration
}

// NewAttachmentService creates the orchestrator. events and metrics may be nil.
func NewAttachmentService(registry *ConnectionRegistry, provider VideoProvider, events *EventBus, metrics *Metrics, voiceAPIKey, realtimeURL string, callTokenValidity time.Duration) *AttachmentService {
	return &AttachmentService{
		registry:          registry,
		provider:          provider,
		events:            events,
		metrics:           metrics,
		voiceAPIKey:       voiceAPIKey,
		realtimeURL:       realtimeURL,
		callTokenValidity: callTokenValidity,
		readyAttempts:     5,
		readyInterval:     200 * time.Millisecond,
	}
}

// ValidateVoiceKey fails fast when the voice-completion provider credential
// is absent or malformed. Configuration, not transient: callers must not
// retry the attachment on this error.
func (s *AttachmentService) ValidateVoiceKey() error {
	if s.voiceAPIKey == "" || !strings.HasPrefix(s.voiceAPIKey, "sk-") {
		return ErrVoiceKeyInvalid
	}
	return nil
}

// Attach connects an agent to a live call. Idempotent per (meeting, agent):
// an existing registry entry makes it a no-op. Callers serialize concurrent
// attempts for the same meeting through the registry's processing marker.
func (s *AttachmentService) Attach(ctx context.Context, meeting *models.Meeting, agent *models.Agent) error {
	key := ConnectionKey{MeetingID: meeting.ID, AgentID: agent.ID}

	if s.registry.IsConnected(key) {
		log.Printf("⚠️  Agent already connected, skipping: %s", key)
		return nil
	}

	s.metrics.RecordAttachAttempt()
	started := time.Now()

	// Identity upsert is idempotent by id; a failure here usually means the
	// identity already exists, so the attach continues regardless.
	if err := s.provider.UpsertUser(ctx, agent.ID, agent.Name); err != nil {
		log.Printf("⚠️  Failed to upsert agent identity %s: %v", agent.ID, err)
	}

	if err := s.ValidateVoiceKey(); err != nil {
		s.metrics.RecordAttachFailure("voice_key")
		return err
	}

	cid := CallType + ":" + meeting.ID
	token, err := s.provider.MintCallToken(agent.ID, []string{cid}, s.callTokenValidity)
	if err != nil {
		s.metrics.RecordAttachFailure("token")
		return fmt.Errorf("failed to mint call token: %w", err)
	}

	// The call should have been pre-provisioned with the agent as a member
	// by the token-issuance endpoint; a missing membership is survivable
	// but worth flagging.
	if state, err := s.provider.GetCallState(ctx, CallType, meeting.ID); err != nil {
		log.Printf("⚠️  Could not verify call state for %s: %v", meeting.ID, err)
	} else if !memberOf(state.Members, agent.ID) {
		log.Printf("⚠️  Agent %s is not a member of call %s - attachment may misbehave", agent.ID, meeting.ID)
	}

	link, err := s.provider.OpenRealtime(ctx, s.realtimeURL, cid, agent.ID, token, s.voiceAPIKey)
	if err != nil {
		s.metrics.RecordAttachFailure("open_link")
		return fmt.Errorf("failed to open realtime link: %w", err)
	}

	link.Subscribe(video.LinkObserver{
		OnTranscript: func(ev video.TranscriptEvent) {
			s.metrics.RecordTranscriptItem()
			log.Printf("📝 Transcript item on %s (%s): %d chars", key, ev.Role, len(ev.Text))
		},
		OnSpeech: func(startedSpeaking bool) {
			if startedSpeaking {
				log.Printf("🎤 Speech detected on %s", key)
			}
		},
		OnError: func(err error) {
			log.Printf("❌ Realtime link error on %s: %v", key, err)
		},
		OnClosed: func() {
			// Closure must free the key so a later event can re-attach
			log.Printf("⚠️  Realtime link closed: %s", key)
			s.registry.MarkDisconnected(key)
			s.events.Publish(context.Background(), EventAgentDetached, meeting.ID, agent.ID)
		},
	})

	instructions := agent.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}
	cfg := video.SessionConfig{
		Instructions: instructions,
		Voice:        "alloy",
		Temperature:  0.8,
	}
	if err := link.UpdateSession(ctx, cfg); err != nil {
		link.Disconnect(ctx)
		s.metrics.RecordAttachFailure("configure")
		return fmt.Errorf("failed to configure realtime session: %w", err)
	}

	if !s.waitReady(ctx, link) {
		link.Disconnect(ctx)
		s.metrics.RecordAttachFailure("liveness")
		return ErrLinkDisconnected
	}

	s.registry.MarkConnected(key, link.Disconnect)
	s.metrics.RecordAttachLatency(time.Since(started).Seconds())
	s.events.Publish(ctx, EventAgentAttached, meeting.ID, agent.ID)
	log.Printf("✅ Agent attached: %s", key)
	return nil
}

// waitReady polls the link's liveness with exponential backoff. The total
// wait is bounded; running out of attempts is an explicit failure, never a
// silent success.
func (s *AttachmentService) waitReady(ctx context.Context, link video.RealtimeLink) bool {
	interval := s.readyInterval
	for i := 0; i < s.readyAttempts; i++ {
		if link.IsConnected() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
		interval *= 2
	}
	return link.IsConnected()
}

func memberOf(members []video.Member, userID string) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
