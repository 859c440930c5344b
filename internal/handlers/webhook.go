package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	gocache "github.com/patrickmn/go-cache"

	"meetai/internal/models"
	"meetai/internal/services"
)

// WebhookVerifier checks webhook authenticity against the raw body
type WebhookVerifier interface {
	VerifyWebhook(body []byte, signature string) bool
}

// MeetingStore is the persistence surface the dispatcher consumes
type MeetingStore interface {
	GetByID(ctx context.Context, id string) (*models.Meeting, error)
	Start(ctx context.Context, id string, at time.Time) error
	Complete(ctx context.Context, id string, at time.Time) error
	SetTranscriptURL(ctx context.Context, id, url string) error
	SetRecordingURL(ctx context.Context, id, url string) error
}

// AgentStore resolves agent profiles
type AgentStore interface {
	GetByID(ctx context.Context, id string) (*models.Agent, error)
}

// Attacher runs the agent attachment handshake
type Attacher interface {
	Attach(ctx context.Context, meeting *models.Meeting, agent *models.Agent) error
}

// SummaryQueue hands transcripts to the background summarization job
type SummaryQueue interface {
	Enqueue(ctx context.Context, meetingID, transcriptURL string) error
}

// WebhookHandler demultiplexes verified video-provider events and drives the
// attachment orchestrator. Once a delivery passes verification, internal
// attachment failures never surface as webhook failures: the call proceeds
// without the agent rather than triggering a provider retry storm.
type WebhookHandler struct {
	verifier  WebhookVerifier
	meetings  MeetingStore
	agents    AgentStore
	attacher  Attacher
	registry  *services.ConnectionRegistry
	summaries SummaryQueue
	events    *services.EventBus
	metrics   *services.Metrics

	// Recently acknowledged event bodies; the provider delivers
	// at-least-once, so identical retries short-circuit here.
	seen *gocache.Cache
}

// NewWebhookHandler creates a new webhook handler. summaries, events and
// metrics may be nil.
func NewWebhookHandler(verifier WebhookVerifier, meetings MeetingStore, agents AgentStore, attacher Attacher, registry *services.ConnectionRegistry, summaries SummaryQueue, events *services.EventBus, metrics *services.Metrics) *WebhookHandler {
	return &WebhookHandler{
		verifier:  verifier,
		meetings:  meetings,
		agents:    agents,
		attacher:  attacher,
		registry:  registry,
		summaries: summaries,
		events:    events,
		metrics:   metrics,
		seen:      gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// Handle handles incoming webhooks from the video provider
// POST /api/webhook
// Headers: x-signature (HMAC-SHA256 of body), x-api-key
func (h *WebhookHandler) Handle(c *fiber.Ctx) error {
	signature := c.Get("x-signature")
	apiKey := c.Get("x-api-key")

	if signature == "" || apiKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing signature or API key",
		})
	}

	// Verify on the raw bytes before trusting anything in the payload
	body := c.Body()
	if !h.verifier.VerifyWebhook(body, signature) {
		log.Printf("❌ Webhook signature verification failed")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid signature",
		})
	}

	digest := sha256.Sum256(body)
	bodyKey := hex.EncodeToString(digest[:])
	if _, dup := h.seen.Get(bodyKey); dup {
		log.Printf("⚠️  Duplicate webhook delivery, already acknowledged")
		return c.JSON(fiber.Map{"status": "ok", "message": "Duplicate event"})
	}

	var event models.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON",
		})
	}

	var err error
	switch event.Type {
	case models.EventSessionStarted:
		err = h.handleSessionStarted(c, &event)
	case models.EventParticipantJoined:
		err = h.handleParticipantJoined(c, &event)
	case models.EventCallEnded:
		err = h.handleCallEnded(c, &event)
	case models.EventTranscriptionReady:
		err = h.handleTranscriptionReady(c, &event)
	case models.EventRecordingReady:
		err = h.handleRecordingReady(c, &event)
	default:
		// Unhandled event types (participant_left etc.) are acknowledged as no-ops
		err = c.JSON(fiber.Map{"status": "ok"})
	}

	if c.Response().StatusCode() < 300 {
		h.seen.Set(bodyKey, struct{}{}, gocache.DefaultExpiration)
	}
	return err
}

// meetingIDFromCall extracts the meeting id carried in the call object
func meetingIDFromCall(event *models.WebhookEvent) string {
	if event.Call == nil {
		return ""
	}
	return event.Call.ID
}

// meetingIDFromCID extracts the meeting id from a composite call id of the
// form "<type>:<meetingId>".
func meetingIDFromCID(cid string) string {
	parts := strings.SplitN(cid, ":", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

func (h *WebhookHandler) handleSessionStarted(c *fiber.Ctx, event *models.WebhookEvent) error {
	meetingID := meetingIDFromCall(event)
	if meetingID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing meetingId",
		})
	}

	// Atomic check-and-set: exactly one concurrent session_started per
	// meeting gets past this point.
	if !h.registry.TryBeginProcessing(meetingID) {
		log.Printf("⚠️  Already processing session start for meeting %s, skipping", meetingID)
		h.metrics.RecordWebhookEvent(event.Type, "already_processing")
		return c.JSON(fiber.Map{"status": "ok", "message": "Already processing"})
	}
	defer h.registry.EndProcessing(meetingID)

	ctx := c.Context()

	meeting, err := h.meetings.GetByID(ctx, meetingID)
	if err != nil {
		h.metrics.RecordWebhookEvent(event.Type, "meeting_not_found")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Meeting not found",
		})
	}

	// Duplicate-event guard: anything past upcoming must not re-attach
	if meeting.Status.IsTerminal() {
		h.metrics.RecordWebhookEvent(event.Type, "terminal_status")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Meeting not found",
		})
	}

	// Mark intent before any external attachment attempt: a failed attach
	// must still leave the record of the session having started.
	if err := h.meetings.Start(ctx, meeting.ID, time.Now()); err != nil {
		if errors.Is(err, services.ErrMeetingNotFound) {
			// Lost the conditional update race to a concurrent writer
			h.metrics.RecordWebhookEvent(event.Type, "lost_race")
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Meeting not found",
			})
		}
		log.Printf("❌ Failed to mark meeting %s active: %v", meetingID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update meeting",
		})
	}
	meeting.Status = models.MeetingStatusActive

	agent, err := h.agents.GetByID(ctx, meeting.AgentID)
	if err != nil {
		h.metrics.RecordWebhookEvent(event.Type, "agent_not_found")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Agent not found",
		})
	}

	key := services.ConnectionKey{MeetingID: meeting.ID, AgentID: agent.ID}
	if h.registry.IsConnected(key) {
		h.metrics.RecordWebhookEvent(event.Type, "already_connected")
		return c.JSON(fiber.Map{"status": "ok", "message": "Agent already connected"})
	}

	log.Printf("🔌 Connecting agent %s to call %s", agent.ID, meeting.ID)
	if err := h.attacher.Attach(ctx, meeting, agent); err != nil {
		// The call proceeds without the agent; acknowledging the webhook
		// stops the provider from retrying a legitimately running meeting.
		log.Printf("❌ Failed to attach agent to meeting %s: %v", meetingID, err)
		h.metrics.RecordWebhookEvent(event.Type, "attach_failed")
		return c.JSON(fiber.Map{"status": "ok"})
	}

	h.metrics.RecordWebhookEvent(event.Type, "attached")
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleParticipantJoined is the catch-up path: it repairs the race where
// the call session starts before the agent can be connected, or where the
// initial attachment attempt failed. All outcomes acknowledge 200.
func (h *WebhookHandler) handleParticipantJoined(c *fiber.Ctx, event *models.WebhookEvent) error {
	meetingID := meetingIDFromCall(event)
	if meetingID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing meetingId",
		})
	}

	ctx := c.Context()

	meeting, err := h.meetings.GetByID(ctx, meetingID)
	if err != nil {
		return c.JSON(fiber.Map{"status": "ok"})
	}

	// A participant_joined delivered after ended (or for a cancelled
	// meeting) must not resurrect a link.
	if meeting.Status == models.MeetingStatusCompleted ||
		meeting.Status == models.MeetingStatusProcessing ||
		meeting.Status == models.MeetingStatusCancelled {
		return c.JSON(fiber.Map{"status": "ok"})
	}

	agent, err := h.agents.GetByID(ctx, meeting.AgentID)
	if err != nil {
		return c.JSON(fiber.Map{"status": "ok"})
	}

	key := services.ConnectionKey{MeetingID: meeting.ID, AgentID: agent.ID}
	if h.registry.IsConnected(key) {
		return c.JSON(fiber.Map{"status": "ok"})
	}

	// Serialize with any concurrent session_started for the same meeting
	if !h.registry.TryBeginProcessing(meetingID) {
		return c.JSON(fiber.Map{"status": "ok", "message": "Already processing"})
	}
	defer h.registry.EndProcessing(meetingID)

	if h.registry.IsConnected(key) {
		return c.JSON(fiber.Map{"status": "ok"})
	}

	log.Printf("🔌 Participant joined - connecting agent %s to call %s", agent.ID, meeting.ID)
	if err := h.attacher.Attach(ctx, meeting, agent); err != nil {
		log.Printf("❌ Catch-up attach failed for meeting %s: %v", meetingID, err)
		h.metrics.RecordWebhookEvent(event.Type, "attach_failed")
		return c.JSON(fiber.Map{"status": "ok"})
	}

	h.metrics.RecordWebhookEvent(event.Type, "attached")
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *WebhookHandler) handleCallEnded(c *fiber.Ctx, event *models.WebhookEvent) error {
	meetingID := meetingIDFromCID(event.CallCID)
	if meetingID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing meetingId",
		})
	}

	ctx := c.Context()

	removed := h.registry.DisconnectAll(ctx, meetingID)
	if removed > 0 {
		log.Printf("🧹 Cleaned up %d agent link(s) for meeting %s", removed, meetingID)
	}

	if err := h.meetings.Complete(ctx, meetingID, time.Now()); err != nil {
		// A retry can settle the row; Complete is idempotent
		log.Printf("❌ Failed to complete meeting %s: %v", meetingID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update meeting",
		})
	}

	h.events.Publish(ctx, services.EventMeetingCompleted, meetingID, "")
	h.metrics.RecordWebhookEvent(event.Type, "completed")
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleTranscriptionReady hands the transcript to the background
// summarization queue; the webhook never waits on summarization.
func (h *WebhookHandler) handleTranscriptionReady(c *fiber.Ctx, event *models.WebhookEvent) error {
	meetingID := meetingIDFromCID(event.CallCID)
	if meetingID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing meetingId",
		})
	}
	if event.Transcription == nil || event.Transcription.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing transcript URL",
		})
	}

	ctx := c.Context()

	if err := h.meetings.SetTranscriptURL(ctx, meetingID, event.Transcription.URL); err != nil {
		log.Printf("⚠️  Failed to store transcript URL for %s: %v", meetingID, err)
	}

	if h.summaries != nil {
		if err := h.summaries.Enqueue(ctx, meetingID, event.Transcription.URL); err != nil {
			log.Printf("❌ Failed to enqueue summarization for %s: %v", meetingID, err)
		}
	}

	h.metrics.RecordWebhookEvent(event.Type, "queued")
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *WebhookHandler) handleRecordingReady(c *fiber.Ctx, event *models.WebhookEvent) error {
	meetingID := meetingIDFromCID(event.CallCID)
	if meetingID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing meetingId",
		})
	}
	if event.Recording == nil || event.Recording.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing recording URL",
		})
	}

	if err := h.meetings.SetRecordingURL(c.Context(), meetingID, event.Recording.URL); err != nil {
		log.Printf("⚠️  Failed to store recording URL for %s: %v", meetingID, err)
	}

	h.metrics.RecordWebhookEvent(event.Type, "stored")
	return c.JSON(fiber.Map{"status": "ok"})
}
