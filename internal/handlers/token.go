package handlers

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"meetai/internal/middleware"
	"meetai/internal/models"
	"meetai/internal/services"
	"meetai/internal/video"
)

// TokenHandler issues call credentials to the browser client. Issuing a
// token also pre-provisions the call resource with both the human and the
// agent as members, so the webhook-driven attachment finds the agent
// already on the member list.
type TokenHandler struct {
	meetings *services.MeetingService
	agents   *services.AgentService
	provider *video.Client
	validity time.Duration
}

// NewTokenHandler creates a new token handler
func NewTokenHandler(meetings *services.MeetingService, agents *services.AgentService, provider *video.Client, validity time.Duration) *TokenHandler {
	return &TokenHandler{
		meetings: meetings,
		agents:   agents,
		provider: provider,
		validity: validity,
	}
}

// Issue handles POST /api/meetings/:id/token
func (h *TokenHandler) Issue(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	ctx := c.Context()

	meeting, err := h.meetings.GetOwned(ctx, c.Params("id"), userID)
	if errors.Is(err, services.ErrMeetingNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Meeting not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch meeting"})
	}

	// No tokens for calls that can no longer happen
	if meeting.Status == models.MeetingStatusCompleted || meeting.Status == models.MeetingStatusCancelled {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Meeting is no longer joinable"})
	}

	agent, err := h.agents.GetByID(ctx, meeting.AgentID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch agent"})
	}

	if err := h.provider.UpsertUser(ctx, userID, userID); err != nil {
		log.Printf("⚠️  Failed to upsert user %s: %v", userID, err)
	}

	members := []video.Member{
		{UserID: userID, Role: "admin"},
		{UserID: agent.ID, Role: "call_member"},
	}
	if err := h.provider.GetOrCreateCall(ctx, services.CallType, meeting.ID, userID, members); err != nil {
		log.Printf("❌ Failed to provision call for meeting %s: %v", meeting.ID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Failed to provision call"})
	}

	token, err := h.provider.MintUserToken(userID, h.validity)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to mint token"})
	}

	return c.JSON(fiber.Map{
		"token":      token,
		"call_id":    meeting.ID,
		"call_type":  services.CallType,
		"expires_in": int(h.validity.Seconds()),
	})
}
