package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"meetai/internal/middleware"
	"meetai/internal/models"
	"meetai/internal/services"
)

// MeetingHandler manages meeting CRUD. Lifecycle transitions (start,
// complete) belong to the webhook path; the API only schedules, edits and
// cancels.
type MeetingHandler struct {
	meetings *services.MeetingService
	agents   *services.AgentService
}

// NewMeetingHandler creates a new meeting handler
func NewMeetingHandler(meetings *services.MeetingService, agents *services.AgentService) *MeetingHandler {
	return &MeetingHandler{meetings: meetings, agents: agents}
}

type meetingRequest struct {
	Name    string `json:"name"`
	AgentID string `json:"agent_id"`
}

func (r *meetingRequest) validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.AgentID == "" {
		return errors.New("agent_id is required")
	}
	return nil
}

// Create handles POST /api/meetings
func (h *MeetingHandler) Create(c *fiber.Ctx) error {
	var req meetingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if err := req.validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	userID := middleware.UserID(c)

	// The agent must exist and belong to the caller
	if _, err := h.agents.GetOwned(c.Context(), req.AgentID, userID); err != nil {
		if errors.Is(err, services.ErrAgentNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Agent not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to verify agent"})
	}

	meeting := &models.Meeting{
		ID:      uuid.NewString(),
		UserID:  userID,
		AgentID: req.AgentID,
		Name:    req.Name,
		Status:  models.MeetingStatusUpcoming,
	}
	if err := h.meetings.Create(c.Context(), meeting); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create meeting"})
	}
	return c.Status(fiber.StatusCreated).JSON(meeting)
}

// List handles GET /api/meetings with status/agent/search filters
func (h *MeetingHandler) List(c *fiber.Ctx) error {
	filter := services.ListFilter{
		Status:   models.MeetingStatus(c.Query("status")),
		AgentID:  c.Query("agent_id"),
		Search:   c.Query("search"),
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", 10),
	}

	meetings, total, err := h.meetings.List(c.Context(), middleware.UserID(c), filter)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list meetings"})
	}
	if meetings == nil {
		meetings = []*models.Meeting{}
	}
	return c.JSON(fiber.Map{
		"meetings": meetings,
		"total":    total,
		"page":     filter.Page,
	})
}

// Get handles GET /api/meetings/:id
func (h *MeetingHandler) Get(c *fiber.Ctx) error {
	meeting, err := h.meetings.GetOwned(c.Context(), c.Params("id"), middleware.UserID(c))
	if errors.Is(err, services.ErrMeetingNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Meeting not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch meeting"})
	}
	return c.JSON(meeting)
}

// Update handles PUT /api/meetings/:id
func (h *MeetingHandler) Update(c *fiber.Ctx) error {
	var req meetingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if err := req.validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	err := h.meetings.Update(c.Context(), c.Params("id"), middleware.UserID(c), req.Name, req.AgentID)
	if errors.Is(err, services.ErrMeetingNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Meeting not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update meeting"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// Cancel handles POST /api/meetings/:id/cancel. Only upcoming meetings can
// be cancelled; anything else reads as not found.
func (h *MeetingHandler) Cancel(c *fiber.Ctx) error {
	err := h.meetings.Cancel(c.Context(), c.Params("id"), middleware.UserID(c))
	if errors.Is(err, services.ErrMeetingNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Meeting not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to cancel meeting"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// Delete handles DELETE /api/meetings/:id
func (h *MeetingHandler) Delete(c *fiber.Ctx) error {
	err := h.meetings.Delete(c.Context(), c.Params("id"), middleware.UserID(c))
	if errors.Is(err, services.ErrMeetingNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Meeting not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to delete meeting"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
