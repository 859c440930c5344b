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

// AgentHandler manages agent profile CRUD
type AgentHandler struct {
	agents *services.AgentService
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(agents *services.AgentService) *AgentHandler {
	return &AgentHandler{agents: agents}
}

type agentRequest struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

func (r *agentRequest) validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// Create handles POST /api/agents
func (h *AgentHandler) Create(c *fiber.Ctx) error {
	var req agentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if err := req.validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	agent := &models.Agent{
		ID:           uuid.NewString(),
		UserID:       middleware.UserID(c),
		Name:         req.Name,
		Instructions: req.Instructions,
	}
	if err := h.agents.Create(c.Context(), agent); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create agent"})
	}
	return c.Status(fiber.StatusCreated).JSON(agent)
}

// List handles GET /api/agents
func (h *AgentHandler) List(c *fiber.Ctx) error {
	agents, err := h.agents.List(c.Context(), middleware.UserID(c))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list agents"})
	}
	if agents == nil {
		agents = []*models.Agent{}
	}
	return c.JSON(fiber.Map{"agents": agents})
}

// Get handles GET /api/agents/:id
func (h *AgentHandler) Get(c *fiber.Ctx) error {
	agent, err := h.agents.GetOwned(c.Context(), c.Params("id"), middleware.UserID(c))
	if errors.Is(err, services.ErrAgentNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Agent not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch agent"})
	}
	return c.JSON(agent)
}

// Update handles PUT /api/agents/:id
func (h *AgentHandler) Update(c *fiber.Ctx) error {
	var req agentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if err := req.validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	err := h.agents.Update(c.Context(), c.Params("id"), middleware.UserID(c), req.Name, req.Instructions)
	if errors.Is(err, services.ErrAgentNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Agent not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update agent"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// Delete handles DELETE /api/agents/:id
func (h *AgentHandler) Delete(c *fiber.Ctx) error {
	err := h.agents.Delete(c.Context(), c.Params("id"), middleware.UserID(c))
	if errors.Is(err, services.ErrAgentNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Agent not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to delete agent"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
