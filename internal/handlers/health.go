package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"meetai/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	registry *services.ConnectionRegistry
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(registry *services.ConnectionRegistry) *HealthHandler {
	return &HealthHandler{registry: registry}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "healthy",
		"links":      h.registry.Count(),
		"processing": h.registry.ProcessingCount(),
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}
