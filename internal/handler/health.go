package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Pinger reports whether a backing service is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	store             Pinger
	storageConfigured bool
	authConfigured    bool
}

func NewHealthHandler(store Pinger, storageConfigured, authConfigured bool) *HealthHandler {
	return &HealthHandler{
		store:             store,
		storageConfigured: storageConfigured,
		authConfigured:    authConfigured,
	}
}

// Root handles GET /
func (h *HealthHandler) Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"timestamp": time.Now().Unix(),
	})
}

// Health handles GET /health
// @Summary      Health check
// @Tags         Health
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Router       /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	storeUp := h.store != nil && h.store.Ping(ctx) == nil
	status := "ok"
	if !storeUp {
		status = "degraded"
	}

	return c.JSON(fiber.Map{
		"status": status,
		"services": fiber.Map{
			"store":   storeUp,
			"storage": h.storageConfigured,
			"auth":    h.authConfigured,
		},
	})
}
