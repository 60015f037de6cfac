package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/socialsync/publisher/internal/service"
)

type LimitsHandler struct {
	s service.LimitsService
}

func NewLimitsHandler(service service.LimitsService) *LimitsHandler {
	return &LimitsHandler{s: service}
}

func (h *LimitsHandler) GetLimits(c *fiber.Ctx) error {
	limits, err := h.s.GetUserLimits(c.Context(), GetUserID(c), strings.ToLower(c.Params("platform")))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(limits)
}
