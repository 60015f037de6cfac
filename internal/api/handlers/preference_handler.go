package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/socialsync/publisher/internal/service"
	"github.com/socialsync/publisher/internal/transfer"
)

type PreferenceHandler struct {
	s service.PreferenceService
}

func NewPreferenceHandler(service service.PreferenceService) *PreferenceHandler {
	return &PreferenceHandler{s: service}
}

func (h *PreferenceHandler) GetPreferences(c *fiber.Ctx) error {
	pref, err := h.s.Get(c.Context(), GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(pref)
}

func (h *PreferenceHandler) UpdatePreferences(c *fiber.Ctx) error {
	var req transfer.PreferenceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unable to parse json",
		})
	}

	pref, err := h.s.Update(c.Context(), GetUserID(c), &req)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(pref)
}

func (h *PreferenceHandler) NextTrigger(c *fiber.Ctx) error {
	next, err := h.s.NextTrigger(c.Context(), GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"next_trigger_at": next,
	})
}
