package handlers

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	config "github.com/socialsync/publisher/configs"
	"github.com/socialsync/publisher/internal/service"
	"github.com/socialsync/publisher/internal/transfer"
	"github.com/socialsync/publisher/pkg/apperror"
)

const statusSecretHeader = "X-Webhook-Secret"

// WebhookHandler serves callbacks from external automation. Each endpoint has
// its own shared secret; an unset secret disables the endpoint.
type WebhookHandler struct {
	cfg       config.Webhooks
	posts     service.PostService
	publisher service.PublisherService
}

func NewWebhookHandler(cfg config.Webhooks, posts service.PostService, publisher service.PublisherService) *WebhookHandler {
	return &WebhookHandler{
		cfg:       cfg,
		posts:     posts,
		publisher: publisher,
	}
}

func secretMatches(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "Invalid webhook secret",
		"code":  apperror.ErrUnauthorized.ErrCode(),
	})
}

// Publish publishes a post synchronously. Authorization: Bearer <secret>.
func (h *WebhookHandler) Publish(c *fiber.Ctx) error {
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok || !secretMatches(h.cfg.PublishSecret, token) {
		return unauthorized(c)
	}

	var req transfer.PublishWebhookRequest
	if err := c.BodyParser(&req); err != nil || req.PostID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "postId is required",
		})
	}

	outcome, err := h.publisher.PublishPost(c.Context(), req.PostID, false)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(outcome)
}

func (h *WebhookHandler) UpdateStatus(c *fiber.Ctx) error {
	if !secretMatches(h.cfg.StatusSecret, c.Get(statusSecretHeader)) {
		return unauthorized(c)
	}

	var update transfer.StatusUpdate
	if err := c.BodyParser(&update); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unable to parse json",
		})
	}

	if err := h.posts.UpdateStatus(c.Context(), &update); err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"post_id": update.PostID,
		"status":  update.Status,
	})
}
