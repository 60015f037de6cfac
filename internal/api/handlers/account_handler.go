package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/gofiber/fiber/v2"
	config "github.com/socialsync/publisher/configs"
	"github.com/socialsync/publisher/internal/service"
	"github.com/socialsync/publisher/pkg/apperror"
)

type AccountHandler struct {
	s   service.AccountService
	cfg config.Config
}

func NewAccountHandler(s service.AccountService, cfg config.Config) *AccountHandler {
	return &AccountHandler{
		s:   s,
		cfg: cfg,
	}
}

func (h *AccountHandler) AddSocialAccount(c *fiber.Ctx) error {
	authURL, err := h.s.GetAuthURL(c.Context(), c.Params("platform"), GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.Redirect(authURL, fiber.StatusTemporaryRedirect)
}

// CallbackHandler finishes the consent flow and sends the browser back to the
// accounts page, with an error code when linking failed.
func (h *AccountHandler) CallbackHandler(c *fiber.Ctx) error {
	redirectURL := fmt.Sprintf("%s/dashboard/accounts", h.cfg.FrontendURL)

	if denied := c.Query("error"); denied != "" {
		slog.Info("authorization denied", "platform", c.Params("platform"), "error", denied)
		return c.Redirect(redirectURL+"?error="+url.QueryEscape(denied), fiber.StatusTemporaryRedirect)
	}

	_, err := h.s.Connect(c.Context(), c.Params("platform"), c.Query("code"), c.Query("state"))
	if err != nil {
		code := apperror.ErrInternal.ErrCode()
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			code = appErr.ErrCode()
		}
		slog.Warn("account connection failed", "platform", c.Params("platform"), "error", err)
		return c.Redirect(redirectURL+"?error="+url.QueryEscape(code), fiber.StatusTemporaryRedirect)
	}

	return c.Redirect(redirectURL, fiber.StatusTemporaryRedirect)
}

func (h *AccountHandler) ListSocialAccounts(c *fiber.Ctx) error {
	accountList, err := h.s.List(c.Context(), GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(accountList)
}

func (h *AccountHandler) ArchiveSocialAccount(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	if err := h.s.Archive(c.Context(), GetUserID(c), accountID); err != nil {
		return respondError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *AccountHandler) VerifySocialAccount(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	caps, err := h.s.Verify(c.Context(), GetUserID(c), accountID)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"capabilities": caps,
	})
}
