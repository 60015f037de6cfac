package handlers

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/socialsync/publisher/pkg/apperror"
)

func GetUserID(c *fiber.Ctx) int64 {
	raw, _ := c.Locals("user_id").(string)
	userID, _ := strconv.ParseInt(raw, 10, 64)
	return userID
}

// paramID reads a positive integer path parameter.
func paramID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.Validation(name + " is not valid")
	}
	return id, nil
}

// respondError writes err as a JSON error. Errors that do not describe
// themselves are logged and reported as a generic internal error.
func respondError(c *fiber.Ctx, err error) error {
	var ge apperror.GenericError
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		ge = appErr
	}

	if ge == nil || ge.StatusCode() == fiber.StatusInternalServerError {
		slog.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Something went wrong",
			"code":  apperror.ErrInternal.ErrCode(),
		})
	}

	return c.Status(ge.StatusCode()).JSON(fiber.Map{
		"error": ge.Error(),
		"code":  ge.ErrCode(),
	})
}
