package apperror

import (
	"errors"
	"net/http"
)

// GenericError is implemented by every error that knows how to present itself over HTTP.
type GenericError interface {
	Error() string
	ErrCode() string
	StatusCode() int
}

type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindRateLimit     Kind = "rate_limit"
	KindExternal      Kind = "external"
	KindInternal      Kind = "internal"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	// sentinel this error was derived from, used by errors.Is
	base *Error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) ErrCode() string {
	return e.Code
}

func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e == t {
		return true
	}
	return e.base != nil && e.base == t
}

// WithMessage returns a copy of the sentinel carrying a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	base := e
	if e.base != nil {
		base = e.base
	}
	return &Error{Kind: e.Kind, Code: e.Code, Message: msg, base: base}
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrNoValidTrigger       = newError(KindValidation, "NO_VALID_TRIGGER", "no valid trigger")
	ErrInvalidSchedule      = newError(KindValidation, "INVALID_SCHEDULE", "invalid schedule")
	ErrValidation           = newError(KindValidation, "VALIDATION_ERROR", "invalid request")
	ErrAccountInvalid       = newError(KindAuthorization, "ACCOUNT_INVALID", "account not found or not owned by user")
	ErrAccountInactive      = newError(KindAuthorization, "ACCOUNT_INACTIVE", "account is not active")
	ErrAccountAlreadyLinked = newError(KindAuthorization, "ACCOUNT_ALREADY_LINKED", "a different account is already linked for this platform")
	ErrUnauthorized         = newError(KindAuthorization, "UNAUTHORIZED", "unauthorized")
	ErrPostNotFound         = newError(KindNotFound, "POST_NOT_FOUND", "post not found")
	ErrAccountNotFound      = newError(KindNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	ErrCannotCancel         = newError(KindConflict, "CANNOT_CANCEL", "only pending or scheduled posts can be cancelled")
	ErrCannotRetryCancelled = newError(KindConflict, "CANNOT_RETRY_CANCELLED", "cancelled posts cannot be retried")
	ErrAlreadyPublished     = newError(KindConflict, "ALREADY_PUBLISHED", "post is already published")
	ErrPostInProgress       = newError(KindConflict, "POST_IN_PROGRESS", "post is being published")
	ErrStatusConflict       = newError(KindConflict, "STATUS_CONFLICT", "post status changed concurrently")
	ErrRateLimitExceeded    = newError(KindRateLimit, "RATE_LIMIT_EXCEEDED", "posting limit reached")
	ErrPlatformRequest      = newError(KindExternal, "PLATFORM_ERROR", "platform request failed")
	ErrTokenUnavailable     = newError(KindInternal, "TOKEN_UNAVAILABLE", "access token unavailable")
	ErrInternal             = newError(KindInternal, "INTERNAL_ERROR", "internal server error")
)

// ErrMediaRequired is an InvalidSchedule error; errors.Is matches both.
var ErrMediaRequired = ErrInvalidSchedule.WithMessage("media is required for this post type")

// Validation wraps a validator error message into a validation error.
func Validation(msg string) *Error {
	return ErrValidation.WithMessage(msg)
}

// KindOf reports the kind of the first apperror in err's chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
