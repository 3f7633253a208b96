package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	consentdomain "github.com/gridsight/consentgate/internal/consent/domain"
	ledgerdomain "github.com/gridsight/consentgate/internal/ledger/domain"
	"github.com/gridsight/consentgate/internal/remote"
	subscriptiondomain "github.com/gridsight/consentgate/internal/subscription/domain"
	usagepointdomain "github.com/gridsight/consentgate/internal/usagepoint/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: strings.ReplaceAll(code, "_", " "),
				},
			},
		}
	}

	switch {
	case errors.Is(err, consentdomain.ErrNoActiveConsent):
		return http.StatusForbidden, errorPayload{
			Type:    "no_active_consent",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, subscriptiondomain.ErrStaleBackingCall):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "a newer backing call already exists",
		}
	case errors.Is(err, subscriptiondomain.ErrNotActive):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "subscription is no longer active",
		}
	case errors.Is(err, remote.ErrThrottled):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "throttled",
			Message: "remote call quota exhausted",
		}
	case errors.Is(err, ledgerdomain.ErrRemoteCallFailed),
		errors.Is(err, remote.ErrRemoteUnavailable):
		return http.StatusBadGateway, errorPayload{
			Type:    "remote_call_failed",
			Message: "remote webservice call failed",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, consentdomain.ErrInvalidWindow),
		errors.Is(err, consentdomain.ErrInvalidIssuer),
		errors.Is(err, consentdomain.ErrInvalidRevocation),
		errors.Is(err, consentdomain.ErrInvalidUser),
		errors.Is(err, consentdomain.ErrNoUsagePoints),
		errors.Is(err, usagepointdomain.ErrInvalidID),
		errors.Is(err, usagepointdomain.ErrInvalidSegment),
		errors.Is(err, ledgerdomain.ErrInvalidWebservice),
		errors.Is(err, subscriptiondomain.ErrInvalidSeries),
		errors.Is(err, subscriptiondomain.ErrOutOfConsentWindow):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, consentdomain.ErrNotFound),
		errors.Is(err, usagepointdomain.ErrNotFound),
		errors.Is(err, ledgerdomain.ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	for _, sentinel := range []error{
		consentdomain.ErrInvalidWindow,
		consentdomain.ErrInvalidIssuer,
		consentdomain.ErrInvalidRevocation,
		consentdomain.ErrInvalidUser,
		consentdomain.ErrNoUsagePoints,
		usagepointdomain.ErrInvalidID,
		usagepointdomain.ErrInvalidSegment,
		ledgerdomain.ErrInvalidWebservice,
		subscriptiondomain.ErrInvalidSeries,
		subscriptiondomain.ErrOutOfConsentWindow,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

// classifyErrorForLog keeps request log labels low-cardinality.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	switch {
	case asValidationErrors(err) != nil, isValidationError(err):
		return "validation", validationErrorCode(err)
	case errors.Is(err, consentdomain.ErrNoActiveConsent):
		return "consent", "no_active_consent"
	case isNotFoundError(err):
		return "not_found", ""
	case errors.Is(err, remote.ErrThrottled):
		return "throttled", ""
	case errors.Is(err, ledgerdomain.ErrRemoteCallFailed), errors.Is(err, remote.ErrRemoteUnavailable):
		return "remote", "remote_call_failed"
	default:
		return "internal", ""
	}
}
