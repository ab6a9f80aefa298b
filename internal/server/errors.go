package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/uplink/internal/audit/domain"
	"github.com/smallbiznis/uplink/internal/authorization"
	commissiondomain "github.com/smallbiznis/uplink/internal/commission/domain"
	ledgerdomain "github.com/smallbiznis/uplink/internal/ledger/domain"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	policydomain "github.com/smallbiznis/uplink/internal/policy/domain"
	rankdomain "github.com/smallbiznis/uplink/internal/rank/domain"
	recomputedomain "github.com/smallbiznis/uplink/internal/recompute/domain"
	saledomain "github.com/smallbiznis/uplink/internal/sale/domain"
	"github.com/smallbiznis/uplink/pkg/db/pagination"
	"gorm.io/gorm"
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
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	AuditID string            `json:"audit_id,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

const contextAuditIDKey = "audit_id"

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
		payload.AuditID = c.GetString(contextAuditIDKey)
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
			Code:    code,
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Code:    errorCode(err),
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    errorCode(err),
			Message: err.Error(),
		}
	case isUnprocessableError(err):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unprocessable",
			Code:    errorCode(err),
			Message: err.Error(),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case isUnavailableError(err):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Code:    errorCode(err),
			Message: "service unavailable",
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
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, networkdomain.ErrInvalidCode),
		errors.Is(err, networkdomain.ErrInvalidName),
		errors.Is(err, networkdomain.ErrInvalidStatus),
		errors.Is(err, networkdomain.ErrInvalidDepth),
		errors.Is(err, saledomain.ErrInvalidEvent),
		errors.Is(err, saledomain.ErrInvalidAmount),
		errors.Is(err, saledomain.ErrInvalidCurrency),
		errors.Is(err, commissiondomain.ErrInvalidAttempt),
		errors.Is(err, commissiondomain.ErrInvalidPageToken),
		errors.Is(err, commissiondomain.ErrInvalidTimeRange),
		errors.Is(err, commissiondomain.ErrInvalidPeriod),
		errors.Is(err, rankdomain.ErrInvalidSweep),
		errors.Is(err, recomputedomain.ErrInvalidKind),
		errors.Is(err, recomputedomain.ErrInvalidSubject),
		errors.Is(err, ledgerdomain.ErrInvalidDistributor),
		errors.Is(err, ledgerdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, networkdomain.ErrDistributorNotFound),
		errors.Is(err, networkdomain.ErrParentNotFound),
		errors.Is(err, saledomain.ErrSaleNotFound),
		errors.Is(err, recomputedomain.ErrJobNotFound),
		errors.Is(err, commissiondomain.ErrPayableNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	var cycle *networkdomain.CycleError
	var duplicate *networkdomain.DuplicateEnrollmentError
	var concurrent *networkdomain.ConcurrentModificationError
	var rankConflict *rankdomain.ConflictError
	switch {
	case errors.As(err, &cycle),
		errors.As(err, &duplicate),
		errors.As(err, &concurrent),
		errors.As(err, &rankConflict),
		errors.Is(err, ErrConflict),
		errors.Is(err, networkdomain.ErrRootExists),
		errors.Is(err, saledomain.ErrInvalidTransition),
		errors.Is(err, saledomain.ErrConcurrentUpdate),
		errors.Is(err, policydomain.ErrVersionConflict),
		errors.Is(err, recomputedomain.ErrJobNotFailed),
		errors.Is(err, commissiondomain.ErrInvalidTransition),
		errors.Is(err, recomputedomain.ErrJobAlreadyQueued):
		return true
	default:
		return false
	}
}

func isUnprocessableError(err error) bool {
	var missing *policydomain.PolicyMissingError
	switch {
	case errors.As(err, &missing),
		errors.Is(err, networkdomain.ErrRootNotMovable),
		errors.Is(err, saledomain.ErrUnknownDistributor),
		errors.Is(err, saledomain.ErrDistributorMismatch),
		errors.Is(err, saledomain.ErrAmountMismatch),
		errors.Is(err, saledomain.ErrNoChange),
		errors.Is(err, commissiondomain.ErrSaleNotSettled),
		errors.Is(err, commissiondomain.ErrNotPayable),
		errors.Is(err, policydomain.ErrInvalidPolicy),
		errors.Is(err, ledgerdomain.ErrStatementTooLarge):
		return true
	default:
		return false
	}
}

func isUnavailableError(err error) bool {
	var store *networkdomain.RetryableStoreError
	var ancestors *networkdomain.AncestorResolutionError
	switch {
	case errors.As(err, &store),
		errors.As(err, &ancestors),
		errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, policydomain.ErrNoPolicy),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// errorCode names the domain error in a stable snake_case form.
func errorCode(err error) string {
	var (
		cycle        *networkdomain.CycleError
		duplicate    *networkdomain.DuplicateEnrollmentError
		concurrent   *networkdomain.ConcurrentModificationError
		store        *networkdomain.RetryableStoreError
		ancestors    *networkdomain.AncestorResolutionError
		missing      *policydomain.PolicyMissingError
		rankConflict *rankdomain.ConflictError
	)
	switch {
	case errors.As(err, &cycle):
		return "cycle"
	case errors.As(err, &duplicate):
		return "duplicate_enrollment"
	case errors.As(err, &concurrent):
		return "concurrent_modification"
	case errors.As(err, &store):
		return "retryable_store"
	case errors.As(err, &ancestors):
		return "ancestor_resolution"
	case errors.As(err, &missing):
		return "policy_missing"
	case errors.As(err, &rankConflict):
		return "rank_conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, gorm.ErrRecordNotFound):
		return "not_found"
	}
	// Sentinels carry their code as the message; wrapped ones keep it as
	// the innermost text.
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return err.Error()
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return errorCode(err)
	}
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

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}

func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	return payload.Type, payload.Code
}
