package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	syncdomain "github.com/smallbiznis/numera/internal/billingsync/domain"
	companydomain "github.com/smallbiznis/numera/internal/company/domain"
	ddidomain "github.com/smallbiznis/numera/internal/ddi/domain"
	orderdomain "github.com/smallbiznis/numera/internal/didorder/domain"
	invoicedomain "github.com/smallbiznis/numera/internal/invoice/domain"
	"github.com/smallbiznis/numera/internal/reconcile"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
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

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, reconcile.ErrCompanyMismatch),
		errors.Is(err, reconcile.ErrNoDdiLinked):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "inconsistent_state",
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ddidomain.ErrInvalidNumber),
		errors.Is(err, ddidomain.ErrInvalidReservation),
		errors.Is(err, orderdomain.ErrInvalidOrder),
		errors.Is(err, invoicedomain.ErrInvalidAmount):
		return true
	}
	return false
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ddidomain.ErrDdiNotAvailable),
		errors.Is(err, ddidomain.ErrDuplicateNumber),
		errors.Is(err, ddidomain.ErrInvalidTransition),
		errors.Is(err, ddidomain.ErrOwnershipMismatch),
		errors.Is(err, orderdomain.ErrOrderAlreadyResolved),
		errors.Is(err, syncdomain.ErrNotSyncable),
		errors.Is(err, companydomain.ErrInsufficientBalance):
		return true
	}
	return false
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ddidomain.ErrDdiNotFound),
		errors.Is(err, orderdomain.ErrOrderNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, companydomain.ErrCompanyNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	}
	return false
}
