package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/service/payment"
)

// Причины в теле ошибки.
const (
	reasonInvalidRequest      = "invalid_request"
	reasonNotFound            = "not_found"
	reasonUnitUnavailable     = "unit_unavailable"
	reasonUnitHeld            = "unit_held"
	reasonInvalidTransition   = "invalid_transition"
	reasonIdempotencyMismatch = "idempotency_key_reused"
	reasonRequestInProgress   = "request_in_progress"
	reasonUnauthorized        = "unauthorized"
	reasonForbidden           = "forbidden"
	reasonInternal            = "internal"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// apiError — ошибка с готовым HTTP-статусом и причиной.
type apiError struct {
	status int
	reason string
	err    error
}

func (e *apiError) Error() string { return e.err.Error() }

func (e *apiError) Unwrap() error { return e.err }

func newAPIError(status int, reason string, err error) error {
	return &apiError{status: status, reason: reason, err: err}
}

// classify сопоставляет ошибку сервиса HTTP-статусу и причине.
func classify(err error) (int, string) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.status, apiErr.reason
	}
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		if fiberErr.Code == fiber.StatusNotFound {
			return fiberErr.Code, reasonNotFound
		}
		return fiberErr.Code, reasonInvalidRequest
	}

	if reason, ok := payment.Reason(err); ok {
		switch reason {
		case payment.ReasonInvalidOrderState:
			return fiber.StatusConflict, reason
		case payment.ReasonConfigError:
			return fiber.StatusInternalServerError, reason
		case payment.ReasonNetworkError:
			return fiber.StatusServiceUnavailable, reason
		default:
			return fiber.StatusBadGateway, reason
		}
	}

	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrUnitInvalid),
		errors.Is(err, domain.ErrIdempotencyKeyRequired):
		return fiber.StatusBadRequest, reasonInvalidRequest
	case domain.IsNotFound(err):
		return fiber.StatusNotFound, reasonNotFound
	case errors.Is(err, domain.ErrUnitConflict):
		return fiber.StatusConflict, reasonUnitUnavailable
	case errors.Is(err, domain.ErrUnitHeld):
		return fiber.StatusConflict, reasonUnitHeld
	case errors.Is(err, domain.ErrInvalidTransition):
		return fiber.StatusBadRequest, reasonInvalidTransition
	case errors.Is(err, domain.ErrInvalidOrderState):
		return fiber.StatusConflict, payment.ReasonInvalidOrderState
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return fiber.StatusUnprocessableEntity, reasonIdempotencyMismatch
	default:
		return fiber.StatusInternalServerError, reasonInternal
	}
}

// handleError используется как ErrorHandler fiber: ошибки наружу уходят как {"error", "reason"}.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status, reason := classify(err)
	message := err.Error()
	if status >= fiber.StatusInternalServerError && reason == reasonInternal {
		s.logger.WithError(err).WithFields(log.Fields{
			"method": c.Method(),
			"path":   c.Path(),
		}).Error("request failed")
		message = "internal error"
	}
	return c.Status(status).JSON(errorResponse{Error: message, Reason: reason})
}
