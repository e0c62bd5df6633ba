package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/vladislavdragonenkov/paycoord/internal/service/payment"
)

func (s *Server) initiatePayment(c *fiber.Ctx) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}

	var req initiatePaymentRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return newAPIError(fiber.StatusBadRequest, reasonInvalidRequest, errors.New("malformed request body"))
		}
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	initiation, err := s.deps.Payments.Initiate(ctx, payment.Input{
		OrderID:     id,
		CallbackURL: req.CallbackURL,
		Customer:    req.Customer,
	})
	if err != nil {
		return err
	}

	status := fiber.StatusCreated
	if initiation.Reused {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(newInitiatePaymentResponse(initiation))
}

// paymentStatus отдаёт статус последней попытки; активную попытку перепроверяет у шлюза.
func (s *Server) paymentStatus(c *fiber.Ctx) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.deps.Poller.PollStatus(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(newPaymentStatusResponse(result.Order, result.Payment))
}
