package httpapi

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

// localPay — платёжная страница локального шлюза. ?status=FAILED|INVALID|REVERSED
// завершает платёж неуспешно, по умолчанию COMPLETED через MPESA.
func (s *Server) localPay(c *fiber.Ctx) error {
	trackingID := strings.TrimSpace(c.Params("tracking"))
	status := domain.NormalizeGatewayStatus(c.Query("status", string(domain.GatewayStatusCompleted)))
	method := domain.NormalizePaymentMethod(c.Query("method", string(domain.PaymentMethodMPesa)))

	if !s.deps.LocalGateway.Settle(trackingID, status, method) {
		return newAPIError(fiber.StatusNotFound, reasonNotFound, errors.New("unknown tracking id"))
	}
	s.logger.WithField("tracking_id", trackingID).WithField("status", status).Info("local payment settled")
	return c.JSON(fiber.Map{"tracking_id": trackingID, "status": status})
}
