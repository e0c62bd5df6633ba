package httpapi

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/service/webhook"
)

// ipnPayload — тело POST-уведомления Pesapal.
type ipnPayload struct {
	OrderTrackingID        string `json:"OrderTrackingId"`
	OrderMerchantReference string `json:"OrderMerchantReference"`
	OrderNotificationType  string `json:"OrderNotificationType"`
	Status                 string `json:"status"`
}

func (s *Server) pesapalWebhook(c *fiber.Ctx) error {
	logger := s.logger.WithFields(log.Fields{
		"method":    c.Method(),
		"remote_ip": c.IP(),
	})

	token := c.Query("token")
	if token == "" {
		token = c.Query("secret")
	}
	body := c.Body()
	raw := body
	if len(raw) == 0 {
		raw = []byte(c.Context().QueryArgs().String())
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	reject := func(reason string, err error) error {
		s.deps.Webhooks.Reject(ctx, c.Query("OrderTrackingId"), raw, err.Error())
		return newAPIError(fiber.StatusBadRequest, reason, err)
	}

	if s.deps.WebhookAuth == nil || !s.deps.WebhookAuth.Verify(token, c.Get(webhook.SignatureHeader), body) {
		logger.Warn("webhook rejected: authentication failed")
		return reject(reasonUnauthorized, errors.New("webhook authentication failed"))
	}

	var payload ipnPayload
	if c.Method() == fiber.MethodPost && len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			logger.WithError(err).Warn("webhook rejected: malformed body")
			return reject(reasonInvalidRequest, errors.New("malformed notification body"))
		}
	}
	payload.OrderTrackingID = firstNonEmpty(payload.OrderTrackingID, c.Query("OrderTrackingId"))
	payload.OrderMerchantReference = firstNonEmpty(payload.OrderMerchantReference, c.Query("OrderMerchantReference"))
	payload.OrderNotificationType = firstNonEmpty(payload.OrderNotificationType, c.Query("OrderNotificationType"), webhook.DefaultNotificationType)
	payload.Status = firstNonEmpty(payload.Status, c.Query("status"))

	if strings.TrimSpace(payload.OrderTrackingID) == "" {
		logger.Warn("webhook rejected: tracking id is missing")
		return reject(reasonInvalidRequest, errors.New("OrderTrackingId is required"))
	}

	ack := s.deps.Webhooks.Handle(ctx, webhook.Notification{
		TrackingID:        strings.TrimSpace(payload.OrderTrackingID),
		MerchantReference: strings.TrimSpace(payload.OrderMerchantReference),
		NotificationType:  payload.OrderNotificationType,
		Status:            payload.Status,
		Payload:           raw,
	})
	return c.Status(fiber.StatusOK).JSON(ack)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
