package httpapi

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/service/order"
)

func (s *Server) createOrder(c *fiber.Ctx) error {
	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return newAPIError(fiber.StatusBadRequest, reasonInvalidRequest, errors.New("malformed request body"))
	}

	key := idempotencyKey(c)
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}

	in := order.CreateInput{
		CustomerID: req.CustomerID,
		Currency:   req.Currency,
		TotalMinor: req.TotalMinor,
		Items:      make([]order.ItemInput, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		in.Items = append(in.Items, order.ItemInput{
			UnitID:         item.UnitID,
			Quantity:       item.Quantity,
			UnitPriceMinor: item.UnitPriceMinor,
		})
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	created, isNew, err := s.deps.Orders.CreateOrder(ctx, key, in)
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if isNew {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(created)
}

func (s *Server) getOrder(c *fiber.Ctx) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	found, err := s.deps.Orders.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(found)
}

func (s *Server) cancelOrder(c *fiber.Ctx) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	cancelled, err := s.deps.Orders.Cancel(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(cancelled)
}

// orderID возвращает непустой :id или ошибку запроса.
func orderID(c *fiber.Ctx) (string, error) {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return "", newAPIError(fiber.StatusBadRequest, reasonInvalidRequest, domain.ErrOrderIDRequired)
	}
	return id, nil
}
