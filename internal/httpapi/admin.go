package httpapi

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

func (s *Server) registerUnit(c *fiber.Ctx) error {
	var req unitRequest
	if err := c.BodyParser(&req); err != nil {
		return newAPIError(fiber.StatusBadRequest, reasonInvalidRequest, errors.New("malformed request body"))
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	unit, err := s.deps.Inventory.RegisterUnit(ctx, req.toDomain())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(newUnitResponse(unit))
}

func (s *Server) setUnitStatus(c *fiber.Ctx) error {
	unitID := strings.TrimSpace(c.Params("id"))
	var req unitStatusRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.SaleStatus) == "" {
		return newAPIError(fiber.StatusBadRequest, reasonInvalidRequest, errors.New("sale_status is required"))
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	unit, err := s.deps.Inventory.SetStatus(ctx, unitID, domain.SaleStatus(strings.ToUpper(strings.TrimSpace(req.SaleStatus))))
	if err != nil {
		return err
	}
	s.adminLog(c).WithFields(log.Fields{
		"unit_id":     unit.ID,
		"sale_status": unit.SaleStatus,
	}).Info("unit status changed")
	return c.JSON(newUnitResponse(unit))
}

func (s *Server) listNotifications(c *fiber.Ctx) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	if _, err := s.deps.Store.Orders().Get(ctx, id); err != nil {
		return err
	}
	entries, err := s.deps.Store.Notifications().List(ctx, id)
	if err != nil {
		return err
	}

	out := make([]notificationResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, newNotificationResponse(e))
	}
	return c.JSON(fiber.Map{"order_id": id, "notifications": out})
}

func (s *Server) sweepNow(c *fiber.Ctx) error {
	if s.deps.Sweeper == nil {
		return newAPIError(fiber.StatusServiceUnavailable, reasonInternal, errors.New("sweeper is not configured"))
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	report, err := s.deps.Sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	s.adminLog(c).WithFields(log.Fields{
		"candidates": report.Candidates,
		"expired":    report.Expired,
	}).Info("manual sweep finished")
	return c.JSON(report)
}

func (s *Server) adminLog(c *fiber.Ctx) *log.Entry {
	subject, _ := c.Locals(localsSubject).(string)
	return s.logger.WithField("admin", subject)
}
