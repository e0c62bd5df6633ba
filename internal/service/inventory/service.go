// Package inventory содержит административные операции над товарными единицами
// поверх леджера: регистрация, ручная смена статуса и ремонт зависших удержаний.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

const defaultRepairBatch = 1000

// Service управляет товарными единицами.
type Service struct {
	store  domain.Store
	logger *log.Entry
	now    func() time.Time
}

// NewService создаёт сервис; nil logger заменяется компонентным.
func NewService(store domain.Store, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "inventory")
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterUnit заводит единицу или обновляет атрибуты существующей.
func (s *Service) RegisterUnit(ctx context.Context, unit domain.SellableUnit) (domain.SellableUnit, error) {
	if unit.SaleStatus == "" {
		unit.SaleStatus = domain.SaleStatusAvailable
	}
	if unit.Kind == domain.UnitKindUnique && unit.Stock == 0 {
		unit.Stock = 1
	}
	if errs := unit.Validate(); len(errs) > 0 {
		return domain.SellableUnit{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, errors.Join(errs...))
	}
	if unit.SaleStatus == domain.SaleStatusPendingPayment {
		return domain.SellableUnit{}, fmt.Errorf("%w: %s is set by the ledger only", domain.ErrInvalidRequest, unit.SaleStatus)
	}

	now := s.now()
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = now
	}
	unit.UpdatedAt = now
	unit.HeldByOrder = ""

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Repositories) error {
		existing, err := tx.Units().Get(ctx, unit.ID)
		switch {
		case errors.Is(err, domain.ErrUnitNotFound):
		case err != nil:
			return err
		case existing.SaleStatus == domain.SaleStatusPendingPayment || existing.HeldByOrder != "":
			return domain.ErrUnitHeld
		default:
			unit.CreatedAt = existing.CreatedAt
		}
		return tx.Units().Register(ctx, unit)
	})
	if err != nil {
		return domain.SellableUnit{}, fmt.Errorf("register unit %s: %w", unit.ID, err)
	}
	s.logger.WithFields(log.Fields{"unit_id": unit.ID, "kind": unit.Kind}).Info("unit registered")
	return s.store.Units().Get(ctx, unit.ID)
}

// SetStatus меняет статус вручную (RESERVED, RETURNED, AVAILABLE).
// Отказ ErrUnitHeld, если единица удерживается заказом.
func (s *Service) SetStatus(ctx context.Context, unitID string, status domain.SaleStatus) (domain.SellableUnit, error) {
	if !status.ManualTarget() {
		return domain.SellableUnit{}, fmt.Errorf("%w: %s cannot be set manually", domain.ErrInvalidTransition, status)
	}

	unit, err := s.store.Units().SetStatus(ctx, unitID, status, s.now())
	if err != nil {
		return domain.SellableUnit{}, err
	}
	s.logger.WithFields(log.Fields{"unit_id": unitID, "status": status}).Info("unit status changed manually")
	return unit, nil
}

// Get возвращает единицу.
func (s *Service) Get(ctx context.Context, unitID string) (domain.SellableUnit, error) {
	return s.store.Units().Get(ctx, unitID)
}

// RepairAction — что сделано (или было бы сделано) с удержаниями заказа.
type RepairAction struct {
	OrderID     string
	OrderStatus domain.OrderStatus
	// Action — finalize, release или skip.
	Action string
	Units  int
}

// RepairReport — итог ремонта зависших удержаний.
type RepairReport struct {
	DryRun  bool
	Actions []RepairAction
}

// RepairUnits находит удержания в статусе held у завершённых заказов:
// оплаченные переводятся в продажу, неуспешные и отменённые освобождаются.
// С dryRun ничего не меняет.
func (s *Service) RepairUnits(ctx context.Context, dryRun bool) (RepairReport, error) {
	report := RepairReport{DryRun: dryRun}

	orderIDs, err := s.store.Units().HeldOrders(ctx, defaultRepairBatch)
	if err != nil {
		return report, fmt.Errorf("list held orders: %w", err)
	}

	for _, orderID := range orderIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		action, err := s.repairOrder(ctx, orderID, dryRun)
		if err != nil {
			s.logger.WithError(err).WithField("order_id", orderID).Warn("unit repair failed")
			return report, fmt.Errorf("repair order %s: %w", orderID, err)
		}
		report.Actions = append(report.Actions, action)
	}
	return report, nil
}

func (s *Service) repairOrder(ctx context.Context, orderID string, dryRun bool) (RepairAction, error) {
	action := RepairAction{OrderID: orderID, Action: "skip"}

	err := s.store.WithinOrderLock(ctx, orderID, func(ctx context.Context, tx domain.Repositories) error {
		order, err := tx.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		action.OrderStatus = order.Status

		allocations, err := tx.Units().Allocations(ctx, orderID)
		if err != nil {
			return err
		}
		for _, a := range allocations {
			if a.State == domain.AllocationHeld {
				action.Units++
			}
		}

		switch order.Status {
		case domain.OrderStatusPaid:
			action.Action = "finalize"
		case domain.OrderStatusFailed, domain.OrderStatusCancelled:
			action.Action = "release"
		default:
			return nil
		}
		if dryRun {
			return nil
		}

		now := s.now()
		if action.Action == "finalize" {
			action.Units, err = tx.Units().Finalize(ctx, orderID, now)
		} else {
			action.Units, err = tx.Units().Release(ctx, orderID, now)
		}
		return err
	})
	if err != nil {
		return action, err
	}

	if action.Action != "skip" {
		s.logger.WithFields(log.Fields{
			"order_id":     orderID,
			"order_status": action.OrderStatus,
			"action":       action.Action,
			"units":        action.Units,
			"dry_run":      dryRun,
		}).Info("repaired stuck units")
	}
	return action, nil
}
