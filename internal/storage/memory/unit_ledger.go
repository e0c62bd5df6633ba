package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

type unitLedger struct {
	v view
}

func (l unitLedger) Register(_ context.Context, unit domain.SellableUnit) error {
	defer l.v.lock()()
	s := l.v.s

	prev, existed := s.units[unit.ID]
	s.units[unit.ID] = unit

	l.v.onRollback(func() {
		if existed {
			s.units[unit.ID] = prev
			return
		}
		delete(s.units, unit.ID)
	})
	return nil
}

func (l unitLedger) Get(_ context.Context, id string) (domain.SellableUnit, error) {
	defer l.v.lock()()

	unit, ok := l.v.s.units[id]
	if !ok {
		return domain.SellableUnit{}, domain.ErrUnitNotFound
	}
	return unit, nil
}

// Reserve сначала проверяет всю партию и только потом меняет состояние.
func (l unitLedger) Reserve(_ context.Context, orderID string, allocations []domain.Allocation, at time.Time) error {
	defer l.v.lock()()
	s := l.v.s

	for _, a := range allocations {
		unit, ok := s.units[a.UnitID]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnitNotFound, a.UnitID)
		}
		if err := domain.CheckReservable(unit, a.Quantity, s.heldQuantity(unit.ID)); err != nil {
			return err
		}
	}

	prevUnits := make(map[string]domain.SellableUnit, len(allocations))
	prevAllocs := s.allocations[orderID]
	next := append([]domain.Allocation(nil), prevAllocs...)

	for _, a := range allocations {
		unit := s.units[a.UnitID]
		prevUnits[unit.ID] = unit
		if unit.Kind == domain.UnitKindUnique {
			unit.SaleStatus = domain.SaleStatusPendingPayment
			unit.HeldByOrder = orderID
			unit.UpdatedAt = at
			s.units[unit.ID] = unit
		}
		next = append(next, domain.Allocation{
			OrderID:   orderID,
			UnitID:    a.UnitID,
			Quantity:  a.Quantity,
			State:     domain.AllocationHeld,
			CreatedAt: at,
			UpdatedAt: at,
		})
	}
	s.allocations[orderID] = next

	l.v.onRollback(func() {
		for id, unit := range prevUnits {
			s.units[id] = unit
		}
		s.allocations[orderID] = prevAllocs
	})
	return nil
}

func (l unitLedger) Finalize(_ context.Context, orderID string, at time.Time) (int, error) {
	return l.settle(orderID, domain.AllocationSold, at)
}

func (l unitLedger) Release(_ context.Context, orderID string, at time.Time) (int, error) {
	return l.settle(orderID, domain.AllocationReleased, at)
}

// settle переводит удержания заказа в sold или released. Перед изменением
// единица перечитывается: если она уже не удерживается этим заказом, её не трогаем.
func (l unitLedger) settle(orderID string, target domain.AllocationState, at time.Time) (int, error) {
	defer l.v.lock()()
	s := l.v.s

	allocs := s.allocations[orderID]
	prevAllocs := append([]domain.Allocation(nil), allocs...)
	prevUnits := make(map[string]domain.SellableUnit)
	next := append([]domain.Allocation(nil), allocs...)

	touched := 0
	for i, a := range next {
		if a.State != domain.AllocationHeld {
			continue
		}
		unit, ok := s.units[a.UnitID]
		if !ok {
			return 0, fmt.Errorf("%w: %s", domain.ErrUnitNotFound, a.UnitID)
		}
		if _, seen := prevUnits[unit.ID]; !seen {
			prevUnits[unit.ID] = unit
		}

		switch unit.Kind {
		case domain.UnitKindUnique:
			if unit.SaleStatus != domain.SaleStatusPendingPayment || unit.HeldByOrder != orderID {
				next[i].State = domain.AllocationReleased
				next[i].UpdatedAt = at
				continue
			}
			if target == domain.AllocationSold {
				unit.SaleStatus = domain.SaleStatusSold
			} else {
				unit.SaleStatus = domain.SaleStatusAvailable
				unit.HeldByOrder = ""
			}
		case domain.UnitKindPool:
			if target == domain.AllocationSold {
				unit.Stock -= a.Quantity
				if unit.Stock <= 0 {
					unit.Stock = 0
					unit.SaleStatus = domain.SaleStatusSold
				}
			}
		}
		unit.UpdatedAt = at
		s.units[unit.ID] = unit
		next[i].State = target
		next[i].UpdatedAt = at
		touched++
	}
	s.allocations[orderID] = next

	l.v.onRollback(func() {
		for id, unit := range prevUnits {
			s.units[id] = unit
		}
		s.allocations[orderID] = prevAllocs
	})
	return touched, nil
}

func (l unitLedger) Allocations(_ context.Context, orderID string) ([]domain.Allocation, error) {
	defer l.v.lock()()
	return append([]domain.Allocation(nil), l.v.s.allocations[orderID]...), nil
}

func (l unitLedger) HeldOrders(_ context.Context, limit int) ([]string, error) {
	defer l.v.lock()()

	ids := make([]string, 0)
	for orderID, allocs := range l.v.s.allocations {
		for _, a := range allocs {
			if a.State == domain.AllocationHeld {
				ids = append(ids, orderID)
				break
			}
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (l unitLedger) SetStatus(_ context.Context, unitID string, status domain.SaleStatus, at time.Time) (domain.SellableUnit, error) {
	defer l.v.lock()()
	s := l.v.s

	if !status.ManualTarget() {
		return domain.SellableUnit{}, domain.ErrInvalidTransition
	}
	unit, ok := s.units[unitID]
	if !ok {
		return domain.SellableUnit{}, domain.ErrUnitNotFound
	}
	if unit.SaleStatus == domain.SaleStatusPendingPayment || s.heldQuantity(unitID) > 0 {
		return domain.SellableUnit{}, domain.ErrUnitHeld
	}

	prev := unit
	unit.SaleStatus = status
	unit.HeldByOrder = ""
	unit.UpdatedAt = at
	s.units[unitID] = unit

	l.v.onRollback(func() { s.units[unitID] = prev })
	return unit, nil
}

// heldQuantity суммирует активные удержания единицы по всем заказам.
func (s *Store) heldQuantity(unitID string) int32 {
	var held int32
	for _, allocs := range s.allocations {
		for _, a := range allocs {
			if a.UnitID == unitID && a.State == domain.AllocationHeld {
				held += a.Quantity
			}
		}
	}
	return held
}

var _ domain.UnitLedger = unitLedger{}
