package domain

import (
	"fmt"
	"time"
)

// SaleStatus — состояние продажи товарной единицы.
type SaleStatus string

const (
	SaleStatusAvailable      SaleStatus = "AVAILABLE"
	SaleStatusPendingPayment SaleStatus = "PENDING_PAYMENT"
	SaleStatusSold           SaleStatus = "SOLD"
	SaleStatusReserved       SaleStatus = "RESERVED"
	SaleStatusReturned       SaleStatus = "RETURNED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s SaleStatus) Valid() bool {
	switch s {
	case SaleStatusAvailable, SaleStatusPendingPayment, SaleStatusSold, SaleStatusReserved, SaleStatusReturned:
		return true
	default:
		return false
	}
}

// ManualTarget сообщает, можно ли выставить статус вручную (админ-действие).
// PENDING_PAYMENT и SOLD выставляет только леджер.
func (s SaleStatus) ManualTarget() bool {
	return s == SaleStatusAvailable || s == SaleStatusReserved || s == SaleStatusReturned
}

// UnitKind различает уникальные единицы и пулы взаимозаменяемого стока.
type UnitKind string

const (
	// UnitKindUnique — физически уникальный экземпляр (stock всегда 1).
	UnitKindUnique UnitKind = "unique"
	// UnitKindPool — пул аксессуаров, продаётся по количеству.
	UnitKindPool UnitKind = "pool"
)

// SellableUnit — товарная единица или пул стока.
type SellableUnit struct {
	ID              string
	SKU             string
	Name            string
	Kind            UnitKind
	SaleStatus      SaleStatus
	Stock           int32
	AvailableOnline bool
	// HeldByOrder заполнен, пока уникальная единица в PENDING_PAYMENT или SOLD.
	HeldByOrder string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate проверяет атрибуты единицы перед регистрацией.
func (u *SellableUnit) Validate() []error {
	var errs []error

	if u.ID == "" {
		errs = append(errs, ErrUnitRequired)
	}
	switch u.Kind {
	case UnitKindUnique:
		if u.Stock != 1 {
			errs = append(errs, ErrUnitInvalid)
		}
	case UnitKindPool:
		if u.Stock < 0 {
			errs = append(errs, ErrUnitInvalid)
		}
	default:
		errs = append(errs, ErrUnitInvalid)
	}
	if !u.SaleStatus.Valid() {
		errs = append(errs, ErrUnitInvalid)
	}

	return errs
}

// AllocationState — состояние удержания единицы заказом.
type AllocationState string

const (
	AllocationHeld     AllocationState = "held"
	AllocationSold     AllocationState = "sold"
	AllocationReleased AllocationState = "released"
)

// Allocation связывает заказ с единицей (и количеством для пулов).
type Allocation struct {
	OrderID   string
	UnitID    string
	Quantity  int32
	State     AllocationState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CheckReservable проверяет, что единицу можно удержать за заказом в количестве qty,
// если held уже удержано другими заказами.
func CheckReservable(unit SellableUnit, qty, held int32) error {
	if qty <= 0 {
		return fmt.Errorf("%w: %s requested %d", ErrItemQtyInvalid, unit.ID, qty)
	}
	if unit.SaleStatus != SaleStatusAvailable {
		return fmt.Errorf("%w: %s is %s", ErrUnitConflict, unit.ID, unit.SaleStatus)
	}
	switch unit.Kind {
	case UnitKindUnique:
		if qty != 1 {
			return fmt.Errorf("%w: %s is unique, requested %d", ErrUnitConflict, unit.ID, qty)
		}
	case UnitKindPool:
		if free := unit.Stock - held; free < qty {
			return fmt.Errorf("%w: %s has %d free, requested %d", ErrUnitConflict, unit.ID, free, qty)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnitInvalid, unit.ID)
	}
	return nil
}
