package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

const unitColumns = `id, sku, name, kind, sale_status, stock, available_online, COALESCE(held_by_order, ''), created_at, updated_at`

type unitLedger struct {
	c conn
}

// Register заводит единицу или перезаписывает её атрибуты.
func (l unitLedger) Register(ctx context.Context, unit domain.SellableUnit) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := l.c.q.ExecContext(ctx, `
		INSERT INTO sellable_units (id, sku, name, kind, sale_status, stock, available_online, held_by_order, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			sku = EXCLUDED.sku,
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			sale_status = EXCLUDED.sale_status,
			stock = EXCLUDED.stock,
			available_online = EXCLUDED.available_online,
			held_by_order = EXCLUDED.held_by_order,
			updated_at = EXCLUDED.updated_at
	`,
		unit.ID,
		unit.SKU,
		unit.Name,
		string(unit.Kind),
		string(unit.SaleStatus),
		unit.Stock,
		unit.AvailableOnline,
		nullString(unit.HeldByOrder),
		unit.CreatedAt,
		unit.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("register unit: %w", err)
	}
	return nil
}

func (l unitLedger) Get(ctx context.Context, id string) (domain.SellableUnit, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return scanUnit(l.c.q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM sellable_units WHERE id = $1`, id))
}

// Reserve блокирует строки единиц по одной в порядке allocations (они
// отсортированы по UnitID), проверяет всю партию и только потом пишет.
func (l unitLedger) Reserve(ctx context.Context, orderID string, allocations []domain.Allocation, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return l.c.atomic(ctx, func(q querier) error {
		units := make([]domain.SellableUnit, 0, len(allocations))
		for _, a := range allocations {
			unit, err := scanUnit(q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM sellable_units WHERE id = $1 FOR UPDATE`, a.UnitID))
			if err != nil {
				if errors.Is(err, domain.ErrUnitNotFound) {
					return fmt.Errorf("%w: %s", domain.ErrUnitNotFound, a.UnitID)
				}
				return err
			}

			var held int32
			if err := q.QueryRowContext(ctx, `
				SELECT COALESCE(SUM(quantity), 0) FROM unit_allocations WHERE unit_id = $1 AND state = 'held'
			`, a.UnitID).Scan(&held); err != nil {
				return fmt.Errorf("sum held quantity: %w", err)
			}
			if err := domain.CheckReservable(unit, a.Quantity, held); err != nil {
				return err
			}
			units = append(units, unit)
		}

		for i, a := range allocations {
			if units[i].Kind == domain.UnitKindUnique {
				if _, err := q.ExecContext(ctx, `
					UPDATE sellable_units SET sale_status = $2, held_by_order = $3, updated_at = $4 WHERE id = $1
				`, a.UnitID, string(domain.SaleStatusPendingPayment), orderID, at); err != nil {
					return fmt.Errorf("hold unit %s: %w", a.UnitID, err)
				}
			}
			if _, err := q.ExecContext(ctx, `
				INSERT INTO unit_allocations (order_id, unit_id, quantity, state, created_at, updated_at)
				VALUES ($1,$2,$3,'held',$4,$4)
			`, orderID, a.UnitID, a.Quantity, at); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: unit %s already allocated to order %s", domain.ErrUnitConflict, a.UnitID, orderID)
				}
				return fmt.Errorf("insert allocation: %w", err)
			}
		}
		return nil
	})
}

func (l unitLedger) Finalize(ctx context.Context, orderID string, at time.Time) (int, error) {
	return l.settle(ctx, orderID, domain.AllocationSold, at)
}

func (l unitLedger) Release(ctx context.Context, orderID string, at time.Time) (int, error) {
	return l.settle(ctx, orderID, domain.AllocationReleased, at)
}

type heldRow struct {
	unitID   string
	quantity int32
	kind     domain.UnitKind
	status   domain.SaleStatus
	heldBy   string
	stock    int32
}

// settle переводит удержания заказа в target. Строки единиц и удержаний
// блокируются FOR UPDATE; единица, уже не принадлежащая заказу, не трогается.
func (l unitLedger) settle(ctx context.Context, orderID string, target domain.AllocationState, at time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	touched := 0
	err := l.c.atomic(ctx, func(q querier) error {
		held, err := lockHeld(ctx, q, orderID)
		if err != nil {
			return err
		}

		for _, h := range held {
			state, owned := target, true
			switch h.kind {
			case domain.UnitKindUnique:
				if h.status != domain.SaleStatusPendingPayment || h.heldBy != orderID {
					state, owned = domain.AllocationReleased, false
					break
				}
				if target == domain.AllocationSold {
					_, err = q.ExecContext(ctx, `UPDATE sellable_units SET sale_status = 'SOLD', updated_at = $2 WHERE id = $1`, h.unitID, at)
				} else {
					_, err = q.ExecContext(ctx, `UPDATE sellable_units SET sale_status = 'AVAILABLE', held_by_order = NULL, updated_at = $2 WHERE id = $1`, h.unitID, at)
				}
			case domain.UnitKindPool:
				if target == domain.AllocationSold {
					_, err = q.ExecContext(ctx, `
						UPDATE sellable_units
						SET stock = GREATEST(stock - $2, 0),
						    sale_status = CASE WHEN stock - $2 <= 0 THEN 'SOLD' ELSE sale_status END,
						    updated_at = $3
						WHERE id = $1
					`, h.unitID, h.quantity, at)
				}
			}
			if err != nil {
				return fmt.Errorf("settle unit %s: %w", h.unitID, err)
			}

			if _, err := q.ExecContext(ctx, `
				UPDATE unit_allocations SET state = $3, updated_at = $4 WHERE order_id = $1 AND unit_id = $2
			`, orderID, h.unitID, string(state), at); err != nil {
				return fmt.Errorf("update allocation: %w", err)
			}
			if owned {
				touched++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return touched, nil
}

// lockHeld читает удержания заказа целиком до первых UPDATE: pgx не даёт
// выполнять запросы, пока открыт курсор на том же соединении.
func lockHeld(ctx context.Context, q querier, orderID string) ([]heldRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT a.unit_id, a.quantity, u.kind, u.sale_status, COALESCE(u.held_by_order, ''), u.stock
		FROM unit_allocations a
		JOIN sellable_units u ON u.id = a.unit_id
		WHERE a.order_id = $1 AND a.state = 'held'
		ORDER BY a.unit_id
		FOR UPDATE OF a, u
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("lock held allocations: %w", err)
	}
	defer rows.Close()

	var held []heldRow
	for rows.Next() {
		var (
			h            heldRow
			kind, status string
		)
		if err := rows.Scan(&h.unitID, &h.quantity, &kind, &status, &h.heldBy, &h.stock); err != nil {
			return nil, fmt.Errorf("scan held allocation: %w", err)
		}
		h.kind = domain.UnitKind(kind)
		h.status = domain.SaleStatus(status)
		held = append(held, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate held allocations: %w", err)
	}
	return held, nil
}

func (l unitLedger) Allocations(ctx context.Context, orderID string) ([]domain.Allocation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := l.c.q.QueryContext(ctx, `
		SELECT order_id, unit_id, quantity, state, created_at, updated_at
		FROM unit_allocations
		WHERE order_id = $1
		ORDER BY unit_id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Allocation, 0)
	for rows.Next() {
		var (
			a     domain.Allocation
			state string
		)
		if err := rows.Scan(&a.OrderID, &a.UnitID, &a.Quantity, &state, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		a.State = domain.AllocationState(state)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return result, nil
}

func (l unitLedger) HeldOrders(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}

	rows, err := l.c.q.QueryContext(ctx, `
		SELECT DISTINCT order_id FROM unit_allocations WHERE state = 'held' ORDER BY order_id LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query held orders: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan held order: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate held orders: %w", err)
	}
	return ids, nil
}

func (l unitLedger) SetStatus(ctx context.Context, unitID string, status domain.SaleStatus, at time.Time) (domain.SellableUnit, error) {
	if !status.ManualTarget() {
		return domain.SellableUnit{}, domain.ErrInvalidTransition
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var updated domain.SellableUnit
	err := l.c.atomic(ctx, func(q querier) error {
		unit, err := scanUnit(q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM sellable_units WHERE id = $1 FOR UPDATE`, unitID))
		if err != nil {
			return err
		}

		var held int32
		if err := q.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(quantity), 0) FROM unit_allocations WHERE unit_id = $1 AND state = 'held'
		`, unitID).Scan(&held); err != nil {
			return fmt.Errorf("sum held quantity: %w", err)
		}
		if unit.SaleStatus == domain.SaleStatusPendingPayment || held > 0 {
			return domain.ErrUnitHeld
		}

		if _, err := q.ExecContext(ctx, `
			UPDATE sellable_units SET sale_status = $2, held_by_order = NULL, updated_at = $3 WHERE id = $1
		`, unitID, string(status), at); err != nil {
			return fmt.Errorf("set unit status: %w", err)
		}

		unit.SaleStatus = status
		unit.HeldByOrder = ""
		unit.UpdatedAt = at
		updated = unit
		return nil
	})
	if err != nil {
		return domain.SellableUnit{}, err
	}
	return updated, nil
}

func scanUnit(row rowScanner) (domain.SellableUnit, error) {
	var (
		unit         domain.SellableUnit
		kind, status string
	)
	err := row.Scan(
		&unit.ID,
		&unit.SKU,
		&unit.Name,
		&kind,
		&status,
		&unit.Stock,
		&unit.AvailableOnline,
		&unit.HeldByOrder,
		&unit.CreatedAt,
		&unit.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SellableUnit{}, domain.ErrUnitNotFound
		}
		return domain.SellableUnit{}, fmt.Errorf("scan unit: %w", err)
	}
	unit.Kind = domain.UnitKind(kind)
	unit.SaleStatus = domain.SaleStatus(status)
	return unit, nil
}

var _ domain.UnitLedger = unitLedger{}
