package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

type orderRepository struct {
	c conn
}

// Create сохраняет заказ и позиции. Уникальный индекс по idempotency_key
// отсекает второй запрос с тем же ключом даже при гонке.
func (r orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.c.atomic(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO orders (id, idempotency_key, customer_id, status, currency, total_minor, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`,
			order.ID,
			nullString(order.IdempotencyKey),
			order.CustomerID,
			string(order.Status),
			order.Currency,
			order.TotalMinor,
			order.CreatedAt,
			order.UpdatedAt,
		)
		if err != nil {
			if constraint, ok := uniqueViolation(err); ok {
				if constraint == "orders_idempotency_key_key" {
					return domain.ErrIdempotencyKeyTaken
				}
				return domain.ErrOrderAlreadyExists
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for i, item := range order.Items {
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			if _, err := q.ExecContext(ctx, `
				INSERT INTO order_items (id, order_id, position, unit_id, quantity, unit_price_minor)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, item.ID, order.ID, i, item.UnitID, item.Quantity, item.UnitPriceMinor); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		return nil
	})
}

func (r orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.c.q.QueryRowContext(ctx, `
		SELECT id, COALESCE(idempotency_key, ''), customer_id, status, currency, total_minor, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id)
	return r.scanWithItems(ctx, row)
}

func (r orderRepository) GetByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.c.q.QueryRowContext(ctx, `
		SELECT id, COALESCE(idempotency_key, ''), customer_id, status, currency, total_minor, created_at, updated_at
		FROM orders
		WHERE idempotency_key = $1
	`, key)
	return r.scanWithItems(ctx, row)
}

// UpdateStatus выполняет условный UPDATE ... WHERE status = from. Ноль затронутых строк
// означает, что заказа нет или статус уже другой.
func (r orderRepository) UpdateStatus(ctx context.Context, id string, from, to domain.OrderStatus, at time.Time) error {
	if !from.CanTransition(to) {
		return domain.ErrInvalidTransition
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.c.q.ExecContext(ctx, `
		UPDATE orders SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	affected, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := r.c.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check order existence: %w", err)
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrInvalidOrderState
}

func (r orderRepository) ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}

	rows, err := r.c.q.QueryContext(ctx, `
		SELECT id, COALESCE(idempotency_key, ''), customer_id, status, currency, total_minor, created_at, updated_at
		FROM orders
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list orders by status: %w", err)
	}

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	rows.Close()

	for i := range orders {
		items, err := r.items(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	err := row.Scan(
		&order.ID,
		&order.IdempotencyKey,
		&order.CustomerID,
		&status,
		&order.Currency,
		&order.TotalMinor,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func (r orderRepository) scanWithItems(ctx context.Context, row rowScanner) (domain.Order, error) {
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items, err = r.items(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r orderRepository) items(ctx context.Context, orderID string) ([]domain.OrderLineItem, error) {
	rows, err := r.c.q.QueryContext(ctx, `
		SELECT id, unit_id, quantity, unit_price_minor
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderLineItem, 0)
	for rows.Next() {
		var item domain.OrderLineItem
		if err := rows.Scan(&item.ID, &item.UnitID, &item.Quantity, &item.UnitPriceMinor); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

var _ domain.OrderRepository = orderRepository{}
