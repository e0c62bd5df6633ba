package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

const attemptColumns = `id, order_id, COALESCE(tracking_id, ''), status, amount_minor, currency, payment_method,
	payment_reference, redirect_url, failure_reason, initiated_at, completed_at, expires_at,
	verified, notification_received, updated_at`

type paymentRepository struct {
	c conn
}

// Create сохраняет попытку. Частичный уникальный индекс по активным попыткам
// не даёт завести вторую активную попытку на заказ.
func (r paymentRepository) Create(ctx context.Context, attempt domain.PaymentAttempt) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.c.q.ExecContext(ctx, `
		INSERT INTO payment_attempts (
			id, order_id, tracking_id, status, amount_minor, currency, payment_method,
			payment_reference, redirect_url, failure_reason, initiated_at, completed_at, expires_at,
			verified, notification_received, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		attempt.ID,
		attempt.OrderID,
		nullString(attempt.TrackingID),
		string(attempt.Status),
		attempt.AmountMinor,
		attempt.Currency,
		string(attempt.PaymentMethod),
		attempt.PaymentReference,
		attempt.RedirectURL,
		attempt.FailureReason,
		attempt.InitiatedAt,
		nullTime(attempt.CompletedAt),
		nullTime(attempt.ExpiresAt),
		attempt.Verified,
		attempt.NotificationReceived,
		attempt.UpdatedAt,
	)
	if err != nil {
		return mapAttemptConstraint(err, "insert payment attempt")
	}
	return nil
}

func (r paymentRepository) Latest(ctx context.Context, orderID string) (domain.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return scanAttempt(r.c.q.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE order_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, orderID))
}

func (r paymentRepository) GetByTrackingID(ctx context.Context, trackingID string) (domain.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return scanAttempt(r.c.q.QueryRowContext(ctx, `
		SELECT `+attemptColumns+` FROM payment_attempts WHERE tracking_id = $1
	`, trackingID))
}

// Update перезаписывает только нетерминальную попытку: терминальный статус
// записывается один раз.
func (r paymentRepository) Update(ctx context.Context, attempt domain.PaymentAttempt) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.c.q.ExecContext(ctx, `
		UPDATE payment_attempts SET
			tracking_id = $2,
			status = $3,
			payment_method = $4,
			payment_reference = $5,
			redirect_url = $6,
			failure_reason = $7,
			completed_at = $8,
			expires_at = $9,
			verified = $10,
			notification_received = $11,
			updated_at = $12
		WHERE id = $1 AND status IN ('INITIATED', 'PENDING')
	`,
		attempt.ID,
		nullString(attempt.TrackingID),
		string(attempt.Status),
		string(attempt.PaymentMethod),
		attempt.PaymentReference,
		attempt.RedirectURL,
		attempt.FailureReason,
		nullTime(attempt.CompletedAt),
		nullTime(attempt.ExpiresAt),
		attempt.Verified,
		attempt.NotificationReceived,
		attempt.UpdatedAt,
	)
	if err != nil {
		return mapAttemptConstraint(err, "update payment attempt")
	}
	affected, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := r.c.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payment_attempts WHERE id = $1)`, attempt.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check payment existence: %w", err)
	}
	if !exists {
		return domain.ErrPaymentNotFound
	}
	return domain.ErrPaymentTerminal
}

func (r paymentRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]domain.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}

	rows, err := r.c.q.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE status IN ('INITIATED', 'PENDING') AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired payment attempts: %w", err)
	}
	defer rows.Close()

	result := make([]domain.PaymentAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment attempts: %w", err)
	}
	return result, nil
}

func mapAttemptConstraint(err error, op string) error {
	constraint, ok := uniqueViolation(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch constraint {
	case "payment_attempts_one_active_idx":
		return domain.ErrActivePaymentExists
	case "payment_attempts_tracking_id_key":
		return domain.ErrTrackingIDConflict
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func scanAttempt(row rowScanner) (domain.PaymentAttempt, error) {
	var (
		attempt             domain.PaymentAttempt
		status, method      string
		completed, expiring sql.NullTime
	)
	err := row.Scan(
		&attempt.ID,
		&attempt.OrderID,
		&attempt.TrackingID,
		&status,
		&attempt.AmountMinor,
		&attempt.Currency,
		&method,
		&attempt.PaymentReference,
		&attempt.RedirectURL,
		&attempt.FailureReason,
		&attempt.InitiatedAt,
		&completed,
		&expiring,
		&attempt.Verified,
		&attempt.NotificationReceived,
		&attempt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentAttempt{}, domain.ErrPaymentNotFound
		}
		return domain.PaymentAttempt{}, fmt.Errorf("scan payment attempt: %w", err)
	}
	attempt.Status = domain.PaymentStatus(status)
	attempt.PaymentMethod = domain.PaymentMethod(method)
	if completed.Valid {
		attempt.CompletedAt = completed.Time.UTC()
	}
	if expiring.Valid {
		attempt.ExpiresAt = expiring.Time.UTC()
	}
	return attempt, nil
}

var _ domain.PaymentRepository = paymentRepository{}
