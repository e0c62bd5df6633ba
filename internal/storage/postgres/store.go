package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	opTimeout = 5 * time.Second
	// txTimeout ограничивает транзакцию целиком, включая ожидание блокировок.
	txTimeout = 10 * time.Second
	// lockTimeout — сколько ждём блокировку строки заказа.
	lockTimeout = "5s"
)

// Store оборачивает SQL-подключение к PostgreSQL и реализует domain.Store.
type Store struct {
	db *sql.DB
}

// Open открывает подключение к PostgreSQL и проверяет доступность базы.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// querier — общий интерфейс *sql.DB и *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn привязывает репозиторий либо к пулу (autocommit), либо к открытой транзакции.
type conn struct {
	q  querier
	db *sql.DB
	tx bool
}

// atomic выполняет fn в транзакции: в уже открытой или в собственной.
func (c conn) atomic(ctx context.Context, fn func(q querier) error) (err error) {
	if c.tx {
		return fn(c.q)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type repositories struct {
	c conn
}

func (r repositories) Orders() domain.OrderRepository        { return orderRepository{r.c} }
func (r repositories) Units() domain.UnitLedger              { return unitLedger{r.c} }
func (r repositories) Payments() domain.PaymentRepository    { return paymentRepository{r.c} }
func (r repositories) Notifications() domain.NotificationLog { return notificationLog{r.c} }
func (r repositories) Outbox() domain.OutboxRepository       { return outboxRepository{r.c} }

func (s *Store) autocommit() repositories {
	return repositories{conn{q: s.db, db: s.db}}
}

func (s *Store) Orders() domain.OrderRepository        { return s.autocommit().Orders() }
func (s *Store) Units() domain.UnitLedger              { return s.autocommit().Units() }
func (s *Store) Payments() domain.PaymentRepository    { return s.autocommit().Payments() }
func (s *Store) Notifications() domain.NotificationLog { return s.autocommit().Notifications() }
func (s *Store) Outbox() domain.OutboxRepository       { return s.autocommit().Outbox() }

// Idempotency возвращает репозиторий ключей идемпотентности HTTP-запросов.
func (s *Store) Idempotency() domain.IdempotencyRepository {
	return &idempotencyRepository{db: s.db}
}

// WithinTx выполняет fn в одной транзакции.
func (s *Store) WithinTx(ctx context.Context, fn domain.TxFunc) error {
	return s.withTx(ctx, "", fn)
}

// WithinOrderLock берёт SELECT ... FOR UPDATE на строку заказа и выполняет fn
// в той же транзакции. Конкурирующие наблюдения по заказу выстраиваются в очередь.
func (s *Store) WithinOrderLock(ctx context.Context, orderID string, fn domain.TxFunc) error {
	return s.withTx(ctx, orderID, fn)
}

func (s *Store) withTx(ctx context.Context, lockOrderID string, fn domain.TxFunc) (err error) {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if lockOrderID != "" {
		if _, err = tx.ExecContext(ctx, "SET LOCAL lock_timeout = '"+lockTimeout+"'"); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
		var id string
		err = tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, lockOrderID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			err = domain.ErrOrderNotFound
			return err
		}
		if err != nil {
			return fmt.Errorf("lock order %s: %w", lockOrderID, err)
		}
	}

	if err = fn(ctx, repositories{conn{q: tx, db: s.db, tx: true}}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	_, ok := uniqueViolation(err)
	return ok
}

// uniqueViolation возвращает имя нарушенного ограничения.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(v time.Time) sql.NullTime {
	return sql.NullTime{Time: v, Valid: !v.IsZero()}
}

var _ domain.Store = (*Store)(nil)

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
