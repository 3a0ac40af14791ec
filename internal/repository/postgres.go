// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/paymart-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ не найден.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrRateNotFound возвращается, если для валютной пары нет кэшированного курса.
	ErrRateNotFound = errors.New("exchange rate not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
// Все условные переходы состояний выражены атомарными запросами с охраной:
// координация конкурентных писателей отдана примитивам хранилища.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных ошибках БД с экспоненциальной задержкой.
// Применяется в фоновых задачах; путь вебхука полагается на повторную доставку провайдером.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgerrcode.IsConnectionException(pgErr.Code)
	}

	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateOrder создаёт заказ в начальном статусе ожидания оплаты.
func (r *PostgresRepository) CreateOrder(ctx context.Context, subtotal, total decimal.Decimal, currency string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (subtotal, total_amount, currency) VALUES ($1, $2, $3) RETURNING id`,
		subtotal, total, currency,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create order: %w", err)
	}
	return id, nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, status, payment_status, subtotal, total_amount, currency,
		        admin_notes, provider_session_id, shipping_address, created_at, updated_at
		 FROM orders WHERE id = $1`,
		id,
	)

	var o model.Order
	err := row.Scan(&o.ID, &o.Status, &o.PaymentStatus, &o.Subtotal, &o.TotalAmount, &o.Currency,
		&o.AdminNotes, &o.ProviderSessionID, &o.ShippingAddress, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return &o, nil
}

// UpdateOrderPaymentInfo сохраняет снимок платёжной сессии на заказе.
func (r *PostgresRepository) UpdateOrderPaymentInfo(ctx context.Context, orderID uuid.UUID, sessionID, shippingAddress string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET provider_session_id = $2, shipping_address = $3, updated_at = now()
		 WHERE id = $1`,
		orderID, sessionID, shippingAddress,
	)
	if err != nil {
		return fmt.Errorf("update order payment info: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// MarkOrderPaid подтверждает оплату заказа.
// Охрана по текущему статусу делает повторное применение безвредным.
func (r *PostgresRepository) MarkOrderPaid(ctx context.Context, orderID uuid.UUID) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2, payment_status = $3, updated_at = now()
		 WHERE id = $1 AND status = $4`,
		orderID,
		string(model.OrderStatusPaymentConfirmed), string(model.PaymentStatusPaid),
		string(model.OrderStatusPendingPayment),
	)
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// ResetOrderForRetry возвращает заказ в ожидание оплаты после неудачного платежа.
// Конечные заказы (cancelled, completed) запрос не затрагивает: устаревшее
// событие об ошибке не должно воскрешать завершённый заказ.
func (r *PostgresRepository) ResetOrderForRetry(ctx context.Context, orderID uuid.UUID) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2, payment_status = $3, updated_at = now()
		 WHERE id = $1 AND status IN ($4, $5)`,
		orderID,
		string(model.OrderStatusPendingPayment), string(model.PaymentStatusFailed),
		string(model.OrderStatusPendingPayment), string(model.OrderStatusPaymentConfirmed),
	)
	if err != nil {
		return false, fmt.Errorf("reset order for retry: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// CancelOrder отменяет заказ. Конечные заказы запрос не затрагивает.
func (r *PostgresRepository) CancelOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2, updated_at = now()
		 WHERE id = $1 AND status IN ($3, $4)`,
		orderID,
		string(model.OrderStatusCancelled),
		string(model.OrderStatusPendingPayment), string(model.OrderStatusPaymentConfirmed),
	)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// CompleteOrder завершает заказ с подтверждённой оплатой.
func (r *PostgresRepository) CompleteOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = $3`,
		orderID,
		string(model.OrderStatusCompleted), string(model.OrderStatusPaymentConfirmed),
	)
	if err != nil {
		return false, fmt.Errorf("complete order: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// SetOrderPaymentStatus обновляет статус оплаты заказа, не меняя статус заказа.
func (r *PostgresRepository) SetOrderPaymentStatus(ctx context.Context, orderID uuid.UUID, ps model.PaymentStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET payment_status = $2, updated_at = now() WHERE id = $1`,
		orderID, string(ps),
	)
	if err != nil {
		return fmt.Errorf("set order payment status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// AppendAdminNote дописывает строку в журнал заметок заказа.
func (r *PostgresRepository) AppendAdminNote(ctx context.Context, orderID uuid.UUID, note string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET admin_notes = ltrim(admin_notes || E'\n' || $2, E'\n'), updated_at = now()
		 WHERE id = $1`,
		orderID, note,
	)
	if err != nil {
		return fmt.Errorf("append admin note: %w", err)
	}
	return nil
}

// UpsertTracker создаёт запись об операции провайдера или обновляет время
// существующей. Конечные записи не изменяются.
func (r *PostgresRepository) UpsertTracker(ctx context.Context, orderID uuid.UUID, intentID string, ttype model.TrackerType, status model.TrackerStatus) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payment_trackers (order_id, intent_id, transaction_type, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (intent_id, transaction_type) DO UPDATE
		 SET updated_at = now()
		 WHERE payment_trackers.status = 'pending'`,
		orderID, intentID, string(ttype), string(status),
	)
	if err != nil {
		return fmt.Errorf("upsert tracker: %w", err)
	}
	return nil
}

// TrackerSucceeded переводит операцию в успешное состояние, фиксируя
// идентификаторы списания и способа оплаты.
func (r *PostgresRepository) TrackerSucceeded(ctx context.Context, intentID, latestChargeID, paymentMethodID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE payment_trackers
		 SET status = $2, latest_charge_id = $3, payment_method_id = $4, updated_at = now()
		 WHERE intent_id = $1 AND status = 'pending'`,
		intentID, string(model.TrackerStatusSucceeded), latestChargeID, paymentMethodID,
	)
	if err != nil {
		return fmt.Errorf("tracker succeeded: %w", err)
	}
	return nil
}

// TrackerFailed переводит операцию в состояние ошибки с диагностикой провайдера.
func (r *PostgresRepository) TrackerFailed(ctx context.Context, intentID, failureCode, failureReason string, providerErrorData json.RawMessage) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE payment_trackers
		 SET status = $2, failure_code = $3, failure_reason = $4, provider_error_data = $5, updated_at = now()
		 WHERE intent_id = $1 AND status = 'pending'`,
		intentID, string(model.TrackerStatusFailed), failureCode, failureReason, providerErrorData,
	)
	if err != nil {
		return fmt.Errorf("tracker failed: %w", err)
	}
	return nil
}

// CreateRefundTracker фиксирует операцию возврата отдельной записью.
// Повторная доставка того же события возврата поглощается ON CONFLICT.
func (r *PostgresRepository) CreateRefundTracker(ctx context.Context, orderID uuid.UUID, intentID, chargeID string, partial bool) error {
	ttype := model.TrackerTypeRefund
	status := model.TrackerStatusRefunded
	if partial {
		ttype = model.TrackerTypePartialRefund
		status = model.TrackerStatusPartiallyRefunded
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO payment_trackers (order_id, intent_id, latest_charge_id, transaction_type, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (intent_id, transaction_type) DO NOTHING`,
		orderID, intentID, chargeID, string(ttype), string(status),
	)
	if err != nil {
		return fmt.Errorf("create refund tracker: %w", err)
	}
	return nil
}

// ListTrackersByOrder возвращает операции провайдера по заказу.
func (r *PostgresRepository) ListTrackersByOrder(ctx context.Context, orderID uuid.UUID) ([]model.PaymentTracker, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, intent_id, latest_charge_id, payment_method_id,
		        transaction_type, status, failure_code, failure_reason, provider_error_data,
		        created_at, updated_at
		 FROM payment_trackers
		 WHERE order_id = $1
		 ORDER BY created_at`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select trackers: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentTracker
	for rows.Next() {
		var t model.PaymentTracker
		if err := rows.Scan(&t.ID, &t.OrderID, &t.IntentID, &t.LatestChargeID, &t.PaymentMethodID,
			&t.Type, &t.Status, &t.FailureCode, &t.FailureReason, &t.ProviderErrorData,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tracker: %w", err)
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateHeldTransaction создаёт запись об удержании средств, если по заказу
// её ещё нет. Возвращает false, если запись уже существовала: повторная
// доставка успешного события должна быть пустой операцией.
func (r *PostgresRepository) CreateHeldTransaction(ctx context.Context, tx *model.PaymentTransaction) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO payment_transactions
		     (order_id, amount, currency, status, hold_reason, days_to_hold,
		      hold_start_date, planned_release_date, hold_notes)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		 WHERE NOT EXISTS (
		     SELECT 1 FROM payment_transactions
		     WHERE order_id = $1 AND status IN ('held', 'released', 'refunded')
		 )`,
		tx.OrderID, tx.Amount, tx.Currency, string(model.TransactionStatusHeld),
		string(tx.HoldReason), tx.DaysToHold, tx.HoldStartDate, tx.PlannedReleaseDate, tx.HoldNotes,
	)
	if err != nil {
		// Две конкурентные доставки могут пройти проверку NOT EXISTS одновременно;
		// частичный уникальный индекс по order_id решает гонку, проигравший — no-op.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("create held transaction: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// MarkTransactionFailed помечает удержание по заказу неуспешным с кодом ошибки платежа.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, orderID uuid.UUID, failureCode, failureReason string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payment_transactions
		 SET status = 'failed', payment_failure_code = $2, payment_failure_reason = $3
		 WHERE order_id = $1 AND status = 'held' AND actual_release_date IS NULL`,
		orderID, failureCode, failureReason,
	)
	if err != nil {
		return false, fmt.Errorf("mark transaction failed: %w", err)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// MarkTransactionRefunded переводит удержание в конечный статус возврата.
func (r *PostgresRepository) MarkTransactionRefunded(ctx context.Context, orderID uuid.UUID) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payment_transactions
		 SET status = 'refunded'
		 WHERE order_id = $1 AND status = 'held' AND actual_release_date IS NULL`,
		orderID,
	)
	if err != nil {
		return false, fmt.Errorf("mark transaction refunded: %w", err)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// ReleaseDueTransactions выпускает все удержания с наступившей плановой датой.
// Охрана actual_release_date IS NULL делает свип идемпотентным и безопасным
// при одновременном ручном выпуске: дата выпуска записывается не более одного раза.
func (r *PostgresRepository) ReleaseDueTransactions(ctx context.Context, now time.Time, releasedBy string) ([]model.PaymentTransaction, error) {
	var res []model.PaymentTransaction

	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`UPDATE payment_transactions
			 SET status = 'released', actual_release_date = $1, released_by = $2
			 WHERE status = 'held' AND actual_release_date IS NULL AND planned_release_date <= $1
			 RETURNING id, order_id, amount, currency, status, hold_reason, days_to_hold,
			           hold_start_date, planned_release_date, actual_release_date,
			           hold_notes, released_by, payment_failure_code, payment_failure_reason, created_at`,
			now, releasedBy,
		)
		if err != nil {
			return fmt.Errorf("release due transactions: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var t model.PaymentTransaction
			if err := rows.Scan(&t.ID, &t.OrderID, &t.Amount, &t.Currency, &t.Status, &t.HoldReason,
				&t.DaysToHold, &t.HoldStartDate, &t.PlannedReleaseDate, &t.ActualReleaseDate,
				&t.HoldNotes, &t.ReleasedBy, &t.FailureCode, &t.FailureReason, &t.CreatedAt); err != nil {
				return fmt.Errorf("scan released transaction: %w", err)
			}
			res = append(res, t)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// ReleaseTransaction выполняет ручной выпуск удержания по заказу.
// Возвращает false, если удержание уже выпущено другим писателем:
// желаемое конечное состояние уже достигнуто, это не ошибка.
func (r *PostgresRepository) ReleaseTransaction(ctx context.Context, orderID uuid.UUID, releasedBy, note string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payment_transactions
		 SET status = 'released', actual_release_date = now(), released_by = $2,
		     hold_notes = ltrim(hold_notes || E'\n' || $3, E'\n')
		 WHERE order_id = $1 AND status = 'held' AND actual_release_date IS NULL`,
		orderID, releasedBy, note,
	)
	if err != nil {
		return false, fmt.Errorf("release transaction: %w", err)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// ListTransactionsByOrder возвращает записи об удержаниях по заказу.
func (r *PostgresRepository) ListTransactionsByOrder(ctx context.Context, orderID uuid.UUID) ([]model.PaymentTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, amount, currency, status, hold_reason, days_to_hold,
		        hold_start_date, planned_release_date, actual_release_date,
		        hold_notes, released_by, payment_failure_code, payment_failure_reason, created_at
		 FROM payment_transactions
		 WHERE order_id = $1
		 ORDER BY created_at`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentTransaction
	for rows.Next() {
		var t model.PaymentTransaction
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Amount, &t.Currency, &t.Status, &t.HoldReason,
			&t.DaysToHold, &t.HoldStartDate, &t.PlannedReleaseDate, &t.ActualReleaseDate,
			&t.HoldNotes, &t.ReleasedBy, &t.FailureCode, &t.FailureReason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// InsertExchangeRate добавляет новую строку курса валют.
// Строки не изменяются, только вытесняются более свежими.
func (r *PostgresRepository) InsertExchangeRate(ctx context.Context, rate *model.ExchangeRate) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO exchange_rates (base_currency, target_currency, rate, source, is_active, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (base_currency, target_currency, created_at) DO NOTHING`,
			rate.BaseCurrency, rate.TargetCurrency, rate.Rate, rate.Source, rate.IsActive, rate.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert exchange rate: %w", err)
		}
		return nil
	})
}

// GetLatestRate возвращает самый свежий активный курс валютной пары.
func (r *PostgresRepository) GetLatestRate(ctx context.Context, base, target string) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`SELECT rate FROM exchange_rates
		 WHERE base_currency = $1 AND target_currency = $2 AND is_active
		 ORDER BY created_at DESC
		 LIMIT 1`,
		base, target,
	).Scan(&rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, ErrRateNotFound
		}
		return decimal.Decimal{}, fmt.Errorf("get latest rate: %w", err)
	}
	return rate, nil
}

// SumTransactionsByCurrency возвращает суммы удержанных и выпущенных средств по валютам.
func (r *PostgresRepository) SumTransactionsByCurrency(ctx context.Context) ([]model.CurrencyTotal, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT currency,
		        COALESCE(SUM(amount) FILTER (WHERE status = 'held'), 0),
		        COALESCE(SUM(amount) FILTER (WHERE status = 'released'), 0)
		 FROM payment_transactions
		 GROUP BY currency`,
	)
	if err != nil {
		return nil, fmt.Errorf("sum transactions by currency: %w", err)
	}
	defer rows.Close()

	var res []model.CurrencyTotal
	for rows.Next() {
		var ct model.CurrencyTotal
		if err := rows.Scan(&ct.Currency, &ct.Held, &ct.Released); err != nil {
			return nil, fmt.Errorf("scan currency total: %w", err)
		}
		res = append(res, ct)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
