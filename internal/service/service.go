// Package service реализует бизнес-логику платёжного сервиса паймарт:
// машину состояний оплаты, удержание и выпуск средств, кэш курсов валют.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/paymart-system/internal/audit"
	"github.com/mmeshcher/paymart-system/internal/model"
	"github.com/mmeshcher/paymart-system/internal/rates"
	"github.com/mmeshcher/paymart-system/internal/repository"
	"github.com/mmeshcher/paymart-system/internal/validation"
	"github.com/mmeshcher/paymart-system/internal/webhook"
)

// SystemReleaseIdentity — идентичность, записываемая в released_by при
// автоматическом выпуске средств фоновым свипом.
const SystemReleaseIdentity = "system:hold-release"

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateOrder(ctx context.Context, subtotal, total decimal.Decimal, currency string) (uuid.UUID, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	UpdateOrderPaymentInfo(ctx context.Context, orderID uuid.UUID, sessionID, shippingAddress string) error
	MarkOrderPaid(ctx context.Context, orderID uuid.UUID) (bool, error)
	ResetOrderForRetry(ctx context.Context, orderID uuid.UUID) (bool, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID) (bool, error)
	CompleteOrder(ctx context.Context, orderID uuid.UUID) (bool, error)
	SetOrderPaymentStatus(ctx context.Context, orderID uuid.UUID, ps model.PaymentStatus) error
	AppendAdminNote(ctx context.Context, orderID uuid.UUID, note string) error
	UpsertTracker(ctx context.Context, orderID uuid.UUID, intentID string, ttype model.TrackerType, status model.TrackerStatus) error
	TrackerSucceeded(ctx context.Context, intentID, latestChargeID, paymentMethodID string) error
	TrackerFailed(ctx context.Context, intentID, failureCode, failureReason string, providerErrorData json.RawMessage) error
	CreateRefundTracker(ctx context.Context, orderID uuid.UUID, intentID, chargeID string, partial bool) error
	ListTrackersByOrder(ctx context.Context, orderID uuid.UUID) ([]model.PaymentTracker, error)
	CreateHeldTransaction(ctx context.Context, tx *model.PaymentTransaction) (bool, error)
	MarkTransactionFailed(ctx context.Context, orderID uuid.UUID, failureCode, failureReason string) (bool, error)
	MarkTransactionRefunded(ctx context.Context, orderID uuid.UUID) (bool, error)
	ReleaseDueTransactions(ctx context.Context, now time.Time, releasedBy string) ([]model.PaymentTransaction, error)
	ReleaseTransaction(ctx context.Context, orderID uuid.UUID, releasedBy, note string) (bool, error)
	ListTransactionsByOrder(ctx context.Context, orderID uuid.UUID) ([]model.PaymentTransaction, error)
	InsertExchangeRate(ctx context.Context, rate *model.ExchangeRate) error
	GetLatestRate(ctx context.Context, base, target string) (decimal.Decimal, error)
	SumTransactionsByCurrency(ctx context.Context) ([]model.CurrencyTotal, error)
}

// RatesClient описывает контракт внешнего источника курсов валют.
type RatesClient interface {
	GetRates(ctx context.Context, base string, targets []string) ([]rates.Rate, error)
}

// Options содержит настройки бизнес-логики сервиса.
type Options struct {
	HoldDays            int
	PayoutCurrency      string
	PreferredCurrencies []string
	HoldSweepInterval   time.Duration
	RateRefreshInterval time.Duration
}

// Service содержит бизнес-логику платёжного сервиса.
type Service struct {
	repo        Repository
	ratesClient RatesClient
	sink        *audit.Sink
	logger      *zap.Logger
	opts        Options
	now         func() time.Time
}

// NewService создаёт новый сервис с указанными репозиторием, клиентом
// источника курсов и журналом переходов.
func NewService(repo Repository, ratesClient RatesClient, sink *audit.Sink, logger *zap.Logger, opts Options) *Service {
	if opts.HoldDays <= 0 {
		opts.HoldDays = model.DefaultHoldDays
	}
	if opts.HoldSweepInterval <= 0 {
		opts.HoldSweepInterval = time.Hour
	}
	if opts.RateRefreshInterval <= 0 {
		opts.RateRefreshInterval = 24 * time.Hour
	}
	if opts.PayoutCurrency == "" {
		opts.PayoutCurrency = "USD"
	}

	return &Service{
		repo:        repo,
		ratesClient: ratesClient,
		sink:        sink,
		logger:      logger,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterHandlers регистрирует обработчики платёжных событий в диспетчере.
// Реестр собирается один раз при старте приложения.
func (s *Service) RegisterHandlers(d *webhook.Dispatcher) {
	d.Register(webhook.EventCheckoutSessionCompleted, s.handleCheckoutSessionCompleted)
	d.Register(webhook.EventPaymentIntentSucceeded, s.handlePaymentIntentSucceeded)
	d.Register(webhook.EventPaymentIntentFailed, s.handlePaymentIntentFailed)
	d.Register(webhook.EventChargeRefunded, s.handleChargeRefunded)
}

// orderIDFromMetadata извлекает идентификатор заказа из метаданных объекта провайдера.
// Событие без корректного order_id относится к чужому объекту провайдера
// и пропускается: оно никогда не совпадёт с внутренним заказом.
func orderIDFromMetadata(metadata map[string]string) (uuid.UUID, bool) {
	raw, ok := metadata["order_id"]
	if !ok || raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// handleCheckoutSessionCompleted сохраняет снимок платёжной сессии на заказе.
// Событие сессии не является доказательством зачисления средств,
// запись об удержании здесь не создаётся.
func (s *Service) handleCheckoutSessionCompleted(ctx context.Context, ev *webhook.Event) webhook.Result {
	var session webhook.CheckoutSession
	if err := json.Unmarshal(ev.Data.Object, &session); err != nil {
		return webhook.Skipped("malformed checkout session object")
	}

	orderID, ok := orderIDFromMetadata(session.Metadata)
	if !ok {
		return webhook.Skipped("missing order_id metadata")
	}

	addr := formatShippingAddress(session.ShippingDetails)

	if err := s.repo.UpdateOrderPaymentInfo(ctx, orderID, session.ID, addr); err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return webhook.Skipped("order not found")
		}
		return webhook.Failed(err)
	}

	if session.PaymentIntent != "" {
		if err := s.repo.UpsertTracker(ctx, orderID, session.PaymentIntent, model.TrackerTypePaymentIntent, model.TrackerStatusPending); err != nil {
			return webhook.Failed(err)
		}
		s.sink.TrackerTransition(orderID, session.PaymentIntent, string(model.TrackerStatusPending), "", "")
	}

	return webhook.Handled()
}

// handlePaymentIntentSucceeded подтверждает оплату заказа: создаёт единственную
// запись об удержании средств и переводит заказ в payment_confirmed/paid.
// Повторная доставка того же события — пустая операция, определяемая
// по наличию записи у заказа, а не по идентификатору события.
// Событие для неизвестного или конечного заказа пропускается: устаревший
// успех не должен записывать удержание отменённому заказу.
func (s *Service) handlePaymentIntentSucceeded(ctx context.Context, ev *webhook.Event) webhook.Result {
	var intent webhook.PaymentIntent
	if err := json.Unmarshal(ev.Data.Object, &intent); err != nil {
		return webhook.Skipped("malformed payment intent object")
	}

	orderID, ok := orderIDFromMetadata(intent.Metadata)
	if !ok {
		return webhook.Skipped("missing order_id metadata")
	}
	if intent.Amount <= 0 {
		return webhook.Skipped("missing amount")
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return webhook.Skipped("order not found")
		}
		return webhook.Failed(err)
	}
	if order.Status.Terminal() {
		return webhook.Skipped("order in terminal status")
	}

	currency := normalizeCurrency(intent.Currency)
	if !validation.IsValidCurrencyCode(currency) {
		return webhook.Skipped("invalid currency")
	}

	now := s.now()
	tx := &model.PaymentTransaction{
		OrderID:            orderID,
		Amount:             webhook.MinorUnitsToDecimal(intent.Amount),
		Currency:           currency,
		Status:             model.TransactionStatusHeld,
		HoldReason:         model.HoldReasonStandard,
		DaysToHold:         s.opts.HoldDays,
		HoldStartDate:      now,
		PlannedReleaseDate: now.AddDate(0, 0, s.opts.HoldDays),
	}

	// Нарушение инварианта окна удержания — ошибка программиста,
	// операция останавливается громко для этой записи.
	if tx.PlannedReleaseDate.Before(tx.HoldStartDate) {
		return webhook.Failed(fmt.Errorf("invalid hold window: planned %s before start %s", tx.PlannedReleaseDate, tx.HoldStartDate))
	}

	created, err := s.repo.CreateHeldTransaction(ctx, tx)
	if err != nil {
		return webhook.Failed(err)
	}
	if created {
		s.sink.HoldCreated(orderID, tx.Amount.StringFixed(2), tx.Currency, string(tx.HoldReason), tx.DaysToHold)
	}

	confirmed, err := s.repo.MarkOrderPaid(ctx, orderID)
	if err != nil {
		return webhook.Failed(err)
	}
	if confirmed {
		s.sink.OrderTransition(orderID,
			string(model.OrderStatusPendingPayment), string(model.OrderStatusPaymentConfirmed),
			string(model.PaymentStatusPaid), "payment intent succeeded")
		if err := s.repo.AppendAdminNote(ctx, orderID, "payment confirmed by provider webhook"); err != nil {
			return webhook.Failed(err)
		}
	}

	if err := s.repo.UpsertTracker(ctx, orderID, intent.ID, model.TrackerTypePaymentIntent, model.TrackerStatusPending); err != nil {
		return webhook.Failed(err)
	}
	if err := s.repo.TrackerSucceeded(ctx, intent.ID, intent.LatestCharge, intent.PaymentMethod); err != nil {
		return webhook.Failed(err)
	}
	s.sink.TrackerTransition(orderID, intent.ID, string(model.TrackerStatusSucceeded), "", "")

	return webhook.Handled()
}

// handlePaymentIntentFailed фиксирует неуспешный платёж и возвращает заказ
// в ожидание оплаты, если он ещё не в конечном статусе. Конечные заказы
// устаревшее событие об ошибке не затрагивает.
func (s *Service) handlePaymentIntentFailed(ctx context.Context, ev *webhook.Event) webhook.Result {
	var intent webhook.PaymentIntent
	if err := json.Unmarshal(ev.Data.Object, &intent); err != nil {
		return webhook.Skipped("malformed payment intent object")
	}

	orderID, ok := orderIDFromMetadata(intent.Metadata)
	if !ok {
		return webhook.Skipped("missing order_id metadata")
	}

	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return webhook.Skipped("order not found")
		}
		return webhook.Failed(err)
	}

	var (
		failureCode   string
		failureReason string
		errorData     json.RawMessage
	)
	if intent.LastPaymentError != nil {
		failureCode = intent.LastPaymentError.Code
		failureReason = intent.LastPaymentError.Message
		errorData, _ = json.Marshal(intent.LastPaymentError)
	}

	if err := s.repo.UpsertTracker(ctx, orderID, intent.ID, model.TrackerTypePaymentIntent, model.TrackerStatusPending); err != nil {
		return webhook.Failed(err)
	}
	if err := s.repo.TrackerFailed(ctx, intent.ID, failureCode, failureReason, errorData); err != nil {
		return webhook.Failed(err)
	}
	s.sink.TrackerTransition(orderID, intent.ID, string(model.TrackerStatusFailed), failureCode, failureReason)

	if _, err := s.repo.MarkTransactionFailed(ctx, orderID, failureCode, failureReason); err != nil {
		return webhook.Failed(err)
	}

	reset, err := s.repo.ResetOrderForRetry(ctx, orderID)
	if err != nil {
		return webhook.Failed(err)
	}
	if reset {
		s.sink.OrderTransition(orderID,
			"", string(model.OrderStatusPendingPayment),
			string(model.PaymentStatusFailed), "payment intent failed")
		if err := s.repo.AppendAdminNote(ctx, orderID, "payment failed, order reset for retry"); err != nil {
			return webhook.Failed(err)
		}
	}

	return webhook.Handled()
}

// handleChargeRefunded фиксирует возврат средств. Частичность возврата
// определяется по соотношению amount_refunded и amount на объекте списания.
// Статус заказа не меняется, только статус оплаты.
func (s *Service) handleChargeRefunded(ctx context.Context, ev *webhook.Event) webhook.Result {
	var charge webhook.Charge
	if err := json.Unmarshal(ev.Data.Object, &charge); err != nil {
		return webhook.Skipped("malformed charge object")
	}

	orderID, ok := orderIDFromMetadata(charge.Metadata)
	if !ok {
		return webhook.Skipped("missing order_id metadata")
	}
	if charge.AmountRefunded <= 0 {
		return webhook.Skipped("missing refunded amount")
	}

	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return webhook.Skipped("order not found")
		}
		return webhook.Failed(err)
	}

	partial := charge.AmountRefunded < charge.Amount

	if err := s.repo.CreateRefundTracker(ctx, orderID, charge.PaymentIntent, charge.ID, partial); err != nil {
		return webhook.Failed(err)
	}

	if _, err := s.repo.MarkTransactionRefunded(ctx, orderID); err != nil {
		return webhook.Failed(err)
	}

	ps := model.PaymentStatusRefunded
	if partial {
		ps = model.PaymentStatusPartiallyRefunded
	}
	if err := s.repo.SetOrderPaymentStatus(ctx, orderID, ps); err != nil {
		return webhook.Failed(err)
	}

	trackerStatus := model.TrackerStatusRefunded
	if partial {
		trackerStatus = model.TrackerStatusPartiallyRefunded
	}
	s.sink.TrackerTransition(orderID, charge.PaymentIntent, string(trackerStatus), "", "")

	return webhook.Handled()
}

func normalizeCurrency(code string) string {
	return strings.ToUpper(code)
}

func formatShippingAddress(d *webhook.ShippingDetails) string {
	if d == nil {
		return ""
	}

	parts := make([]string, 0, 7)
	for _, p := range []string{d.Name, d.Address.Line1, d.Address.Line2, d.Address.City, d.Address.State, d.Address.PostalCode, d.Address.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}

	return strings.Join(parts, ", ")
}
