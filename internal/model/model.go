// Package model содержит доменные сущности платёжного сервиса паймарт.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPendingPayment   OrderStatus = "pending_payment"
	OrderStatusPaymentConfirmed OrderStatus = "payment_confirmed"
	OrderStatusCompleted        OrderStatus = "completed"
	OrderStatusCancelled        OrderStatus = "cancelled"
)

// Terminal сообщает, является ли статус заказа конечным.
// Конечные заказы никогда не возвращаются в оплату событием об ошибке.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// PaymentStatus описывает статус оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Order описывает покупку и снимок платёжной информации по ней.
// Заказ создаётся при оформлении и далее изменяется только обработчиками
// платёжных событий и фоновыми задачами; записи не удаляются.
type Order struct {
	ID                uuid.UUID
	Status            OrderStatus
	PaymentStatus     PaymentStatus
	Subtotal          decimal.Decimal
	TotalAmount       decimal.Decimal
	Currency          string
	AdminNotes        string
	ProviderSessionID string
	ShippingAddress   string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TrackerType описывает тип операции платёжного провайдера.
type TrackerType string

const (
	TrackerTypePayment       TrackerType = "payment"
	TrackerTypeRefund        TrackerType = "refund"
	TrackerTypePartialRefund TrackerType = "partial_refund"
	TrackerTypePaymentIntent TrackerType = "payment_intent"
)

// TrackerStatus описывает статус операции платёжного провайдера.
type TrackerStatus string

const (
	TrackerStatusPending           TrackerStatus = "pending"
	TrackerStatusSucceeded         TrackerStatus = "succeeded"
	TrackerStatusFailed            TrackerStatus = "failed"
	TrackerStatusCanceled          TrackerStatus = "canceled"
	TrackerStatusRefunded          TrackerStatus = "refunded"
	TrackerStatusPartiallyRefunded TrackerStatus = "partially_refunded"
	TrackerStatusPayoutProcessing  TrackerStatus = "payout_processing"
	TrackerStatusPayoutSuccess     TrackerStatus = "payout_success"
	TrackerStatusPayoutFailed      TrackerStatus = "payout_failed"
)

// Terminal сообщает, является ли статус операции конечным.
// Записи в конечном статусе не изменяются повторными событиями.
func (s TrackerStatus) Terminal() bool {
	switch s {
	case TrackerStatusPending, TrackerStatusPayoutProcessing:
		return false
	}
	return true
}

// PaymentTracker описывает одну операцию платёжного провайдера
// (платёжное намерение, возврат, выплата) и её прогресс по вебхукам.
type PaymentTracker struct {
	ID                int64
	OrderID           uuid.UUID
	IntentID          string
	LatestChargeID    string
	PaymentMethodID   string
	Type              TrackerType
	Status            TrackerStatus
	FailureCode       string
	FailureReason     string
	ProviderErrorData json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HoldReason описывает причину удержания средств.
type HoldReason string

const (
	HoldReasonStandard   HoldReason = "standard"
	HoldReasonNewSeller  HoldReason = "new_seller"
	HoldReasonHighValue  HoldReason = "high_value"
	HoldReasonSuspicious HoldReason = "suspicious"
	HoldReasonDispute    HoldReason = "dispute"
	HoldReasonManual     HoldReason = "manual"
)

// TransactionStatus описывает статус записи об удержанных средствах.
type TransactionStatus string

const (
	TransactionStatusHeld     TransactionStatus = "held"
	TransactionStatusReleased TransactionStatus = "released"
	TransactionStatusFailed   TransactionStatus = "failed"
	TransactionStatusRefunded TransactionStatus = "refunded"
)

// DefaultHoldDays — срок удержания средств по умолчанию.
const DefaultHoldDays = 30

// PaymentTransaction описывает запись реестра об удержанных средствах заказа.
// Создаётся исключительно по подтверждённому успешному платежу,
// после выпуска или возврата средств запись конечна.
type PaymentTransaction struct {
	ID                 int64
	OrderID            uuid.UUID
	Amount             decimal.Decimal
	Currency           string
	Status             TransactionStatus
	HoldReason         HoldReason
	DaysToHold         int
	HoldStartDate      time.Time
	PlannedReleaseDate time.Time
	ActualReleaseDate  *time.Time
	HoldNotes          string
	ReleasedBy         *string
	FailureCode        string
	FailureReason      string
	CreatedAt          time.Time
}

// ExchangeRate описывает кэшированный курс обмена валютной пары.
// Строки только добавляются; при поиске побеждает самая свежая активная.
type ExchangeRate struct {
	ID             int64
	BaseCurrency   string
	TargetCurrency string
	Rate           decimal.Decimal
	Source         string
	IsActive       bool
	CreatedAt      time.Time
}

// CurrencyTotal содержит суммы удержанных и выпущенных средств в одной валюте.
type CurrencyTotal struct {
	Currency string          `json:"currency"`
	Held     decimal.Decimal `json:"held"`
	Released decimal.Decimal `json:"released"`
}
