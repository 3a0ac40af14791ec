package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// EventType описывает поддерживаемый тип события платёжного провайдера.
// Перечисление закрыто: неизвестные типы подтверждаются и отбрасываются,
// провайдер со временем добавляет новые типы.
type EventType string

const (
	EventCheckoutSessionCompleted EventType = "checkout.session.completed"
	EventPaymentIntentSucceeded   EventType = "payment_intent.succeeded"
	EventPaymentIntentFailed      EventType = "payment_intent.payment_failed"
	EventChargeRefunded           EventType = "charge.refunded"
)

// Event описывает конверт события вебхука: тип и вложенный объект провайдера.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Data EventData `json:"data"`
}

// EventData содержит сырой объект провайдера, схема которого зависит от типа события.
type EventData struct {
	Object json.RawMessage `json:"object"`
}

// ParseEvent разбирает тело вебхука в конверт события.
func ParseEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("event type is empty")
	}
	return &ev, nil
}

// PaymentIntent описывает объект платёжного намерения провайдера.
type PaymentIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	LatestCharge     string            `json:"latest_charge"`
	PaymentMethod    string            `json:"payment_method"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *PaymentError     `json:"last_payment_error"`
}

// PaymentError описывает ошибку последней попытки оплаты.
type PaymentError struct {
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

// CheckoutSession описывает объект завершённой платёжной сессии.
// Событие сессии не является доказательством зачисления средств.
type CheckoutSession struct {
	ID              string            `json:"id"`
	PaymentIntent   string            `json:"payment_intent"`
	Metadata        map[string]string `json:"metadata"`
	ShippingDetails *ShippingDetails  `json:"shipping_details"`
}

// ShippingDetails содержит адрес доставки из платёжной сессии.
type ShippingDetails struct {
	Name    string  `json:"name"`
	Address Address `json:"address"`
}

// Address описывает почтовый адрес в формате провайдера.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Charge описывает объект списания провайдера.
type Charge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
}

// MinorUnitsToDecimal переводит сумму провайдера в минорных единицах
// (центах) в десятичную сумму в основной валюте.
func MinorUnitsToDecimal(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
