package webhook

import (
	"context"

	"go.uber.org/zap"
)

// Outcome описывает исход обработки события.
type Outcome int

const (
	// OutcomeHandled — событие применено к внутреннему состоянию.
	OutcomeHandled Outcome = iota
	// OutcomeSkipped — событие осознанно пропущено; для провайдера это успех,
	// иначе он будет доставлять событие бесконечно.
	OutcomeSkipped
	// OutcomeFailed — обработка не удалась, провайдер должен повторить доставку.
	OutcomeFailed
)

// Result — трёхзначный результат диспетчеризации события.
type Result struct {
	Outcome Outcome
	Reason  string
	Err     error
}

// Handled возвращает результат успешной обработки.
func Handled() Result {
	return Result{Outcome: OutcomeHandled}
}

// Skipped возвращает результат осознанного пропуска события с причиной.
func Skipped(reason string) Result {
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

// Failed возвращает результат неудачной обработки.
func Failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Err: err}
}

// HandlerFunc обрабатывает одно проверенное событие.
// Обработчики обязаны быть идемпотентными: доставка гарантируется
// как минимум один раз, слой дедупликации отсутствует.
type HandlerFunc func(ctx context.Context, ev *Event) Result

// Dispatcher направляет проверенные события обработчикам по типу.
// Реестр обработчиков собирается явно при старте приложения.
type Dispatcher struct {
	handlers map[EventType]HandlerFunc
	logger   *zap.Logger
}

// NewDispatcher создаёт диспетчер с пустым реестром обработчиков.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[EventType]HandlerFunc),
		logger:   logger,
	}
}

// Register регистрирует обработчик для указанного типа события.
// Повторная регистрация типа замещает предыдущий обработчик.
func (d *Dispatcher) Register(t EventType, h HandlerFunc) {
	d.handlers[t] = h
}

// Dispatch направляет событие зарегистрированному обработчику.
// Неизвестный тип события подтверждается и отбрасывается с info-логом.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) Result {
	h, ok := d.handlers[ev.Type]
	if !ok {
		d.logger.Info("unhandled event type acknowledged",
			zap.String("eventID", ev.ID),
			zap.String("eventType", string(ev.Type)),
		)
		return Skipped("unhandled event type")
	}

	res := h(ctx, ev)

	switch res.Outcome {
	case OutcomeSkipped:
		d.logger.Info("event skipped",
			zap.String("eventID", ev.ID),
			zap.String("eventType", string(ev.Type)),
			zap.String("reason", res.Reason),
		)
	case OutcomeFailed:
		d.logger.Error("event handling failed",
			zap.String("eventID", ev.ID),
			zap.String("eventType", string(ev.Type)),
			zap.Error(res.Err),
		)
	}

	return res
}
