// Package audit содержит структурированный журнал переходов платёжного состояния.
package audit

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxPlainTokenLen — максимальная длина непрозрачного значения,
// публикуемого без маскирования.
const maxPlainTokenLen = 12

// Sink публикует события переходов состояния в журнал.
// Все свободнотекстовые значения маскируются перед публикацией:
// сырые данные провайдера и PII не должны попадать в журнал.
type Sink struct {
	logger *zap.Logger
}

// NewSink создаёт журнал переходов поверх указанного логгера.
func NewSink(logger *zap.Logger) *Sink {
	return &Sink{logger: logger.Named("audit")}
}

// OrderTransition фиксирует переход статуса заказа.
func (s *Sink) OrderTransition(orderID uuid.UUID, from, to, paymentStatus, reason string) {
	s.logger.Info("order transition",
		zap.String("orderID", orderID.String()),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("paymentStatus", paymentStatus),
		zap.String("reason", Redact(reason)),
	)
}

// TrackerTransition фиксирует переход статуса операции провайдера.
func (s *Sink) TrackerTransition(orderID uuid.UUID, intentID, status, failureCode, failureReason string) {
	s.logger.Info("tracker transition",
		zap.String("orderID", orderID.String()),
		zap.String("intentID", Redact(intentID)),
		zap.String("status", status),
		zap.String("failureCode", failureCode),
		zap.String("failureReason", Redact(failureReason)),
	)
}

// HoldCreated фиксирует создание удержания средств.
func (s *Sink) HoldCreated(orderID uuid.UUID, amount, currency, holdReason string, days int) {
	s.logger.Info("hold created",
		zap.String("orderID", orderID.String()),
		zap.String("amount", amount),
		zap.String("currency", currency),
		zap.String("holdReason", holdReason),
		zap.Int("daysToHold", days),
	)
}

// HoldReleased фиксирует выпуск удержанных средств.
func (s *Sink) HoldReleased(orderID uuid.UUID, amount, currency, releasedBy, note string) {
	s.logger.Info("hold released",
		zap.String("orderID", orderID.String()),
		zap.String("amount", amount),
		zap.String("currency", currency),
		zap.String("releasedBy", Redact(releasedBy)),
		zap.String("note", Redact(note)),
	)
}

// RatesRefreshed фиксирует итог обновления кэша курсов валют.
func (s *Sink) RatesRefreshed(base string, inserted int, source string) {
	s.logger.Info("exchange rates refreshed",
		zap.String("base", base),
		zap.Int("inserted", inserted),
		zap.String("source", source),
	)
}

// Redact маскирует значение перед публикацией в журнал: адреса почты и
// непрозрачные токены длиннее 12 символов скрываются. Идентификаторы
// в формате UUID и короткие перечислимые значения проходят без изменений,
// иначе журнал бесполезен для сверки.
func Redact(value string) string {
	if value == "" {
		return value
	}

	if at := strings.IndexByte(value, '@'); at > 0 && !strings.ContainsAny(value, " \t\n") {
		return "***@" + value[at+1:]
	}

	if _, err := uuid.Parse(value); err == nil {
		return value
	}

	if len(value) > maxPlainTokenLen && isOpaqueToken(value) {
		return value[:4] + "****"
	}

	return value
}

func isOpaqueToken(value string) bool {
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
