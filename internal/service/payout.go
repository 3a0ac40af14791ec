package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/paymart-system/internal/model"
	"github.com/mmeshcher/paymart-system/internal/repository"
)

// StartRateRefresh запускает фоновый процесс периодического обновления
// кэша курсов валют из внешнего источника. Первое обновление выполняется
// сразу: пустой кэш хуже чуть устаревшего.
func (s *Service) StartRateRefresh(ctx context.Context) {
	if s.ratesClient == nil {
		s.logger.Info("rates source is not configured, rate refresh disabled")
		return
	}

	go func() {
		if err := s.RefreshRates(ctx); err != nil {
			s.logger.Warn("initial rate refresh failed", zap.Error(err))
		}

		ticker := time.NewTicker(s.opts.RateRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.RefreshRates(ctx); err != nil {
					s.logger.Warn("rate refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

// RefreshRates запрашивает у внешнего источника курсы каждой из
// предпочитаемых валют к валюте выплат и сохраняет их в кэш.
// Отказ по одной паре не лишает остальные пары свежих курсов,
// а ошибка источника не инвалидирует кэш: действуют последние
// сохранённые курсы.
func (s *Service) RefreshRates(ctx context.Context) error {
	if s.ratesClient == nil {
		return fmt.Errorf("rates client is not configured")
	}

	target := s.opts.PayoutCurrency
	inserted := 0
	source := ""

	var firstErr error
	for _, base := range s.opts.PreferredCurrencies {
		if base == target {
			continue
		}

		fetched, err := s.ratesClient.GetRates(ctx, base, []string{target})
		if err != nil {
			s.logger.Warn("rate fetch failed",
				zap.String("base", base),
				zap.String("target", target),
				zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("fetch rates for %s: %w", base, err)
			}
			continue
		}

		for _, r := range fetched {
			asOf := r.AsOf
			if asOf.IsZero() {
				asOf = s.now()
			}
			if err := s.repo.InsertExchangeRate(ctx, &model.ExchangeRate{
				BaseCurrency:   r.Base,
				TargetCurrency: r.Target,
				Rate:           r.Rate,
				Source:         r.Source,
				IsActive:       true,
				CreatedAt:      asOf,
			}); err != nil {
				return fmt.Errorf("store rate %s/%s: %w", r.Base, r.Target, err)
			}
			inserted++
			source = r.Source
		}
	}

	if inserted > 0 {
		s.sink.RatesRefreshed(target, inserted, source)
	}

	return firstErr
}

// ConvertAmount переводит сумму из одной валюты в другую по последнему
// сохранённому курсу. Результат округляется до двух знаков.
func (s *Service) ConvertAmount(ctx context.Context, amount decimal.Decimal, base, target string) (decimal.Decimal, error) {
	if base == target {
		return amount, nil
	}

	rate, err := s.repo.GetLatestRate(ctx, base, target)
	if err != nil {
		return decimal.Zero, err
	}

	return amount.Mul(rate).Round(2), nil
}

// PayoutLine — итог по одной валюте в сводке выплат.
type PayoutLine struct {
	Currency      string
	Held          decimal.Decimal
	Released      decimal.Decimal
	PayoutAmount  decimal.Decimal
	RateAvailable bool
}

// PayoutSummary возвращает суммы удержанных и выпущенных средств по валютам
// с пересчётом выпущенных сумм в валюту выплат. Валюты без сохранённого
// курса остаются в сводке с пометкой об отсутствии курса.
// Строки упорядочены по убыванию выпущенной суммы, при равенстве —
// по позиции валюты в списке предпочтений.
func (s *Service) PayoutSummary(ctx context.Context) ([]PayoutLine, error) {
	totals, err := s.repo.SumTransactionsByCurrency(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum transactions: %w", err)
	}

	lines := make([]PayoutLine, 0, len(totals))
	for _, t := range totals {
		line := PayoutLine{
			Currency: t.Currency,
			Held:     t.Held,
			Released: t.Released,
		}

		converted, err := s.ConvertAmount(ctx, t.Released, t.Currency, s.opts.PayoutCurrency)
		switch {
		case err == nil:
			line.PayoutAmount = converted
			line.RateAvailable = true
		case errors.Is(err, repository.ErrRateNotFound):
			s.logger.Warn("no exchange rate for payout summary",
				zap.String("currency", t.Currency),
				zap.String("payoutCurrency", s.opts.PayoutCurrency))
		default:
			return nil, err
		}

		lines = append(lines, line)
	}

	pref := make(map[string]int, len(s.opts.PreferredCurrencies))
	for i, c := range s.opts.PreferredCurrencies {
		pref[c] = i
	}
	prefIndex := func(c string) int {
		if i, ok := pref[c]; ok {
			return i
		}
		return len(pref)
	}

	sort.SliceStable(lines, func(i, j int) bool {
		if !lines[i].Released.Equal(lines[j].Released) {
			return lines[i].Released.GreaterThan(lines[j].Released)
		}
		return prefIndex(lines[i].Currency) < prefIndex(lines[j].Currency)
	})

	return lines, nil
}

// LatestRate возвращает последний сохранённый курс указанной валютной пары.
func (s *Service) LatestRate(ctx context.Context, base, target string) (decimal.Decimal, error) {
	if base == target {
		return decimal.NewFromInt(1), nil
	}
	return s.repo.GetLatestRate(ctx, base, target)
}

// RateQuote — последний сохранённый курс одной валютной пары.
type RateQuote struct {
	Base   string
	Target string
	Rate   decimal.Decimal
}

// LatestRates возвращает последние сохранённые курсы предпочитаемых валют
// к валюте выплат. Пары без сохранённого курса опускаются.
func (s *Service) LatestRates(ctx context.Context) ([]RateQuote, error) {
	target := s.opts.PayoutCurrency

	quotes := make([]RateQuote, 0, len(s.opts.PreferredCurrencies))
	for _, base := range s.opts.PreferredCurrencies {
		if base == target {
			continue
		}

		rate, err := s.repo.GetLatestRate(ctx, base, target)
		if err != nil {
			if errors.Is(err, repository.ErrRateNotFound) {
				continue
			}
			return nil, err
		}

		quotes = append(quotes, RateQuote{Base: base, Target: target, Rate: rate})
	}

	return quotes, nil
}
