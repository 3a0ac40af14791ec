package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/paymart-system/internal/model"
)

// StartHoldReleaseSweep запускает фоновый процесс периодического выпуска
// удержаний с наступившей плановой датой.
func (s *Service) StartHoldReleaseSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.opts.HoldSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				released, err := s.ReleaseDueHolds(ctx)
				if err != nil {
					s.logger.Warn("hold release sweep failed", zap.Error(err))
					continue
				}
				if released > 0 {
					s.logger.Info("hold release sweep finished", zap.Int("released", released))
				}
			}
		}
	}()
}

// ReleaseDueHolds выпускает все удержания, чья плановая дата выпуска наступила.
// Операция идемпотентна: повторный запуск не затрагивает уже выпущенные записи,
// гонка с ручным выпуском решается охраной в хранилище.
func (s *Service) ReleaseDueHolds(ctx context.Context) (int, error) {
	released, err := s.repo.ReleaseDueTransactions(ctx, s.now(), SystemReleaseIdentity)
	if err != nil {
		return 0, fmt.Errorf("release due holds: %w", err)
	}

	for _, tx := range released {
		s.sink.HoldReleased(tx.OrderID, tx.Amount.StringFixed(2), tx.Currency, SystemReleaseIdentity, "scheduled release")
	}

	return len(released), nil
}

// ReleaseHold выполняет ручной выпуск удержания оператором.
// Возвращает false, если удержание уже выпущено конкурентным писателем:
// желаемое состояние достигнуто, вызывающая сторона не считает это ошибкой.
func (s *Service) ReleaseHold(ctx context.Context, orderID uuid.UUID, releasedBy, note string) (bool, error) {
	if releasedBy == "" {
		return false, fmt.Errorf("released_by identity is required")
	}

	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return false, err
	}

	released, err := s.repo.ReleaseTransaction(ctx, orderID, releasedBy, note)
	if err != nil {
		return false, fmt.Errorf("release hold: %w", err)
	}

	if released {
		s.sink.HoldReleased(orderID, "", "", releasedBy, note)
		if err := s.repo.AppendAdminNote(ctx, orderID, "hold released manually by "+releasedBy); err != nil {
			return false, err
		}
	}

	return released, nil
}

// CreateOrder создаёт заказ при оформлении покупки.
func (s *Service) CreateOrder(ctx context.Context, subtotal, total decimal.Decimal, currency string) (uuid.UUID, error) {
	if total.Sign() <= 0 || subtotal.Sign() <= 0 {
		return uuid.Nil, fmt.Errorf("order amounts must be positive")
	}
	if total.LessThan(subtotal) {
		return uuid.Nil, fmt.Errorf("total must not be less than subtotal")
	}
	return s.repo.CreateOrder(ctx, subtotal, total, currency)
}

// OrderDetails объединяет заказ с его операциями и удержаниями.
type OrderDetails struct {
	Order        *model.Order
	Trackers     []model.PaymentTracker
	Transactions []model.PaymentTransaction
}

// GetOrderDetails возвращает заказ вместе с операциями провайдера и удержаниями.
func (s *Service) GetOrderDetails(ctx context.Context, orderID uuid.UUID) (*OrderDetails, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	trackers, err := s.repo.ListTrackersByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	transactions, err := s.repo.ListTransactionsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return &OrderDetails{
		Order:        order,
		Trackers:     trackers,
		Transactions: transactions,
	}, nil
}

// CancelOrder отменяет заказ, если он ещё не в конечном статусе.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID, cancelledBy string) (bool, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return false, err
	}

	cancelled, err := s.repo.CancelOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if cancelled {
		s.sink.OrderTransition(orderID, "", string(model.OrderStatusCancelled), "", "cancelled by "+cancelledBy)
		if err := s.repo.AppendAdminNote(ctx, orderID, "order cancelled by "+cancelledBy); err != nil {
			return false, err
		}
	}

	return cancelled, nil
}

// CompleteOrder завершает заказ с подтверждённой оплатой.
func (s *Service) CompleteOrder(ctx context.Context, orderID uuid.UUID, completedBy string) (bool, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.Status.Terminal() {
		return false, nil
	}

	completed, err := s.repo.CompleteOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if completed {
		s.sink.OrderTransition(orderID, string(model.OrderStatusPaymentConfirmed), string(model.OrderStatusCompleted), "", "completed by "+completedBy)
	}

	return completed, nil
}
