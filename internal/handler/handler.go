// Package handler содержит HTTP-обработчики API сервиса паймарт.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/paymart-system/internal/middleware"
	"github.com/mmeshcher/paymart-system/internal/repository"
	"github.com/mmeshcher/paymart-system/internal/service"
	"github.com/mmeshcher/paymart-system/internal/validation"
	"github.com/mmeshcher/paymart-system/internal/webhook"
)

// maxWebhookBodySize ограничивает размер тела вебхука провайдера.
const maxWebhookBodySize = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, subtotal, total decimal.Decimal, currency string) (uuid.UUID, error)
	GetOrderDetails(ctx context.Context, orderID uuid.UUID) (*service.OrderDetails, error)
	ReleaseHold(ctx context.Context, orderID uuid.UUID, releasedBy, note string) (bool, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, cancelledBy string) (bool, error)
	CompleteOrder(ctx context.Context, orderID uuid.UUID, completedBy string) (bool, error)
	PayoutSummary(ctx context.Context) ([]service.PayoutLine, error)
	LatestRates(ctx context.Context) ([]service.RateQuote, error)
	LatestRate(ctx context.Context, base, target string) (decimal.Decimal, error)
}

// Handler реализует HTTP-обработчики API сервиса паймарт.
type Handler struct {
	service        Service
	verifier       *webhook.Verifier
	dispatcher     *webhook.Dispatcher
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	webhookTimeout time.Duration
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, verifier *webhook.Verifier, dispatcher *webhook.Dispatcher, logger *zap.Logger, auth *middleware.AuthMiddleware, webhookTimeout time.Duration) *Handler {
	if webhookTimeout <= 0 {
		webhookTimeout = 10 * time.Second
	}

	return &Handler{
		service:        s,
		verifier:       verifier,
		dispatcher:     dispatcher,
		logger:         logger,
		authMiddleware: auth,
		webhookTimeout: webhookTimeout,
	}
}

// PaymentWebhook принимает событие платёжного провайдера: проверяет подпись
// сырого тела, разбирает событие и направляет его диспетчеру.
// Пропущенные события подтверждаются кодом 200, иначе провайдер будет
// доставлять их бесконечно. Код 500 запрашивает повторную доставку.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get(webhook.SignatureHeader)); err != nil {
		switch {
		case errors.Is(err, webhook.ErrSecretNotConfigured):
			h.logger.Error("webhook secret not configured")
			http.Error(w, "webhook signing secret must be configured", http.StatusInternalServerError)
		case errors.Is(err, webhook.ErrMissingSignature):
			http.Error(w, "Missing Stripe-Signature header", http.StatusBadRequest)
		default:
			h.logger.Warn("webhook signature rejected",
				zap.String("remoteAddr", r.RemoteAddr),
				zap.Error(err),
			)
			http.Error(w, "signature verification failed", http.StatusBadRequest)
		}
		return
	}

	ev, err := webhook.ParseEvent(body)
	if err != nil {
		http.Error(w, "malformed event payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.webhookTimeout)
	defer cancel()

	res := h.dispatcher.Dispatch(ctx, ev)
	if res.Outcome == webhook.OutcomeFailed {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type createOrderRequest struct {
	Subtotal    string `json:"subtotal"`
	TotalAmount string `json:"total_amount"`
	Currency    string `json:"currency"`
}

type createOrderResponse struct {
	ID string `json:"id"`
}

// CreateOrder создаёт новый заказ в ожидании оплаты.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	subtotal, err := decimal.NewFromString(req.Subtotal)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	total, err := decimal.NewFromString(req.TotalAmount)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidCurrencyCode(req.Currency) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	if subtotal.Sign() <= 0 || total.Sign() <= 0 || total.LessThan(subtotal) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateOrder(r.Context(), subtotal, total, req.Currency)
	if err != nil {
		h.logger.Error("create order error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(createOrderResponse{ID: id.String()}); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

type trackerResponse struct {
	IntentID        string `json:"intent_id"`
	TransactionType string `json:"transaction_type"`
	Status          string `json:"status"`
	FailureCode     string `json:"failure_code,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	CreatedAt       string `json:"created_at"`
}

type transactionResponse struct {
	Amount             string  `json:"amount"`
	Currency           string  `json:"currency"`
	Status             string  `json:"status"`
	HoldReason         string  `json:"hold_reason"`
	DaysToHold         int     `json:"days_to_hold"`
	HoldStartDate      string  `json:"hold_start_date"`
	PlannedReleaseDate string  `json:"planned_release_date"`
	ActualReleaseDate  *string `json:"actual_release_date,omitempty"`
	ReleasedBy         *string `json:"released_by,omitempty"`
}

type orderDetailsResponse struct {
	ID              string                `json:"id"`
	Status          string                `json:"status"`
	PaymentStatus   string                `json:"payment_status"`
	Subtotal        string                `json:"subtotal"`
	TotalAmount     string                `json:"total_amount"`
	Currency        string                `json:"currency"`
	AdminNotes      string                `json:"admin_notes,omitempty"`
	ShippingAddress string                `json:"shipping_address,omitempty"`
	CreatedAt       string                `json:"created_at"`
	Trackers        []trackerResponse     `json:"trackers"`
	Transactions    []transactionResponse `json:"transactions"`
}

// GetOrder возвращает заказ с операциями провайдера и удержаниями.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	details, err := h.service.GetOrderDetails(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.String("orderID", orderID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	order := details.Order
	resp := orderDetailsResponse{
		ID:              order.ID.String(),
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		Subtotal:        order.Subtotal.StringFixed(2),
		TotalAmount:     order.TotalAmount.StringFixed(2),
		Currency:        order.Currency,
		AdminNotes:      order.AdminNotes,
		ShippingAddress: order.ShippingAddress,
		CreatedAt:       order.CreatedAt.Format(time.RFC3339),
		Trackers:        make([]trackerResponse, 0, len(details.Trackers)),
		Transactions:    make([]transactionResponse, 0, len(details.Transactions)),
	}

	for _, tr := range details.Trackers {
		resp.Trackers = append(resp.Trackers, trackerResponse{
			IntentID:        tr.IntentID,
			TransactionType: string(tr.Type),
			Status:          string(tr.Status),
			FailureCode:     tr.FailureCode,
			FailureReason:   tr.FailureReason,
			CreatedAt:       tr.CreatedAt.Format(time.RFC3339),
		})
	}

	for _, tx := range details.Transactions {
		item := transactionResponse{
			Amount:             tx.Amount.StringFixed(2),
			Currency:           tx.Currency,
			Status:             string(tx.Status),
			HoldReason:         string(tx.HoldReason),
			DaysToHold:         tx.DaysToHold,
			HoldStartDate:      tx.HoldStartDate.Format(time.RFC3339),
			PlannedReleaseDate: tx.PlannedReleaseDate.Format(time.RFC3339),
			ReleasedBy:         tx.ReleasedBy,
		}
		if tx.ActualReleaseDate != nil {
			released := tx.ActualReleaseDate.Format(time.RFC3339)
			item.ActualReleaseDate = &released
		}
		resp.Transactions = append(resp.Transactions, item)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type releaseHoldRequest struct {
	Note string `json:"note"`
}

// ReleaseHold выполняет ручной выпуск удержания оператором.
// Повторный запрос по уже выпущенному удержанию возвращает 409.
func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	operator, ok := middleware.GetOperatorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req releaseHoldRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	released, err := h.service.ReleaseHold(r.Context(), orderID, operator, req.Note)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("release hold error", zap.Error(err), zap.String("orderID", orderID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if !released {
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// CancelOrder отменяет заказ. Заказ в конечном статусе возвращает 409.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	operator, ok := middleware.GetOperatorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	cancelled, err := h.service.CancelOrder(r.Context(), orderID, operator)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("cancel order error", zap.Error(err), zap.String("orderID", orderID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if !cancelled {
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// CompleteOrder завершает заказ с подтверждённой оплатой.
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	operator, ok := middleware.GetOperatorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	completed, err := h.service.CompleteOrder(r.Context(), orderID, operator)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("complete order error", zap.Error(err), zap.String("orderID", orderID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if !completed {
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type payoutLineResponse struct {
	Currency      string `json:"currency"`
	Held          string `json:"held"`
	Released      string `json:"released"`
	PayoutAmount  string `json:"payout_amount,omitempty"`
	RateAvailable bool   `json:"rate_available"`
}

// PayoutSummary возвращает суммы удержанных и выпущенных средств по валютам.
func (h *Handler) PayoutSummary(w http.ResponseWriter, r *http.Request) {
	lines, err := h.service.PayoutSummary(r.Context())
	if err != nil {
		h.logger.Error("payout summary error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]payoutLineResponse, 0, len(lines))
	for _, l := range lines {
		item := payoutLineResponse{
			Currency:      l.Currency,
			Held:          l.Held.StringFixed(2),
			Released:      l.Released.StringFixed(2),
			RateAvailable: l.RateAvailable,
		}
		if l.RateAvailable {
			item.PayoutAmount = l.PayoutAmount.StringFixed(2)
		}
		resp = append(resp, item)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type rateQuoteResponse struct {
	Base   string `json:"base"`
	Target string `json:"target"`
	Rate   string `json:"rate"`
}

// GetRates возвращает последние сохранённые курсы валют.
// С параметрами base и target возвращается курс одной пары.
func (h *Handler) GetRates(w http.ResponseWriter, r *http.Request) {
	base := r.URL.Query().Get("base")
	target := r.URL.Query().Get("target")
	if base != "" || target != "" {
		h.getRatePair(w, r, base, target)
		return
	}

	quotes, err := h.service.LatestRates(r.Context())
	if err != nil {
		h.logger.Error("get rates error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(quotes) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]rateQuoteResponse, 0, len(quotes))
	for _, q := range quotes {
		resp = append(resp, rateQuoteResponse{
			Base:   q.Base,
			Target: q.Target,
			Rate:   q.Rate.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) getRatePair(w http.ResponseWriter, r *http.Request, base, target string) {
	if !validation.IsValidCurrencyCode(base) || !validation.IsValidCurrencyCode(target) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rate, err := h.service.LatestRate(r.Context(), base, target)
	if err != nil {
		if errors.Is(err, repository.ErrRateNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get rate error", zap.Error(err), zap.String("base", base), zap.String("target", target))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rateQuoteResponse{Base: base, Target: target, Rate: rate.String()}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
