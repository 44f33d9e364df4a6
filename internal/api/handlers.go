/**
 * @description
 * This file contains the HTTP handlers of the internal API used by the storefront: order
 * creation and lookup, checkout, balances and top-ups. Handlers parse the request, call the
 * service and map domain errors onto status codes.
 *
 * @dependencies
 * - internal/orders, internal/payments, internal/ledger (through small interfaces).
 * - internal/store: read-only lookups of profiles and ledger rows.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/eventsource"
	"github.com/esimly/fulfillment-service/internal/payments"
	"github.com/esimly/fulfillment-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const defaultTransactionLimit = 50

// OrderService is the part of the order service the API drives.
type OrderService interface {
	Create(ctx context.Context, req domain.CreateOrderRequest) (*domain.Order, error)
	Get(ctx context.Context, orderID int64) (*domain.Order, error)
	Resume(ctx context.Context, orderID int64) (*domain.Order, error)
	Fail(ctx context.Context, orderID int64, code, reason string) (*domain.Order, error)
	Cancel(ctx context.Context, orderID int64, code, reason string) (*domain.Order, error)
	Refund(ctx context.Context, orderID int64, reason string) (*domain.Order, error)
	Replay(ctx context.Context, orderID int64) (*domain.Order, error)
	History(ctx context.Context, orderID int64) ([]eventsource.Record, error)
}

// PaymentService opens checkouts.
type PaymentService interface {
	StartCheckout(ctx context.Context, orderID int64, kind domain.GatewayKind) (*payments.CheckoutResult, error)
	StartTopUp(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal, currency string, kind domain.GatewayKind) (*payments.CheckoutResult, error)
}

// BalanceLedger is the part of the ledger the API drives.
type BalanceLedger interface {
	Balance(ctx context.Context, customerID uuid.UUID) (*domain.CustomerBalance, error)
	Adjust(ctx context.Context, customerID uuid.UUID, req domain.AdjustmentRequest) (*domain.CustomerBalance, error)
	Replay(ctx context.Context, customerID uuid.UUID) (*domain.CustomerBalance, error)
	History(ctx context.Context, customerID uuid.UUID) ([]eventsource.Record, error)
}

// GatewayResolver looks up the adapter that verifies a gateway's webhooks.
type GatewayResolver interface {
	Resolve(kind domain.GatewayKind) (payments.Gateway, error)
}

type HandlerConfig struct {
	Orders       OrderService
	Payments     PaymentService
	Ledger       BalanceLedger
	Transactions store.LedgerRepository
	Profiles     store.ProfileRepository
	Gateways     GatewayResolver
	Signals      payments.SignalProcessor
}

// Handler holds the services the handlers interact with.
type Handler struct {
	orders       OrderService
	payments     PaymentService
	ledger       BalanceLedger
	transactions store.LedgerRepository
	profiles     store.ProfileRepository
	gateways     GatewayResolver
	signals      payments.SignalProcessor
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		orders:       cfg.Orders,
		payments:     cfg.Payments,
		ledger:       cfg.Ledger,
		transactions: cfg.Transactions,
		profiles:     cfg.Profiles,
		gateways:     cfg.Gateways,
		signals:      cfg.Signals,
	}
}

type checkoutRequest struct {
	Gateway string `json:"gateway"`
}

type topUpRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Gateway  string          `json:"gateway"`
}

type balanceResponse struct {
	CustomerID uuid.UUID       `json:"customer_id"`
	Balance    decimal.Decimal `json:"balance"`
	Reserved   decimal.Decimal `json:"reserved"`
	Available  decimal.Decimal `json:"available"`
	Currency   string          `json:"currency"`
}

func newBalanceResponse(b *domain.CustomerBalance) balanceResponse {
	return balanceResponse{
		CustomerID: b.CustomerID,
		Balance:    b.Balance,
		Reserved:   b.Reserved,
		Available:  b.Available(),
		Currency:   b.Currency,
	}
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CustomerID == uuid.Nil {
		respondWithError(w, http.StatusBadRequest, "customer_id is required")
		return
	}

	order, err := h.orders.Create(r.Context(), req)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, order)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) handleGetEsimProfile(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	profile, err := h.profiles.FindProfileByOrderID(r.Context(), orderID)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, profile)
}

func (h *Handler) handleStartCheckout(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	kind, known := domain.ParseGatewayKind(req.Gateway)
	if !known {
		respondWithError(w, http.StatusBadRequest, "Unknown payment gateway")
		return
	}

	result, err := h.payments.StartCheckout(r.Context(), orderID, kind)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerIDParam(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.Balance(r.Context(), customerID)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newBalanceResponse(balance))
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerIDParam(w, r)
	if !ok {
		return
	}
	limit := defaultTransactionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	txs, err := h.transactions.ListBalanceTransactions(r.Context(), customerID, limit)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, txs)
}

func (h *Handler) handleStartTopUp(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerIDParam(w, r)
	if !ok {
		return
	}
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Amount.IsPositive() {
		respondWithError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	kind, known := domain.ParseGatewayKind(req.Gateway)
	if !known {
		respondWithError(w, http.StatusBadRequest, "Unknown payment gateway")
		return
	}

	result, err := h.payments.StartTopUp(r.Context(), customerID, req.Amount, strings.ToUpper(strings.TrimSpace(req.Currency)), kind)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || orderID <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid order ID")
		return 0, false
	}
	return orderID, true
}

func customerIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	customerID, err := uuid.Parse(chi.URLParam(r, "customerID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid customer ID")
		return uuid.Nil, false
	}
	return customerID, true
}

type insufficientBalanceResponse struct {
	Error     string          `json:"error"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
}

// respondWithServiceError maps domain errors onto HTTP status codes.
func respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *domain.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		respondWithJSON(w, http.StatusUnprocessableEntity, insufficientBalanceResponse{
			Error:     domain.ErrInsufficientBalance.Error(),
			Required:  insufficient.Required,
			Available: insufficient.Available,
		})
	case errors.Is(err, domain.ErrPreconditionFailed):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrPaymentNotFound),
		errors.Is(err, domain.ErrProfileNotFound), errors.Is(err, domain.ErrBalanceNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrUnknownGateway), errors.Is(err, domain.ErrUnknownProvider):
		respondWithError(w, http.StatusBadRequest, err.Error())
	default:
		log.WithError(err).WithFields(log.Fields{"component": "api", "method": r.Method, "path": r.URL.Path}).Error("Request failed")
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
