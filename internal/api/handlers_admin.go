package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/orders"
	log "github.com/sirupsen/logrus"
)

type adminActionRequest struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handler) adminLogger(r *http.Request, action string) *log.Entry {
	operator, _ := AdminFromContext(r.Context())
	return log.WithFields(log.Fields{"component": "admin_api", "action": action, "operator": operator})
}

func (h *Handler) handleOrderEvents(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	records, err := h.orders.History(r.Context(), orderID)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	if len(records) == 0 {
		respondWithServiceError(w, r, domain.ErrOrderNotFound)
		return
	}
	respondWithJSON(w, http.StatusOK, records)
}

func (h *Handler) handleResumeOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Resume(r.Context(), orderID)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	h.adminLogger(r, "resume").WithField("order_id", orderID).Info("Order handed back to automation")
	respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) handleFailOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req adminActionRequest
	if err := decodeOptional(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = orders.CodeManual
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "Failed by operator"
	}

	order, err := h.orders.Fail(r.Context(), orderID, code, reason)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	h.adminLogger(r, "fail").WithField("order_id", orderID).Info("Order failed manually")
	respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req adminActionRequest
	if err := decodeOptional(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "Cancelled by operator"
	}

	order, err := h.orders.Cancel(r.Context(), orderID, orders.CodeManual, reason)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	h.adminLogger(r, "cancel").WithField("order_id", orderID).Info("Order cancelled manually")
	respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) handleRefundOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req adminActionRequest
	if err := decodeOptional(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "Refunded by operator"
	}

	order, err := h.orders.Refund(r.Context(), orderID, reason)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	h.adminLogger(r, "refund").WithField("order_id", orderID).Info("Order refunded")
	respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) handleReplayOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Replay(r.Context(), orderID)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	h.adminLogger(r, "replay").WithField("order_id", orderID).Info("Order replayed")
	respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) handleBalanceEvents(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerIDParam(w, r)
	if !ok {
		return
	}
	records, err := h.ledger.History(r.Context(), customerID)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, records)
}

func (h *Handler) handleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerIDParam(w, r)
	if !ok {
		return
	}
	var req domain.AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Amount.IsPositive() {
		respondWithError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	balance, err := h.ledger.Adjust(r.Context(), customerID, req)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	h.adminLogger(r, "adjust").WithFields(log.Fields{
		"customer_id": customerID,
		"amount":      req.Amount.String(),
		"credit":      req.IsCredit,
	}).Info("Balance adjusted")
	respondWithJSON(w, http.StatusOK, newBalanceResponse(balance))
}

func (h *Handler) handleReplayBalance(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerIDParam(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.Replay(r.Context(), customerID)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	h.adminLogger(r, "replay_balance").WithField("customer_id", customerID).Info("Balance replayed")
	respondWithJSON(w, http.StatusOK, newBalanceResponse(balance))
}
