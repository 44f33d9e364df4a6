package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/pkg/gateway"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

const maxWebhookBodyBytes = 1 << 20

var signatureHeaders = []string{"X-Webhook-Signature", "X-Signature", "Signature"}

func webhookSignature(r *http.Request) string {
	for _, header := range signatureHeaders {
		if value := r.Header.Get(header); value != "" {
			return value
		}
	}
	return ""
}

// handleGatewayWebhook verifies and normalizes a gateway notification and applies it.
// Anything the gateway should not resend is answered with 200.
func (h *Handler) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFields(log.Fields{"component": "webhooks", "gateway": chi.URLParam(r, "gateway")})

	kind, known := domain.ParseGatewayKind(chi.URLParam(r, "gateway"))
	if !known || kind == domain.GatewayBalance {
		respondWithError(w, http.StatusNotFound, "Unknown payment gateway")
		return
	}
	gw, err := h.gateways.Resolve(kind)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Unknown payment gateway")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Cannot read request body")
		return
	}

	signal, err := gw.HandleWebhook(body, webhookSignature(r))
	if errors.Is(err, gateway.ErrInvalidSignature) {
		logger.Warn("Rejected webhook with invalid signature")
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}
	if err != nil {
		logger.WithError(err).Warn("Undecodable webhook payload")
		respondWithError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	if err := h.signals.Process(r.Context(), *signal); err != nil {
		logger.WithError(err).WithField("reference", signal.ReferenceID).Error("Failed to process webhook")
		respondWithError(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
