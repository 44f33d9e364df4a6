/**
 * @description
 * This package provides a client for a hosted-checkout payment gateway. It opens checkout
 * sessions and verifies and decodes the gateway's signed webhooks into a normalized shape.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/hex: webhook signature validation.
 * - github.com/sirupsen/logrus: structured logging.
 */
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrInvalidSignature is returned when a webhook signature does not match its body.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Client talks to one hosted-checkout gateway.
type Client struct {
	Name          string
	BaseURL       string
	APIKey        string
	WebhookSecret string
	HTTPClient    *http.Client
}

func NewClient(name, baseURL, apiKey, webhookSecret string) *Client {
	return &Client{
		Name:          name,
		BaseURL:       strings.TrimRight(baseURL, "/"),
		APIKey:        apiKey,
		WebhookSecret: webhookSecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CheckoutRequest opens a checkout for one payment. Reference is echoed back in webhooks.
type CheckoutRequest struct {
	Reference  string    `json:"reference"`
	PaymentID  string    `json:"payment_id"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	CustomerID string    `json:"customer_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// CheckoutSession is the gateway's answer. Paid is set when the gateway settled instantly.
type CheckoutSession struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
	Status      string `json:"status"`
	Paid        bool   `json:"paid"`
}

// Webhook is the decoded, signature-checked body of a gateway notification.
type Webhook struct {
	Event         string          `json:"event"`
	Reference     string          `json:"reference"`
	Status        string          `json:"status"`
	TransactionID string          `json:"transaction_id"`
	FailureCode   string          `json:"failure_code"`
	Message       string          `json:"message"`
	Data          json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// CreateCheckout opens a hosted checkout session.
func (c *Client) CreateCheckout(ctx context.Context, reqPayload CheckoutRequest) (*CheckoutSession, error) {
	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/checkout/sessions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", reqPayload.PaymentID)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute checkout request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkout response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		_ = json.Unmarshal(bodyBytes, &errResp)
		log.WithFields(log.Fields{"component": "gateway_client", "gateway": c.Name, "status": resp.StatusCode}).
			Warn("checkout request rejected")
		return nil, fmt.Errorf("%s checkout failed with status %d: %s", c.Name, resp.StatusCode, errResp.Error)
	}

	var session CheckoutSession
	if err := json.Unmarshal(bodyBytes, &session); err != nil {
		return nil, fmt.Errorf("failed to decode checkout response: %w", err)
	}
	return &session, nil
}

// ParseWebhook verifies the hex HMAC-SHA256 signature of body and decodes it.
func (c *Client) ParseWebhook(body []byte, signature string) (*Webhook, error) {
	if !c.ValidSignature(body, signature) {
		return nil, ErrInvalidSignature
	}
	var hook Webhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	return &hook, nil
}

func (c *Client) ValidSignature(body []byte, signature string) bool {
	if c.WebhookSecret == "" || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, Sign(c.WebhookSecret, body))
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
