/**
 * @description
 * This package provides an HTTP client for an upstream eSIM provider. It places purchases,
 * fetches the installable profile of a purchased order and probes connectivity, and reports
 * every outcome as a normalized result instead of a vendor-specific payload.
 *
 * @dependencies
 * - github.com/sirupsen/logrus: structured logging of non-2xx responses.
 */
package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// PurchaseResult is the normalized outcome of a purchase call.
type PurchaseResult struct {
	Success          bool
	ProviderOrderRef string
	ErrorMessage     string
	IsRetryable      bool
}

// ProfileResult is the normalized outcome of a profile fetch.
type ProfileResult struct {
	Success        bool
	ICCID          string
	ActivationCode string
	SMDPAddress    string
	TotalDataBytes int64
	PIN            string
	PUK            string
	APN            string
	RawPayload     json.RawMessage
	ErrorMessage   string
}

// Client is a client for one provider API.
type Client struct {
	Name       string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new provider API client. Timeouts surface as purchase errors.
func NewClient(name, baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		Name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type purchaseRequest struct {
	PackageCode   string `json:"package_code"`
	TransactionID string `json:"transaction_id"`
}

type purchaseResponse struct {
	OrderNo string `json:"order_no"`
}

type profileResponse struct {
	ICCID          string `json:"iccid"`
	ActivationCode string `json:"activation_code"`
	SMDPAddress    string `json:"smdp_address"`
	LPA            string `json:"lpa"`
	TotalDataBytes int64  `json:"total_data_bytes"`
	PIN            string `json:"pin"`
	PUK            string `json:"puk"`
	APN            string `json:"apn"`
	Status         string `json:"status"`
}

// ErrorResponse represents an error from the provider API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error_code"`
	Message    string `json:"error_message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.StatusCode, strings.ToLower(http.StatusText(e.StatusCode)))
	}
	return fmt.Sprintf("%d %s: %s", e.StatusCode, strings.ToLower(http.StatusText(e.StatusCode)), e.Message)
}

// Purchase orders a package. transactionID is forwarded so the provider can recognize a repeated call.
func (c *Client) Purchase(ctx context.Context, packageRef, transactionID string) PurchaseResult {
	var resp purchaseResponse
	err := c.do(ctx, "purchase", http.MethodPost, "/api/v1/orders", purchaseRequest{PackageCode: packageRef, TransactionID: transactionID}, &resp, nil)
	if err != nil {
		var apiErr *ErrorResponse
		retryable := errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
		return PurchaseResult{ErrorMessage: err.Error(), IsRetryable: retryable}
	}
	if resp.OrderNo == "" {
		return PurchaseResult{ErrorMessage: "provider returned no order reference"}
	}
	return PurchaseResult{Success: true, ProviderOrderRef: resp.OrderNo}
}

// FetchProfile returns the installable profile of a purchased order. A profile that is still
// being allocated is reported as unsuccessful so the caller retries later.
func (c *Client) FetchProfile(ctx context.Context, providerOrderRef string) ProfileResult {
	var (
		resp profileResponse
		raw  json.RawMessage
	)
	err := c.do(ctx, "fetch_profile", http.MethodGet, "/api/v1/orders/"+url.PathEscape(providerOrderRef)+"/profile", nil, &resp, &raw)
	if err != nil {
		return ProfileResult{ErrorMessage: err.Error()}
	}
	if resp.ICCID == "" || (resp.ActivationCode == "" && resp.LPA == "") {
		status := resp.Status
		if status == "" {
			status = "incomplete"
		}
		return ProfileResult{ErrorMessage: "profile not ready: " + status, RawPayload: raw}
	}
	activation := resp.ActivationCode
	if resp.LPA != "" {
		activation = resp.LPA
	}
	return ProfileResult{
		Success:        true,
		ICCID:          resp.ICCID,
		ActivationCode: activation,
		SMDPAddress:    resp.SMDPAddress,
		TotalDataBytes: resp.TotalDataBytes,
		PIN:            resp.PIN,
		PUK:            resp.PUK,
		APN:            resp.APN,
		RawPayload:     raw,
	}
}

// TestConnection reports whether the provider answers its health endpoint.
func (c *Client) TestConnection(ctx context.Context) bool {
	return c.do(ctx, "test_connection", http.MethodGet, "/api/v1/health", nil, nil, nil) == nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload, out interface{}, raw *json.RawMessage) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(bodyBytes, errResp); jsonErr != nil {
			log.WithFields(log.Fields{"component": "provider_client", "provider": c.Name, "op": op, "status": resp.StatusCode}).
				Warn("non-2xx response (unparsable error body)")
		} else {
			log.WithFields(log.Fields{"component": "provider_client", "provider": c.Name, "op": op, "status": resp.StatusCode, "code": errResp.Code}).
				Warn(errResp.Message)
		}
		return errResp
	}

	if raw != nil {
		*raw = append(json.RawMessage(nil), bodyBytes...)
	}
	if out == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
