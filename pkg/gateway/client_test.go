package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateCheckout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Idempotency-Key") != "pay-1" {
			t.Fatalf("expected idempotency key pay-1, got %q", r.Header.Get("Idempotency-Key"))
		}
		var req CheckoutRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Amount != "19.99" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad amount"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"cs_1","checkout_url":"https://pay.example/cs_1","status":"open"}`))
	}))
	defer server.Close()

	client := NewClient("stripe", server.URL, "key", "whsec")
	session, err := client.CreateCheckout(context.Background(), CheckoutRequest{Reference: "ref", PaymentID: "pay-1", Amount: "19.99", Currency: "USD"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.ID != "cs_1" || session.CheckoutURL != "https://pay.example/cs_1" || session.Paid {
		t.Fatalf("unexpected session %+v", session)
	}

	if _, err := client.CreateCheckout(context.Background(), CheckoutRequest{PaymentID: "pay-1", Amount: "0"}); err == nil {
		t.Fatalf("expected error for rejected checkout")
	}
}

func TestParseWebhook(t *testing.T) {
	client := NewClient("payrexx", "http://unused", "key", "whsec")
	body := []byte(`{"event":"payment.succeeded","reference":"5f0c","status":"confirmed","transaction_id":"tx_9"}`)
	signature := hex.EncodeToString(Sign("whsec", body))

	tests := []struct {
		name      string
		signature string
		wantErr   error
	}{
		{name: "valid", signature: signature},
		{name: "valid with prefix", signature: "sha256=" + signature},
		{name: "tampered", signature: hex.EncodeToString(Sign("other", body)), wantErr: ErrInvalidSignature},
		{name: "missing", signature: "", wantErr: ErrInvalidSignature},
		{name: "not hex", signature: "zz", wantErr: ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook, err := client.ParseWebhook(body, tt.signature)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if hook.Reference != "5f0c" || hook.TransactionID != "tx_9" || hook.Event != "payment.succeeded" {
				t.Fatalf("unexpected webhook %+v", hook)
			}
		})
	}
}
