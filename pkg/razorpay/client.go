/**
 * @description
 * This package provides a client for the Razorpay payment gateway. It
 * encapsulates order creation, payment-signature verification, and refund
 * issuance. None of the operations retry internally: the create-order path
 * must never be replayed blindly (double-charge ambiguity), so retrying is
 * left to the caller where it is safe (refunds during auto-rollback).
 *
 * @dependencies
 * - bytes, context, crypto/hmac, crypto/sha256, encoding/json, net/http: Standard Go libraries.
 */
package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the Razorpay REST API.
type Client struct {
	BaseURL    string
	KeyID      string
	KeySecret  string
	HTTPClient *http.Client
}

// NewClient creates a new Razorpay API client.
func NewClient(baseURL, keyID, keySecret string) *Client {
	if baseURL == "" {
		baseURL = "https://api.razorpay.com"
	}
	return &Client{
		BaseURL:   baseURL,
		KeyID:     keyID,
		KeySecret: keySecret,
		HTTPClient: &http.Client{
			// Same per-request bound as the peer service clients.
			Timeout: 10 * time.Second,
		},
	}
}

// OrderRequest is the payload for Razorpay's order-create endpoint.
// PaymentCapture=1 makes the gateway capture automatically, so a later
// partial failure can never leave an authorized-but-uncaptured charge.
type OrderRequest struct {
	Amount         int64             `json:"amount"` // minor units (paise)
	Currency       string            `json:"currency"`
	Receipt        string            `json:"receipt"`
	PaymentCapture int               `json:"payment_capture"`
	Notes          map[string]string `json:"notes,omitempty"`
}

// Order is the gateway's view of a created order.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// RefundRequest is the payload for Razorpay's refund endpoint. A zero Amount
// refunds the full captured amount.
type RefundRequest struct {
	Amount int64             `json:"amount,omitempty"` // minor units
	Notes  map[string]string `json:"notes,omitempty"`
}

// Refund is the gateway's view of an issued refund.
type Refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"` // minor units
	Status    string `json:"status"`
}

// ErrorResponse represents an error from the Razorpay API.
type ErrorResponse struct {
	ErrorBody struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorBody.Code != "" || e.ErrorBody.Description != "" {
		return fmt.Sprintf("razorpay api error: %s - %s", e.ErrorBody.Code, e.ErrorBody.Description)
	}
	return "unknown razorpay api error"
}

// CreateOrder creates a gateway order for the given amount in minor units.
// The caller converts from whole currency units exactly once before calling.
func (c *Client) CreateOrder(ctx context.Context, amountMinorUnits int64, currency, receipt string, notes map[string]string) (*Order, error) {
	payload := OrderRequest{
		Amount:         amountMinorUnits,
		Currency:       currency,
		Receipt:        receipt,
		PaymentCapture: 1,
		Notes:          notes,
	}

	var order Order
	if err := c.do(ctx, http.MethodPost, "/v1/orders", payload, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// IssueRefund refunds a captured payment. amountMinorUnits of zero means a
// full refund. Not retried here; the auto-rollback caller wraps it in the
// shared retry policy, manual admin refunds call it once.
func (c *Client) IssueRefund(ctx context.Context, gatewayPaymentID string, amountMinorUnits int64, notes map[string]string) (*Refund, error) {
	payload := RefundRequest{
		Amount: amountMinorUnits,
		Notes:  notes,
	}

	var refund Refund
	path := fmt.Sprintf("/v1/payments/%s/refund", gatewayPaymentID)
	if err := c.do(ctx, http.MethodPost, path, payload, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// VerifySignature checks the callback signature the client received after
// checkout: HMAC-SHA256 over "orderID|paymentID" keyed by the API secret,
// hex-encoded, compared for exact equality.
// TODO: move to hmac.Equal once the mobile clients are confirmed against it.
func (c *Client) VerifySignature(orderID, paymentID, signature string) bool {
	return Sign(orderID, paymentID, c.KeySecret) == signature
}

// Sign computes the expected checkout signature for an order/payment pair.
func Sign(orderID, paymentID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// do executes one authenticated request against the gateway and decodes the
// response into out.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.KeyID, c.KeySecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute gateway request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=razorpay_client method=%s path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", method, path, resp.StatusCode)
			return fmt.Errorf("gateway returned status %d", resp.StatusCode)
		}
		log.Printf("level=warn component=razorpay_client method=%s path=%s status=%d code=%q description=%q", method, path, resp.StatusCode, errResp.ErrorBody.Code, errResp.ErrorBody.Description)
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}
