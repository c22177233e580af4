/**
 * @description
 * This package provides a client for the card-billing gateway.
 * It wraps the four stored-credential operations the billing service needs:
 * issuing a billing key, charging it, deleting it, and cancelling a charge.
 * Every non-2xx response and every transport failure is returned as *Error.
 */
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	CodeTimeout      = "TIMEOUT"
	CodeNetworkError = "NETWORK_ERROR"
	CodeInvalidReply = "INVALID_RESPONSE"
)

// Client is a client for the billing gateway API.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewClient creates a new gateway client. The timeout bounds every single call.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		secretKey:  strings.TrimSpace(secretKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// IssueRequest carries the one-time authorization proof returned by the card widget.
type IssueRequest struct {
	AuthKey     string `json:"authKey"`
	CustomerKey string `json:"customerKey"`
}

// Card is the masked card attached to a billing key.
type Card struct {
	Number     string `json:"number"`
	CardType   string `json:"cardType"`
	IssuerCode string `json:"issuerCode"`
}

// Last4 returns the trailing four characters of the masked card number.
func (c Card) Last4() string {
	number := strings.ReplaceAll(c.Number, "-", "")
	if len(number) <= 4 {
		return number
	}
	return number[len(number)-4:]
}

// BillingKey is an issued stored credential.
type BillingKey struct {
	BillingKey  string `json:"billingKey"`
	CustomerKey string `json:"customerKey"`
	Card        Card   `json:"card"`
}

// ChargeRequest describes one charge against a stored credential.
type ChargeRequest struct {
	BillingKey    string `json:"-"`
	CustomerKey   string `json:"customerKey"`
	Amount        int64  `json:"amount"`
	OrderID       string `json:"orderId"`
	OrderName     string `json:"orderName"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	CustomerName  string `json:"customerName,omitempty"`
}

// Charge is the gateway's acknowledgement of an approved charge.
type Charge struct {
	PaymentKey  string    `json:"paymentKey"`
	OrderID     string    `json:"orderId"`
	Status      string    `json:"status"`
	TotalAmount int64     `json:"totalAmount"`
	ApprovedAt  time.Time `json:"approvedAt"`
}

// IssueBillingKey exchanges an authorization proof for a reusable billing key.
func (c *Client) IssueBillingKey(ctx context.Context, req IssueRequest) (*BillingKey, error) {
	if req.AuthKey == "" || req.CustomerKey == "" {
		return nil, &Error{Code: "INVALID_REQUEST", Message: "authKey and customerKey are required", Status: http.StatusBadRequest}
	}

	var resp BillingKey
	if err := c.do(ctx, http.MethodPost, "/v1/billing/authorizations/issue", req, "", &resp); err != nil {
		return nil, err
	}
	if resp.BillingKey == "" {
		return nil, &Error{Code: CodeInvalidReply, Message: "billing key missing from response"}
	}
	return &resp, nil
}

// Charge charges a stored credential. The order id is sent as the idempotency key.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if req.BillingKey == "" {
		return nil, &Error{Code: "INVALID_REQUEST", Message: "billing key is required", Status: http.StatusBadRequest}
	}

	var resp Charge
	path := "/v1/billing/" + url.PathEscape(req.BillingKey)
	if err := c.do(ctx, http.MethodPost, path, req, req.OrderID, &resp); err != nil {
		return nil, err
	}
	if resp.PaymentKey == "" {
		return nil, &Error{Code: CodeInvalidReply, Message: "payment key missing from response"}
	}
	return &resp, nil
}

// DeleteBillingKey removes a stored credential at the gateway.
func (c *Client) DeleteBillingKey(ctx context.Context, billingKey string) error {
	if billingKey == "" {
		return nil
	}
	return c.do(ctx, http.MethodDelete, "/v1/billing/"+url.PathEscape(billingKey), nil, "", nil)
}

// CancelPayment cancels an approved charge in full.
func (c *Client) CancelPayment(ctx context.Context, paymentKey, reason string) error {
	if paymentKey == "" {
		return &Error{Code: "INVALID_REQUEST", Message: "payment key is required", Status: http.StatusBadRequest}
	}
	payload := map[string]string{"cancelReason": reason}
	return c.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(paymentKey)+"/cancel", payload, "", nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal gateway request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.secretKey+":")))
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gwErr := &Error{Status: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, gwErr); err != nil || gwErr.Code == "" {
			gwErr.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
			gwErr.Message = http.StatusText(resp.StatusCode)
		}
		log.Printf("level=warn component=gateway_client method=%s path=%s status=%d code=%q msg=%q", method, path, resp.StatusCode, gwErr.Code, gwErr.Message)
		return gwErr
	}

	if out == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return &Error{Code: CodeInvalidReply, Message: err.Error(), Status: resp.StatusCode}
	}
	return nil
}

func transportError(err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Code: CodeTimeout, Message: err.Error()}
	}
	return &Error{Code: CodeNetworkError, Message: err.Error()}
}
