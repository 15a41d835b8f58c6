package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/backend-pawtag/internal/common"
	"github.com/noah-isme/backend-pawtag/internal/resilience"
)

// Yoco is the hosted-checkout gateway client. The secret key must be a
// server-side key ("sk_" prefix); public keys are rejected at construction.
type Yoco struct {
	secretKey string
	baseURL   string
	chargeURL string
	http      resilience.HTTPClient
}

const yocoChargeURL = "https://online.yoco.com/v1/charges"

// NewYoco validates the secret key and builds the client.
func NewYoco(secretKey, baseURL string, client resilience.HTTPClient) (*Yoco, error) {
	key := strings.TrimSpace(secretKey)
	if key == "" {
		return nil, errors.New("yoco: secret key is required")
	}
	if !strings.HasPrefix(key, "sk_") {
		return nil, errors.New("yoco: secret key must start with sk_")
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://payments.yoco.com/api"
	}
	if client.Client == nil {
		client.Client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Yoco{
		secretKey: key,
		baseURL:   base,
		chargeURL: yocoChargeURL,
		http:      client,
	}, nil
}

type yocoCheckoutRequest struct {
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	Description    string         `json:"description,omitempty"`
	SuccessURL     string         `json:"successUrl,omitempty"`
	CancelURL      string         `json:"cancelUrl,omitempty"`
	FailureURL     string         `json:"failureUrl,omitempty"`
	Metadata       Metadata       `json:"metadata"`
	BillingDetails map[string]any `json:"billingDetails,omitempty"`
}

type yocoCheckout struct {
	ID            string   `json:"id"`
	RedirectURL   string   `json:"redirectUrl"`
	Status        string   `json:"status"`
	State         string   `json:"state"`
	PaymentStatus string   `json:"paymentStatus"`
	PaymentSnake  string   `json:"payment_status"`
	ChargeID      string   `json:"chargeId"`
	ChargeSnake   string   `json:"charge_id"`
	Metadata      Metadata `json:"metadata"`
	Payment       struct {
		ID          string `json:"id"`
		ChargeID    string `json:"chargeId"`
		ChargeSnake string `json:"charge_id"`
	} `json:"payment"`
}

// CreateCheckout opens a hosted checkout session carrying the internal payment
// id in provider metadata.
func (y *Yoco) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	payload := yocoCheckoutRequest{
		Amount:      req.AmountInCents,
		Currency:    req.Currency,
		Description: req.Description,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
		FailureURL:  req.FailureURL,
		Metadata:    req.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("yoco: encode checkout: %w", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, y.baseURL+"/checkouts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+y.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := y.http.Do(ctx, httpReq)
	if err != nil {
		return nil, common.ErrGateway("checkout session creation failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.ErrGateway("checkout session read failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, common.ErrGateway("checkout session creation failed", fmt.Errorf("yoco: status %d: %s", resp.StatusCode, truncateBody(raw)))
	}
	var checkout yocoCheckout
	if err := json.Unmarshal(raw, &checkout); err != nil {
		return nil, common.ErrGateway("checkout session decode failed", err)
	}
	if checkout.RedirectURL == "" {
		return nil, common.ErrGateway("checkout session missing redirect url", nil)
	}
	return &CheckoutSession{ID: checkout.ID, RedirectURL: checkout.RedirectURL}, nil
}

// FetchCheckout looks up a checkout session and interprets its status.
func (y *Yoco) FetchCheckout(ctx context.Context, checkoutID string) (*CheckoutStatus, error) {
	if strings.TrimSpace(checkoutID) == "" {
		return nil, errors.New("yoco: checkout id is required")
	}
	httpReq, err := http.NewRequest(http.MethodGet, y.baseURL+"/checkouts/"+checkoutID, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+y.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := y.http.Do(ctx, httpReq)
	if err != nil {
		return nil, common.ErrGateway("checkout lookup failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.ErrGateway("checkout lookup read failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, common.ErrGateway("checkout lookup failed", fmt.Errorf("yoco: status %d: %s", resp.StatusCode, truncateBody(raw)))
	}
	var checkout yocoCheckout
	if err := json.Unmarshal(raw, &checkout); err != nil {
		return nil, common.ErrGateway("checkout lookup decode failed", err)
	}
	status := interpretCheckout(checkout)
	return &status, nil
}

type yocoCharge struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Charge performs a direct card charge with a tokenized card.
func (y *Yoco) Charge(ctx context.Context, token string, amountInCents int64, currency string) (*ChargeResult, error) {
	if currency == "" {
		currency = "ZAR"
	}
	payload := map[string]any{
		"token":           token,
		"amount_in_cents": amountInCents,
		"currency":        currency,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequest(http.MethodPost, y.chargeURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Auth-Secret-Key", y.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := y.http.Do(ctx, httpReq)
	if err != nil {
		return nil, common.ErrGateway("charge failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.ErrGateway("charge read failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, common.ErrGateway("charge failed", fmt.Errorf("yoco: status %d: %s", resp.StatusCode, truncateBody(raw)))
	}
	var charge yocoCharge
	if err := json.Unmarshal(raw, &charge); err != nil {
		return nil, common.ErrGateway("charge decode failed", err)
	}
	return &ChargeResult{
		ID:         charge.ID,
		Status:     charge.Status,
		Successful: strings.EqualFold(charge.Status, "successful"),
		Raw:        raw,
	}, nil
}

// interpretCheckout maps the provider's status vocabulary, which has varied
// across integrations, onto success/failure/cancel booleans.
func interpretCheckout(c yocoCheckout) CheckoutStatus {
	raw := c.Status
	if raw == "" {
		raw = c.State
	}
	if raw == "" {
		raw = c.PaymentStatus
	}
	if raw == "" {
		raw = c.PaymentSnake
	}
	status := strings.ToLower(strings.TrimSpace(raw))

	isSuccessful := strings.HasPrefix(status, "complete")
	switch status {
	case "completed", "successful", "succeeded", "paid":
		isSuccessful = true
	}
	isFailed := status == "failed" || status == "error" || status == "declined"
	isCanceled := status == "cancelled" || status == "canceled" || status == "cancel"

	chargeID := c.ChargeID
	if chargeID == "" {
		chargeID = c.ChargeSnake
	}
	if chargeID == "" {
		chargeID = c.Payment.ChargeID
	}
	if chargeID == "" {
		chargeID = c.Payment.ChargeSnake
	}
	if chargeID == "" {
		chargeID = c.Payment.ID
	}

	return CheckoutStatus{
		Status:       status,
		IsSuccessful: isSuccessful,
		IsFailed:     isFailed,
		IsCanceled:   isCanceled,
		ChargeID:     chargeID,
		Metadata:     c.Metadata,
	}
}

func truncateBody(raw []byte) string {
	const max = 512
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
