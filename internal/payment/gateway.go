package payment

import (
	"context"
	"strings"
)

// Metadata is echoed through the gateway and back on webhooks and status
// lookups. PaymentID is the correlation key; reconciliation never matches on
// amount or user alone.
type Metadata struct {
	PaymentID   string   `json:"paymentId,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	PackageType string   `json:"packageType,omitempty"`
	Membership  bool     `json:"membership,omitempty"`
	TagType     string   `json:"tagType,omitempty"`
	Pets        []string `json:"pets,omitempty"`
}

// CheckoutRequest describes a hosted checkout session to open at the gateway.
type CheckoutRequest struct {
	AmountInCents  int64
	Currency       string
	Description    string
	SuccessURL     string
	CancelURL      string
	FailureURL     string
	Metadata       Metadata
	IdempotencyKey string
}

// CheckoutSession is the provider-hosted payment page reference.
type CheckoutSession struct {
	ID          string
	RedirectURL string
}

// CheckoutStatus is the normalized view of a gateway checkout lookup.
type CheckoutStatus struct {
	Status       string
	IsSuccessful bool
	IsFailed     bool
	IsCanceled   bool
	ChargeID     string
	Metadata     Metadata
}

// ChargeResult is the outcome of a direct card charge.
type ChargeResult struct {
	ID         string
	Status     string
	Successful bool
	Raw        []byte
}

// Gateway wraps the external payment provider's checkout and charge APIs.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	FetchCheckout(ctx context.Context, checkoutID string) (*CheckoutStatus, error)
	Charge(ctx context.Context, token string, amountInCents int64, currency string) (*ChargeResult, error)
}

// NormalizeTagType derives a display tag type from a package description.
func NormalizeTagType(packageType string) string {
	normalized := strings.ToLower(strings.TrimSpace(packageType))
	switch {
	case strings.Contains(normalized, "airtag") && strings.Contains(normalized, "apple"):
		return "Apple AirTag"
	case strings.Contains(normalized, "smart") && strings.Contains(normalized, "samsung"):
		return "Samsung SmartTag"
	case strings.Contains(normalized, "tag"):
		return "Standard"
	default:
		return ""
	}
}
