package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Payment kinds.
const (
	KindMembership = "membership"
	KindTag        = "tag"
)

// Payment statuses.
const (
	StatusPending    = "pending"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
)

// Fulfillment statuses.
const (
	FulfillmentUnfulfilled = "unfulfilled"
	FulfillmentProcessing  = "processing"
	FulfillmentSubmitted   = "submitted"
	FulfillmentShipped     = "shipped"
	FulfillmentDelivered   = "delivered"
	FulfillmentCancelled   = "cancelled"
)

// User is an account row.
type User struct {
	ID                  string
	Name                string
	Surname             string
	Contact             string
	Email               string
	PasswordHash        string
	PrivacyPolicy       bool
	TermsConditions     bool
	Agreement           bool
	Roles               []string
	MembershipActive    bool
	MembershipStartDate *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Membership is a purchasable plan.
type Membership struct {
	ID           string
	Name         string
	PriceInCents int64
	BillingCycle string
	Features     []string
	CreatedAt    time.Time
}

// Pet is an animal profile owned by a user.
type Pet struct {
	ID                  string
	UserID              string
	Name                string
	Species             string
	Breed               string
	Age                 int
	Gender              string
	Color               *string
	Size                *string
	DateOfBirth         *time.Time
	SpayedNeutered      bool
	TrainingLevel       *string
	Weight              *float64
	MicrochipNumber     *string
	PhotoURL            *string
	HasMembership       bool
	MembershipID        *string
	MembershipStartDate *time.Time
	HasTag              bool
	TagType             *string
	TagPurchaseDate     *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PetDraft captures pet details supplied at checkout before any pet row exists.
// It is persisted as JSONB on the payment until finalization materializes it.
type PetDraft struct {
	Name            string     `json:"name"`
	Species         string     `json:"species"`
	Breed           string     `json:"breed,omitempty"`
	Age             int        `json:"age,omitempty"`
	Gender          string     `json:"gender,omitempty"`
	Color           string     `json:"color,omitempty"`
	Size            string     `json:"size,omitempty"`
	DateOfBirth     *time.Time `json:"dateOfBirth,omitempty"`
	SpayedNeutered  bool       `json:"spayedNeutered,omitempty"`
	TrainingLevel   string     `json:"trainingLevel,omitempty"`
	Weight          float64    `json:"weight,omitempty"`
	MicrochipNumber string     `json:"microchipNumber,omitempty"`
}

// Shipping holds the delivery address captured for tag orders.
type Shipping struct {
	RecipientName string `json:"recipientName,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Street        string `json:"street"`
	Suburb        string `json:"suburb,omitempty"`
	City          string `json:"city"`
	Province      string `json:"province,omitempty"`
	PostalCode    string `json:"postalCode"`
	Country       string `json:"country,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// Fulfillment tracks physical tag delivery state on a payment.
type Fulfillment struct {
	Provider       *string
	Status         *string
	Notes          *string
	ShipmentID     *string
	TrackingNumber *string
	CreatedAt      *time.Time
	UpdatedAt      *time.Time
	SubmittedAt    *time.Time
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
}

// Payment is a checkout attempt and its finalization state.
type Payment struct {
	ID                string
	UserID            string
	Kind              string
	PetIDs            []string
	PetDraft          *PetDraft
	AmountInCents     int64
	Currency          string
	MembershipID      *string
	PackageType       string
	TagType           *string
	Status            string
	ProcessedAt       *time.Time
	GatewayChargeID   *string
	GatewayCheckoutID *string
	FailureReason     *string
	Shipping          *Shipping
	Fulfillment       Fulfillment
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PaymentEvent is an append-only audit record of payment state changes.
type PaymentEvent struct {
	ID        string
	PaymentID string
	Status    string
	Payload   []byte
	CreatedAt time.Time
}

// Notification tracks delivery state for one confirmation channel of a payment.
type Notification struct {
	PaymentID     string
	Channel       string
	SendingAt     *time.Time
	SentAt        *time.Time
	LastAttemptAt *time.Time
	LastError     *string
}
