package payment

import (
	"context"
	"time"

	"github.com/noah-isme/backend-pawtag/internal/store"
)

// PaymentStore is the persistence surface the checkout builder, finalizer and
// reconciliation paths need from the payments table.
type PaymentStore interface {
	Create(ctx context.Context, p *store.Payment) error
	GetByID(ctx context.Context, id string) (*store.Payment, error)
	GetForUser(ctx context.Context, id, userID string) (*store.Payment, error)
	AttachCheckout(ctx context.Context, id, checkoutID string) error
	ClaimSuccess(ctx context.Context, id string, chargeID *string, now time.Time) (bool, error)
	AlignSuccessStatus(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) (bool, error)
	BackfillTagType(ctx context.Context, id, tagType string) error
	SetPetIDsOnce(ctx context.Context, id string, petIDs []string) (bool, error)
	InitFulfillment(ctx context.Context, id, provider string, now time.Time) (bool, error)
	UpdateFulfillment(ctx context.Context, id string, upd store.FulfillmentUpdate, now time.Time) (*store.Payment, error)
	ListTagOrders(ctx context.Context, f store.TagOrderFilter) ([]store.Payment, int, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]store.Payment, error)
	RecordEvent(ctx context.Context, paymentID, status string, payload []byte) error
}

// PetStore is the pet persistence surface touched by finalization.
type PetStore interface {
	GetForUser(ctx context.Context, id, userID string) (*store.Pet, error)
	ListByIDsForUser(ctx context.Context, ids []string, userID string) ([]store.Pet, error)
	CreateFromDraft(ctx context.Context, userID string, draft store.PetDraft, membershipID *string, start time.Time) (*store.Pet, error)
	ApplyMembership(ctx context.Context, userID string, petIDs []string, membershipID *string, start time.Time) (int64, error)
	ApplyTag(ctx context.Context, userID string, petIDs []string, tagType *string, purchased time.Time) (int64, error)
	Delete(ctx context.Context, id, userID string) error
}

// UserStore is the account surface used for shipping snapshots and membership
// recomputation.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*store.User, error)
	RecomputeMembership(ctx context.Context, userID string) error
}

// MembershipStore resolves plans during checkout and finalization.
type MembershipStore interface {
	GetByID(ctx context.Context, id string) (*store.Membership, error)
	FindOrCreate(ctx context.Context, name string, priceInCents int64, billingCycle string, features []string) (*store.Membership, error)
}

// Notifier dispatches a purchase confirmation for one channel of a payment.
// Implementations are idempotent per (payment, channel).
type Notifier interface {
	Dispatch(ctx context.Context, paymentID, channel string) error
}
