package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-pawtag/internal/common"
	"github.com/noah-isme/backend-pawtag/internal/obs"
	"github.com/noah-isme/backend-pawtag/internal/store"
)

// Membership price table in cents, keyed by pet size. The client-declared
// amount is never trusted for membership checkouts.
var membershipPriceBySize = map[string]int64{
	"small":  5000,
	"medium": 7000,
	"large":  10000,
}

// CheckoutInput is the validated purchase request.
type CheckoutInput struct {
	UserID        string
	PetIDs        []string
	PetDraft      *store.PetDraft
	AmountInCents int64
	PackageType   string
	Membership    bool
	Shipping      *store.Shipping
}

// CheckoutResult references the pending payment and the hosted checkout page.
type CheckoutResult struct {
	PaymentID     string
	CheckoutURL   string
	AmountInCents int64
}

// CheckoutService validates purchase requests and opens gateway checkout
// sessions backed by pending Payment rows.
type CheckoutService struct {
	Payments    PaymentStore
	Pets        PetStore
	Users       UserStore
	Memberships MembershipStore
	Gateway     Gateway
	FrontendURL string
	Log         zerolog.Logger
	Now         func() time.Time
}

func (s *CheckoutService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// CreateSession validates the request, persists a pending payment and opens a
// checkout session at the gateway. A session that cannot be opened marks the
// payment failed so no row lingers pending without a gateway counterpart.
func (s *CheckoutService) CreateSession(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	if s == nil || s.Payments == nil || s.Pets == nil || s.Gateway == nil {
		return nil, errors.New("checkout service not configured")
	}
	ctx, span := otel.Tracer("payment.Checkout").Start(ctx, "Checkout.CreateSession")
	defer span.End()

	kind := store.KindTag
	if in.Membership {
		kind = store.KindMembership
	}
	result := "error"
	defer func() {
		if obs.CheckoutTotal != nil {
			obs.CheckoutTotal.WithLabelValues(kind, result).Inc()
		}
	}()

	if strings.TrimSpace(in.UserID) == "" {
		return nil, common.ErrValidation("user id is required")
	}
	if strings.TrimSpace(in.PackageType) == "" {
		return nil, common.ErrValidation("package type is required")
	}
	if in.Shipping == nil || strings.TrimSpace(in.Shipping.Street) == "" ||
		strings.TrimSpace(in.Shipping.City) == "" || strings.TrimSpace(in.Shipping.PostalCode) == "" {
		return nil, common.ErrValidation("billing details are required")
	}
	hasDraft := in.PetDraft != nil && strings.TrimSpace(in.PetDraft.Name) != ""
	if len(in.PetIDs) == 0 && !hasDraft {
		return nil, common.ErrValidation("at least one pet or a pet draft is required")
	}
	if in.Membership && (len(in.PetIDs) > 1 || (len(in.PetIDs) == 1 && hasDraft)) {
		return nil, common.ErrValidation("membership checkout covers exactly one pet")
	}

	var (
		amount       int64
		membershipID *string
		pets         []store.Pet
		err          error
	)

	if len(in.PetIDs) > 0 {
		pets, err = s.Pets.ListByIDsForUser(ctx, in.PetIDs, in.UserID)
		if err != nil {
			return nil, err
		}
		if len(pets) != len(in.PetIDs) {
			return nil, common.ErrValidation("one or more pets do not belong to this account")
		}
	}

	if in.Membership {
		amount, membershipID, err = s.prepareMembership(ctx, in, pets, hasDraft)
		if err != nil {
			return nil, err
		}
	} else {
		if err := s.checkTagEligibility(pets); err != nil {
			return nil, err
		}
		if in.AmountInCents <= 0 {
			return nil, common.ErrValidation("amount must be positive")
		}
		amount = in.AmountInCents
	}

	p := &store.Payment{
		UserID:        in.UserID,
		Kind:          kind,
		PetIDs:        in.PetIDs,
		PetDraft:      in.PetDraft,
		AmountInCents: amount,
		Currency:      "ZAR",
		MembershipID:  membershipID,
		PackageType:   in.PackageType,
		Status:        store.StatusPending,
		Shipping:      s.snapshotShipping(ctx, in),
	}
	if tagType := NormalizeTagType(in.PackageType); tagType != "" && kind == store.KindTag {
		p.TagType = &tagType
	}
	if err := s.Payments.Create(ctx, p); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.id", p.ID), attribute.String("payment.kind", kind))

	frontend := strings.TrimRight(s.FrontendURL, "/")
	session, err := s.Gateway.CreateCheckout(ctx, CheckoutRequest{
		AmountInCents: amount,
		Currency:      p.Currency,
		Description:   fmt.Sprintf("Package: %s + Membership: %s", in.PackageType, yesNo(in.Membership)),
		SuccessURL:    frontend + "/payment-success",
		CancelURL:     frontend + "/payment-cancel",
		FailureURL:    frontend + "/payment-failure",
		Metadata: Metadata{
			PaymentID:   p.ID,
			UserID:      in.UserID,
			PackageType: in.PackageType,
			Membership:  in.Membership,
			Pets:        in.PetIDs,
		},
		IdempotencyKey: fmt.Sprintf("%s-%d", in.UserID, s.now().UnixNano()),
	})
	if err != nil {
		if _, markErr := s.Payments.MarkFailed(ctx, p.ID, "checkout session creation failed"); markErr != nil {
			s.Log.Error().Err(markErr).Str("payment_id", p.ID).Msg("mark payment failed errored")
		}
		return nil, err
	}
	if err := s.Payments.AttachCheckout(ctx, p.ID, session.ID); err != nil {
		return nil, err
	}

	result = "ok"
	return &CheckoutResult{
		PaymentID:     p.ID,
		CheckoutURL:   session.RedirectURL,
		AmountInCents: amount,
	}, nil
}

// snapshotShipping freezes the delivery address onto the payment, filling in
// recipient name and phone from the account when the request omits them.
func (s *CheckoutService) snapshotShipping(ctx context.Context, in CheckoutInput) *store.Shipping {
	shipping := *in.Shipping
	if (shipping.RecipientName == "" || shipping.Phone == "") && s.Users != nil {
		u, err := s.Users.GetByID(ctx, in.UserID)
		if err != nil {
			s.Log.Warn().Err(err).Str("user_id", in.UserID).Msg("load user for shipping snapshot failed")
			return &shipping
		}
		if shipping.RecipientName == "" {
			shipping.RecipientName = strings.TrimSpace(u.Name + " " + u.Surname)
		}
		if shipping.Phone == "" {
			shipping.Phone = u.Contact
		}
	}
	return &shipping
}

// prepareMembership applies the membership-specific validation rules and
// resolves the plan, returning the recomputed price.
func (s *CheckoutService) prepareMembership(ctx context.Context, in CheckoutInput, pets []store.Pet, hasDraft bool) (int64, *string, error) {
	// Size is validated before the re-subscription conflict so an unpriceable
	// request reads as a 400 rather than a 409.
	var size string
	if len(pets) == 1 {
		if pets[0].Size != nil {
			size = *pets[0].Size
		}
	} else if hasDraft {
		size = in.PetDraft.Size
	}
	size = strings.ToLower(strings.TrimSpace(size))
	price, ok := membershipPriceBySize[size]
	if !ok {
		return 0, nil, common.ErrValidation("pet size must be small, medium or large")
	}
	if len(pets) == 1 && pets[0].HasMembership {
		return 0, nil, common.ErrConflict("pet already has an active membership")
	}

	if s.Memberships == nil {
		return 0, nil, errors.New("membership store not configured")
	}
	plan, err := s.Memberships.FindOrCreate(ctx, membershipPlanName(size), price, "monthly", nil)
	if err != nil {
		return 0, nil, err
	}
	return price, &plan.ID, nil
}

// checkTagEligibility enforces that tags are only sold for already-subscribed
// pets, reporting exactly which pets are missing a membership.
func (s *CheckoutService) checkTagEligibility(pets []store.Pet) error {
	if len(pets) == 0 {
		return common.ErrValidation("tag orders require at least one existing pet")
	}
	var missing []string
	for _, pet := range pets {
		if !pet.HasMembership {
			missing = append(missing, pet.ID)
		}
	}
	if len(missing) > 0 {
		return common.ErrValidation("all pets need an active membership before ordering tags").
			WithDetails(map[string]any{"petsMissingSubscription": missing})
	}
	return nil
}

func membershipPlanName(size string) string {
	switch size {
	case "small":
		return "Small Pet Membership"
	case "medium":
		return "Medium Pet Membership"
	case "large":
		return "Large Pet Membership"
	default:
		return "Pet Membership"
	}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
