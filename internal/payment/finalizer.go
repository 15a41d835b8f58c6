package payment

import (
	"context"
	"encoding/json"
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

// Notification channels, one per payment kind.
const (
	ChannelMembership = "membership"
	ChannelTag        = "tag"
)

// FulfillmentProvider is the courier used for new tag orders.
const FulfillmentProvider = "pudo"

// FinalizeInput carries the confirmation data handed to the finalizer by a
// reconciliation entry point.
type FinalizeInput struct {
	PaymentID string
	ChargeID  string
	Metadata  *Metadata
	Trigger   string
}

// Finalizer applies confirmed-payment side effects idempotently. It may be
// invoked any number of times, concurrently, for the same payment; correctness
// rests on conditional updates in the stores rather than in-process locks.
type Finalizer struct {
	Payments    PaymentStore
	Pets        PetStore
	Users       UserStore
	Memberships MembershipStore
	Notifier    Notifier
	Log         zerolog.Logger
	Now         func() time.Time
}

func (f *Finalizer) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now().UTC()
}

// Finalize transitions the payment to successful and applies domain side
// effects. The processed_at compare-and-set guarantees the transition is
// recorded once; the per-branch existence checks keep repeat calls convergent.
func (f *Finalizer) Finalize(ctx context.Context, in FinalizeInput) (*store.Payment, error) {
	if f == nil || f.Payments == nil || f.Pets == nil || f.Users == nil {
		return nil, errors.New("payment finalizer not configured")
	}
	if strings.TrimSpace(in.PaymentID) == "" {
		return nil, common.ErrValidation("payment id is required")
	}
	ctx, span := otel.Tracer("payment.Finalizer").Start(ctx, "Finalizer.Finalize")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", in.PaymentID))

	trigger := in.Trigger
	if trigger == "" {
		trigger = "unknown"
	}
	start := f.now()
	result := "error"
	kindLabel := "unknown"
	defer func() {
		if obs.FinalizeTotal != nil {
			obs.FinalizeTotal.WithLabelValues(trigger, kindLabel, result).Inc()
		}
		if obs.FinalizeDuration != nil {
			obs.FinalizeDuration.Observe(obs.DurationMillis(time.Since(start)))
		}
	}()

	p, err := f.Payments.GetByID(ctx, in.PaymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			result = "not_found"
			return nil, common.ErrNotFound("payment not found")
		}
		return nil, err
	}

	kind := f.resolveKind(p, in.Metadata)
	kindLabel = kind
	tagType := resolveTagType(p, in.Metadata)
	now := f.now()

	var chargeID *string
	if c := strings.TrimSpace(in.ChargeID); c != "" {
		chargeID = &c
	}

	claimed := false
	if p.ProcessedAt == nil {
		claimed, err = f.Payments.ClaimSuccess(ctx, p.ID, chargeID, now)
		if err != nil {
			return nil, err
		}
	} else if p.Status != store.StatusSuccessful {
		if err := f.Payments.AlignSuccessStatus(ctx, p.ID); err != nil {
			return nil, err
		}
	}

	p, err = f.Payments.GetByID(ctx, in.PaymentID)
	if err != nil {
		return nil, err
	}

	if claimed {
		payload, _ := json.Marshal(map[string]any{"trigger": trigger, "chargeId": in.ChargeID})
		if err := f.Payments.RecordEvent(ctx, p.ID, store.StatusSuccessful, payload); err != nil {
			f.Log.Warn().Err(err).Str("payment_id", p.ID).Msg("record payment event failed")
		}
	}

	switch kind {
	case store.KindMembership:
		if err := f.applyMembership(ctx, p, in.Metadata, now); err != nil {
			return nil, err
		}
	case store.KindTag:
		if err := f.applyTag(ctx, p, tagType, now); err != nil {
			return nil, err
		}
	}

	f.dispatchNotification(ctx, p.ID, kind)

	p, err = f.Payments.GetByID(ctx, in.PaymentID)
	if err != nil {
		return nil, err
	}
	result = "ok"
	return p, nil
}

// resolveKind falls back to inferring the branch from the membership reference
// for records that predate the explicit kind field.
func (f *Finalizer) resolveKind(p *store.Payment, md *Metadata) string {
	if p.Kind != "" {
		return p.Kind
	}
	if p.MembershipID != nil || (md != nil && md.Membership) {
		return store.KindMembership
	}
	return store.KindTag
}

func resolveTagType(p *store.Payment, md *Metadata) string {
	if md != nil && strings.TrimSpace(md.TagType) != "" {
		return strings.TrimSpace(md.TagType)
	}
	packageType := p.PackageType
	if packageType == "" && md != nil {
		packageType = md.PackageType
	}
	return NormalizeTagType(packageType)
}

func (f *Finalizer) applyMembership(ctx context.Context, p *store.Payment, md *Metadata, now time.Time) error {
	if p.MembershipID == nil {
		f.Log.Warn().Str("payment_id", p.ID).Msg("membership payment without membership reference, side effects skipped")
		return nil
	}

	ids := p.PetIDs
	if len(ids) == 0 && md != nil {
		ids = md.Pets
	}

	if len(ids) == 0 && p.PetDraft != nil && strings.TrimSpace(p.PetDraft.Name) != "" {
		if f.Memberships != nil {
			if _, err := f.Memberships.GetByID(ctx, *p.MembershipID); err != nil {
				return fmt.Errorf("resolve membership %s: %w", *p.MembershipID, err)
			}
		}
		pet, err := f.Pets.CreateFromDraft(ctx, p.UserID, *p.PetDraft, p.MembershipID, now)
		if err != nil {
			return fmt.Errorf("materialize pet draft: %w", err)
		}
		won, err := f.Payments.SetPetIDsOnce(ctx, p.ID, []string{pet.ID})
		if err != nil {
			return err
		}
		if won {
			ids = []string{pet.ID}
		} else {
			// A concurrent finalize materialized the draft first. Remove the
			// duplicate and adopt the winner's pet ids.
			if err := f.Pets.Delete(ctx, pet.ID, p.UserID); err != nil {
				f.Log.Warn().Err(err).Str("pet_id", pet.ID).Msg("remove duplicate draft pet failed")
			}
			refreshed, err := f.Payments.GetByID(ctx, p.ID)
			if err != nil {
				return err
			}
			ids = refreshed.PetIDs
		}
	}

	if len(ids) > 0 {
		if _, err := f.Pets.ApplyMembership(ctx, p.UserID, ids, p.MembershipID, now); err != nil {
			return err
		}
	}
	return f.Users.RecomputeMembership(ctx, p.UserID)
}

func (f *Finalizer) applyTag(ctx context.Context, p *store.Payment, tagType string, now time.Time) error {
	var tagTypePtr *string
	if tagType != "" {
		tagTypePtr = &tagType
	}
	if len(p.PetIDs) > 0 {
		if _, err := f.Pets.ApplyTag(ctx, p.UserID, p.PetIDs, tagTypePtr, now); err != nil {
			return err
		}
	}
	if tagType != "" && (p.TagType == nil || *p.TagType == "") {
		if err := f.Payments.BackfillTagType(ctx, p.ID, tagType); err != nil {
			return err
		}
	}
	created, err := f.Payments.InitFulfillment(ctx, p.ID, FulfillmentProvider, now)
	if err != nil {
		return err
	}
	if created {
		f.Log.Info().Str("payment_id", p.ID).Msg("fulfillment record initialized")
	}
	return nil
}

// dispatchNotification spawns the confirmation send detached from the request
// lifecycle. Failures are fully isolated; the dispatcher's claim lock keeps
// the send at-most-once across concurrent finalize calls.
func (f *Finalizer) dispatchNotification(ctx context.Context, paymentID, channel string) {
	if f.Notifier == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	logger := f.Log
	notifier := f.Notifier
	go func() {
		sendCtx, cancel := context.WithTimeout(detached, 30*time.Second)
		defer cancel()
		if err := notifier.Dispatch(sendCtx, paymentID, channel); err != nil {
			logger.Warn().Err(err).
				Str("payment_id", paymentID).
				Str("channel", channel).
				Msg("confirmation dispatch failed")
		}
	}()
}
