package payment

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-pawtag/internal/store"
)

// Reconciler resolves a pending payment's true state by polling the gateway.
// It is the pull-side counterpart of the webhook and converges on the same
// idempotent finalizer.
type Reconciler struct {
	Payments  PaymentStore
	Gateway   Gateway
	Finalizer *Finalizer
	Log       zerolog.Logger
}

// ReconcilePending looks up the live checkout status for a payment that is
// still pending and applies the outcome. Payments without an open checkout
// session, or already settled ones, are returned unchanged.
func (r *Reconciler) ReconcilePending(ctx context.Context, p *store.Payment, trigger string) (*store.Payment, error) {
	if r == nil || r.Payments == nil || r.Gateway == nil || r.Finalizer == nil {
		return p, errors.New("payment reconciler not configured")
	}
	if p == nil || p.Status != store.StatusPending || p.GatewayCheckoutID == nil {
		return p, nil
	}

	status, err := r.Gateway.FetchCheckout(ctx, *p.GatewayCheckoutID)
	if err != nil {
		return p, err
	}

	// The gateway echoes back our metadata. A paymentId that disagrees with
	// the local record means correlation is broken; never auto-transition.
	if echoed := strings.TrimSpace(status.Metadata.PaymentID); echoed != "" && echoed != p.ID {
		r.Log.Warn().
			Str("payment_id", p.ID).
			Str("echoed_payment_id", echoed).
			Msg("gateway metadata mismatch, skipping automatic transition")
		return p, nil
	}

	switch {
	case status.IsSuccessful:
		md := status.Metadata
		return r.Finalizer.Finalize(ctx, FinalizeInput{
			PaymentID: p.ID,
			ChargeID:  status.ChargeID,
			Metadata:  &md,
			Trigger:   trigger,
		})
	case status.IsFailed || status.IsCanceled:
		if p.ProcessedAt == nil {
			marked, err := r.Payments.MarkFailed(ctx, p.ID, "gateway reported "+status.Status)
			if err != nil {
				return p, err
			}
			if marked {
				if err := r.Payments.RecordEvent(ctx, p.ID, store.StatusFailed, nil); err != nil {
					r.Log.Warn().Err(err).Str("payment_id", p.ID).Msg("record payment event failed")
				}
			}
			return r.Payments.GetByID(ctx, p.ID)
		}
	}
	return p, nil
}
