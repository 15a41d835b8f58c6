package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-pawtag/internal/common"
	"github.com/noah-isme/backend-pawtag/internal/store"
)

// Handler exposes the payment HTTP endpoints.
type Handler struct {
	Checkout    *CheckoutService
	Finalizer   *Finalizer
	Reconciler  *Reconciler
	Payments    PaymentStore
	Pets        PetStore
	Memberships MembershipStore
	Gateway     Gateway
	Validate    *validator.Validate
	Log         zerolog.Logger
}

type checkoutReq struct {
	PetIDs        []string        `json:"petIds"`
	PetDraft      *store.PetDraft `json:"petDraft"`
	AmountInCents int64           `json:"amountInCents"`
	PackageType   string          `json:"packageType" validate:"required"`
	Membership    *bool           `json:"membership" validate:"required"`
	BillingDetails *store.Shipping `json:"billingDetails" validate:"required"`
}

type checkoutResp struct {
	Success       bool   `json:"success"`
	PaymentID     string `json:"paymentId"`
	CheckoutURL   string `json:"checkout_url"`
	AmountInCents int64  `json:"amountInCents"`
}

// CreateCheckout validates the purchase and opens a checkout session.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Checkout == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment handler unavailable", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "login required", nil)
		return
	}
	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid body", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "missing required fields", validationDetails(err))
			return
		}
	}

	result, err := h.Checkout.CreateSession(r.Context(), CheckoutInput{
		UserID:        userID,
		PetIDs:        req.PetIDs,
		PetDraft:      req.PetDraft,
		AmountInCents: req.AmountInCents,
		PackageType:   req.PackageType,
		Membership:    req.Membership != nil && *req.Membership,
		Shipping:      req.BillingDetails,
	})
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, checkoutResp{
		Success:       true,
		PaymentID:     result.PaymentID,
		CheckoutURL:   result.CheckoutURL,
		AmountInCents: result.AmountInCents,
	})
}

type payReq struct {
	Token         string `json:"token" validate:"required"`
	AmountInCents int64  `json:"amountInCents"`
	PaymentID     string `json:"paymentId" validate:"required"`
}

// Pay confirms a direct card charge and finalizes the payment synchronously.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Gateway == nil || h.Finalizer == nil || h.Payments == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment handler unavailable", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "login required", nil)
		return
	}
	var req payReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid body", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "missing required fields", validationDetails(err))
			return
		}
	}

	p, err := h.Payments.GetForUser(r.Context(), req.PaymentID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment not found", nil)
			return
		}
		common.JSONAppError(w, err)
		return
	}

	// Finalize is idempotent but the card charge is not; only a payment that
	// is still open may reach the gateway.
	if p.ProcessedAt != nil || p.Status != store.StatusPending {
		common.JSONError(w, http.StatusConflict, "CONFLICT", "payment already settled", map[string]any{"status": p.Status})
		return
	}

	// The server-side amount is authoritative; the client value is ignored.
	charge, err := h.Gateway.Charge(r.Context(), req.Token, p.AmountInCents, p.Currency)
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	if !charge.Successful {
		if _, markErr := h.Payments.MarkFailed(r.Context(), p.ID, "charge declined: "+charge.Status); markErr != nil {
			h.Log.Error().Err(markErr).Str("payment_id", p.ID).Msg("mark payment failed errored")
		}
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "payment failed", map[string]any{"status": charge.Status})
		return
	}

	finalized, err := h.Finalizer.Finalize(r.Context(), FinalizeInput{
		PaymentID: p.ID,
		ChargeID:  charge.ID,
		Trigger:   "charge",
	})
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Payment successful",
		"data": map[string]any{
			"paymentId": finalized.ID,
			"status":    finalized.Status,
			"chargeId":  charge.ID,
		},
	})
}

type detailsResp struct {
	Success    bool               `json:"success"`
	Payment    *store.Payment     `json:"payment"`
	Pets       []store.Pet        `json:"pets,omitempty"`
	Membership *store.Membership  `json:"membership,omitempty"`
}

// Details returns the payment view for its owner (or an admin), lazily
// reconciling against the gateway while the payment is still pending.
func (h *Handler) Details(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Payments == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment handler unavailable", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "login required", nil)
		return
	}
	paymentID := strings.TrimSpace(chi.URLParam(r, "paymentId"))
	if paymentID == "" {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "paymentId is required", nil)
		return
	}

	var (
		p   *store.Payment
		err error
	)
	if common.HasRole(r.Context(), "admin") {
		p, err = h.Payments.GetByID(r.Context(), paymentID)
	} else {
		p, err = h.Payments.GetForUser(r.Context(), paymentID, userID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment not found", nil)
			return
		}
		common.JSONAppError(w, err)
		return
	}

	if h.Reconciler != nil && p.Status == store.StatusPending && p.GatewayCheckoutID != nil {
		refreshed, err := h.Reconciler.ReconcilePending(r.Context(), p, "poll")
		if err != nil {
			// Lazy reconciliation is best effort; the stored view still stands.
			h.Log.Warn().Err(err).Str("payment_id", p.ID).Msg("poll reconciliation failed")
		} else if refreshed != nil {
			p = refreshed
		}
	}

	resp := detailsResp{Success: true, Payment: p}
	if h.Pets != nil && len(p.PetIDs) > 0 {
		if pets, err := h.Pets.ListByIDsForUser(r.Context(), p.PetIDs, p.UserID); err == nil {
			resp.Pets = pets
		}
	}
	if h.Memberships != nil && p.MembershipID != nil {
		if m, err := h.Memberships.GetByID(r.Context(), *p.MembershipID); err == nil {
			resp.Membership = m
		}
	}
	common.JSON(w, http.StatusOK, resp)
}

func validationDetails(err error) any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return map[string]any{"fields": fields}
}
