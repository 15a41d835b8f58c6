package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-pawtag/internal/common"
	"github.com/noah-isme/backend-pawtag/internal/store"
)

// AdminHandler exposes the fulfillment back-office endpoints. Routes using it
// must sit behind the admin role middleware.
type AdminHandler struct {
	Payments PaymentStore
	Log      zerolog.Logger
	Now      func() time.Time
}

// ListTagOrders returns successful tag payments with fulfillment state,
// filterable by status and free-text search.
func (h *AdminHandler) ListTagOrders(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Payments == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "admin handler unavailable", nil)
		return
	}
	pg := common.ParsePagination(r)
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status != "" && !validFulfillmentStatus(status) {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown fulfillment status", map[string]any{"status": status})
		return
	}

	orders, total, err := h.Payments.ListTagOrders(r.Context(), store.TagOrderFilter{
		FulfillmentStatus: status,
		Search:            strings.TrimSpace(r.URL.Query().Get("search")),
		Limit:             pg.Limit(),
		Offset:            pg.Offset(),
	})
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    orders,
		"meta": map[string]any{
			"total":    total,
			"page":     pg.Page,
			"pageSize": pg.PageSize,
		},
	})
}

type fulfillmentReq struct {
	Status         *string `json:"status"`
	Notes          *string `json:"notes"`
	ShipmentID     *string `json:"shipmentId"`
	TrackingNumber *string `json:"trackingNumber"`
}

// UpdateFulfillment patches fulfillment fields on a successful tag order.
func (h *AdminHandler) UpdateFulfillment(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Payments == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "admin handler unavailable", nil)
		return
	}
	paymentID := strings.TrimSpace(chi.URLParam(r, "paymentId"))
	if paymentID == "" {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "paymentId is required", nil)
		return
	}
	var req fulfillmentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid body", nil)
		return
	}
	if req.Status == nil && req.Notes == nil && req.ShipmentID == nil && req.TrackingNumber == nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "no fulfillment fields provided", nil)
		return
	}
	if req.Status != nil && !validFulfillmentStatus(*req.Status) {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown fulfillment status", map[string]any{"status": *req.Status})
		return
	}

	now := time.Now().UTC()
	if h.Now != nil {
		now = h.Now()
	}
	p, err := h.Payments.UpdateFulfillment(r.Context(), paymentID, store.FulfillmentUpdate{
		Status:         req.Status,
		Notes:          req.Notes,
		ShipmentID:     req.ShipmentID,
		TrackingNumber: req.TrackingNumber,
	}, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "no successful tag order with that id", nil)
			return
		}
		common.JSONAppError(w, err)
		return
	}
	h.Log.Info().Str("payment_id", p.ID).Str("fulfillment_status", deref(p.Fulfillment.Status)).Msg("fulfillment updated")
	common.JSON(w, http.StatusOK, map[string]any{"success": true, "data": p})
}

func validFulfillmentStatus(s string) bool {
	switch s {
	case store.FulfillmentUnfulfilled, store.FulfillmentProcessing, store.FulfillmentSubmitted,
		store.FulfillmentShipped, store.FulfillmentDelivered, store.FulfillmentCancelled:
		return true
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
