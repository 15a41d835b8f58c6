package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-pawtag/internal/common"
	"github.com/noah-isme/backend-pawtag/internal/obs"
)

// Webhook handles gateway event callbacks. The contract with the provider is
// strict: 200 for anything recognized or safely ignorable, 500 only for
// unexpected internal failures so the provider retries exactly those.
type Webhook struct {
	Finalizer *Finalizer
	Replay    *redis.Client
	ReplayTTL time.Duration
	Log       zerolog.Logger
}

type webhookEvent struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Data    json.RawMessage `json:"data"`
}

type webhookPayload struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Metadata Metadata `json:"metadata"`
}

// The provider has used several names for a successful charge across
// integrations; all are synonyms here.
var successEventTypes = map[string]struct{}{
	"payment.succeeded":  {},
	"payment.success":    {},
	"charge.succeeded":   {},
	"checkout.completed": {},
	"checkout.succeeded": {},
}

func isSuccessEvent(eventType string) bool {
	normalized := strings.ToLower(strings.TrimSpace(eventType))
	if _, ok := successEventTypes[normalized]; ok {
		return true
	}
	return strings.HasSuffix(normalized, ".succeeded") || strings.HasSuffix(normalized, ".completed")
}

// Handle processes one provider event.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Finalizer == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook unavailable", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.countWebhook("unknown", "read_error")
		common.JSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.Log.Info().Msg("webhook payload not parseable, ignoring")
		h.countWebhook("unknown", "ignored")
		common.JSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}
	eventType := event.Type
	if eventType == "" {
		eventType = event.Event
	}
	if !isSuccessEvent(eventType) {
		h.countWebhook(eventType, "ignored")
		common.JSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	raw := event.Payload
	if len(raw) == 0 {
		raw = event.Data
	}
	var payload webhookPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			h.Log.Info().Str("event", eventType).Msg("webhook payload body not parseable, ignoring")
			h.countWebhook(eventType, "ignored")
			common.JSON(w, http.StatusOK, map[string]any{"received": true})
			return
		}
	}

	paymentID := strings.TrimSpace(payload.Metadata.PaymentID)
	if paymentID == "" {
		h.Log.Warn().Str("event", eventType).Msg("webhook event lacks paymentId metadata, skipping")
		h.countWebhook(eventType, "missing_payment_id")
		common.JSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	var replayKey string
	if h.Replay != nil && h.ReplayTTL > 0 {
		replayKey = fmt.Sprintf("wh:yoco:%s", common.Sha256Hex(string(body)))
		ok, err := h.Replay.SetNX(r.Context(), replayKey, "1", h.ReplayTTL).Result()
		if err == nil && !ok {
			h.countWebhook(eventType, "replay")
			common.JSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
			return
		}
	}

	md := payload.Metadata
	_, err = h.Finalizer.Finalize(r.Context(), FinalizeInput{
		PaymentID: paymentID,
		ChargeID:  payload.ID,
		Metadata:  &md,
		Trigger:   "webhook",
	})
	if err != nil {
		var appErr *common.AppError
		if errors.As(err, &appErr) && appErr.Code == "NOT_FOUND" {
			h.Log.Warn().Str("payment_id", paymentID).Msg("webhook references unknown payment, skipping")
			h.countWebhook(eventType, "not_found")
			common.JSON(w, http.StatusOK, map[string]any{"received": true})
			return
		}
		// A 500 asks the provider to retry this exact event; the dedup key
		// must not survive or the retry would be swallowed as a replay.
		if replayKey != "" {
			if delErr := h.Replay.Del(r.Context(), replayKey).Err(); delErr != nil {
				h.Log.Error().Err(delErr).Str("payment_id", paymentID).Msg("release webhook replay key failed")
			}
		}
		h.Log.Error().Err(err).Str("payment_id", paymentID).Msg("webhook finalize failed")
		h.countWebhook(eventType, "error")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
		return
	}

	h.countWebhook(eventType, "ok")
	common.JSON(w, http.StatusOK, map[string]any{"received": true})
}

func (h Webhook) countWebhook(event, result string) {
	if obs.PaymentWebhookTotal == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	obs.PaymentWebhookTotal.WithLabelValues(event, result).Inc()
}
