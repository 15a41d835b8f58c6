package notify

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
	"github.com/noah-isme/backend-pawtag/internal/queue"
	"github.com/noah-isme/backend-pawtag/internal/store"
)

// TaskKind is the queue kind for deferred notification retries.
const TaskKind = "notify-confirmation"

// retryTask is the queue payload for a deferred dispatch attempt.
type retryTask struct {
	PaymentID string `json:"paymentId"`
	Channel   string `json:"channel"`
}

// NotificationStore is the dispatch-lock surface backing at-most-once sends.
type NotificationStore interface {
	Claim(ctx context.Context, paymentID, channel string, now time.Time, staleAfter time.Duration) (bool, error)
	Complete(ctx context.Context, paymentID, channel string, now time.Time) error
	Release(ctx context.Context, paymentID, channel, sendErr string) error
}

// PaymentReader loads the payment behind a confirmation.
type PaymentReader interface {
	GetByID(ctx context.Context, id string) (*store.Payment, error)
}

// UserReader resolves the recipient account.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*store.User, error)
}

// Dispatcher sends purchase confirmations at most once per (payment, channel).
// The claim lock in the notification store carries the exactly-once guarantee;
// the dispatcher itself may be called any number of times from any process.
type Dispatcher struct {
	Notifications NotificationStore
	Payments      PaymentReader
	Users         UserReader
	Email         common.EmailSender
	Push          PushSender
	Enqueuer      *queue.Enqueuer
	StaleAfter    time.Duration
	Log           zerolog.Logger
	Now           func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Dispatch claims the channel lock and delivers the confirmation. A lost claim
// means another dispatcher already holds or finished the send and is not an
// error. A failed send releases the claim and schedules a queue retry.
//
// Before attempting the send a deduplicated convergence task is enqueued, so
// a process that dies between the finalize commit and the in-process send
// still gets the confirmation delivered by a worker. The claim lock keeps the
// extra path at-most-once.
func (d *Dispatcher) Dispatch(ctx context.Context, paymentID, channel string) error {
	if d == nil || d.Notifications == nil || d.Payments == nil || d.Users == nil {
		return errors.New("notification dispatcher not configured")
	}
	d.enqueueConvergence(ctx, paymentID, channel)
	return d.dispatch(ctx, paymentID, channel)
}

func (d *Dispatcher) dispatch(ctx context.Context, paymentID, channel string) error {
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.id", paymentID),
		attribute.String("notification.channel", channel),
	)

	claimed, err := d.Notifications.Claim(ctx, paymentID, channel, d.now(), d.StaleAfter)
	if err != nil {
		d.count(channel, "claim_error")
		return fmt.Errorf("claim notification %s/%s: %w", paymentID, channel, err)
	}
	if !claimed {
		d.count(channel, "already_sent")
		return nil
	}

	if err := d.send(ctx, paymentID, channel); err != nil {
		if relErr := d.Notifications.Release(ctx, paymentID, channel, err.Error()); relErr != nil {
			d.Log.Error().Err(relErr).Str("payment_id", paymentID).Msg("release notification claim failed")
		}
		d.scheduleRetry(ctx, paymentID, channel)
		d.count(channel, "error")
		return err
	}

	if err := d.Notifications.Complete(ctx, paymentID, channel, d.now()); err != nil {
		d.count(channel, "complete_error")
		return fmt.Errorf("complete notification %s/%s: %w", paymentID, channel, err)
	}
	d.count(channel, "ok")
	return nil
}

func (d *Dispatcher) send(ctx context.Context, paymentID, channel string) error {
	p, err := d.Payments.GetByID(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}
	u, err := d.Users.GetByID(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	msg := buildMessage(p, u, channel)
	if d.Email != nil {
		if err := d.Email.Send(ctx, msg); err != nil {
			return fmt.Errorf("send email: %w", err)
		}
	}
	if d.Push != nil {
		// Push is best effort alongside the authoritative email.
		if err := d.Push.Send(ctx, u.ID, msg.Subject, msg.Body); err != nil {
			d.Log.Warn().Err(err).Str("payment_id", paymentID).Msg("push delivery failed")
		}
	}
	d.Log.Info().
		Str("payment_id", paymentID).
		Str("channel", channel).
		Str("to", u.Email).
		Msg("confirmation sent")
	return nil
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, paymentID, channel string) {
	if d.Enqueuer == nil {
		return
	}
	payload, _ := json.Marshal(retryTask{PaymentID: paymentID, Channel: channel})
	err := d.Enqueuer.Enqueue(ctx, queue.Task{
		Kind:        TaskKind,
		Payload:     payload,
		MaxAttempts: 5,
		Delay:       time.Minute,
	})
	if err != nil {
		d.Log.Error().Err(err).Str("payment_id", paymentID).Msg("enqueue notification retry failed")
	}
}

func (d *Dispatcher) enqueueConvergence(ctx context.Context, paymentID, channel string) {
	if d.Enqueuer == nil {
		return
	}
	payload, _ := json.Marshal(retryTask{PaymentID: paymentID, Channel: channel})
	err := d.Enqueuer.Enqueue(ctx, queue.Task{
		Kind:           TaskKind,
		Payload:        payload,
		IdempotencyKey: paymentID + ":" + channel,
		MaxAttempts:    5,
		Delay:          time.Minute,
	})
	if err != nil {
		d.Log.Error().Err(err).Str("payment_id", paymentID).Msg("enqueue notification convergence task failed")
	}
}

// HandleTask is the queue worker entry point for deferred sends. It skips the
// convergence enqueue so queued executions terminate instead of rescheduling
// themselves.
func (d *Dispatcher) HandleTask(ctx context.Context, t queue.Task) error {
	var rt retryTask
	if err := json.Unmarshal(t.Payload, &rt); err != nil {
		return fmt.Errorf("decode notification task: %w", err)
	}
	return d.dispatch(ctx, rt.PaymentID, rt.Channel)
}

func (d *Dispatcher) count(channel, result string) {
	if obs.NotificationTotal == nil {
		return
	}
	obs.NotificationTotal.WithLabelValues(channel, result).Inc()
}

func buildMessage(p *store.Payment, u *store.User, channel string) common.EmailMessage {
	name := strings.TrimSpace(u.Name)
	if name == "" {
		name = "there"
	}
	amount := fmt.Sprintf("R%.2f", float64(p.AmountInCents)/100)

	switch channel {
	case "membership":
		return common.EmailMessage{
			To:      u.Email,
			Subject: "Your pet membership is active",
			Body: fmt.Sprintf(
				"Hi %s,\n\nYour membership payment of %s was received and your pet's cover is now active.\n\nReference: %s\n",
				name, amount, p.ID),
		}
	case "tag":
		return common.EmailMessage{
			To:      u.Email,
			Subject: "Your pet tag order is confirmed",
			Body: fmt.Sprintf(
				"Hi %s,\n\nThanks for your tag order of %s. We are preparing your tag for shipment and will let you know once it is on its way.\n\nReference: %s\n",
				name, amount, p.ID),
		}
	default:
		return common.EmailMessage{
			To:      u.Email,
			Subject: "Payment received",
			Body:    fmt.Sprintf("Hi %s,\n\nWe received your payment of %s.\n\nReference: %s\n", name, amount, p.ID),
		}
	}
}
