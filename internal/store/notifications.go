package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotificationStore persists the per-(payment, channel) dispatch locks.
type NotificationStore struct {
	pool *pgxpool.Pool
}

// NewNotificationStore constructs the store.
func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

// Claim atomically takes the dispatch lock for one channel of a payment. The
// claim succeeds when the notification was never sent and no other claim is
// live; a claim older than staleAfter is treated as abandoned and taken over.
// Exactly one of N concurrent callers observes true.
func (s *NotificationStore) Claim(ctx context.Context, paymentID, channel string, now time.Time, staleAfter time.Duration) (bool, error) {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	const sql = `
INSERT INTO payment_notifications (payment_id, channel, sending_at, last_attempt_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (payment_id, channel) DO UPDATE
SET sending_at = $3, last_attempt_at = $3
WHERE payment_notifications.sent_at IS NULL
  AND (payment_notifications.sending_at IS NULL OR payment_notifications.sending_at < $4);`
	tag, err := s.pool.Exec(ctx, sql, paymentID, channel, now, now.Add(-staleAfter))
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete marks the notification as delivered. sent_at is written once and
// never cleared afterwards.
func (s *NotificationStore) Complete(ctx context.Context, paymentID, channel string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE payment_notifications
		 SET sent_at = $3, last_error = NULL
		 WHERE payment_id = $1 AND channel = $2 AND sent_at IS NULL`,
		paymentID, channel, now)
	if err != nil {
		return fmt.Errorf("complete notification: %w", err)
	}
	return nil
}

// Release drops a failed claim so a later dispatch attempt can retry, and
// records the failure for diagnosis.
func (s *NotificationStore) Release(ctx context.Context, paymentID, channel, sendErr string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE payment_notifications
		 SET sending_at = NULL, last_error = $3
		 WHERE payment_id = $1 AND channel = $2 AND sent_at IS NULL`,
		paymentID, channel, sendErr)
	if err != nil {
		return fmt.Errorf("release notification: %w", err)
	}
	return nil
}

// Get returns the lock row for one channel of a payment.
func (s *NotificationStore) Get(ctx context.Context, paymentID, channel string) (*Notification, error) {
	var n Notification
	err := s.pool.QueryRow(ctx,
		`SELECT payment_id, channel, sending_at, sent_at, last_attempt_at, last_error
		 FROM payment_notifications WHERE payment_id = $1 AND channel = $2`,
		paymentID, channel,
	).Scan(&n.PaymentID, &n.Channel, &n.SendingAt, &n.SentAt, &n.LastAttemptAt, &n.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return &n, nil
}
