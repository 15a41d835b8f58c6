package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PaymentStore persists Payment rows using Postgres.
type PaymentStore struct {
	pool *pgxpool.Pool
}

// NewPaymentStore constructs the store.
func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

const paymentColumns = `id, user_id, kind, pet_ids, pet_draft, amount_in_cents, currency,
membership_id, package_type, tag_type, status, processed_at, gateway_charge_id,
gateway_checkout_id, failure_reason, shipping,
fulfillment_provider, fulfillment_status, fulfillment_notes, fulfillment_shipment_id,
fulfillment_tracking_number, fulfillment_created_at, fulfillment_updated_at,
fulfillment_submitted_at, fulfillment_shipped_at, fulfillment_delivered_at,
created_at, updated_at`

type paymentRow interface {
	Scan(dest ...any) error
}

func scanPayment(row paymentRow) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.UserID, &p.Kind, &p.PetIDs, &p.PetDraft, &p.AmountInCents, &p.Currency,
		&p.MembershipID, &p.PackageType, &p.TagType, &p.Status, &p.ProcessedAt, &p.GatewayChargeID,
		&p.GatewayCheckoutID, &p.FailureReason, &p.Shipping,
		&p.Fulfillment.Provider, &p.Fulfillment.Status, &p.Fulfillment.Notes, &p.Fulfillment.ShipmentID,
		&p.Fulfillment.TrackingNumber, &p.Fulfillment.CreatedAt, &p.Fulfillment.UpdatedAt,
		&p.Fulfillment.SubmittedAt, &p.Fulfillment.ShippedAt, &p.Fulfillment.DeliveredAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}

// Create inserts a new pending payment and fills in generated fields.
func (s *PaymentStore) Create(ctx context.Context, p *Payment) error {
	const sql = `
INSERT INTO payments (user_id, kind, pet_ids, pet_draft, amount_in_cents, currency,
  membership_id, package_type, tag_type, status, shipping)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING id, created_at, updated_at;`
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.Currency == "" {
		p.Currency = "ZAR"
	}
	petIDs := p.PetIDs
	if petIDs == nil {
		petIDs = []string{}
	}
	err := s.pool.QueryRow(ctx, sql,
		p.UserID, p.Kind, petIDs, p.PetDraft, p.AmountInCents, p.Currency,
		p.MembershipID, p.PackageType, p.TagType, p.Status, p.Shipping,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetByID loads a payment.
func (s *PaymentStore) GetByID(ctx context.Context, id string) (*Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

// GetForUser loads a payment only when it belongs to the given user.
func (s *PaymentStore) GetForUser(ctx context.Context, id, userID string) (*Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 AND user_id = $2`, id, userID)
	return scanPayment(row)
}

// AttachCheckout stores the gateway checkout id returned by session creation.
func (s *PaymentStore) AttachCheckout(ctx context.Context, id, checkoutID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET gateway_checkout_id = $2, updated_at = now() WHERE id = $1`, id, checkoutID)
	if err != nil {
		return fmt.Errorf("attach checkout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimSuccess is the idempotency gate: it flips the payment to successful and
// stamps processed_at only when no prior finalization has claimed it. Exactly
// one concurrent caller observes true.
func (s *PaymentStore) ClaimSuccess(ctx context.Context, id string, chargeID *string, now time.Time) (bool, error) {
	const sql = `
UPDATE payments
SET status = 'successful',
    processed_at = $2,
    gateway_charge_id = COALESCE($3, gateway_charge_id),
    failure_reason = NULL,
    updated_at = now()
WHERE id = $1 AND processed_at IS NULL;`
	tag, err := s.pool.Exec(ctx, sql, id, now, chargeID)
	if err != nil {
		return false, fmt.Errorf("claim payment success: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AlignSuccessStatus brings status into agreement for rows whose processed_at
// is already stamped but whose status drifted. processed_at is never touched.
func (s *PaymentStore) AlignSuccessStatus(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE payments SET status = 'successful', updated_at = now()
		 WHERE id = $1 AND processed_at IS NOT NULL AND status <> 'successful'`, id)
	if err != nil {
		return fmt.Errorf("align payment status: %w", err)
	}
	return nil
}

// BackfillTagType records the resolved tag type on payments that were created
// before one could be derived. An already-set value is never overwritten.
func (s *PaymentStore) BackfillTagType(ctx context.Context, id, tagType string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE payments SET tag_type = $2, updated_at = now()
		 WHERE id = $1 AND tag_type IS NULL`, id, tagType)
	if err != nil {
		return fmt.Errorf("backfill tag type: %w", err)
	}
	return nil
}

// MarkFailed transitions a payment to failed unless it was already finalized.
func (s *PaymentStore) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET status = 'failed', failure_reason = $2, updated_at = now()
		 WHERE id = $1 AND processed_at IS NULL`, id, reason)
	if err != nil {
		return false, fmt.Errorf("mark payment failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetPetIDsOnce writes the materialized pet ids back onto the payment, but only
// when the payment has none yet. Returns false when another caller already won.
func (s *PaymentStore) SetPetIDsOnce(ctx context.Context, id string, petIDs []string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET pet_ids = $2, updated_at = now()
		 WHERE id = $1 AND cardinality(pet_ids) = 0`, id, petIDs)
	if err != nil {
		return false, fmt.Errorf("set payment pet ids: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InitFulfillment creates the fulfillment record lazily on first successful
// finalization. An existing record, whatever its status, is never overwritten.
func (s *PaymentStore) InitFulfillment(ctx context.Context, id, provider string, now time.Time) (bool, error) {
	const sql = `
UPDATE payments
SET fulfillment_provider = $2,
    fulfillment_status = 'unfulfilled',
    fulfillment_created_at = $3,
    fulfillment_updated_at = $3,
    updated_at = now()
WHERE id = $1 AND fulfillment_status IS NULL;`
	tag, err := s.pool.Exec(ctx, sql, id, provider, now)
	if err != nil {
		return false, fmt.Errorf("init fulfillment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FulfillmentUpdate carries the admin-editable fulfillment fields. Nil members
// are left untouched.
type FulfillmentUpdate struct {
	Status         *string
	Notes          *string
	ShipmentID     *string
	TrackingNumber *string
}

// UpdateFulfillment applies an administrative fulfillment change. Only
// successful tag orders are eligible.
func (s *PaymentStore) UpdateFulfillment(ctx context.Context, id string, upd FulfillmentUpdate, now time.Time) (*Payment, error) {
	const sql = `
UPDATE payments
SET fulfillment_status = COALESCE($2, fulfillment_status),
    fulfillment_notes = COALESCE($3, fulfillment_notes),
    fulfillment_shipment_id = COALESCE($4, fulfillment_shipment_id),
    fulfillment_tracking_number = COALESCE($5, fulfillment_tracking_number),
    fulfillment_updated_at = $6,
    fulfillment_submitted_at = CASE WHEN $2 = 'submitted' AND fulfillment_submitted_at IS NULL THEN $6 ELSE fulfillment_submitted_at END,
    fulfillment_shipped_at = CASE WHEN $2 = 'shipped' AND fulfillment_shipped_at IS NULL THEN $6 ELSE fulfillment_shipped_at END,
    fulfillment_delivered_at = CASE WHEN $2 = 'delivered' AND fulfillment_delivered_at IS NULL THEN $6 ELSE fulfillment_delivered_at END,
    updated_at = now()
WHERE id = $1 AND kind = 'tag' AND status = 'successful'
RETURNING ` + paymentColumns + `;`
	row := s.pool.QueryRow(ctx, sql, id, upd.Status, upd.Notes, upd.ShipmentID, upd.TrackingNumber, now)
	return scanPayment(row)
}

// TagOrderFilter narrows and paginates the admin tag-order listing.
type TagOrderFilter struct {
	FulfillmentStatus string
	Search            string
	Limit             int
	Offset            int
}

// ListTagOrders returns successful tag payments for fulfillment management,
// newest first, along with the total match count.
func (s *PaymentStore) ListTagOrders(ctx context.Context, f TagOrderFilter) ([]Payment, int, error) {
	where := []string{`kind = 'tag'`, `status = 'successful'`}
	args := []any{}
	if status := strings.TrimSpace(f.FulfillmentStatus); status != "" {
		args = append(args, status)
		where = append(where, fmt.Sprintf("fulfillment_status = $%d", len(args)))
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		args = append(args, "%"+search+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(id::text ILIKE $%d OR fulfillment_tracking_number ILIKE $%d OR shipping->>'city' ILIKE $%d)", n, n, n))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM payments WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tag orders: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, f.Offset)
	sql := fmt.Sprintf(`SELECT %s FROM payments WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		paymentColumns, cond, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tag orders: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list tag orders rows: %w", err)
	}
	return out, total, nil
}

// ListStalePending returns pending payments with an open checkout session older
// than the cutoff, for background reconciliation.
func (s *PaymentStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	sql := `SELECT ` + paymentColumns + ` FROM payments
WHERE status = 'pending' AND gateway_checkout_id IS NOT NULL AND created_at < $1
ORDER BY created_at ASC LIMIT $2`
	rows, err := s.pool.Query(ctx, sql, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale pending rows: %w", err)
	}
	return out, nil
}

// RecordEvent appends an audit entry for a payment state change.
func (s *PaymentStore) RecordEvent(ctx context.Context, paymentID, status string, payload []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_events (payment_id, status, payload) VALUES ($1, $2, $3)`,
		paymentID, status, payload)
	if err != nil {
		return fmt.Errorf("record payment event: %w", err)
	}
	return nil
}
