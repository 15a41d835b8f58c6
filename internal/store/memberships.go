package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MembershipStore persists Membership plans using Postgres.
type MembershipStore struct {
	pool *pgxpool.Pool
}

// NewMembershipStore constructs the store.
func NewMembershipStore(pool *pgxpool.Pool) *MembershipStore {
	return &MembershipStore{pool: pool}
}

const membershipColumns = `id, name, price_in_cents, billing_cycle, features, created_at`

func scanMembership(row paymentRow) (*Membership, error) {
	var m Membership
	err := row.Scan(&m.ID, &m.Name, &m.PriceInCents, &m.BillingCycle, &m.Features, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan membership: %w", err)
	}
	return &m, nil
}

// GetByID loads a plan.
func (s *MembershipStore) GetByID(ctx context.Context, id string) (*Membership, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE id = $1`, id)
	return scanMembership(row)
}

// FindOrCreate returns the plan identified by (name, billing cycle), inserting
// it when absent. Repeated checkouts for the same plan share one row.
func (s *MembershipStore) FindOrCreate(ctx context.Context, name string, priceInCents int64, billingCycle string, features []string) (*Membership, error) {
	if billingCycle == "" {
		billingCycle = "monthly"
	}
	if features == nil {
		features = []string{}
	}
	const sql = `
INSERT INTO memberships (name, price_in_cents, billing_cycle, features)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name, billing_cycle) DO UPDATE SET name = EXCLUDED.name
RETURNING ` + membershipColumns + `;`
	row := s.pool.QueryRow(ctx, sql, name, priceInCents, billingCycle, features)
	return scanMembership(row)
}

// List returns all plans.
func (s *MembershipStore) List(ctx context.Context) ([]Membership, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+membershipColumns+` FROM memberships ORDER BY price_in_cents ASC`)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list memberships rows: %w", err)
	}
	return out, nil
}
