package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserStore persists User rows using Postgres.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore constructs the store.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userColumns = `id, name, surname, contact, email, password_hash,
privacy_policy, terms_conditions, agreement, roles,
membership_active, membership_start_date, created_at, updated_at`

func scanUser(row paymentRow) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Name, &u.Surname, &u.Contact, &u.Email, &u.PasswordHash,
		&u.PrivacyPolicy, &u.TermsConditions, &u.Agreement, &u.Roles,
		&u.MembershipActive, &u.MembershipStartDate, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// Create inserts a new account.
func (s *UserStore) Create(ctx context.Context, u *User) error {
	const sql = `
INSERT INTO users (name, surname, contact, email, password_hash,
  privacy_policy, terms_conditions, agreement, roles)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING id, created_at, updated_at;`
	roles := u.Roles
	if len(roles) == 0 {
		roles = []string{"user"}
	}
	err := s.pool.QueryRow(ctx, sql,
		u.Name, u.Surname, u.Contact, u.Email, u.PasswordHash,
		u.PrivacyPolicy, u.TermsConditions, u.Agreement, roles,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	u.Roles = roles
	return nil
}

// GetByID loads a user.
func (s *UserStore) GetByID(ctx context.Context, id string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByEmail loads a user by email.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// RecomputeMembership derives the account-level membership flag from the pets
// that currently hold one. It is a full recomputation, so the flag self-heals
// when pets are removed or transferred.
func (s *UserStore) RecomputeMembership(ctx context.Context, userID string) error {
	const sql = `
UPDATE users
SET membership_active = EXISTS (SELECT 1 FROM pets WHERE pets.user_id = users.id AND pets.has_membership),
    membership_start_date = (SELECT min(membership_start_date) FROM pets WHERE pets.user_id = users.id AND pets.has_membership),
    updated_at = now()
WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, sql, userID)
	if err != nil {
		return fmt.Errorf("recompute user membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
