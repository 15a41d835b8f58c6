package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PetStore persists Pet rows using Postgres.
type PetStore struct {
	pool *pgxpool.Pool
}

// NewPetStore constructs the store.
func NewPetStore(pool *pgxpool.Pool) *PetStore {
	return &PetStore{pool: pool}
}

const petColumns = `id, user_id, name, species, breed, age, gender, color, size, date_of_birth,
spayed_neutered, training_level, weight, microchip_number, photo_url,
has_membership, membership_id, membership_start_date,
has_tag, tag_type, tag_purchase_date, created_at, updated_at`

func scanPet(row paymentRow) (*Pet, error) {
	var p Pet
	err := row.Scan(
		&p.ID, &p.UserID, &p.Name, &p.Species, &p.Breed, &p.Age, &p.Gender, &p.Color, &p.Size, &p.DateOfBirth,
		&p.SpayedNeutered, &p.TrainingLevel, &p.Weight, &p.MicrochipNumber, &p.PhotoURL,
		&p.HasMembership, &p.MembershipID, &p.MembershipStartDate,
		&p.HasTag, &p.TagType, &p.TagPurchaseDate, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan pet: %w", err)
	}
	return &p, nil
}

// Create inserts a pet profile and fills in generated fields.
func (s *PetStore) Create(ctx context.Context, p *Pet) error {
	const sql = `
INSERT INTO pets (user_id, name, species, breed, age, gender, color, size, date_of_birth,
  spayed_neutered, training_level, weight, microchip_number, photo_url,
  has_membership, membership_id, membership_start_date, has_tag, tag_type, tag_purchase_date)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
RETURNING id, created_at, updated_at;`
	err := s.pool.QueryRow(ctx, sql,
		p.UserID, p.Name, p.Species, p.Breed, p.Age, p.Gender, p.Color, p.Size, p.DateOfBirth,
		p.SpayedNeutered, p.TrainingLevel, p.Weight, p.MicrochipNumber, p.PhotoURL,
		p.HasMembership, p.MembershipID, p.MembershipStartDate, p.HasTag, p.TagType, p.TagPurchaseDate,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert pet: %w", err)
	}
	return nil
}

// CreateFromDraft materializes a checkout draft into a subscribed pet owned by
// the paying user.
func (s *PetStore) CreateFromDraft(ctx context.Context, userID string, draft PetDraft, membershipID *string, start time.Time) (*Pet, error) {
	pet := &Pet{
		UserID:              userID,
		Name:                draft.Name,
		Species:             draft.Species,
		Breed:               draft.Breed,
		Age:                 draft.Age,
		Gender:              draft.Gender,
		SpayedNeutered:      draft.SpayedNeutered,
		DateOfBirth:         draft.DateOfBirth,
		HasMembership:       true,
		MembershipID:        membershipID,
		MembershipStartDate: &start,
	}
	if draft.Color != "" {
		pet.Color = &draft.Color
	}
	if draft.Size != "" {
		pet.Size = &draft.Size
	}
	if draft.TrainingLevel != "" {
		pet.TrainingLevel = &draft.TrainingLevel
	}
	if draft.Weight != 0 {
		pet.Weight = &draft.Weight
	}
	if draft.MicrochipNumber != "" {
		pet.MicrochipNumber = &draft.MicrochipNumber
	}
	if err := s.Create(ctx, pet); err != nil {
		return nil, err
	}
	return pet, nil
}

// GetForUser loads a pet only when it belongs to the given user.
func (s *PetStore) GetForUser(ctx context.Context, id, userID string) (*Pet, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+petColumns+` FROM pets WHERE id = $1 AND user_id = $2`, id, userID)
	return scanPet(row)
}

// ListByIDsForUser resolves the requested ids to pets owned by the user. Ids
// belonging to other users are silently absent from the result, which callers
// use to detect ownership mismatches by comparing counts.
func (s *PetStore) ListByIDsForUser(ctx context.Context, ids []string, userID string) ([]Pet, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+petColumns+` FROM pets WHERE id = ANY($1) AND user_id = $2`, ids, userID)
	if err != nil {
		return nil, fmt.Errorf("list pets by ids: %w", err)
	}
	defer rows.Close()

	var out []Pet
	for rows.Next() {
		p, err := scanPet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pets rows: %w", err)
	}
	return out, nil
}

// ListByUser returns all pets owned by the user.
func (s *PetStore) ListByUser(ctx context.Context, userID string) ([]Pet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+petColumns+` FROM pets WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list pets by user: %w", err)
	}
	defer rows.Close()

	var out []Pet
	for rows.Next() {
		p, err := scanPet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pets rows: %w", err)
	}
	return out, nil
}

// ApplyMembership marks the given pets as subscribed. The update is scoped by
// owner so ids smuggled in from another account never match.
func (s *PetStore) ApplyMembership(ctx context.Context, userID string, petIDs []string, membershipID *string, start time.Time) (int64, error) {
	if len(petIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pets
		 SET has_membership = TRUE, membership_id = $3, membership_start_date = $4, updated_at = now()
		 WHERE id = ANY($1) AND user_id = $2`,
		petIDs, userID, membershipID, start)
	if err != nil {
		return 0, fmt.Errorf("apply membership to pets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ApplyTag marks the given pets as tagged. Scoped by owner like ApplyMembership.
func (s *PetStore) ApplyTag(ctx context.Context, userID string, petIDs []string, tagType *string, purchased time.Time) (int64, error) {
	if len(petIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pets
		 SET has_tag = TRUE, tag_type = COALESCE($3, tag_type), tag_purchase_date = $4, updated_at = now()
		 WHERE id = ANY($1) AND user_id = $2`,
		petIDs, userID, tagType, purchased)
	if err != nil {
		return 0, fmt.Errorf("apply tag to pets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Update applies profile edits to an owned pet.
func (s *PetStore) Update(ctx context.Context, p *Pet) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pets SET name = $3, species = $4, breed = $5, age = $6, gender = $7, color = $8,
		   size = $9, date_of_birth = $10, spayed_neutered = $11, training_level = $12, weight = $13,
		   microchip_number = $14, photo_url = $15, updated_at = now()
		 WHERE id = $1 AND user_id = $2`,
		p.ID, p.UserID, p.Name, p.Species, p.Breed, p.Age, p.Gender, p.Color,
		p.Size, p.DateOfBirth, p.SpayedNeutered, p.TrainingLevel, p.Weight,
		p.MicrochipNumber, p.PhotoURL)
	if err != nil {
		return fmt.Errorf("update pet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an owned pet.
func (s *PetStore) Delete(ctx context.Context, id, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pets WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete pet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
