package pet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/backend-pawtag/internal/common"
	"github.com/noah-isme/backend-pawtag/internal/store"
)

// Store is the persistence surface for pet profile management.
type Store interface {
	Create(ctx context.Context, p *store.Pet) error
	GetForUser(ctx context.Context, id, userID string) (*store.Pet, error)
	ListByUser(ctx context.Context, userID string) ([]store.Pet, error)
	Update(ctx context.Context, p *store.Pet) error
	Delete(ctx context.Context, id, userID string) error
}

// Handler exposes owner-scoped pet CRUD.
type Handler struct {
	Pets     Store
	Validate *validator.Validate
}

type petReq struct {
	Name            string     `json:"name" validate:"required"`
	Species         string     `json:"species" validate:"required"`
	Breed           string     `json:"breed"`
	Age             int        `json:"age" validate:"gte=0"`
	Gender          string     `json:"gender"`
	Color           *string    `json:"color"`
	Size            *string    `json:"size"`
	DateOfBirth     *time.Time `json:"dateOfBirth"`
	SpayedNeutered  bool       `json:"spayedNeutered"`
	TrainingLevel   *string    `json:"trainingLevel"`
	Weight          *float64   `json:"weight"`
	MicrochipNumber *string    `json:"microchipNumber"`
	PhotoURL        *string    `json:"photoUrl"`
}

func (r petReq) apply(p *store.Pet) {
	p.Name = strings.TrimSpace(r.Name)
	p.Species = strings.TrimSpace(r.Species)
	p.Breed = strings.TrimSpace(r.Breed)
	p.Age = r.Age
	p.Gender = r.Gender
	p.Color = r.Color
	p.Size = r.Size
	p.DateOfBirth = r.DateOfBirth
	p.SpayedNeutered = r.SpayedNeutered
	p.TrainingLevel = r.TrainingLevel
	p.Weight = r.Weight
	p.MicrochipNumber = r.MicrochipNumber
	p.PhotoURL = r.PhotoURL
}

// List returns all of the caller's pets.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	pets, err := h.Pets.ListByUser(r.Context(), userID)
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"success": true, "data": pets})
}

// Get returns one owned pet.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	p, err := h.Pets.GetForUser(r.Context(), chi.URLParam(r, "petId"), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "pet not found", nil)
			return
		}
		common.JSONAppError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"success": true, "data": p})
}

// Create registers a new pet under the caller's account.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	p := &store.Pet{UserID: userID}
	req.apply(p)
	if err := h.Pets.Create(r.Context(), p); err != nil {
		common.JSONAppError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"success": true, "data": p})
}

// Update edits an owned pet's profile. Membership and tag state are managed by
// payment finalization and are not editable here.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	p, err := h.Pets.GetForUser(r.Context(), chi.URLParam(r, "petId"), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "pet not found", nil)
			return
		}
		common.JSONAppError(w, err)
		return
	}
	req.apply(p)
	if err := h.Pets.Update(r.Context(), p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "pet not found", nil)
			return
		}
		common.JSONAppError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"success": true, "data": p})
}

// Delete removes an owned pet.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if err := h.Pets.Delete(r.Context(), chi.URLParam(r, "petId"), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "pet not found", nil)
			return
		}
		common.JSONAppError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h == nil || h.Pets == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "pet handler unavailable", nil)
		return "", false
	}
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "login required", nil)
		return "", false
	}
	return userID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (petReq, bool) {
	var req petReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid body", nil)
		return req, false
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "missing or invalid fields", nil)
			return req, false
		}
	}
	return req, true
}
