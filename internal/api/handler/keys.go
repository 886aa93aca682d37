package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/hordetrack/internal/api/response"
	"github.com/kiranshivaraju/hordetrack/internal/apikey"
	"github.com/kiranshivaraju/hordetrack/internal/store"
	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

// KeyAdmin is the part of the store the admin key routes use.
type KeyAdmin interface {
	apikey.Creator
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// Keys serves the /api/admin/keys routes.
type Keys struct {
	store KeyAdmin
}

func NewKeys(s KeyAdmin) *Keys {
	return &Keys{store: s}
}

// Create handles POST /api/admin/keys. The raw key appears only in this response.
func (h *Keys) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	for _, s := range req.Scopes {
		if s != apikey.ScopeJobs && s != apikey.ScopeAdmin {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown scope "+s, nil)
			return
		}
	}

	issued, err := apikey.Issue(r.Context(), h.store, req.Name, req.Scopes)
	if err != nil {
		switch {
		case errors.Is(err, apikey.ErrInvalidName):
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
		case errors.Is(err, store.ErrDuplicateKey):
			response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "Key prefix collision, retry", nil)
		default:
			slog.Error("create api key failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
		}
		return
	}
	response.Created(w, issued)
}

// List handles GET /api/admin/keys.
func (h *Keys) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		slog.Error("list api keys failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	response.JSON(w, keys)
}

// Revoke handles DELETE /api/admin/keys/{keyID}.
func (h *Keys) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a UUID", nil)
		return
	}
	if err := h.store.RevokeAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
			return
		}
		slog.Error("revoke api key failed", "error", err, "key_id", id)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
