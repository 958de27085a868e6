package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/boardsched/internal/api/middleware"
	"github.com/kiranshivaraju/boardsched/internal/api/response"
	"github.com/kiranshivaraju/boardsched/internal/store"
	"github.com/kiranshivaraju/boardsched/pkg/models"
)

// KeyStore persists API keys.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// Keys lets operators mint and revoke agent and admin API keys.
type Keys struct {
	store    KeyStore
	generate func() (string, error)
}

func NewKeys(s KeyStore) *Keys {
	return &Keys{store: s, generate: mw.GenerateAPIKey}
}

var knownScopes = map[string]bool{
	models.ScopeAgent: true,
	models.ScopeAdmin: true,
}

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// createKeyResponse is the only place the raw key is ever returned.
type createKeyResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
}

// Create handles POST /api/v1/admin/keys.
func (k *Keys) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if req.Name == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
		return
	}
	if len(req.Scopes) == 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "at least one scope is required", nil)
		return
	}
	for _, s := range req.Scopes {
		if !knownScopes[s] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown scope: "+s, nil)
			return
		}
	}

	raw, err := k.generate()
	if err != nil {
		writeError(w, r, err)
		return
	}
	key, err := mw.NewAPIKey(req.Name, raw, req.Scopes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := k.store.CreateAPIKey(r.Context(), key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			response.Error(w, http.StatusConflict, "DUPLICATE_NAME",
				"An active key with this name already exists", nil)
			return
		}
		writeError(w, r, err)
		return
	}
	slog.Info("api key created", "name", key.Name, "prefix", key.KeyPrefix, "scopes", key.Scopes)

	response.Created(w, createKeyResponse{
		ID:        key.ID,
		Name:      key.Name,
		Key:       raw,
		KeyPrefix: key.KeyPrefix,
		Scopes:    key.Scopes,
		CreatedAt: key.CreatedAt,
	})
}

// Revoke handles DELETE /api/v1/admin/keys/{keyID}. Revoked keys stop
// authenticating on their next request.
func (k *Keys) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a UUID", nil)
		return
	}
	if err := k.store.RevokeAPIKey(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("api key revoked", "key_id", id)
	response.NoContent(w)
}
