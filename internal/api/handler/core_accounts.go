package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/internal/api/response"
	"github.com/kiranshivaraju/scopelens/internal/store"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

// CoreAccountStore manages the CORE search accounts used for plagiarism checks.
type CoreAccountStore interface {
	ListCoreAccounts(ctx context.Context) ([]*models.CoreAccount, error)
	CreateCoreAccount(ctx context.Context, account *models.CoreAccount) error
	UpdateCoreAccount(ctx context.Context, id uuid.UUID, patch store.CoreAccountPatch) (*models.CoreAccount, error)
}

type createCoreAccountRequest struct {
	Label    string `json:"label"   validate:"max=100"`
	APIKey   string `json:"api_key" validate:"required"`
	IsActive *bool  `json:"is_active"`
}

type updateCoreAccountRequest struct {
	Label    *string `json:"label"   validate:"omitempty,max=100"`
	APIKey   *string `json:"api_key" validate:"omitempty,min=1"`
	IsActive *bool   `json:"is_active"`
}

// NewListCoreAccountsHandler returns an http.HandlerFunc for GET /api/v1/admin/core-accounts.
func NewListCoreAccountsHandler(cs CoreAccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := cs.ListCoreAccounts(r.Context())
		if err != nil {
			slog.Error("list core accounts", "error", err)
			internalError(w)
			return
		}
		if accounts == nil {
			accounts = []*models.CoreAccount{}
		}
		response.JSON(w, accounts)
	}
}

// NewCreateCoreAccountHandler returns an http.HandlerFunc for POST /api/v1/admin/core-accounts.
func NewCreateCoreAccountHandler(cs CoreAccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createCoreAccountRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		now := time.Now().UTC()
		account := &models.CoreAccount{
			ID:        uuid.New(),
			Label:     req.Label,
			APIKey:    req.APIKey,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if account.Label == "" {
			account.Label = "CORE"
		}
		if req.IsActive != nil {
			account.IsActive = *req.IsActive
		}

		if err := cs.CreateCoreAccount(r.Context(), account); err != nil {
			slog.Error("create core account", "error", err)
			internalError(w)
			return
		}

		slog.Info("core account created", "account_id", account.ID, "label", account.Label)
		response.Created(w, account)
	}
}

// NewUpdateCoreAccountHandler returns an http.HandlerFunc for PATCH /api/v1/admin/core-accounts/{accountID}.
func NewUpdateCoreAccountHandler(cs CoreAccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "accountID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid account ID", nil)
			return
		}

		var req updateCoreAccountRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		patch := store.CoreAccountPatch{Label: req.Label, APIKey: req.APIKey, IsActive: req.IsActive}
		if patch.Empty() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "No fields to update", nil)
			return
		}

		account, err := cs.UpdateCoreAccount(r.Context(), id, patch)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Account not found", nil)
			return
		}
		if err != nil {
			slog.Error("update core account", "error", err, "account_id", id)
			internalError(w)
			return
		}

		response.JSON(w, account)
	}
}
