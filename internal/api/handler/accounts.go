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

type AccountStore interface {
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error
	UpdateAccount(ctx context.Context, id uuid.UUID, patch store.AccountPatch) (*models.Account, error)
}

const defaultMaxConcurrent = 2

type createAccountRequest struct {
	Label         string `json:"label"          validate:"max=100"`
	BearerToken   string `json:"bearer_token"   validate:"required"`
	MaxConcurrent int    `json:"max_concurrent" validate:"omitempty,gte=1,lte=50"`
	MaxRetries    *int   `json:"max_retries"    validate:"omitempty,gte=0,lte=20"`
	IsActive      *bool  `json:"is_active"`
}

type updateAccountRequest struct {
	Label         *string `json:"label"          validate:"omitempty,max=100"`
	BearerToken   *string `json:"bearer_token"   validate:"omitempty,min=1"`
	IsActive      *bool   `json:"is_active"`
	MaxConcurrent *int    `json:"max_concurrent" validate:"omitempty,gte=1,lte=50"`
	MaxRetries    *int    `json:"max_retries"    validate:"omitempty,gte=0,lte=20"`
}

// NewListAccountsHandler returns an http.HandlerFunc for GET /api/v1/admin/accounts.
func NewListAccountsHandler(as AccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := as.ListAccounts(r.Context())
		if err != nil {
			slog.Error("list accounts", "error", err)
			internalError(w)
			return
		}
		if accounts == nil {
			accounts = []*models.Account{}
		}
		response.JSON(w, accounts)
	}
}

// NewCreateAccountHandler returns an http.HandlerFunc for POST /api/v1/admin/accounts.
func NewCreateAccountHandler(as AccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createAccountRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		now := time.Now().UTC()
		account := &models.Account{
			ID:            uuid.New(),
			Label:         req.Label,
			BearerToken:   req.BearerToken,
			IsActive:      true,
			MaxConcurrent: req.MaxConcurrent,
			MaxRetries:    req.MaxRetries,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if account.Label == "" {
			account.Label = "Account"
		}
		if account.MaxConcurrent == 0 {
			account.MaxConcurrent = defaultMaxConcurrent
		}
		if req.IsActive != nil {
			account.IsActive = *req.IsActive
		}

		if err := as.CreateAccount(r.Context(), account); err != nil {
			slog.Error("create account", "error", err)
			internalError(w)
			return
		}

		slog.Info("processing account created", "account_id", account.ID, "label", account.Label)
		response.Created(w, account)
	}
}

// NewUpdateAccountHandler returns an http.HandlerFunc for PATCH /api/v1/admin/accounts/{accountID}.
func NewUpdateAccountHandler(as AccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "accountID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid account ID", nil)
			return
		}

		var req updateAccountRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		patch := store.AccountPatch{
			Label:         req.Label,
			BearerToken:   req.BearerToken,
			IsActive:      req.IsActive,
			MaxConcurrent: req.MaxConcurrent,
			MaxRetries:    req.MaxRetries,
		}
		if patch.Empty() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "No fields to update", nil)
			return
		}

		account, err := as.UpdateAccount(r.Context(), id, patch)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Account not found", nil)
			return
		}
		if err != nil {
			slog.Error("update account", "error", err, "account_id", id)
			internalError(w)
			return
		}

		response.JSON(w, account)
	}
}
