package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/scopelens/internal/api/middleware"
	"github.com/kiranshivaraju/scopelens/internal/api/response"
	"github.com/kiranshivaraju/scopelens/internal/license"
)

type LicenseService interface {
	Claim(ctx context.Context, userID uuid.UUID, code string) (*license.Claimed, error)
	Generate(ctx context.Context, req license.BatchRequest) (*license.Batch, error)
}

type claimRequest struct {
	KeyCode string `json:"key_code"`
}

// NewClaimKeyHandler returns an http.HandlerFunc for POST /api/v1/license-keys/claim.
func NewClaimKeyHandler(svc LicenseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}

		var req claimRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		claimed, err := svc.Claim(r.Context(), userID, req.KeyCode)
		switch {
		case err == nil:
			response.JSON(w, claimed)
		case errors.Is(err, license.ErrKeyRequired):
			response.Error(w, http.StatusBadRequest, "INVALID_INPUT", "License key is required", nil)
		case errors.Is(err, license.ErrInvalidKey):
			response.Error(w, http.StatusNotFound, "INVALID_KEY", "Invalid license key", nil)
		case errors.Is(err, license.ErrKeyUnavailable):
			response.Error(w, http.StatusBadRequest, "KEY_UNAVAILABLE", err.Error(), nil)
		case errors.Is(err, license.ErrClaimConflict):
			response.Error(w, http.StatusConflict, "CLAIM_CONFLICT", "This key was just claimed by someone else", nil)
		default:
			slog.Error("license claim failed", "error", err, "user_id", userID)
			internalError(w)
		}
	}
}

// NewGenerateKeysHandler returns an http.HandlerFunc for POST /api/v1/admin/license-keys.
func NewGenerateKeysHandler(svc LicenseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req license.BatchRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		batch, err := svc.Generate(r.Context(), req)
		switch {
		case err == nil:
			slog.Info("license keys generated", "plan_id", req.PlanID, "count", len(batch.Keys))
			response.Created(w, batch)
		case errors.Is(err, license.ErrPlanNotFound):
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Plan not found", nil)
		case errors.Is(err, license.ErrInvalidBatch):
			response.Error(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
		default:
			slog.Error("license key generation failed", "error", err, "plan_id", req.PlanID)
			internalError(w)
		}
	}
}
