package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/scopelens/internal/api/middleware"
	"github.com/kiranshivaraju/scopelens/internal/api/response"
	"github.com/kiranshivaraju/scopelens/internal/entitlement"
)

type UsageReader interface {
	Usage(ctx context.Context, userID uuid.UUID) (*entitlement.Usage, error)
}

// NewSubscriptionHandler returns an http.HandlerFunc for GET /api/v1/subscription.
func NewSubscriptionHandler(ur UsageReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}

		usage, err := ur.Usage(r.Context(), userID)
		if err != nil {
			slog.Error("subscription usage", "error", err, "user_id", userID)
			internalError(w)
			return
		}

		response.JSON(w, usage)
	}
}
