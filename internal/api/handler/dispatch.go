package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/scopelens/internal/api/response"
	"github.com/kiranshivaraju/scopelens/internal/plagiarism"
	"github.com/kiranshivaraju/scopelens/internal/queue"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, batchSize int) (*queue.Summary, error)
}

type dispatchRequest struct {
	BatchSize int `json:"batch_size" validate:"omitempty,gte=1,lte=100"`
}

// NewDispatchHandler returns an http.HandlerFunc for POST /api/v1/admin/queue/dispatch
// and POST /api/v1/admin/plagiarism/dispatch. The body is optional; without it
// the configured batch size is used. A caller that disconnects does not cut
// the invocation short.
func NewDispatchHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if !decodeJSON(w, r, &req, true) {
			return
		}

		summary, err := d.Dispatch(context.WithoutCancel(r.Context()), req.BatchSize)
		switch {
		case err == nil:
			response.JSON(w, summary)
		case errors.Is(err, queue.ErrNoActiveAccounts), errors.Is(err, plagiarism.ErrNoActiveAccounts):
			response.Error(w, http.StatusBadRequest, "NO_ACTIVE_ACCOUNTS", err.Error(), nil)
		case errors.Is(err, queue.ErrDispatchInProgress):
			response.Error(w, http.StatusConflict, "DISPATCH_IN_PROGRESS", err.Error(), nil)
		default:
			slog.Error("dispatch failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "DISPATCH_FAILED", "Dispatch failed", nil)
		}
	}
}
