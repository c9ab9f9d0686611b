package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/scopelens/internal/api/response"
	"github.com/kiranshivaraju/scopelens/internal/store"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

type QueueStore interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	QueueStats(ctx context.Context, q models.Queue) (*models.QueueStats, error)
	RequeueFailedJobs(ctx context.Context, q models.Queue) (int64, error)
	DeleteCompletedJobs(ctx context.Context, q models.Queue) (int64, error)
}

type queueView struct {
	Queue models.Queue       `json:"queue"`
	Jobs  []*models.Job      `json:"jobs"`
	Stats *models.QueueStats `json:"stats"`
}

// NewListQueueHandler returns an http.HandlerFunc for GET /api/v1/admin/queue.
func NewListQueueHandler(qs QueueStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown queue", nil)
			return
		}

		filter := store.JobFilter{Queue: q, Limit: queryInt(r, "limit", 50)}
		if s := r.URL.Query().Get("status"); s != "" {
			filter.Status = models.JobStatus(s)
			if !filter.Status.Valid() {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown job status", nil)
				return
			}
		}

		jobs, err := qs.ListJobs(r.Context(), filter)
		if err != nil {
			slog.Error("list jobs", "error", err, "queue", q)
			internalError(w)
			return
		}
		stats, err := qs.QueueStats(r.Context(), q)
		if err != nil {
			slog.Error("queue stats", "error", err, "queue", q)
			internalError(w)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}

		response.JSON(w, queueView{Queue: q, Jobs: jobs, Stats: stats})
	}
}

type queueActionRequest struct {
	Action string `json:"action" validate:"required,oneof=retry_failed clear_completed"`
}

// NewQueueActionHandler returns an http.HandlerFunc for POST /api/v1/admin/queue/actions.
func NewQueueActionHandler(qs QueueStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown queue", nil)
			return
		}

		var req queueActionRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		var (
			n   int64
			err error
		)
		switch req.Action {
		case "retry_failed":
			n, err = qs.RequeueFailedJobs(r.Context(), q)
		case "clear_completed":
			n, err = qs.DeleteCompletedJobs(r.Context(), q)
		}
		if err != nil {
			slog.Error("queue action failed", "error", err, "queue", q, "action", req.Action)
			internalError(w)
			return
		}

		slog.Info("queue action", "queue", q, "action", req.Action, "affected", n)
		response.JSON(w, map[string]any{
			"queue":    q,
			"action":   req.Action,
			"affected": n,
		})
	}
}
