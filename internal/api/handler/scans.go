package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/scopelens/internal/api/middleware"
	"github.com/kiranshivaraju/scopelens/internal/api/response"
	"github.com/kiranshivaraju/scopelens/internal/entitlement"
	"github.com/kiranshivaraju/scopelens/internal/scan"
	"github.com/kiranshivaraju/scopelens/internal/store"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

// ScanService is what the scan handlers depend on.
type ScanService interface {
	Submit(ctx context.Context, up scan.Upload) (*scan.Created, error)
	Get(ctx context.Context, id, userID uuid.UUID) (*models.Scan, error)
	List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Scan, int, error)
	Stats(ctx context.Context, userID uuid.UUID) (*models.ScanStats, error)
}

// multipart overhead allowed on top of the file itself
const formOverhead = 1 << 20

// NewUploadHandler returns an http.HandlerFunc for POST /api/v1/scans.
func NewUploadHandler(svc ScanService, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}

		if maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes+formOverhead)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusBadRequest, "INVALID_INPUT", "File too large", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_INPUT", "Expected multipart form data", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_INPUT", "No file provided", nil)
			return
		}
		defer file.Close()

		scanType := r.FormValue("scanType")
		if scanType == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_INPUT", "scanType is required: ai or plagiarism", nil)
			return
		}

		created, err := svc.Submit(r.Context(), scan.Upload{
			UserID:      userID,
			FileName:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			ScanType:    models.ScanType(scanType),
			Body:        file,
		})
		if err != nil {
			writeSubmitError(w, err, userID)
			return
		}

		response.JSON(w, created)
	}
}

func writeSubmitError(w http.ResponseWriter, err error, userID uuid.UUID) {
	var rej *entitlement.Rejection
	switch {
	case errors.As(err, &rej):
		response.Error(w, http.StatusForbidden, rejectionCode(rej), rej.Message, nil)
	case errors.Is(err, scan.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
	default:
		slog.Error("scan upload failed", "error", err, "user_id", userID)
		internalError(w)
	}
}

func rejectionCode(rej *entitlement.Rejection) string {
	switch {
	case errors.Is(rej, entitlement.ErrQuotaExceeded):
		return "QUOTA_EXCEEDED"
	case errors.Is(rej, entitlement.ErrCreditsExpired):
		return "CREDITS_EXPIRED"
	case errors.Is(rej, entitlement.ErrInsufficientCredits):
		return "INSUFFICIENT_CREDITS"
	default:
		return "FORBIDDEN"
	}
}

// NewListScansHandler returns an http.HandlerFunc for GET /api/v1/scans.
func NewListScansHandler(svc ScanService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}

		limit := min(max(queryInt(r, "limit", 20), 1), 100)
		offset := max(queryInt(r, "offset", 0), 0)

		scans, total, err := svc.List(r.Context(), userID, limit, offset)
		if err != nil {
			slog.Error("list scans", "error", err, "user_id", userID)
			internalError(w)
			return
		}
		if scans == nil {
			scans = []*models.Scan{}
		}

		response.Collection(w, scans, response.Page(limit, offset, total))
	}
}

// NewGetScanHandler returns an http.HandlerFunc for GET /api/v1/scans/{scanID}.
func NewGetScanHandler(svc ScanService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}

		scanID, err := uuid.Parse(chi.URLParam(r, "scanID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid scan ID", nil)
			return
		}

		sc, err := svc.Get(r.Context(), scanID, userID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Scan not found", nil)
			return
		}
		if err != nil {
			slog.Error("get scan", "error", err, "scan_id", scanID)
			internalError(w)
			return
		}

		response.JSON(w, sc)
	}
}

// NewScanStatsHandler returns an http.HandlerFunc for GET /api/v1/scans/stats.
func NewScanStatsHandler(svc ScanService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}

		stats, err := svc.Stats(r.Context(), userID)
		if err != nil {
			slog.Error("scan stats", "error", err, "user_id", userID)
			internalError(w)
			return
		}

		response.JSON(w, stats)
	}
}
