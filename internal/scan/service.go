package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/internal/entitlement"
	"github.com/kiranshivaraju/scopelens/internal/store"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

// ErrInvalidInput is returned for uploads that can never be admitted as sent.
var ErrInvalidInput = errors.New("invalid input")

// File types accepted for upload, keyed by MIME type.
var allowedTypes = map[string]string{
	"application/pdf": "pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"text/plain": "txt",
}

var extensionTypes = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",
}

// Upload is one file submitted for scanning.
type Upload struct {
	UserID      uuid.UUID       `validate:"required"`
	FileName    string          `validate:"required,max=255"`
	ContentType string
	Size        int64           `validate:"gte=0"`
	ScanType    models.ScanType `validate:"required,oneof=ai plagiarism"`
	Body        io.Reader
}

// Created is the outcome of an admitted upload.
type Created struct {
	ID       uuid.UUID        `json:"id"`
	JobID    uuid.UUID        `json:"-"`
	FileName string           `json:"file_name"`
	Status   string           `json:"status"`
	ScanType models.ScanType  `json:"scan_type"`
	Tier     entitlement.Tier `json:"tier"`
}

// Store is the persistence the service needs.
type Store interface {
	CreateScanWithJob(ctx context.Context, in store.NewScan) (uuid.UUID, error)
	GetScan(ctx context.Context, id, userID uuid.UUID) (*models.Scan, error)
	ListScans(ctx context.Context, filter store.ScanFilter) ([]*models.Scan, int, error)
	GetScanStats(ctx context.Context, userID uuid.UUID) (*models.ScanStats, error)
}

// Admitter decides whether a user may start a scan.
type Admitter interface {
	Admit(ctx context.Context, userID uuid.UUID, scanType models.ScanType) (*entitlement.Admission, error)
}

// Notifier is told about newly queued jobs so a dispatcher can pick them up
// before the next scheduled run.
type Notifier interface {
	Notify(ctx context.Context, q models.Queue, jobID uuid.UUID) error
}

// StatusCache holds the freshest terminal status written by the dispatcher.
type StatusCache interface {
	GetScanStatus(ctx context.Context, scanID uuid.UUID) (string, bool, error)
}

// Extractor turns an uploaded document into plain text. Accepts reports which
// upload types (pdf, docx, txt) it can read; others are refused as an invalid
// file type.
type Extractor interface {
	Accepts(fileType string) bool
	Extract(fileType string, r io.Reader) (string, error)
}

// Service orchestrates uploads: validation, admission, extraction and enqueueing.
type Service struct {
	store     Store
	admitter  Admitter
	extractor Extractor
	notifier  Notifier
	status    StatusCache
	maxBytes  int64
	validate  *validator.Validate
	now       func() time.Time
}

// NewService creates a Service. notifier and status may be nil.
func NewService(st Store, admitter Admitter, extractor Extractor, notifier Notifier, status StatusCache, maxBytes int64) *Service {
	if extractor == nil {
		extractor = PlainTextExtractor{}
	}
	return &Service{
		store:     st,
		admitter:  admitter,
		extractor: extractor,
		notifier:  notifier,
		status:    status,
		maxBytes:  maxBytes,
		validate:  validator.New(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit admits and enqueues an upload. Entitlement rejections are returned as
// *entitlement.Rejection and leave no rows behind; malformed uploads wrap
// ErrInvalidInput.
func (s *Service) Submit(ctx context.Context, up Upload) (*Created, error) {
	if err := s.validate.Struct(up); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, describe(err))
	}
	if up.Body == nil {
		return nil, fmt.Errorf("%w: no file provided", ErrInvalidInput)
	}

	admission, err := s.admitter.Admit(ctx, up.UserID, up.ScanType)
	if err != nil {
		return nil, err
	}

	mimeType, fileType, err := s.resolveType(up.FileName, up.ContentType)
	if err != nil {
		return nil, err
	}
	if s.maxBytes > 0 && up.Size > s.maxBytes {
		return nil, fmt.Errorf("%w: file too large, maximum size is %d MB", ErrInvalidInput, s.maxBytes>>20)
	}

	body := up.Body
	if s.maxBytes > 0 {
		body = io.LimitReader(up.Body, s.maxBytes+1)
	}
	text, err := s.extractor.Extract(fileType, body)
	if err != nil {
		return nil, err
	}
	if s.maxBytes > 0 && int64(len(text)) > s.maxBytes {
		return nil, fmt.Errorf("%w: file too large, maximum size is %d MB", ErrInvalidInput, s.maxBytes>>20)
	}

	now := s.now()
	sc := &models.Scan{
		ID:        uuid.New(),
		UserID:    up.UserID,
		FileName:  up.FileName,
		FileSize:  up.Size,
		FileType:  mimeType,
		ScanType:  up.ScanType,
		Status:    models.ScanStatusProcessing,
		CreatedAt: now,
	}

	jobID, err := s.store.CreateScanWithJob(ctx, store.NewScan{Scan: sc, InputText: text, Charge: admission.Charge()})
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, entitlement.ChargeFailed(up.ScanType)
	}
	if err != nil {
		return nil, fmt.Errorf("creating scan: %w", err)
	}

	slog.Info("scan queued",
		"scan_id", sc.ID,
		"job_id", jobID,
		"user_id", up.UserID,
		"scan_type", up.ScanType,
		"tier", admission.Tier,
		"cost", admission.Cost,
	)

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, up.ScanType.Queue(), jobID); err != nil {
			slog.Warn("dispatch trigger not sent", "error", err, "job_id", jobID)
		}
	}

	return &Created{
		ID:       sc.ID,
		JobID:    jobID,
		FileName: sc.FileName,
		Status:   sc.Status,
		ScanType: sc.ScanType,
		Tier:     admission.Tier,
	}, nil
}

// Get returns one of the user's scans. A terminal status cached by the
// dispatcher overrides a stale in-progress row.
func (s *Service) Get(ctx context.Context, id, userID uuid.UUID) (*models.Scan, error) {
	sc, err := s.store.GetScan(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if s.status == nil || terminal(sc.Status) {
		return sc, nil
	}
	cached, ok, err := s.status.GetScanStatus(ctx, id)
	if err != nil {
		slog.Warn("scan status cache unavailable", "error", err, "scan_id", id)
		return sc, nil
	}
	if ok && terminal(cached) {
		sc.Status = cached
	}
	return sc, nil
}

// List returns a page of the user's scans, newest first, with the total count.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Scan, int, error) {
	return s.store.ListScans(ctx, store.ScanFilter{UserID: userID, Limit: limit, Offset: offset})
}

// Stats aggregates the user's scans.
func (s *Service) Stats(ctx context.Context, userID uuid.UUID) (*models.ScanStats, error) {
	return s.store.GetScanStats(ctx, userID)
}

func terminal(status string) bool {
	return status == models.ScanStatusCompleted || status == models.ScanStatusFailed
}

// resolveType maps the declared content type, or the file extension when the
// client sent a generic type, onto an upload type the extractor can read.
func (s *Service) resolveType(fileName, contentType string) (mimeType, fileType string, err error) {
	mimeType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if _, ok := allowedTypes[mimeType]; !ok {
		if byExt, ok := extensionTypes[strings.ToLower(filepath.Ext(fileName))]; ok &&
			(mimeType == "" || mimeType == "application/octet-stream") {
			mimeType = byExt
		}
	}
	fileType, ok := allowedTypes[mimeType]
	if !ok || !s.extractor.Accepts(fileType) {
		return "", "", fmt.Errorf("%w: invalid file type, only %s files are allowed", ErrInvalidInput, s.acceptedTypes())
	}
	return mimeType, fileType, nil
}

// acceptedTypes lists the readable upload types for error messages, e.g.
// "PDF, DOCX and TXT".
func (s *Service) acceptedTypes() string {
	var names []string
	for _, ft := range []string{"pdf", "docx", "txt"} {
		if s.extractor.Accepts(ft) {
			names = append(names, strings.ToUpper(ft))
		}
	}
	switch len(names) {
	case 0:
		return "no"
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "ScanType":
			parts = append(parts, "scanType must be one of: ai, plagiarism")
		case "FileName":
			parts = append(parts, "no file provided")
		default:
			parts = append(parts, fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// PlainTextExtractor reads text/plain uploads. Other document formats are
// rejected.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Accepts(fileType string) bool { return fileType == "txt" }

func (PlainTextExtractor) Extract(fileType string, r io.Reader) (string, error) {
	if fileType != "txt" {
		return "", fmt.Errorf("%w: text extraction for %s files is not supported", ErrInvalidInput, fileType)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading upload: %w", err)
	}
	text := strings.TrimSpace(strings.ToValidUTF8(string(raw), string(utf8.RuneError)))
	if text == "" {
		return "", fmt.Errorf("%w: file contains no text", ErrInvalidInput)
	}
	return text, nil
}
