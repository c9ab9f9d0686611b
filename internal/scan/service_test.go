package scan_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/internal/entitlement"
	"github.com/kiranshivaraju/scopelens/internal/scan"
	"github.com/kiranshivaraju/scopelens/internal/store"
	"github.com/kiranshivaraju/scopelens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	created   []store.NewScan
	createErr error
	scan      *models.Scan
}

func (m *mockStore) CreateScanWithJob(_ context.Context, in store.NewScan) (uuid.UUID, error) {
	if m.createErr != nil {
		return uuid.Nil, m.createErr
	}
	m.created = append(m.created, in)
	return uuid.New(), nil
}

func (m *mockStore) GetScan(_ context.Context, _, _ uuid.UUID) (*models.Scan, error) {
	if m.scan == nil {
		return nil, store.ErrNotFound
	}
	sc := *m.scan
	return &sc, nil
}

func (m *mockStore) ListScans(_ context.Context, _ store.ScanFilter) ([]*models.Scan, int, error) {
	return nil, 0, nil
}

func (m *mockStore) GetScanStats(_ context.Context, _ uuid.UUID) (*models.ScanStats, error) {
	return &models.ScanStats{}, nil
}

type mockAdmitter struct {
	admission *entitlement.Admission
	err       error
	calls     int
}

func (m *mockAdmitter) Admit(_ context.Context, _ uuid.UUID, t models.ScanType) (*entitlement.Admission, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.admission != nil {
		return m.admission, nil
	}
	return &entitlement.Admission{Tier: entitlement.TierFree, ScanType: t}, nil
}

type mockNotifier struct {
	jobs []uuid.UUID
	err  error
}

func (m *mockNotifier) Notify(_ context.Context, _ models.Queue, jobID uuid.UUID) error {
	m.jobs = append(m.jobs, jobID)
	return m.err
}

type mockStatus struct {
	status string
	err    error
}

func (m *mockStatus) GetScanStatus(_ context.Context, _ uuid.UUID) (string, bool, error) {
	return m.status, m.status != "", m.err
}

func textUpload(body string) scan.Upload {
	return scan.Upload{
		UserID:      uuid.New(),
		FileName:    "essay.txt",
		ContentType: "text/plain; charset=utf-8",
		Size:        int64(len(body)),
		ScanType:    models.ScanTypeAI,
		Body:        strings.NewReader(body),
	}
}

func TestSubmit_FreeUpload(t *testing.T) {
	st := &mockStore{}
	notifier := &mockNotifier{}
	svc := scan.NewService(st, &mockAdmitter{}, nil, notifier, nil, 1<<20)

	created, err := svc.Submit(context.Background(), textUpload("  some essay text \n"))
	require.NoError(t, err)

	assert.Equal(t, "essay.txt", created.FileName)
	assert.Equal(t, models.ScanStatusProcessing, created.Status)
	assert.Equal(t, entitlement.TierFree, created.Tier)

	require.Len(t, st.created, 1)
	assert.Equal(t, "some essay text", st.created[0].InputText)
	assert.Equal(t, "text/plain", st.created[0].Scan.FileType)
	assert.Nil(t, st.created[0].Charge)
	assert.Equal(t, []uuid.UUID{created.JobID}, notifier.jobs)
}

func TestSubmit_PaidUploadCarriesCharge(t *testing.T) {
	subID := uuid.New()
	st := &mockStore{}
	admitter := &mockAdmitter{admission: &entitlement.Admission{
		Tier: entitlement.TierPaid, ScanType: models.ScanTypePlagiarism, Cost: 2, SubscriptionID: subID,
	}}
	svc := scan.NewService(st, admitter, nil, nil, nil, 1<<20)

	up := textUpload("text")
	up.ScanType = models.ScanTypePlagiarism
	_, err := svc.Submit(context.Background(), up)
	require.NoError(t, err)

	require.Len(t, st.created, 1)
	require.NotNil(t, st.created[0].Charge)
	assert.Equal(t, subID, st.created[0].Charge.SubscriptionID)
	assert.Equal(t, 2, st.created[0].Charge.Cost)
	assert.Equal(t, models.ScanTypePlagiarism, st.created[0].Scan.ScanType)
}

func TestSubmit_RejectionHasNoSideEffects(t *testing.T) {
	st := &mockStore{}
	notifier := &mockNotifier{}
	admitter := &mockAdmitter{err: &entitlement.Rejection{Kind: entitlement.ErrQuotaExceeded, Message: "Daily free scan limit reached (1/1)."}}
	svc := scan.NewService(st, admitter, nil, notifier, nil, 1<<20)

	_, err := svc.Submit(context.Background(), textUpload("text"))
	assert.ErrorIs(t, err, entitlement.ErrQuotaExceeded)
	assert.Empty(t, st.created)
	assert.Empty(t, notifier.jobs)
}

func TestSubmit_LostChargeRace(t *testing.T) {
	st := &mockStore{createErr: store.ErrConditionFailed}
	svc := scan.NewService(st, &mockAdmitter{}, nil, nil, nil, 1<<20)

	_, err := svc.Submit(context.Background(), textUpload("text"))
	assert.ErrorIs(t, err, entitlement.ErrInsufficientCredits)
}

func TestSubmit_InvalidScanType(t *testing.T) {
	admitter := &mockAdmitter{}
	svc := scan.NewService(&mockStore{}, admitter, nil, nil, nil, 1<<20)

	up := textUpload("text")
	up.ScanType = "video"
	_, err := svc.Submit(context.Background(), up)
	require.ErrorIs(t, err, scan.ErrInvalidInput)
	assert.Contains(t, err.Error(), "scanType")
	assert.Zero(t, admitter.calls)
}

func TestSubmit_MissingFile(t *testing.T) {
	svc := scan.NewService(&mockStore{}, &mockAdmitter{}, nil, nil, nil, 1<<20)

	up := textUpload("")
	up.Body = nil
	_, err := svc.Submit(context.Background(), up)
	assert.ErrorIs(t, err, scan.ErrInvalidInput)
}

func TestSubmit_InvalidFileType(t *testing.T) {
	st := &mockStore{}
	svc := scan.NewService(st, &mockAdmitter{}, nil, nil, nil, 1<<20)

	up := textUpload("text")
	up.FileName = "photo.png"
	up.ContentType = "image/png"
	_, err := svc.Submit(context.Background(), up)
	require.ErrorIs(t, err, scan.ErrInvalidInput)
	assert.Contains(t, err.Error(), "only TXT files are allowed")
	assert.NotContains(t, err.Error(), "PDF")
	assert.Empty(t, st.created)
}

func TestSubmit_TypeFromExtension(t *testing.T) {
	st := &mockStore{}
	svc := scan.NewService(st, &mockAdmitter{}, nil, nil, nil, 1<<20)

	up := textUpload("text")
	up.ContentType = "application/octet-stream"
	_, err := svc.Submit(context.Background(), up)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", st.created[0].Scan.FileType)
}

func TestSubmit_TooLarge(t *testing.T) {
	svc := scan.NewService(&mockStore{}, &mockAdmitter{}, nil, nil, nil, 4)

	_, err := svc.Submit(context.Background(), textUpload("longer than four bytes"))
	require.ErrorIs(t, err, scan.ErrInvalidInput)
	assert.Contains(t, err.Error(), "too large")
}

func TestSubmit_PDFRejectedAsUnreadableType(t *testing.T) {
	st := &mockStore{}
	svc := scan.NewService(st, &mockAdmitter{}, nil, nil, nil, 1<<20)

	up := textUpload("%PDF-1.4")
	up.FileName = "paper.pdf"
	up.ContentType = "application/pdf"
	_, err := svc.Submit(context.Background(), up)
	require.ErrorIs(t, err, scan.ErrInvalidInput)
	assert.Equal(t, "invalid input: invalid file type, only TXT files are allowed", err.Error())
	assert.Empty(t, st.created)
}

type docExtractor struct{}

func (docExtractor) Accepts(fileType string) bool { return fileType != "docx" }

func (docExtractor) Extract(string, io.Reader) (string, error) { return "extracted", nil }

func TestSubmit_ErrorListsExtractorTypes(t *testing.T) {
	svc := scan.NewService(&mockStore{}, &mockAdmitter{}, docExtractor{}, nil, nil, 1<<20)

	up := textUpload("PK")
	up.FileName = "essay.docx"
	up.ContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	_, err := svc.Submit(context.Background(), up)
	require.ErrorIs(t, err, scan.ErrInvalidInput)
	assert.Contains(t, err.Error(), "only PDF and TXT files are allowed")

	up = textUpload("%PDF-1.4")
	up.FileName = "paper.pdf"
	up.ContentType = "application/pdf"
	_, err = svc.Submit(context.Background(), up)
	assert.NoError(t, err)
}

func TestSubmit_EmptyText(t *testing.T) {
	svc := scan.NewService(&mockStore{}, &mockAdmitter{}, nil, nil, nil, 1<<20)

	_, err := svc.Submit(context.Background(), textUpload("   \n\t"))
	assert.ErrorIs(t, err, scan.ErrInvalidInput)
}

func TestSubmit_NotifierFailureIsNotFatal(t *testing.T) {
	notifier := &mockNotifier{err: errors.New("broker down")}
	svc := scan.NewService(&mockStore{}, &mockAdmitter{}, nil, notifier, nil, 1<<20)

	_, err := svc.Submit(context.Background(), textUpload("text"))
	assert.NoError(t, err)
	assert.Len(t, notifier.jobs, 1)
}

func TestGet_CachedTerminalStatusWins(t *testing.T) {
	st := &mockStore{scan: &models.Scan{ID: uuid.New(), Status: models.ScanStatusProcessing}}
	svc := scan.NewService(st, &mockAdmitter{}, nil, nil, &mockStatus{status: models.ScanStatusCompleted}, 0)

	sc, err := svc.Get(context.Background(), st.scan.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusCompleted, sc.Status)
}

func TestGet_CacheErrorFallsBackToRow(t *testing.T) {
	st := &mockStore{scan: &models.Scan{ID: uuid.New(), Status: models.ScanStatusProcessing}}
	svc := scan.NewService(st, &mockAdmitter{}, nil, nil, &mockStatus{err: errors.New("redis down")}, 0)

	sc, err := svc.Get(context.Background(), st.scan.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusProcessing, sc.Status)
}

func TestGet_NotFound(t *testing.T) {
	svc := scan.NewService(&mockStore{}, &mockAdmitter{}, nil, nil, nil, 0)

	_, err := svc.Get(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
