package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrClaimConflict is returned when a job is no longer waiting at claim time.
	ErrClaimConflict = errors.New("job already claimed")
	// ErrStaleJob is returned when resolving a job that is no longer processing.
	ErrStaleJob = errors.New("job is no longer processing")
	// ErrConditionFailed is returned when a guarded update matched no rows and
	// the surrounding transaction was rolled back.
	ErrConditionFailed = errors.New("conditional update matched no rows")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	ListActiveAccounts(ctx context.Context) ([]*models.Account, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error
	UpdateAccount(ctx context.Context, id uuid.UUID, patch AccountPatch) (*models.Account, error)
	IncrementAccountCounters(ctx context.Context, id uuid.UUID, failed bool) error

	ListActiveCoreAccounts(ctx context.Context) ([]*models.CoreAccount, error)
	ListCoreAccounts(ctx context.Context) ([]*models.CoreAccount, error)
	CreateCoreAccount(ctx context.Context, account *models.CoreAccount) error
	UpdateCoreAccount(ctx context.Context, id uuid.UUID, patch CoreAccountPatch) (*models.CoreAccount, error)
	IncrementCoreAccountCounters(ctx context.Context, id uuid.UUID, requests int, failed bool) error

	CountProcessingByAccount(ctx context.Context, q models.Queue) (map[uuid.UUID]int, error)
	ListWaitingJobs(ctx context.Context, q models.Queue, limit int) ([]*models.Job, error)
	ClaimJob(ctx context.Context, q models.Queue, jobID, accountID uuid.UUID, startedAt time.Time) error
	CompleteJob(ctx context.Context, q models.Queue, jobID uuid.UUID, result []byte, at time.Time) error
	RequeueJob(ctx context.Context, q models.Queue, jobID uuid.UUID, retryCount int, message string) error
	FailJob(ctx context.Context, q models.Queue, jobID uuid.UUID, message string, at time.Time) error
	ReleaseStaleJobs(ctx context.Context, q models.Queue, startedBefore time.Time) (int64, error)
	CountWaitingJobs(ctx context.Context, q models.Queue) (int, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	QueueStats(ctx context.Context, q models.Queue) (*models.QueueStats, error)
	RequeueFailedJobs(ctx context.Context, q models.Queue) (int64, error)
	DeleteCompletedJobs(ctx context.Context, q models.Queue) (int64, error)

	ScanOwners(ctx context.Context, scanIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error)
	CreateScanWithJob(ctx context.Context, in NewScan) (uuid.UUID, error)
	CompleteScan(ctx context.Context, id uuid.UUID, result models.ScanResult) error
	CompletePlagiarismScan(ctx context.Context, id uuid.UUID, out models.PlagiarismOutcome) error
	FailScan(ctx context.Context, id uuid.UUID, at time.Time) error
	GetScan(ctx context.Context, id, userID uuid.UUID) (*models.Scan, error)
	ListScans(ctx context.Context, filter ScanFilter) ([]*models.Scan, int, error)
	CountScansSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	GetScanStats(ctx context.Context, userID uuid.UUID) (*models.ScanStats, error)

	GetActiveSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, *models.Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*models.Plan, error)
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)

	GetLicenseKeyByCode(ctx context.Context, code string) (*models.LicenseKey, error)
	ClaimLicenseKey(ctx context.Context, keyID, userID uuid.UUID, now time.Time) (*models.Subscription, error)
	CreateLicenseKeys(ctx context.Context, keys []*models.LicenseKey) error
}

// AccountPatch lists the account fields an admin may change. Nil fields are left as-is.
type AccountPatch struct {
	Label         *string
	BearerToken   *string
	IsActive      *bool
	MaxConcurrent *int
	MaxRetries    *int
}

// Empty reports whether the patch changes nothing.
func (p AccountPatch) Empty() bool {
	return p.Label == nil && p.BearerToken == nil && p.IsActive == nil &&
		p.MaxConcurrent == nil && p.MaxRetries == nil
}

// CoreAccountPatch lists the CORE account fields an admin may change.
type CoreAccountPatch struct {
	Label    *string
	APIKey   *string
	IsActive *bool
}

// Empty reports whether the patch changes nothing.
func (p CoreAccountPatch) Empty() bool {
	return p.Label == nil && p.APIKey == nil && p.IsActive == nil
}

type JobFilter struct {
	Queue  models.Queue
	Status models.JobStatus
	Limit  int
}

type ScanFilter struct {
	UserID uuid.UUID
	Limit  int
	Offset int
}

// NewScan is everything written by one admitted upload: the scan record, its
// queue job, and optionally the credit charge against a paid subscription.
type NewScan struct {
	Scan      *models.Scan
	InputText string
	Charge    *CreditCharge
}

// CreditCharge debits Cost credits from a subscription. The debit only applies
// when the balance covers the cost and the credits have not expired at At.
type CreditCharge struct {
	SubscriptionID uuid.UUID
	Cost           int
	At             time.Time
}
