package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/internal/cache"
	"github.com/kiranshivaraju/scopelens/internal/detector"
	"github.com/kiranshivaraju/scopelens/internal/store"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

var (
	// ErrNoActiveAccounts means there is nothing to dispatch with. Nothing is dequeued.
	ErrNoActiveAccounts = errors.New("no active processing accounts available")
	// ErrDispatchInProgress means another invocation holds the dispatch lease.
	ErrDispatchInProgress = errors.New("dispatch already in progress")
)

const (
	MessageAtCapacity = "All accounts at max capacity"
	MessageNoWork     = "No items waiting in queue"

	statusTTL = 24 * time.Hour
)

// Store is the persistence the dispatcher needs.
type Store interface {
	ListActiveAccounts(ctx context.Context) ([]*models.Account, error)
	IncrementAccountCounters(ctx context.Context, id uuid.UUID, failed bool) error

	CountProcessingByAccount(ctx context.Context, q models.Queue) (map[uuid.UUID]int, error)
	ListWaitingJobs(ctx context.Context, q models.Queue, limit int) ([]*models.Job, error)
	ClaimJob(ctx context.Context, q models.Queue, jobID, accountID uuid.UUID, startedAt time.Time) error
	CompleteJob(ctx context.Context, q models.Queue, jobID uuid.UUID, result []byte, at time.Time) error
	RequeueJob(ctx context.Context, q models.Queue, jobID uuid.UUID, retryCount int, message string) error
	FailJob(ctx context.Context, q models.Queue, jobID uuid.UUID, message string, at time.Time) error
	ReleaseStaleJobs(ctx context.Context, q models.Queue, startedBefore time.Time) (int64, error)

	ScanOwners(ctx context.Context, scanIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error)
	CompleteScan(ctx context.Context, id uuid.UUID, result models.ScanResult) error
	FailScan(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Locker guards an invocation against overlapping runs.
type Locker interface {
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLease(ctx context.Context, key, token string) error
}

// StatusCache receives terminal scan statuses for fast polling.
type StatusCache interface {
	SetScanStatus(ctx context.Context, scanID uuid.UUID, status string, ttl time.Duration) error
}

// Config tunes a Dispatcher. Zero values fall back to defaults. Accounts
// without their own retry ceiling get DefaultMaxRetries, or none at all when
// NoRetries is set.
type Config struct {
	Queue             models.Queue
	BatchSize         int
	MaxPrefetch       int
	DefaultMaxRetries int
	NoRetries         bool
	LeaseTTL          time.Duration
	StaleAfter        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = models.QueueDetection
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxPrefetch <= 0 {
		c.MaxPrefetch = 500
	}
	switch {
	case c.NoRetries:
		c.DefaultMaxRetries = 0
	case c.DefaultMaxRetries <= 0:
		c.DefaultMaxRetries = 3
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	return c
}

// Outcome is how one job attempt resolved.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// JobResult reports one job attempt.
type JobResult struct {
	ID              uuid.UUID `json:"id"`
	ScanID          uuid.UUID `json:"scan_id"`
	Status          Outcome   `json:"status"`
	AccountID       uuid.UUID `json:"account_id"`
	AIScore         *int      `json:"ai_score,omitempty"`
	PlagiarismScore *int      `json:"plagiarism_score,omitempty"`
	Retry           int       `json:"retry,omitempty"`
	MaxRetries      int       `json:"max_retries,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Summary is the outcome of one Dispatch invocation. When Message is set the
// invocation did no work (no capacity or empty queue).
type Summary struct {
	Processed   int         `json:"processed"`
	Remaining   int         `json:"remaining"`
	UsersServed int         `json:"users_served"`
	Results     []JobResult `json:"results"`
	Message     string      `json:"message,omitempty"`
	Processing  int         `json:"processing,omitempty"`
}

// Count returns how many results ended with the given outcome.
func (s *Summary) Count(o Outcome) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == o {
			n++
		}
	}
	return n
}

// Dispatcher drains waiting jobs fairly across users onto processing accounts.
type Dispatcher struct {
	store    Store
	detector detector.Client
	locker   Locker
	status   StatusCache
	cfg      Config
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. locker and status may be nil.
func NewDispatcher(st Store, det detector.Client, locker Locker, status StatusCache, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:    st,
		detector: det,
		locker:   locker,
		status:   status,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// BatchSize is the configured default batch size.
func (d *Dispatcher) BatchSize() int { return d.cfg.BatchSize }

// Dispatch runs one invocation. batchSize <= 0 uses the configured default.
// Per-job API failures are resolved locally; a database error aborts the
// invocation and is returned, leaving earlier per-job writes committed.
func (d *Dispatcher) Dispatch(ctx context.Context, batchSize int) (*Summary, error) {
	if batchSize <= 0 {
		batchSize = d.cfg.BatchSize
	}

	if d.locker != nil {
		key := cache.DispatchLeaseKey(string(d.cfg.Queue))
		token, ok, err := d.locker.AcquireLease(ctx, key, d.cfg.LeaseTTL)
		switch {
		case err != nil:
			slog.Warn("dispatch lease unavailable, continuing without it", "error", err)
		case !ok:
			return nil, ErrDispatchInProgress
		default:
			defer func() {
				if err := d.locker.ReleaseLease(context.WithoutCancel(ctx), key, token); err != nil {
					slog.Warn("release dispatch lease", "error", err)
				}
			}()
		}
	}

	if d.cfg.StaleAfter > 0 {
		n, err := d.store.ReleaseStaleJobs(ctx, d.cfg.Queue, d.now().Add(-d.cfg.StaleAfter))
		if err != nil {
			return nil, fmt.Errorf("releasing stale jobs: %w", err)
		}
		if n > 0 {
			slog.Warn("released stale processing jobs", "count", n, "queue", d.cfg.Queue)
		}
	}

	accounts, err := d.store.ListActiveAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoActiveAccounts
	}

	load, err := d.store.CountProcessingByAccount(ctx, d.cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("counting account load: %w", err)
	}

	pool := newAccountPool(accounts, load)
	if pool.empty() {
		processing := 0
		for _, n := range load {
			processing += n
		}
		return &Summary{Message: MessageAtCapacity, Processing: processing, Results: []JobResult{}}, nil
	}

	waiting, err := d.store.ListWaitingJobs(ctx, d.cfg.Queue, min(3*batchSize, d.cfg.MaxPrefetch))
	if err != nil {
		return nil, fmt.Errorf("listing waiting jobs: %w", err)
	}
	if len(waiting) == 0 {
		return &Summary{Message: MessageNoWork, Results: []JobResult{}}, nil
	}

	owners, err := d.store.ScanOwners(ctx, scanIDs(waiting))
	if err != nil {
		return nil, fmt.Errorf("resolving scan owners: %w", err)
	}

	ordered, users := FairOrder(waiting, owners, min(pool.slots(), batchSize))

	summary := &Summary{
		Remaining:   max(len(waiting)-len(ordered), 0),
		UsersServed: users,
		Results:     make([]JobResult, 0, len(ordered)),
	}

	for _, job := range ordered {
		if err := ctx.Err(); err != nil {
			slog.Warn("dispatch interrupted", "error", err, "processed", summary.Processed)
			return nil, fmt.Errorf("dispatch interrupted: %w", err)
		}

		account, ok := pool.next()
		if !ok {
			break
		}

		res, err := d.runJob(ctx, job, account)
		if err != nil {
			slog.Error("dispatch aborted", "error", err, "job_id", job.ID, "processed", summary.Processed)
			return nil, err
		}
		summary.Results = append(summary.Results, res)
		if res.Status != OutcomeSkipped {
			summary.Processed++
		}
	}

	slog.Info("dispatch complete",
		"queue", d.cfg.Queue,
		"processed", summary.Processed,
		"completed", summary.Count(OutcomeCompleted),
		"retrying", summary.Count(OutcomeRetrying),
		"failed", summary.Count(OutcomeFailed),
		"skipped", summary.Count(OutcomeSkipped),
		"remaining", summary.Remaining,
		"users_served", summary.UsersServed,
	)
	return summary, nil
}

// runJob claims, executes and resolves one job. Only database errors and
// cancellation of ctx are returned. Once the detection call has returned, the
// job's write-back is not cut short by ctx.
func (d *Dispatcher) runJob(ctx context.Context, job *models.Job, account *models.Account) (JobResult, error) {
	res := JobResult{ID: job.ID, ScanID: job.ScanID, AccountID: account.ID}

	if err := d.store.ClaimJob(ctx, d.cfg.Queue, job.ID, account.ID, d.now()); err != nil {
		if errors.Is(err, store.ErrClaimConflict) {
			slog.Warn("job claimed elsewhere, skipping", "job_id", job.ID)
			res.Status = OutcomeSkipped
			return res, nil
		}
		return res, fmt.Errorf("claiming job %s: %w", job.ID, err)
	}

	result, detectErr := d.detector.Detect(ctx, account.BearerToken, job.InputText)
	if detectErr != nil && ctx.Err() != nil {
		return res, d.release(ctx, job)
	}

	wctx := context.WithoutCancel(ctx)
	if detectErr == nil {
		return d.complete(wctx, job, account, result, res)
	}
	return d.resolveFailure(wctx, job, account, detectErr, res)
}

// release hands an interrupted job back to the waiting pool without spending
// a retry, then reports the interruption.
func (d *Dispatcher) release(ctx context.Context, job *models.Job) error {
	cause := ctx.Err()
	msg := "Interrupted: " + cause.Error()
	err := d.store.RequeueJob(context.WithoutCancel(ctx), d.cfg.Queue, job.ID, job.RetryCount, msg)
	if err != nil && !errors.Is(err, store.ErrStaleJob) {
		return fmt.Errorf("releasing interrupted job %s: %w", job.ID, errors.Join(cause, err))
	}
	slog.Warn("dispatch interrupted, job released", "job_id", job.ID, "error", cause)
	return fmt.Errorf("dispatch interrupted at job %s: %w", job.ID, cause)
}

func (d *Dispatcher) complete(ctx context.Context, job *models.Job, account *models.Account, result *detector.Result, res JobResult) (JobResult, error) {
	now := d.now()

	if err := d.store.CompleteJob(ctx, d.cfg.Queue, job.ID, result.Raw, now); err != nil {
		return d.staleOr(res, job, fmt.Errorf("completing job %s: %w", job.ID, err))
	}

	score := result.Score()
	if err := d.store.CompleteScan(ctx, job.ScanID, models.ScanResult{
		AIScore:     score,
		WordCount:   result.TextWords,
		Raw:         result.Data,
		CompletedAt: now,
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		return res, fmt.Errorf("completing scan %s: %w", job.ScanID, err)
	}

	if err := d.store.IncrementAccountCounters(ctx, account.ID, false); err != nil {
		return res, fmt.Errorf("updating account %s: %w", account.ID, err)
	}

	d.cacheStatus(ctx, job.ScanID, models.ScanStatusCompleted)
	slog.Info("job completed", "job_id", job.ID, "scan_id", job.ScanID, "account_id", account.ID, "ai_score", score)

	res.Status = OutcomeCompleted
	res.AIScore = &score
	return res, nil
}

func (d *Dispatcher) resolveFailure(ctx context.Context, job *models.Job, account *models.Account, cause error, res JobResult) (JobResult, error) {
	maxRetries := account.RetryLimit(d.cfg.DefaultMaxRetries)
	attempt := job.RetryCount
	detail := cause.Error()

	if detector.IsTransient(cause) && attempt < maxRetries {
		msg := fmt.Sprintf("Retry %d/%d: %s", attempt+1, maxRetries, detail)
		if err := d.store.RequeueJob(ctx, d.cfg.Queue, job.ID, attempt+1, msg); err != nil {
			return d.staleOr(res, job, fmt.Errorf("requeueing job %s: %w", job.ID, err))
		}
		slog.Warn("job requeued", "job_id", job.ID, "account_id", account.ID, "retry", attempt+1, "max_retries", maxRetries, "error", detail)

		res.Status = OutcomeRetrying
		res.Retry = attempt + 1
		res.MaxRetries = maxRetries
		res.Error = detail
		return res, nil
	}

	msg := detail
	if attempt > 0 {
		msg = fmt.Sprintf("Failed after %d retries: %s", attempt, detail)
	}
	now := d.now()
	if err := d.store.FailJob(ctx, d.cfg.Queue, job.ID, msg, now); err != nil {
		return d.staleOr(res, job, fmt.Errorf("failing job %s: %w", job.ID, err))
	}
	if err := d.store.FailScan(ctx, job.ScanID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		return res, fmt.Errorf("failing scan %s: %w", job.ScanID, err)
	}
	if err := d.store.IncrementAccountCounters(ctx, account.ID, true); err != nil {
		return res, fmt.Errorf("updating account %s: %w", account.ID, err)
	}

	d.cacheStatus(ctx, job.ScanID, models.ScanStatusFailed)
	slog.Error("job failed", "job_id", job.ID, "scan_id", job.ScanID, "account_id", account.ID, "error", msg)

	res.Status = OutcomeFailed
	res.Error = detail
	return res, nil
}

// staleOr turns a lost race on job resolution into a skipped result and
// returns every other error unchanged.
func (d *Dispatcher) staleOr(res JobResult, job *models.Job, err error) (JobResult, error) {
	if errors.Is(err, store.ErrStaleJob) {
		slog.Warn("job no longer processing, skipping", "job_id", job.ID)
		res.Status = OutcomeSkipped
		return res, nil
	}
	return res, err
}

func (d *Dispatcher) cacheStatus(ctx context.Context, scanID uuid.UUID, status string) {
	if d.status == nil {
		return
	}
	if err := d.status.SetScanStatus(ctx, scanID, status, statusTTL); err != nil {
		slog.Warn("cache scan status", "error", err, "scan_id", scanID)
	}
}

func scanIDs(jobs []*models.Job) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(jobs))
	ids := make([]uuid.UUID, 0, len(jobs))
	for _, j := range jobs {
		if _, ok := seen[j.ScanID]; ok {
			continue
		}
		seen[j.ScanID] = struct{}{}
		ids = append(ids, j.ScanID)
	}
	return ids
}
