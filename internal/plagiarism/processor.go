// Package plagiarism checks queued documents against published works found
// through the CORE search API.
package plagiarism

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/internal/cache"
	"github.com/kiranshivaraju/scopelens/internal/queue"
	"github.com/kiranshivaraju/scopelens/internal/store"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

// ErrNoActiveAccounts means no CORE account can run searches. Nothing is dequeued.
var ErrNoActiveAccounts = errors.New("no active CORE API accounts configured")

const statusTTL = 24 * time.Hour

// Store is the persistence the processor needs.
type Store interface {
	ListActiveCoreAccounts(ctx context.Context) ([]*models.CoreAccount, error)
	IncrementCoreAccountCounters(ctx context.Context, id uuid.UUID, requests int, failed bool) error

	ListWaitingJobs(ctx context.Context, q models.Queue, limit int) ([]*models.Job, error)
	CountWaitingJobs(ctx context.Context, q models.Queue) (int, error)
	ClaimJob(ctx context.Context, q models.Queue, jobID, accountID uuid.UUID, startedAt time.Time) error
	CompleteJob(ctx context.Context, q models.Queue, jobID uuid.UUID, result []byte, at time.Time) error
	RequeueJob(ctx context.Context, q models.Queue, jobID uuid.UUID, retryCount int, message string) error
	FailJob(ctx context.Context, q models.Queue, jobID uuid.UUID, message string, at time.Time) error
	ReleaseStaleJobs(ctx context.Context, q models.Queue, startedBefore time.Time) (int64, error)

	ScanOwners(ctx context.Context, scanIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error)
	CompletePlagiarismScan(ctx context.Context, id uuid.UUID, out models.PlagiarismOutcome) error
	FailScan(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Config tunes a Processor. Zero values fall back to defaults; NoRetries
// fails a job on its first transient error.
type Config struct {
	BatchSize       int
	ResultsPerQuery int
	RequestInterval time.Duration
	MaxRetries      int
	NoRetries       bool
	LeaseTTL        time.Duration
	StaleAfter      time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.ResultsPerQuery <= 0 {
		c.ResultsPerQuery = 5
	}
	if c.RequestInterval < 0 {
		c.RequestInterval = 0
	}
	switch {
	case c.NoRetries:
		c.MaxRetries = 0
	case c.MaxRetries <= 0:
		c.MaxRetries = 2
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	return c
}

// Processor drains the plagiarism queue one document at a time using the
// least-used CORE account.
type Processor struct {
	store    Store
	searcher Searcher
	locker   queue.Locker
	status   queue.StatusCache
	cfg      Config
	now      func() time.Time
	wait     func(ctx context.Context, d time.Duration) error
}

// NewProcessor creates a Processor. locker and status may be nil.
func NewProcessor(st Store, searcher Searcher, locker queue.Locker, status queue.StatusCache, cfg Config) *Processor {
	return &Processor{
		store:    st,
		searcher: searcher,
		locker:   locker,
		status:   status,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
		wait:     sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BatchSize is the configured default batch size.
func (p *Processor) BatchSize() int { return p.cfg.BatchSize }

// Dispatch processes up to batchSize waiting plagiarism jobs. batchSize <= 0
// uses the configured default. Search failures are resolved per job; database
// errors abort the run.
func (p *Processor) Dispatch(ctx context.Context, batchSize int) (*queue.Summary, error) {
	if batchSize <= 0 {
		batchSize = p.cfg.BatchSize
	}

	if p.locker != nil {
		key := cache.DispatchLeaseKey(string(models.QueuePlagiarism))
		token, ok, err := p.locker.AcquireLease(ctx, key, p.cfg.LeaseTTL)
		switch {
		case err != nil:
			slog.Warn("plagiarism lease unavailable, continuing without it", "error", err)
		case !ok:
			return nil, queue.ErrDispatchInProgress
		default:
			defer func() {
				if err := p.locker.ReleaseLease(context.WithoutCancel(ctx), key, token); err != nil {
					slog.Warn("release plagiarism lease", "error", err)
				}
			}()
		}
	}

	if p.cfg.StaleAfter > 0 {
		n, err := p.store.ReleaseStaleJobs(ctx, models.QueuePlagiarism, p.now().Add(-p.cfg.StaleAfter))
		if err != nil {
			return nil, fmt.Errorf("releasing stale jobs: %w", err)
		}
		if n > 0 {
			slog.Warn("released stale processing jobs", "count", n, "queue", models.QueuePlagiarism)
		}
	}

	accounts, err := p.store.ListActiveCoreAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing core accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoActiveAccounts
	}
	account := accounts[0]

	waiting, err := p.store.ListWaitingJobs(ctx, models.QueuePlagiarism, 3*batchSize)
	if err != nil {
		return nil, fmt.Errorf("listing waiting jobs: %w", err)
	}
	if len(waiting) == 0 {
		return &queue.Summary{Message: queue.MessageNoWork, Results: []queue.JobResult{}}, nil
	}

	owners, err := p.store.ScanOwners(ctx, scanIDs(waiting))
	if err != nil {
		return nil, fmt.Errorf("resolving scan owners: %w", err)
	}
	ordered, _ := queue.FairOrder(waiting, owners, batchSize)

	summary := &queue.Summary{Results: make([]queue.JobResult, 0, len(ordered))}
	served := map[uuid.UUID]struct{}{}

	for _, job := range ordered {
		if err := ctx.Err(); err != nil {
			slog.Warn("plagiarism run interrupted", "error", err, "processed", summary.Processed)
			return nil, fmt.Errorf("dispatch interrupted: %w", err)
		}

		res, err := p.runJob(ctx, job, account)
		if err != nil {
			slog.Error("plagiarism run aborted", "error", err, "job_id", job.ID, "processed", summary.Processed)
			return nil, err
		}
		summary.Results = append(summary.Results, res)
		if res.Status != queue.OutcomeSkipped {
			summary.Processed++
			served[owners[job.ScanID]] = struct{}{}
		}
	}
	summary.UsersServed = len(served)

	remaining, err := p.store.CountWaitingJobs(context.WithoutCancel(ctx), models.QueuePlagiarism)
	if err != nil {
		return nil, fmt.Errorf("counting waiting jobs: %w", err)
	}
	summary.Remaining = remaining

	slog.Info("plagiarism run complete",
		"account_id", account.ID,
		"processed", summary.Processed,
		"completed", summary.Count(queue.OutcomeCompleted),
		"retrying", summary.Count(queue.OutcomeRetrying),
		"failed", summary.Count(queue.OutcomeFailed),
		"remaining", summary.Remaining,
	)
	return summary, nil
}

func (p *Processor) runJob(ctx context.Context, job *models.Job, account *models.CoreAccount) (queue.JobResult, error) {
	res := queue.JobResult{ID: job.ID, ScanID: job.ScanID, AccountID: account.ID}

	if err := p.store.ClaimJob(ctx, models.QueuePlagiarism, job.ID, account.ID, p.now()); err != nil {
		if errors.Is(err, store.ErrClaimConflict) {
			slog.Warn("job claimed elsewhere, skipping", "job_id", job.ID)
			res.Status = queue.OutcomeSkipped
			return res, nil
		}
		return res, fmt.Errorf("claiming job %s: %w", job.ID, err)
	}

	sentences := SplitSentences(job.InputText)
	works, requests, searchErr := p.search(ctx, account.APIKey, BuildQueries(sentences))

	wctx := context.WithoutCancel(ctx)
	if requests > 0 {
		failed := searchErr != nil && ctx.Err() == nil
		if err := p.store.IncrementCoreAccountCounters(wctx, account.ID, requests, failed); err != nil {
			return res, fmt.Errorf("updating core account %s: %w", account.ID, err)
		}
		account.TotalRequests += requests
	}

	if searchErr != nil {
		if ctx.Err() != nil {
			return res, p.release(ctx, job)
		}
		return p.resolveFailure(wctx, job, searchErr, res)
	}
	return p.complete(wctx, job, Analyze(sentences, works), res)
}

// search runs every query in order, pausing between requests. It returns the
// de-duplicated candidate works and how many requests were sent.
func (p *Processor) search(ctx context.Context, apiKey string, queries []string) ([]Work, int, error) {
	seen := map[string]struct{}{}
	var works []Work
	for i, q := range queries {
		if i > 0 {
			if err := p.wait(ctx, p.cfg.RequestInterval); err != nil {
				return nil, i, err
			}
		}
		found, err := p.searcher.Search(ctx, apiKey, q, p.cfg.ResultsPerQuery)
		if err != nil {
			return nil, i + 1, err
		}
		works = append(works, uniqueWorks(seen, found)...)
	}
	return works, len(queries), nil
}

// release hands an interrupted job back to the waiting pool without spending
// a retry, then reports the interruption.
func (p *Processor) release(ctx context.Context, job *models.Job) error {
	cause := ctx.Err()
	err := p.store.RequeueJob(context.WithoutCancel(ctx), models.QueuePlagiarism, job.ID, job.RetryCount, "Interrupted: "+cause.Error())
	if err != nil && !errors.Is(err, store.ErrStaleJob) {
		return fmt.Errorf("releasing interrupted job %s: %w", job.ID, errors.Join(cause, err))
	}
	slog.Warn("plagiarism run interrupted, job released", "job_id", job.ID, "error", cause)
	return fmt.Errorf("dispatch interrupted at job %s: %w", job.ID, cause)
}

func (p *Processor) complete(ctx context.Context, job *models.Job, result Result, res queue.JobResult) (queue.JobResult, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return res, fmt.Errorf("encoding plagiarism result: %w", err)
	}
	now := p.now()

	if err := p.store.CompleteJob(ctx, models.QueuePlagiarism, job.ID, raw, now); err != nil {
		return staleOr(res, job, fmt.Errorf("completing job %s: %w", job.ID, err))
	}
	if err := p.store.CompletePlagiarismScan(ctx, job.ScanID, models.PlagiarismOutcome{
		Score:       result.OverallScore,
		Raw:         raw,
		CompletedAt: now,
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		return res, fmt.Errorf("completing scan %s: %w", job.ScanID, err)
	}

	p.cacheStatus(ctx, job.ScanID, models.ScanStatusCompleted)
	slog.Info("plagiarism job completed", "job_id", job.ID, "scan_id", job.ScanID,
		"score", result.OverallScore, "sources", len(result.Sources))

	score := result.OverallScore
	res.Status = queue.OutcomeCompleted
	res.PlagiarismScore = &score
	return res, nil
}

func (p *Processor) resolveFailure(ctx context.Context, job *models.Job, cause error, res queue.JobResult) (queue.JobResult, error) {
	maxRetries := p.cfg.MaxRetries
	attempt := job.RetryCount
	detail := cause.Error()

	if IsTransient(cause) && attempt < maxRetries {
		msg := fmt.Sprintf("Retry %d/%d: %s", attempt+1, maxRetries, detail)
		if err := p.store.RequeueJob(ctx, models.QueuePlagiarism, job.ID, attempt+1, msg); err != nil {
			return staleOr(res, job, fmt.Errorf("requeueing job %s: %w", job.ID, err))
		}
		slog.Warn("plagiarism job requeued", "job_id", job.ID, "retry", attempt+1, "max_retries", maxRetries, "error", detail)

		res.Status = queue.OutcomeRetrying
		res.Retry = attempt + 1
		res.MaxRetries = maxRetries
		res.Error = detail
		return res, nil
	}

	msg := detail
	if attempt > 0 {
		msg = fmt.Sprintf("Failed after %d retries: %s", attempt, detail)
	}
	now := p.now()
	if err := p.store.FailJob(ctx, models.QueuePlagiarism, job.ID, msg, now); err != nil {
		return staleOr(res, job, fmt.Errorf("failing job %s: %w", job.ID, err))
	}
	if err := p.store.FailScan(ctx, job.ScanID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		return res, fmt.Errorf("failing scan %s: %w", job.ScanID, err)
	}

	p.cacheStatus(ctx, job.ScanID, models.ScanStatusFailed)
	slog.Error("plagiarism job failed", "job_id", job.ID, "scan_id", job.ScanID, "error", msg)

	res.Status = queue.OutcomeFailed
	res.Error = detail
	return res, nil
}

func staleOr(res queue.JobResult, job *models.Job, err error) (queue.JobResult, error) {
	if errors.Is(err, store.ErrStaleJob) {
		slog.Warn("job no longer processing, skipping", "job_id", job.ID)
		res.Status = queue.OutcomeSkipped
		return res, nil
	}
	return res, err
}

func (p *Processor) cacheStatus(ctx context.Context, scanID uuid.UUID, status string) {
	if p.status == nil {
		return
	}
	if err := p.status.SetScanStatus(ctx, scanID, status, statusTTL); err != nil {
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
