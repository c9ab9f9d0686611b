package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

// queueTables whitelists the job tables; queue names are interpolated into SQL.
var queueTables = map[models.Queue]string{
	models.QueueDetection:  "scan_queue",
	models.QueuePlagiarism: "plagiarism_queue",
}

func queueTable(q models.Queue) (string, error) {
	table, ok := queueTables[q]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	return table, nil
}

const jobColumns = `id, scan_id, input_text, status, account_id, retry_count, error, result,
	created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var r models.JobRow
	if err := row.Scan(&r.ID, &r.ScanID, &r.InputText, &r.Status, &r.AccountID, &r.RetryCount,
		&r.Error, &r.Result, &r.CreatedAt, &r.StartedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	return models.JobFromRow(r)
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Dispatch ---

// CountProcessingByAccount returns the number of processing jobs per account.
func (s *PostgresStore) CountProcessingByAccount(ctx context.Context, q models.Queue) (map[uuid.UUID]int, error) {
	table, err := queueTable(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT account_id, COUNT(*) FROM `+table+`
		 WHERE status = 'processing' AND account_id IS NOT NULL GROUP BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("count processing jobs: %w", err)
	}
	defer rows.Close()

	load := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan processing count: %w", err)
		}
		load[id] = n
	}
	return load, rows.Err()
}

// ListWaitingJobs returns up to limit waiting jobs, oldest first.
func (s *PostgresStore) ListWaitingJobs(ctx context.Context, q models.Queue, limit int) ([]*models.Job, error) {
	table, err := queueTable(q)
	if err != nil {
		return nil, err
	}

	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM `+table+`
		 WHERE status = 'waiting' ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list waiting jobs: %w", err)
	}
	return jobs, nil
}

// ClaimJob moves a job from waiting to processing for accountID. It returns
// ErrClaimConflict when the job is no longer waiting.
func (s *PostgresStore) ClaimJob(ctx context.Context, q models.Queue, jobID, accountID uuid.UUID, startedAt time.Time) error {
	table, err := queueTable(q)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET status = 'processing', account_id = $2, started_at = $3
		 WHERE id = $1 AND status = 'waiting'`, jobID, accountID, startedAt)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimConflict
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, q models.Queue, jobID uuid.UUID, result []byte, at time.Time) error {
	table, err := queueTable(q)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET status = 'completed', result = $2, completed_at = $3
		 WHERE id = $1 AND status = 'processing'`, jobID, result, at)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleJob
	}
	return nil
}

// RequeueJob returns a processing job to the waiting pool, releasing its account.
func (s *PostgresStore) RequeueJob(ctx context.Context, q models.Queue, jobID uuid.UUID, retryCount int, message string) error {
	table, err := queueTable(q)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET status = 'waiting', account_id = NULL, started_at = NULL,
		   retry_count = $2, error = $3
		 WHERE id = $1 AND status = 'processing'`, jobID, retryCount, message)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleJob
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, q models.Queue, jobID uuid.UUID, message string, at time.Time) error {
	table, err := queueTable(q)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET status = 'failed', error = $2, completed_at = $3
		 WHERE id = $1 AND status = 'processing'`, jobID, message, at)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleJob
	}
	return nil
}

// ReleaseStaleJobs returns jobs stuck in processing since before startedBefore
// to the waiting pool. Their retry count is left unchanged.
func (s *PostgresStore) ReleaseStaleJobs(ctx context.Context, q models.Queue, startedBefore time.Time) (int64, error) {
	table, err := queueTable(q)
	if err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET status = 'waiting', account_id = NULL, started_at = NULL
		 WHERE status = 'processing' AND started_at < $1`, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountWaitingJobs returns how many jobs are waiting in q.
func (s *PostgresStore) CountWaitingJobs(ctx context.Context, q models.Queue) (int, error) {
	table, err := queueTable(q)
	if err != nil {
		return 0, err
	}

	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE status = 'waiting'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count waiting jobs: %w", err)
	}
	return n, nil
}

// --- Queue Administration ---

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	table, err := queueTable(filter.Queue)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT ` + jobColumns + ` FROM ` + table
	args := []any{limit}
	if filter.Status != "" {
		query += ` WHERE status = $2`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	jobs, err := s.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) QueueStats(ctx context.Context, q models.Queue) (*models.QueueStats, error) {
	table, err := queueTable(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := &models.QueueStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch models.JobStatus(status) {
		case models.JobStatusWaiting:
			stats.Waiting = n
		case models.JobStatusProcessing:
			stats.Processing = n
		case models.JobStatusCompleted:
			stats.Completed = n
		case models.JobStatusFailed:
			stats.Failed = n
		}
		stats.Total += n
	}
	return stats, rows.Err()
}

// RequeueFailedJobs moves every failed job back to waiting with a fresh retry
// budget and reopens the scans they belong to.
func (s *PostgresStore) RequeueFailedJobs(ctx context.Context, q models.Queue) (int64, error) {
	table, err := queueTable(q)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin requeue failed: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`UPDATE `+table+` SET status = 'waiting', error = NULL, account_id = NULL,
		   started_at = NULL, completed_at = NULL, retry_count = 0
		 WHERE status = 'failed' RETURNING scan_id`)
	if err != nil {
		return 0, fmt.Errorf("requeue failed jobs: %w", err)
	}
	scanIDs, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return 0, fmt.Errorf("collect requeued scans: %w", err)
	}

	if len(scanIDs) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE scans SET status = 'processing', completed_at = NULL WHERE id = ANY($1)`, scanIDs); err != nil {
			return 0, fmt.Errorf("reopen scans: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit requeue failed: %w", err)
	}
	return int64(len(scanIDs)), nil
}

func (s *PostgresStore) DeleteCompletedJobs(ctx context.Context, q models.Queue) (int64, error) {
	table, err := queueTable(q)
	if err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE status = 'completed'`)
	if err != nil {
		return 0, fmt.Errorf("delete completed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
