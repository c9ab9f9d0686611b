package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

const scanColumns = `id, user_id, file_name, file_size, file_type, scan_type, status,
	ai_score, word_count, result, plagiarism_score, plagiarism_result, created_at, completed_at`

func scanScan(row pgx.Row) (*models.Scan, error) {
	var sc models.Scan
	var result, plagiarism []byte
	if err := row.Scan(&sc.ID, &sc.UserID, &sc.FileName, &sc.FileSize, &sc.FileType, &sc.ScanType,
		&sc.Status, &sc.AIScore, &sc.WordCount, &result, &sc.PlagiarismScore, &plagiarism,
		&sc.CreatedAt, &sc.CompletedAt); err != nil {
		return nil, err
	}
	sc.Result = result
	sc.PlagiarismResult = plagiarism
	return &sc, nil
}

// ScanOwners maps each scan id to its owning user. Unknown ids are absent.
func (s *PostgresStore) ScanOwners(ctx context.Context, scanIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	owners := make(map[uuid.UUID]uuid.UUID, len(scanIDs))
	if len(scanIDs) == 0 {
		return owners, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT id, user_id FROM scans WHERE id = ANY($1)`, scanIDs)
	if err != nil {
		return nil, fmt.Errorf("scan owners: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, userID uuid.UUID
		if err := rows.Scan(&id, &userID); err != nil {
			return nil, fmt.Errorf("scan scan owner: %w", err)
		}
		owners[id] = userID
	}
	return owners, rows.Err()
}

// CreateScanWithJob writes the scan, its waiting job and the optional credit
// debit in one transaction. When the debit's guard fails (balance too low or
// credits expired) nothing is written and ErrConditionFailed is returned.
func (s *PostgresStore) CreateScanWithJob(ctx context.Context, in NewScan) (uuid.UUID, error) {
	table, err := queueTable(in.Scan.ScanType.Queue())
	if err != nil {
		return uuid.Nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin create scan: %w", err)
	}
	defer tx.Rollback(ctx)

	sc := in.Scan
	_, err = tx.Exec(ctx,
		`INSERT INTO scans (id, user_id, file_name, file_size, file_type, scan_type, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sc.ID, sc.UserID, sc.FileName, sc.FileSize, sc.FileType, string(sc.ScanType), sc.Status, sc.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return uuid.Nil, ErrDuplicateKey
		}
		return uuid.Nil, fmt.Errorf("insert scan: %w", err)
	}

	jobID := uuid.New()
	_, err = tx.Exec(ctx,
		`INSERT INTO `+table+` (id, scan_id, input_text, status, created_at)
		 VALUES ($1, $2, $3, 'waiting', $4)`,
		jobID, sc.ID, in.InputText, sc.CreatedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert job: %w", err)
	}

	if c := in.Charge; c != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE subscriptions
			 SET credits_remaining = credits_remaining - $2, updated_at = $3
			 WHERE id = $1
			   AND credits_remaining >= $2
			   AND (credits_expires_at IS NULL OR credits_expires_at >= $3)`,
			c.SubscriptionID, c.Cost, c.At)
		if err != nil {
			return uuid.Nil, fmt.Errorf("debit credits: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return uuid.Nil, ErrConditionFailed
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit create scan: %w", err)
	}
	return jobID, nil
}

// CompleteScan records a successful detection result on the scan.
func (s *PostgresStore) CompleteScan(ctx context.Context, id uuid.UUID, result models.ScanResult) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET status = 'completed', ai_score = $2, word_count = $3, result = $4, completed_at = $5
		 WHERE id = $1`, id, result.AIScore, result.WordCount, []byte(result.Raw), result.CompletedAt)
	if err != nil {
		return fmt.Errorf("complete scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompletePlagiarismScan records a finished similarity check on the scan.
func (s *PostgresStore) CompletePlagiarismScan(ctx context.Context, id uuid.UUID, out models.PlagiarismOutcome) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET status = 'completed', plagiarism_score = $2, plagiarism_result = $3, completed_at = $4
		 WHERE id = $1`, id, out.Score, []byte(out.Raw), out.CompletedAt)
	if err != nil {
		return fmt.Errorf("complete plagiarism scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FailScan(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET status = 'failed', completed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("fail scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetScan(ctx context.Context, id, userID uuid.UUID) (*models.Scan, error) {
	sc, err := scanScan(s.pool.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return sc, nil
}

func (s *PostgresStore) ListScans(ctx context.Context, filter ScanFilter) ([]*models.Scan, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM scans WHERE user_id = $1`, filter.UserID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count scans: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, filter.UserID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var scans []*models.Scan
	for rows.Next() {
		sc, err := scanScan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan scan: %w", err)
		}
		scans = append(scans, sc)
	}
	return scans, total, rows.Err()
}

// CountScansSince counts the user's scans created at or after since.
func (s *PostgresStore) CountScansSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM scans WHERE user_id = $1 AND created_at >= $2`, userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count scans since: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GetScanStats(ctx context.Context, userID uuid.UUID) (*models.ScanStats, error) {
	var st models.ScanStats
	var avg *float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(word_count), 0),
		        COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'completed'),
		        (AVG(ai_score) FILTER (WHERE status = 'completed' AND ai_score IS NOT NULL))::float8
		 FROM scans WHERE user_id = $1`, userID,
	).Scan(&st.TotalWordsAnalyzed, &st.TotalScans, &st.CompletedScans, &avg)
	if err != nil {
		return nil, fmt.Errorf("get scan stats: %w", err)
	}
	if avg != nil {
		st.AvgAIScore = int(*avg + 0.5)
	}
	return &st, nil
}
