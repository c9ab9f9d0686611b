package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Processing Accounts ---

const accountColumns = `id, label, bearer_token, is_active, max_concurrent, max_retries,
	total_requests, failed_requests, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Label, &a.BearerToken, &a.IsActive, &a.MaxConcurrent, &a.MaxRetries,
		&a.TotalRequests, &a.FailedRequests, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) queryAccounts(ctx context.Context, query string, args ...any) ([]*models.Account, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListActiveAccounts returns active accounts in a stable order (oldest first),
// which is the order the dispatcher fills them in.
func (s *PostgresStore) ListActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	accounts, err := s.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM zerogpt_accounts WHERE is_active ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	return accounts, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	accounts, err := s.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM zerogpt_accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *models.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO zerogpt_accounts (id, label, bearer_token, is_active, max_concurrent, max_retries, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Label, a.BearerToken, a.IsActive, a.MaxConcurrent, a.MaxRetries, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAccount(ctx context.Context, id uuid.UUID, patch AccountPatch) (*models.Account, error) {
	query := `UPDATE zerogpt_accounts SET updated_at = $2`
	args := []any{id, time.Now().UTC()}
	argIdx := 3

	if patch.Label != nil {
		query += fmt.Sprintf(", label = $%d", argIdx)
		args = append(args, *patch.Label)
		argIdx++
	}
	if patch.BearerToken != nil {
		query += fmt.Sprintf(", bearer_token = $%d", argIdx)
		args = append(args, *patch.BearerToken)
		argIdx++
	}
	if patch.IsActive != nil {
		query += fmt.Sprintf(", is_active = $%d", argIdx)
		args = append(args, *patch.IsActive)
		argIdx++
	}
	if patch.MaxConcurrent != nil {
		query += fmt.Sprintf(", max_concurrent = $%d", argIdx)
		args = append(args, *patch.MaxConcurrent)
		argIdx++
	}
	if patch.MaxRetries != nil {
		query += fmt.Sprintf(", max_retries = $%d", argIdx)
		args = append(args, *patch.MaxRetries)
	}

	query += " WHERE id = $1 RETURNING " + accountColumns

	a, err := scanAccount(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	return a, nil
}

// IncrementAccountCounters bumps total_requests, or failed_requests when failed is set.
func (s *PostgresStore) IncrementAccountCounters(ctx context.Context, id uuid.UUID, failed bool) error {
	column := "total_requests"
	if failed {
		column = "failed_requests"
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE zerogpt_accounts SET `+column+` = `+column+` + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment account counters: %w", err)
	}
	return nil
}

// --- CORE API Accounts ---

const coreAccountColumns = `id, label, api_key, is_active, total_requests, failed_requests, created_at, updated_at`

func scanCoreAccount(row pgx.Row) (*models.CoreAccount, error) {
	var a models.CoreAccount
	if err := row.Scan(&a.ID, &a.Label, &a.APIKey, &a.IsActive, &a.TotalRequests, &a.FailedRequests,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) queryCoreAccounts(ctx context.Context, query string, args ...any) ([]*models.CoreAccount, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.CoreAccount
	for rows.Next() {
		a, err := scanCoreAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan core account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListActiveCoreAccounts returns active CORE accounts, least used first.
func (s *PostgresStore) ListActiveCoreAccounts(ctx context.Context) ([]*models.CoreAccount, error) {
	accounts, err := s.queryCoreAccounts(ctx,
		`SELECT `+coreAccountColumns+` FROM core_api_accounts
		 WHERE is_active ORDER BY total_requests, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list active core accounts: %w", err)
	}
	return accounts, nil
}

func (s *PostgresStore) ListCoreAccounts(ctx context.Context) ([]*models.CoreAccount, error) {
	accounts, err := s.queryCoreAccounts(ctx,
		`SELECT `+coreAccountColumns+` FROM core_api_accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list core accounts: %w", err)
	}
	return accounts, nil
}

func (s *PostgresStore) CreateCoreAccount(ctx context.Context, a *models.CoreAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO core_api_accounts (id, label, api_key, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Label, a.APIKey, a.IsActive, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create core account: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCoreAccount(ctx context.Context, id uuid.UUID, patch CoreAccountPatch) (*models.CoreAccount, error) {
	a, err := scanCoreAccount(s.pool.QueryRow(ctx,
		`UPDATE core_api_accounts
		 SET label = COALESCE($2, label), api_key = COALESCE($3, api_key),
		     is_active = COALESCE($4, is_active), updated_at = NOW()
		 WHERE id = $1 RETURNING `+coreAccountColumns,
		id, patch.Label, patch.APIKey, patch.IsActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update core account: %w", err)
	}
	return a, nil
}

// IncrementCoreAccountCounters bumps total_requests by requests and
// failed_requests by one when failed is set.
func (s *PostgresStore) IncrementCoreAccountCounters(ctx context.Context, id uuid.UUID, requests int, failed bool) error {
	failures := 0
	if failed {
		failures = 1
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE core_api_accounts
		 SET total_requests = total_requests + $2, failed_requests = failed_requests + $3, updated_at = NOW()
		 WHERE id = $1`, id, requests, failures)
	if err != nil {
		return fmt.Errorf("increment core account counters: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
