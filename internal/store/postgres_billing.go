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

const subscriptionColumns = `s.id, s.user_id, s.plan_id, s.status, s.current_period_start, s.current_period_end,
	s.scans_used, s.credits_remaining, s.credits_expires_at, s.created_at, s.updated_at`

const planColumns = `p.id, p.name, p.slug, p.credits, p.scans_per_day, p.credit_expiration_days`

func scanPlan(row pgx.Row) (*models.Plan, error) {
	var p models.Plan
	if err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.Credits, &p.ScansPerDay, &p.CreditExpirationDays); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Subscriptions ---

// GetActiveSubscription returns the user's active-status subscription joined with
// its plan. Period expiry is not checked here; callers compare against their clock.
func (s *PostgresStore) GetActiveSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, *models.Plan, error) {
	var sub models.Subscription
	var plan models.Plan
	err := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`, `+planColumns+`
		 FROM subscriptions s JOIN plans p ON p.id = s.plan_id
		 WHERE s.user_id = $1 AND s.status = 'active'
		 ORDER BY s.current_period_end DESC LIMIT 1`, userID,
	).Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.ScansUsed, &sub.CreditsRemaining, &sub.CreditsExpiresAt, &sub.CreatedAt, &sub.UpdatedAt,
		&plan.ID, &plan.Name, &plan.Slug, &plan.Credits, &plan.ScansPerDay, &plan.CreditExpirationDays)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get active subscription: %w", err)
	}
	return &sub, &plan, nil
}

// --- Plans ---

func (s *PostgresStore) GetPlanBySlug(ctx context.Context, slug string) (*models.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans p WHERE p.slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan by slug: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans p WHERE p.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

// --- License Keys ---

const licenseKeyColumns = `id, key_code, plan_id, duration_days, status, claimed_by, claimed_at,
	expires_at, created_at, updated_at`

func (s *PostgresStore) GetLicenseKeyByCode(ctx context.Context, code string) (*models.LicenseKey, error) {
	var k models.LicenseKey
	err := s.pool.QueryRow(ctx,
		`SELECT `+licenseKeyColumns+` FROM license_keys WHERE key_code = $1`, code,
	).Scan(&k.ID, &k.KeyCode, &k.PlanID, &k.DurationDays, &k.Status, &k.ClaimedBy, &k.ClaimedAt,
		&k.ExpiresAt, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license key: %w", err)
	}
	return &k, nil
}

// ClaimLicenseKey marks an available key as claimed by userID and activates the
// key's plan on the user's subscription, creating it if needed. Unexpired credits
// from an existing subscription carry over, and a carried balance that never
// expires (NULL credits_expires_at) keeps the pool non-expiring.
// ErrConditionFailed means the key was no longer available.
func (s *PostgresStore) ClaimLicenseKey(ctx context.Context, keyID, userID uuid.UUID, now time.Time) (*models.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim license key: %w", err)
	}
	defer tx.Rollback(ctx)

	var planID uuid.UUID
	var expiresAt time.Time
	err = tx.QueryRow(ctx,
		`UPDATE license_keys
		 SET status = 'claimed', claimed_by = $2, claimed_at = $3,
		     expires_at = $3 + make_interval(days => duration_days), updated_at = $3
		 WHERE id = $1 AND status = 'available'
		 RETURNING plan_id, expires_at`, keyID, userID, now,
	).Scan(&planID, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConditionFailed
	}
	if err != nil {
		return nil, fmt.Errorf("claim license key: %w", err)
	}

	plan, err := scanPlan(tx.QueryRow(ctx, `SELECT `+planColumns+` FROM plans p WHERE p.id = $1`, planID))
	if err != nil {
		return nil, fmt.Errorf("load claimed plan: %w", err)
	}

	credits := 0
	if plan.Credits != nil {
		credits = *plan.Credits
	}
	creditsExpireAt := expiresAt
	if plan.CreditExpirationDays != nil {
		creditsExpireAt = now.AddDate(0, 0, *plan.CreditExpirationDays)
	}

	var sub models.Subscription
	err = tx.QueryRow(ctx,
		`INSERT INTO subscriptions AS s (id, user_id, plan_id, status, current_period_start, current_period_end,
		   scans_used, credits_remaining, credits_expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, 'active', $4, $5, 0, $6, $7, $4, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
		   plan_id = EXCLUDED.plan_id,
		   status = 'active',
		   scans_used = 0,
		   current_period_start = EXCLUDED.current_period_start,
		   current_period_end = EXCLUDED.current_period_end,
		   credits_remaining = EXCLUDED.credits_remaining +
		     CASE WHEN s.credits_expires_at IS NULL OR s.credits_expires_at >= $4
		          THEN COALESCE(s.credits_remaining, 0) ELSE 0 END,
		   credits_expires_at = CASE
		     WHEN EXCLUDED.credits_expires_at IS NULL THEN NULL
		     WHEN s.credits_expires_at IS NULL AND COALESCE(s.credits_remaining, 0) > 0 THEN NULL
		     ELSE GREATEST(EXCLUDED.credits_expires_at, s.credits_expires_at) END,
		   updated_at = EXCLUDED.updated_at
		 RETURNING `+subscriptionColumns,
		uuid.New(), userID, planID, now, expiresAt, credits, creditsExpireAt,
	).Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.ScansUsed, &sub.CreditsRemaining, &sub.CreditsExpiresAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("activate subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim license key: %w", err)
	}
	return &sub, nil
}

// CreateLicenseKeys inserts a batch of keys in one transaction.
func (s *PostgresStore) CreateLicenseKeys(ctx context.Context, keys []*models.LicenseKey) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create license keys: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(
			`INSERT INTO license_keys (id, key_code, plan_id, duration_days, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			k.ID, k.KeyCode, k.PlanID, k.DurationDays, k.Status, k.CreatedAt, k.UpdatedAt)
	}

	br := tx.SendBatch(ctx, batch)
	for range keys {
		if _, err := br.Exec(); err != nil {
			br.Close()
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("insert license key: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close license key batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create license keys: %w", err)
	}
	return nil
}
