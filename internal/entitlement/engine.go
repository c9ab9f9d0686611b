package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/internal/store"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

var (
	ErrQuotaExceeded       = errors.New("free tier quota exceeded")
	ErrCreditsExpired      = errors.New("credits expired")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

const defaultFreeLimit = 1

// Credit cost per scan type.
var costs = map[models.ScanType]int{
	models.ScanTypeAI:         1,
	models.ScanTypePlagiarism: 2,
}

// Cost returns the credit cost of a scan type and whether the type is known.
func Cost(t models.ScanType) (int, bool) {
	c, ok := costs[t]
	return c, ok
}

// Rejection is an admission refusal. Message is safe to show to the user;
// errors.Is matches it against its Kind.
type Rejection struct {
	Kind    error
	Message string
}

func (r *Rejection) Error() string { return r.Message }
func (r *Rejection) Unwrap() error { return r.Kind }

// Tier is the billing tier an admission was decided under.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Admission is a positive admission decision. Paid admissions carry the
// charge that must be applied together with the scan and job rows.
type Admission struct {
	Tier           Tier
	ScanType       models.ScanType
	Cost           int
	SubscriptionID uuid.UUID
	At             time.Time
}

// Charge returns the credit debit for a paid admission, or nil for the free tier.
func (a *Admission) Charge() *store.CreditCharge {
	if a.Tier != TierPaid {
		return nil
	}
	return &store.CreditCharge{SubscriptionID: a.SubscriptionID, Cost: a.Cost, At: a.At}
}

// Store is the persistence the engine reads.
type Store interface {
	GetActiveSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, *models.Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*models.Plan, error)
	CountScansSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
}

// Engine decides whether an upload may be admitted. It never writes; paid
// debits are applied by the store in the transaction that creates the scan.
type Engine struct {
	store Store
	loc   *time.Location
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. loc defines the calendar day for free-tier
// counting; nil means time.Local.
func NewEngine(st Store, loc *time.Location, opts ...Option) *Engine {
	if loc == nil {
		loc = time.Local
	}
	e := &Engine{store: st, loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Admit decides whether userID may start a scan of the given type now.
// Rejections are returned as *Rejection; any other error is infrastructure.
func (e *Engine) Admit(ctx context.Context, userID uuid.UUID, scanType models.ScanType) (*Admission, error) {
	cost, ok := Cost(scanType)
	if !ok {
		return nil, fmt.Errorf("unknown scan type %q", scanType)
	}
	now := e.now()

	sub, _, err := e.activeSubscription(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	if sub == nil {
		limit := e.freeLimit(ctx)
		used, err := e.store.CountScansSince(ctx, userID, e.startOfDay(now))
		if err != nil {
			return nil, fmt.Errorf("counting today's scans: %w", err)
		}
		if used >= limit {
			return nil, &Rejection{
				Kind:    ErrQuotaExceeded,
				Message: fmt.Sprintf("Daily free scan limit reached (%d/%d). Upgrade your plan or try again tomorrow.", used, limit),
			}
		}
		return &Admission{Tier: TierFree, ScanType: scanType, At: now}, nil
	}

	if sub.CreditsExpiresAt != nil && sub.CreditsExpiresAt.Before(now) {
		return nil, &Rejection{
			Kind:    ErrCreditsExpired,
			Message: fmt.Sprintf("Your credits expired on %s. Claim a new license key to continue.", sub.CreditsExpiresAt.In(e.loc).Format("2006-01-02")),
		}
	}

	if remaining := sub.Credits(); remaining < cost {
		return nil, InsufficientCredits(scanType, remaining)
	}

	return &Admission{Tier: TierPaid, ScanType: scanType, Cost: cost, SubscriptionID: sub.ID, At: now}, nil
}

// InsufficientCredits builds the rejection for a balance that cannot cover a scan.
func InsufficientCredits(scanType models.ScanType, remaining int) *Rejection {
	cost, _ := Cost(scanType)
	return &Rejection{
		Kind: ErrInsufficientCredits,
		Message: fmt.Sprintf("Insufficient credits: this %s scan needs %d more (you have %d; AI scans cost %d, plagiarism scans cost %d).",
			scanType, cost-remaining, remaining, costs[models.ScanTypeAI], costs[models.ScanTypePlagiarism]),
	}
}

// ChargeFailed is the rejection for a debit that lost a race with another
// upload after admission. Nothing was written.
func ChargeFailed(scanType models.ScanType) *Rejection {
	cost, _ := Cost(scanType)
	return &Rejection{
		Kind:    ErrInsufficientCredits,
		Message: fmt.Sprintf("Insufficient credits: this %s scan costs %d and your balance no longer covers it.", scanType, cost),
	}
}

// Usage describes a user's current entitlement for display.
type Usage struct {
	Tier             Tier                 `json:"tier"`
	Plan             *models.Plan         `json:"plan"`
	Subscription     *models.Subscription `json:"subscription,omitempty"`
	ScansToday       int                  `json:"scans_today"`
	DailyLimit       int                  `json:"daily_limit,omitempty"`
	CreditsRemaining int                  `json:"credits_remaining"`
	CreditsTotal     int                  `json:"credits_total,omitempty"`
	CreditsExpiresAt *time.Time           `json:"credits_expires_at,omitempty"`
}

// Usage reports the user's tier with today's scan count or remaining credits.
func (e *Engine) Usage(ctx context.Context, userID uuid.UUID) (*Usage, error) {
	now := e.now()

	used, err := e.store.CountScansSince(ctx, userID, e.startOfDay(now))
	if err != nil {
		return nil, fmt.Errorf("counting today's scans: %w", err)
	}

	sub, plan, err := e.activeSubscription(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	if sub == nil {
		u := &Usage{Tier: TierFree, ScansToday: used, DailyLimit: defaultFreeLimit}
		if free, err := e.store.GetPlanBySlug(ctx, models.FreePlanSlug); err == nil {
			u.Plan = free
			if free.Credits != nil {
				u.DailyLimit = *free.Credits
			}
		}
		u.CreditsRemaining = max(u.DailyLimit-used, 0)
		return u, nil
	}

	u := &Usage{
		Tier:             TierPaid,
		Plan:             plan,
		Subscription:     sub,
		ScansToday:       used,
		CreditsRemaining: sub.Credits(),
		CreditsExpiresAt: sub.CreditsExpiresAt,
	}
	if plan != nil && plan.Credits != nil {
		u.CreditsTotal = *plan.Credits
	}
	return u, nil
}

// activeSubscription returns the subscription granting paid access at now, or
// nil when the user is on the free tier. An expired period is treated as no
// subscription; the row is left untouched.
func (e *Engine) activeSubscription(ctx context.Context, userID uuid.UUID, now time.Time) (*models.Subscription, *models.Plan, error) {
	sub, plan, err := e.store.GetActiveSubscription(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading subscription: %w", err)
	}
	if !sub.UsableAt(now) {
		return nil, nil, nil
	}
	return sub, plan, nil
}

func (e *Engine) freeLimit(ctx context.Context) int {
	plan, err := e.store.GetPlanBySlug(ctx, models.FreePlanSlug)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("free plan unavailable, using default limit", "error", err)
		}
		return defaultFreeLimit
	}
	if plan.Credits == nil {
		return defaultFreeLimit
	}
	return *plan.Credits
}

func (e *Engine) startOfDay(now time.Time) time.Time {
	t := now.In(e.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, e.loc)
}
