package license

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/internal/store"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

var (
	ErrKeyRequired    = errors.New("license key is required")
	ErrInvalidKey     = errors.New("invalid license key")
	ErrKeyUnavailable = errors.New("license key is not available")
	ErrClaimConflict  = errors.New("failed to claim key, it may have been claimed by someone else")
	ErrInvalidBatch   = errors.New("invalid license key batch")
	ErrPlanNotFound   = errors.New("plan not found")
)

const (
	keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	keySegments = 4
	keySegLen   = 5

	MaxBatch            = 100
	DefaultDurationDays = 30
)

var unavailableMessages = map[string]string{
	models.LicenseKeyClaimed: "This key has already been claimed",
	models.LicenseKeyExpired: "This key has expired",
	models.LicenseKeyRevoked: "This key has been revoked",
}

// UnavailableError reports why a key cannot be claimed.
type UnavailableError struct {
	Status string
}

func (e *UnavailableError) Error() string {
	if msg, ok := unavailableMessages[e.Status]; ok {
		return msg
	}
	return "Key is not available"
}

func (e *UnavailableError) Unwrap() error { return ErrKeyUnavailable }

// Store is the persistence the service needs.
type Store interface {
	GetLicenseKeyByCode(ctx context.Context, code string) (*models.LicenseKey, error)
	ClaimLicenseKey(ctx context.Context, keyID, userID uuid.UUID, now time.Time) (*models.Subscription, error)
	CreateLicenseKeys(ctx context.Context, keys []*models.LicenseKey) error
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
}

// Service claims and generates license keys.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(st Store) *Service {
	return &Service{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Claimed is the result of a successful claim.
type Claimed struct {
	Message      string               `json:"message"`
	PlanName     string               `json:"plan_name"`
	ExpiresAt    time.Time            `json:"expires_at"`
	Subscription *models.Subscription `json:"subscription"`
}

// NormalizeCode trims and upper-cases a user-entered key.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Claim activates the plan behind code for userID.
func (s *Service) Claim(ctx context.Context, userID uuid.UUID, code string) (*Claimed, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrKeyRequired
	}

	key, err := s.store.GetLicenseKeyByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up license key: %w", err)
	}
	if key.Status != models.LicenseKeyAvailable {
		return nil, &UnavailableError{Status: key.Status}
	}

	sub, err := s.store.ClaimLicenseKey(ctx, key.ID, userID, s.now())
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, ErrClaimConflict
	}
	if err != nil {
		return nil, fmt.Errorf("claiming license key: %w", err)
	}

	name := "Premium"
	if plan, err := s.store.GetPlan(ctx, sub.PlanID); err == nil && plan.Name != "" {
		name = plan.Name
	}

	slog.Info("license key claimed", "key_id", key.ID, "user_id", userID, "plan_id", sub.PlanID)

	return &Claimed{
		Message:      fmt.Sprintf("Plan %q activated successfully!", name),
		PlanName:     name,
		ExpiresAt:    sub.CurrentPeriodEnd,
		Subscription: sub,
	}, nil
}

// BatchRequest asks for Count new keys for a plan.
type BatchRequest struct {
	PlanID       uuid.UUID `json:"plan_id"       validate:"required"`
	DurationDays int       `json:"duration_days" validate:"omitempty,gte=1,lte=3650"`
	Count        int       `json:"count"         validate:"omitempty,gte=1,lte=100"`
}

// Batch is a set of freshly generated keys.
type Batch struct {
	PlanName string               `json:"plan_name"`
	Keys     []*models.LicenseKey `json:"keys"`
}

// Generate creates a batch of available keys for a plan.
func (s *Service) Generate(ctx context.Context, req BatchRequest) (*Batch, error) {
	if req.Count == 0 {
		req.Count = 1
	}
	if req.DurationDays == 0 {
		req.DurationDays = DefaultDurationDays
	}
	if req.Count < 1 || req.Count > MaxBatch {
		return nil, fmt.Errorf("%w: count must be 1-%d", ErrInvalidBatch, MaxBatch)
	}
	if req.DurationDays < 1 {
		return nil, fmt.Errorf("%w: duration_days must be positive", ErrInvalidBatch)
	}

	plan, err := s.store.GetPlan(ctx, req.PlanID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading plan: %w", err)
	}

	now := s.now()
	keys := make([]*models.LicenseKey, 0, req.Count)
	seen := make(map[string]struct{}, req.Count)
	for len(keys) < req.Count {
		code, err := GenerateCode()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		keys = append(keys, &models.LicenseKey{
			ID:           uuid.New(),
			KeyCode:      code,
			PlanID:       plan.ID,
			DurationDays: req.DurationDays,
			Status:       models.LicenseKeyAvailable,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	if err := s.store.CreateLicenseKeys(ctx, keys); err != nil {
		return nil, fmt.Errorf("storing license keys: %w", err)
	}

	slog.Info("license keys generated", "plan_id", plan.ID, "count", len(keys), "duration_days", req.DurationDays)
	return &Batch{PlanName: plan.Name, Keys: keys}, nil
}

// GenerateCode returns a random key of the form SL-XXXXX-XXXXX-XXXXX-XXXXX.
// The alphabet omits 0, O, 1 and I.
func GenerateCode() (string, error) {
	var b strings.Builder
	b.WriteString("SL")
	limit := big.NewInt(int64(len(keyAlphabet)))
	for i := 0; i < keySegments; i++ {
		b.WriteByte('-')
		for j := 0; j < keySegLen; j++ {
			n, err := rand.Int(rand.Reader, limit)
			if err != nil {
				return "", fmt.Errorf("generating license key: %w", err)
			}
			b.WriteByte(keyAlphabet[n.Int64()])
		}
	}
	return b.String(), nil
}
