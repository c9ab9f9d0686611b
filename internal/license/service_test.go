package license_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/internal/license"
	"github.com/kiranshivaraju/scopelens/internal/store"
	"github.com/kiranshivaraju/scopelens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	keys     map[string]*models.LicenseKey
	plan     *models.Plan
	claimErr error
	created  []*models.LicenseKey
	lookups  []string
}

func (m *mockStore) GetLicenseKeyByCode(_ context.Context, code string) (*models.LicenseKey, error) {
	m.lookups = append(m.lookups, code)
	k, ok := m.keys[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return k, nil
}

func (m *mockStore) ClaimLicenseKey(_ context.Context, keyID, userID uuid.UUID, now time.Time) (*models.Subscription, error) {
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	for _, k := range m.keys {
		if k.ID == keyID {
			k.Status = models.LicenseKeyClaimed
			return &models.Subscription{
				UserID:           userID,
				PlanID:           k.PlanID,
				Status:           models.SubscriptionStatusActive,
				CurrentPeriodEnd: now.AddDate(0, 0, k.DurationDays),
			}, nil
		}
	}
	return nil, store.ErrConditionFailed
}

func (m *mockStore) CreateLicenseKeys(_ context.Context, keys []*models.LicenseKey) error {
	m.created = append(m.created, keys...)
	return nil
}

func (m *mockStore) GetPlan(_ context.Context, id uuid.UUID) (*models.Plan, error) {
	if m.plan == nil || m.plan.ID != id {
		return nil, store.ErrNotFound
	}
	return m.plan, nil
}

func newStoreWithKey(status string) (*mockStore, *models.LicenseKey) {
	plan := &models.Plan{ID: uuid.New(), Name: "Pro"}
	key := &models.LicenseKey{ID: uuid.New(), KeyCode: "SL-ABCDE-FGHJK-LMNPQ-RSTUV", PlanID: plan.ID, DurationDays: 30, Status: status}
	return &mockStore{keys: map[string]*models.LicenseKey{key.KeyCode: key}, plan: plan}, key
}

func TestClaim_NormalizesCode(t *testing.T) {
	st, _ := newStoreWithKey(models.LicenseKeyAvailable)
	svc := license.NewService(st)

	claimed, err := svc.Claim(context.Background(), uuid.New(), "  sl-abcde-fghjk-lmnpq-rstuv \n")
	require.NoError(t, err)

	assert.Equal(t, []string{"SL-ABCDE-FGHJK-LMNPQ-RSTUV"}, st.lookups)
	assert.Equal(t, "Pro", claimed.PlanName)
	assert.Contains(t, claimed.Message, `"Pro" activated`)
	assert.Equal(t, models.SubscriptionStatusActive, claimed.Subscription.Status)
}

func TestClaim_Empty(t *testing.T) {
	_, err := license.NewService(&mockStore{}).Claim(context.Background(), uuid.New(), "   ")
	assert.ErrorIs(t, err, license.ErrKeyRequired)
}

func TestClaim_UnknownKey(t *testing.T) {
	st, _ := newStoreWithKey(models.LicenseKeyAvailable)

	_, err := license.NewService(st).Claim(context.Background(), uuid.New(), "SL-NOPE")
	assert.ErrorIs(t, err, license.ErrInvalidKey)
}

func TestClaim_Unavailable(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{models.LicenseKeyClaimed, "This key has already been claimed"},
		{models.LicenseKeyExpired, "This key has expired"},
		{models.LicenseKeyRevoked, "This key has been revoked"},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			st, key := newStoreWithKey(tt.status)

			_, err := license.NewService(st).Claim(context.Background(), uuid.New(), key.KeyCode)
			require.ErrorIs(t, err, license.ErrKeyUnavailable)
			assert.Equal(t, tt.want, err.Error())

			var ue *license.UnavailableError
			require.True(t, errors.As(err, &ue))
			assert.Equal(t, tt.status, ue.Status)
		})
	}
}

func TestClaim_LostRace(t *testing.T) {
	st, key := newStoreWithKey(models.LicenseKeyAvailable)
	st.claimErr = store.ErrConditionFailed

	_, err := license.NewService(st).Claim(context.Background(), uuid.New(), key.KeyCode)
	assert.ErrorIs(t, err, license.ErrClaimConflict)
}

func TestGenerate_Batch(t *testing.T) {
	st, _ := newStoreWithKey(models.LicenseKeyAvailable)

	batch, err := license.NewService(st).Generate(context.Background(), license.BatchRequest{PlanID: st.plan.ID, Count: 25, DurationDays: 90})
	require.NoError(t, err)

	assert.Equal(t, "Pro", batch.PlanName)
	require.Len(t, batch.Keys, 25)
	assert.Len(t, st.created, 25)

	seen := map[string]bool{}
	for _, k := range batch.Keys {
		assert.False(t, seen[k.KeyCode], "duplicate code %s", k.KeyCode)
		seen[k.KeyCode] = true
		assert.Equal(t, models.LicenseKeyAvailable, k.Status)
		assert.Equal(t, 90, k.DurationDays)
		assert.Equal(t, st.plan.ID, k.PlanID)
	}
}

func TestGenerate_Defaults(t *testing.T) {
	st, _ := newStoreWithKey(models.LicenseKeyAvailable)

	batch, err := license.NewService(st).Generate(context.Background(), license.BatchRequest{PlanID: st.plan.ID})
	require.NoError(t, err)
	require.Len(t, batch.Keys, 1)
	assert.Equal(t, license.DefaultDurationDays, batch.Keys[0].DurationDays)
}

func TestGenerate_Invalid(t *testing.T) {
	st, _ := newStoreWithKey(models.LicenseKeyAvailable)
	svc := license.NewService(st)

	_, err := svc.Generate(context.Background(), license.BatchRequest{PlanID: st.plan.ID, Count: 101})
	assert.ErrorIs(t, err, license.ErrInvalidBatch)

	_, err = svc.Generate(context.Background(), license.BatchRequest{PlanID: uuid.New(), Count: 1})
	assert.ErrorIs(t, err, license.ErrPlanNotFound)
	assert.Empty(t, st.created)
}

func TestGenerateCode_Format(t *testing.T) {
	re := regexp.MustCompile(`^SL(-[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{5}){4}$`)
	for i := 0; i < 50; i++ {
		code, err := license.GenerateCode()
		require.NoError(t, err)
		assert.Regexp(t, re, code)
	}
}
