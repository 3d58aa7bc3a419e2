package entitlements

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abofuchs/abofuchs/app/models"
)

type memorySettingsStore struct {
	settings map[uint]*models.UserSettings
	saves    int
}

func newMemoryStore() *memorySettingsStore {
	return &memorySettingsStore{settings: make(map[uint]*models.UserSettings)}
}

func (s *memorySettingsStore) GetOrCreateUserSettings(userID uint) (*models.UserSettings, error) {
	if us, ok := s.settings[userID]; ok {
		cp := *us
		return &cp, nil
	}
	us := &models.UserSettings{UserID: userID, Plan: "free"}
	s.settings[userID] = us
	cp := *us
	return &cp, nil
}

func (s *memorySettingsStore) SaveUserSettings(us *models.UserSettings) error {
	s.saves++
	cp := *us
	s.settings[us.UserID] = &cp
	return nil
}

func days(d int) *int { return &d }

func subscriptionProduct(tier string) *models.Product {
	return &models.Product{
		ID:             1,
		Name:           "Premium Monthly",
		ProductType:    models.ProductTypeSubscription,
		PriceCents:     999,
		RecurrenceDays: days(30),
		Tier:           tier,
		IsActive:       true,
	}
}

func TestUpdaterApply_SetsPlanAndExpiry(t *testing.T) {
	store := newMemoryStore()
	u := NewUpdater(store)
	completedAt := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, u.Apply(context.Background(), 7, subscriptionProduct("premium"), completedAt))

	us := store.settings[7]
	assert.Equal(t, "premium", us.Plan)
	require.NotNil(t, us.PlanExpiresAt)
	assert.Equal(t, completedAt.AddDate(0, 0, 30), *us.PlanExpiresAt)
}

func TestUpdaterApply_Idempotent(t *testing.T) {
	store := newMemoryStore()
	u := NewUpdater(store)
	completedAt := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, u.Apply(context.Background(), 7, subscriptionProduct("premium"), completedAt))
	require.NoError(t, u.Apply(context.Background(), 7, subscriptionProduct("premium"), completedAt))

	assert.Equal(t, 1, store.saves, "reapplying the same payment must not rewrite settings")
}

func TestUpdaterApply_OneTimeProductIsNoop(t *testing.T) {
	store := newMemoryStore()
	u := NewUpdater(store)

	p := &models.Product{ID: 2, Name: "Credits", ProductType: models.ProductTypeOneTime, PriceCents: 500, IsActive: true}
	require.NoError(t, u.Apply(context.Background(), 7, p, time.Now()))

	assert.Equal(t, 0, store.saves)
	assert.Empty(t, store.settings, "no settings row is created for one-time purchases")
}

func TestUpdaterApply_RequiresUserAndProduct(t *testing.T) {
	u := NewUpdater(newMemoryStore())
	assert.Error(t, u.Apply(context.Background(), 0, subscriptionProduct("premium"), time.Now()))
	assert.Error(t, u.Apply(context.Background(), 7, nil, time.Now()))
}

func TestNormalizeTier(t *testing.T) {
	assert.Equal(t, TierPremium, NormalizeTier("premium"))
	assert.Equal(t, TierPremium, NormalizeTier("  Premium "))
	assert.Equal(t, TierPremiumMax, NormalizeTier("premium_max"))
	assert.Equal(t, TierFree, NormalizeTier("free"))
	assert.Equal(t, TierFree, NormalizeTier("unknown"))
	assert.Equal(t, TierFree, NormalizeTier(""))
}

func TestTierRank(t *testing.T) {
	assert.Greater(t, TierRank(TierPremiumMax), TierRank(TierPremium))
	assert.Greater(t, TierRank(TierPremium), TierRank(TierFree))
}

func TestEntitlementActiveAt(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	until := now.AddDate(0, 0, 10)

	active := &Entitlement{Tier: TierPremium, ActiveUntil: &until}
	assert.True(t, active.ActiveAt(now))
	assert.False(t, active.ActiveAt(until.Add(time.Second)))

	var nilEnt *Entitlement
	assert.False(t, nilEnt.ActiveAt(now))
	assert.False(t, (&Entitlement{Tier: TierFree}).ActiveAt(now))
	assert.False(t, (&Entitlement{Tier: TierPremium}).ActiveAt(now), "missing expiry means not active")
}
