package entitlements

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/abofuchs/abofuchs/app/models"
	"gorm.io/gorm"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierPremiumMax Tier = "premium_max"
)

// Entitlement is a subscriber's currently active tier and its expiry,
// derived from the payment ledger.
type Entitlement struct {
	Tier        Tier       `json:"tier"`
	ActiveUntil *time.Time `json:"active_until,omitempty"`
}

// ActiveAt reports whether the entitlement is still in effect at the given time.
func (e *Entitlement) ActiveAt(now time.Time) bool {
	if e == nil || e.Tier == TierFree {
		return false
	}
	return e.ActiveUntil != nil && now.Before(*e.ActiveUntil)
}

func NormalizeTier(tier string) Tier {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case string(TierPremium):
		return TierPremium
	case string(TierPremiumMax):
		return TierPremiumMax
	default:
		return TierFree
	}
}

func TierRank(tier Tier) int {
	switch tier {
	case TierPremiumMax:
		return 2
	case TierPremium:
		return 1
	default:
		return 0
	}
}

// SettingsStore provides the persistence the updater needs.
type SettingsStore interface {
	GetOrCreateUserSettings(userID uint) (*models.UserSettings, error)
	SaveUserSettings(us *models.UserSettings) error
}

// Updater applies the business effect of a completed payment: it projects
// tier and expiry onto the subscriber's settings row. The payment ledger
// stays the source of truth; this projection exists so entitlement checks
// don't need a ledger scan.
type Updater struct {
	store SettingsStore
}

// NewUpdater creates an updater from an injected store.
func NewUpdater(store SettingsStore) *Updater {
	return &Updater{store: store}
}

// NewUpdaterFromDB creates an updater backed by GORM.
func NewUpdaterFromDB(db *gorm.DB) *Updater {
	return NewUpdater(&gormSettingsStore{db: db})
}

// Apply records the entitlement effect of a payment completed at completedAt.
// Safe to invoke twice with the same completed payment: recomputing the same
// inputs yields the same stored state.
func (u *Updater) Apply(ctx context.Context, userID uint, product *models.Product, completedAt time.Time) error {
	if userID == 0 || product == nil {
		return errors.New("user_id and product are required")
	}
	if !product.IsRecurring() {
		// One-time products don't carry a subscription entitlement.
		return nil
	}

	tier := NormalizeTier(product.Tier)
	expiresAt := completedAt.AddDate(0, 0, *product.RecurrenceDays)

	us, err := u.store.GetOrCreateUserSettings(userID)
	if err != nil {
		return err
	}
	if NormalizeTier(us.Plan) == tier && us.PlanExpiresAt != nil && us.PlanExpiresAt.Equal(expiresAt) {
		return nil
	}
	us.Plan = string(tier)
	us.PlanExpiresAt = &expiresAt
	return u.store.SaveUserSettings(us)
}

type gormSettingsStore struct {
	db *gorm.DB
}

func (s *gormSettingsStore) GetOrCreateUserSettings(userID uint) (*models.UserSettings, error) {
	return models.GetOrCreateUserSettings(s.db, userID)
}

func (s *gormSettingsStore) SaveUserSettings(us *models.UserSettings) error {
	return s.db.Save(us).Error
}
