package payment

import (
	"time"

	"github.com/abofuchs/abofuchs/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the ledger DB operations. All status transitions are
// conditional updates guarded by the current status, so concurrent writers
// can never double-finalize an intent.
type Repository interface {
	CreateIntent(intent *models.PaymentIntent) error
	GetByOrderKey(orderKey string) (*models.PaymentIntent, error)
	SetProviderHandle(id uint, handle string) error
	MarkCompleted(id uint, completedAt time.Time, recurringToken, rawResponse string) (bool, *models.PaymentIntent, error)
	MarkFailed(id uint, failedAt time.Time, reason, rawResponse string) (bool, *models.PaymentIntent, error)
	CreateHistoryIfNotExists(record *models.PaymentHistory) (bool, error)
	ListHistoryByUser(userID uint, limit int) ([]models.PaymentHistory, error)
	LatestCompletedSubscriptionByUser(userID uint) (*models.PaymentIntent, error)
	HasPendingIntentForUser(userID uint) (bool, error)
	FindDueRenewals(now time.Time) ([]models.PaymentIntent, error)
	GetProduct(productID uint) (*models.Product, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// CreateIntent inserts a fresh pending intent. The unique index on order_key
// plus the conflict-free insert turns a concurrent duplicate into
// ErrDuplicateOrder instead of silently returning the existing row.
func (r *gormRepository) CreateIntent(intent *models.PaymentIntent) error {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_key"}},
		DoNothing: true,
	}).Create(intent)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrDuplicateOrder
	}
	return nil
}

func (r *gormRepository) GetByOrderKey(orderKey string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := r.db.Where("order_key = ?", orderKey).First(&intent).Error; err != nil {
		return nil, err
	}
	return &intent, nil
}

// SetProviderHandle stores the provider transaction handle. Guarded so the
// handle is immutable once set.
func (r *gormRepository) SetProviderHandle(id uint, handle string) error {
	return r.db.Model(&models.PaymentIntent{}).
		Where("id = ? AND provider_handle = ''", id).
		Update("provider_handle", handle).Error
}

// MarkCompleted transitions pending -> completed via a compare-and-swap on
// status. Returns false when the intent was already terminal; the caller
// treats that as an idempotent no-op and works with the returned row.
func (r *gormRepository) MarkCompleted(id uint, completedAt time.Time, recurringToken, rawResponse string) (bool, *models.PaymentIntent, error) {
	updates := map[string]interface{}{
		"status":            models.PaymentStatusCompleted,
		"completed_at":      completedAt,
		"provider_response": rawResponse,
	}
	if recurringToken != "" {
		updates["recurring_token"] = recurringToken
	}
	tx := r.db.Model(&models.PaymentIntent{}).
		Where("id = ? AND status = ?", id, models.PaymentStatusPending).
		Updates(updates)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	var intent models.PaymentIntent
	if err := r.db.First(&intent, id).Error; err != nil {
		return false, nil, err
	}
	return tx.RowsAffected > 0, &intent, nil
}

// MarkFailed transitions pending -> failed with the same guard as MarkCompleted.
func (r *gormRepository) MarkFailed(id uint, failedAt time.Time, reason, rawResponse string) (bool, *models.PaymentIntent, error) {
	updates := map[string]interface{}{
		"status":         models.PaymentStatusFailed,
		"completed_at":   failedAt,
		"failure_reason": reason,
	}
	if rawResponse != "" {
		updates["provider_response"] = rawResponse
	}
	tx := r.db.Model(&models.PaymentIntent{}).
		Where("id = ? AND status = ?", id, models.PaymentStatusPending).
		Updates(updates)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	var intent models.PaymentIntent
	if err := r.db.First(&intent, id).Error; err != nil {
		return false, nil, err
	}
	return tx.RowsAffected > 0, &intent, nil
}

// CreateHistoryIfNotExists appends the audit record for a terminal intent.
// The unique index on payment_intent_id makes replays a no-op.
func (r *gormRepository) CreateHistoryIfNotExists(record *models.PaymentHistory) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payment_intent_id"}},
		DoNothing: true,
	}).Create(record)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ListHistoryByUser(userID uint, limit int) ([]models.PaymentHistory, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var records []models.PaymentHistory
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// LatestCompletedSubscriptionByUser returns the subscriber's most recent
// completed intent for a subscription product. One-time purchases are
// invisible here: a newer one-time charge must never mask the subscription
// cycle. Ties on completed_at break on the higher id.
func (r *gormRepository) LatestCompletedSubscriptionByUser(userID uint) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := r.db.Model(&models.PaymentIntent{}).
		Joins("JOIN products ON products.id = payment_intents.product_id").
		Where("payment_intents.user_id = ? AND payment_intents.status = ? AND products.product_type = ?",
			userID, models.PaymentStatusCompleted, models.ProductTypeSubscription).
		Order("payment_intents.completed_at DESC, payment_intents.id DESC").
		First(&intent).Error
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (r *gormRepository) HasPendingIntentForUser(userID uint) (bool, error) {
	var count int64
	err := r.db.Model(&models.PaymentIntent{}).
		Where("user_id = ? AND status = ?", userID, models.PaymentStatusPending).
		Count(&count).Error
	return count > 0, err
}

// FindDueRenewals returns, per subscriber, the most recent completed
// subscription intent whose entitlement period elapsed before now. The
// per-subscriber MAX is taken over subscription intents only, so a newer
// completed one-time purchase never hides a due subscription.
func (r *gormRepository) FindDueRenewals(now time.Time) ([]models.PaymentIntent, error) {
	var intents []models.PaymentIntent
	err := r.db.Raw(`
		SELECT pi.*
		FROM payment_intents pi
		JOIN products p ON p.id = pi.product_id
		JOIN (
			SELECT pi2.user_id, MAX(pi2.completed_at) AS last_completed
			FROM payment_intents pi2
			JOIN products p2 ON p2.id = pi2.product_id
			WHERE pi2.status = ? AND p2.product_type = ?
			GROUP BY pi2.user_id
		) latest ON latest.user_id = pi.user_id AND latest.last_completed = pi.completed_at
		WHERE pi.status = ?
		  AND p.product_type = ?
		  AND p.recurrence_days IS NOT NULL
		  AND DATE_ADD(pi.completed_at, INTERVAL p.recurrence_days DAY) <= ?`,
		models.PaymentStatusCompleted,
		models.ProductTypeSubscription,
		models.PaymentStatusCompleted,
		models.ProductTypeSubscription,
		now,
	).Scan(&intents).Error
	return intents, err
}

func (r *gormRepository) GetProduct(productID uint) (*models.Product, error) {
	var product models.Product
	if err := r.db.First(&product, productID).Error; err != nil {
		return nil, err
	}
	return &product, nil
}
