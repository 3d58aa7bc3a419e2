package models

import "time"

// PaymentHistory is the append-only audit trail of the ledger: exactly one
// row per terminal PaymentIntent, copied at the moment of finalization.
// Rows are never updated or deleted. The unique index on payment_intent_id
// is what makes finalization replays idempotent.
type PaymentHistory struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	PaymentIntentID  uint      `gorm:"uniqueIndex;not null" json:"payment_intent_id"`
	UserID           uint      `gorm:"not null;index" json:"user_id"`
	ProductID        uint      `gorm:"not null" json:"product_id"`
	OrderKey         string    `gorm:"type:varchar(64);not null;index" json:"order_key"`
	Method           string    `gorm:"type:varchar(20);not null" json:"method"`
	AmountCents      int64     `gorm:"not null" json:"amount_cents"`
	FinalStatus      string    `gorm:"type:varchar(16);not null" json:"final_status"`
	ProviderHandle   string    `gorm:"type:varchar(191);not null;default:''" json:"provider_handle"`
	RecurringToken   string    `gorm:"type:varchar(191);not null;default:''" json:"-"`
	FailureReason    string    `gorm:"type:varchar(255);not null;default:''" json:"failure_reason,omitempty"`
	ProviderResponse string    `gorm:"type:longtext" json:"-"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
}
