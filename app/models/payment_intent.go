package models

import "time"

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

const (
	PaymentMethodMollie  = "mollie"
	PaymentMethodPayfort = "payfort"
)

// PaymentIntent is the ledger's unit of work: one row per attempted charge,
// initial or renewal. Rows are never deleted and never re-opened; a failed
// charge requires a brand-new intent with a new order key.
type PaymentIntent struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	OrderKey         string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_key"`
	UserID           uint       `gorm:"not null;index:idx_payment_intents_user_status,priority:1" json:"user_id"`
	ProductID        uint       `gorm:"not null;index" json:"product_id"`
	Method           string     `gorm:"type:varchar(20);not null" json:"method"`
	AmountCents      int64      `gorm:"not null" json:"amount_cents"`
	Status           string     `gorm:"type:varchar(16);not null;default:'pending';index:idx_payment_intents_user_status,priority:2" json:"status"`
	ProviderHandle   string     `gorm:"type:varchar(191);not null;default:''" json:"provider_handle"`
	RecurringToken   string     `gorm:"type:varchar(191);not null;default:''" json:"-"`
	ProviderResponse string     `gorm:"type:longtext" json:"-"`
	FailureReason    string     `gorm:"type:varchar(255);not null;default:''" json:"failure_reason,omitempty"`
	CompletedAt      *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the intent reached a final state. Terminal
// intents never transition again.
func (pi *PaymentIntent) IsTerminal() bool {
	return pi.Status == PaymentStatusCompleted || pi.Status == PaymentStatusFailed
}

// IsPending reports whether the intent is still awaiting an outcome.
func (pi *PaymentIntent) IsPending() bool {
	return pi.Status == PaymentStatusPending
}

// KnownPaymentMethod reports whether the method tag maps to a configured provider.
func KnownPaymentMethod(method string) bool {
	switch method {
	case PaymentMethodMollie, PaymentMethodPayfort:
		return true
	default:
		return false
	}
}
