package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	ProductTypeSubscription = "subscription"
	ProductTypeOneTime      = "one_time"
)

// Product is a catalog entry. Catalog management lives outside this service;
// we only read products and treat them as immutable once a payment refers to them.
type Product struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Name           string    `gorm:"type:varchar(150);uniqueIndex;not null" json:"name" validate:"required,min=3,max=150"`
	ProductType    string    `gorm:"type:varchar(20);not null;default:'subscription'" json:"product_type" validate:"oneof=subscription one_time"`
	PriceCents     int64     `gorm:"not null" json:"price_cents" validate:"gt=0"`
	RecurrenceDays *int      `gorm:"default:null" json:"recurrence_days,omitempty"`
	Tier           string    `gorm:"type:varchar(50);not null;default:'free'" json:"tier"`
	IsActive       bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Product) Validate() error {
	v := validator.New()
	return v.Struct(p)
}

// IsRecurring reports whether the product renews on a fixed cadence.
func (p *Product) IsRecurring() bool {
	return p.ProductType == ProductTypeSubscription && p.RecurrenceDays != nil && *p.RecurrenceDays > 0
}
