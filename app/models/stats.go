package models

import "time"

// PaymentStat is a coarse operational counter (orders created, renewals
// succeeded, ...) flushed periodically from Redis into MySQL.
type PaymentStat struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Metric    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"metric"`
	Value     int64     `gorm:"not null;default:0" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
