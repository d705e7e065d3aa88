package models

import "time"

// RateLimitRecord tracks attempts per (ip, endpoint, username) tuple using a
// sliding window with escalating blocks. Username is empty for endpoints not
// keyed by account.
type RateLimitRecord struct {
	BaseModel
	IPAddress      string     `json:"ipAddress" gorm:"type:varchar(45);uniqueIndex:idx_rate_limit_key;not null"`
	Endpoint       string     `json:"endpoint" gorm:"type:varchar(50);uniqueIndex:idx_rate_limit_key;not null"`
	Username       string     `json:"username" gorm:"type:varchar(50);uniqueIndex:idx_rate_limit_key"`
	Attempts       int        `json:"attempts" gorm:"not null;default:0"`
	FirstAttemptAt time.Time  `json:"firstAttemptAt" gorm:"not null"`
	LastAttemptAt  time.Time  `json:"lastAttemptAt" gorm:"not null;index"`
	BlockedUntil   *time.Time `json:"blockedUntil,omitempty"`
}

// AccountCreationQuota caps registrations per IP on three independent axes:
// daily count, lifetime total and minimum spacing between creations.
type AccountCreationQuota struct {
	BaseModel
	IPAddress      string     `json:"ipAddress" gorm:"type:varchar(45);uniqueIndex;not null"`
	TotalCreated   int        `json:"totalCreated" gorm:"not null;default:0"`
	DailyCount     int        `json:"dailyCount" gorm:"not null;default:0"`
	LastResetDate  string     `json:"lastResetDate" gorm:"type:varchar(10);not null"`
	LastCreationAt *time.Time `json:"lastCreationAt,omitempty"`
}
