package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SecurityEventType string

const (
	EventBlockedAttempt     SecurityEventType = "blocked_attempt"
	EventMultipleFailures   SecurityEventType = "multiple_failures"
	EventBlockedCreation    SecurityEventType = "blocked_creation"
	EventSuspiciousTiming   SecurityEventType = "suspicious_timing"
	EventCredentialFound    SecurityEventType = "credential_found"
	EventCredentialNotFound SecurityEventType = "credential_not_found"
	EventCredentialError    SecurityEventType = "credential_error"
	EventLogin              SecurityEventType = "login"
	EventLoginFailed        SecurityEventType = "login_failed"
	EventLoginStart         SecurityEventType = "login_start"
	EventLogout             SecurityEventType = "logout"
	EventPasskeyRegister    SecurityEventType = "passkey_register"
	EventOther              SecurityEventType = "other"
)

// SecurityEvent is an append-only audit record. It does NOT use BaseModel
// because event rows are never updated or soft-deleted.
type SecurityEvent struct {
	ID          uuid.UUID              `json:"id" gorm:"type:uuid;primaryKey"`
	IPAddress   string                 `json:"ipAddress" gorm:"type:varchar(45);not null;index"`
	Username    *string                `json:"username,omitempty" gorm:"type:varchar(50);index"`
	EventType   SecurityEventType      `json:"eventType" gorm:"type:varchar(30);not null;index"`
	Description string                 `json:"description" gorm:"type:text"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`
	CreatedAt   time.Time              `json:"createdAt" gorm:"not null;index"`
}

func (e *SecurityEvent) BeforeCreate(_ *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (SecurityEvent) TableName() string {
	return "security_events"
}

// SecurityEventExportCursor tracks the last successful archive timestamp so
// the periodic object-storage export only ships new rows.
type SecurityEventExportCursor struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	LastExportAt  time.Time `json:"lastExportAt" gorm:"not null"`
	ExportedCount int64     `json:"exportedCount" gorm:"not null;default:0"`
}

func (c *SecurityEventExportCursor) BeforeCreate(_ *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (SecurityEventExportCursor) TableName() string {
	return "security_event_export_cursors"
}
