package models

import "time"

type Player struct {
	BaseModel
	Username string `json:"username" gorm:"type:varchar(50);uniqueIndex;not null"`
	// UserHandle is the opaque identifier handed to authenticators. It is
	// random, stable for the lifetime of the account and never derived
	// from the username.
	UserHandle           []byte              `json:"-" gorm:"type:bytea;uniqueIndex;not null"`
	FallbackPasswordHash *string             `json:"-" gorm:"type:text"`
	LastLogin            *time.Time          `json:"lastLogin,omitempty"`
	Stats                *PlayerStats        `json:"stats,omitempty" gorm:"foreignKey:PlayerID"`
	Preferences          *PlayerPreferences  `json:"preferences,omitempty" gorm:"foreignKey:PlayerID"`
	Credentials          []PasskeyCredential `json:"-" gorm:"foreignKey:PlayerID"`
}
