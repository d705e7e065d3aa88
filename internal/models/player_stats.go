package models

import "github.com/google/uuid"

// PlayerStats and PlayerPreferences are created in the same transaction as
// the player row during registration. A player row without its stats row must
// never be observable.

type PlayerStats struct {
	BaseModel
	PlayerID   uuid.UUID `json:"playerID" gorm:"type:uuid;uniqueIndex;not null"`
	Level      int       `json:"level" gorm:"not null;default:1"`
	Experience int64     `json:"experience" gorm:"not null;default:0"`
	Gold       int64     `json:"gold" gorm:"not null;default:100"`
	Health     int       `json:"health" gorm:"not null;default:50"`
	MaxHealth  int       `json:"maxHealth" gorm:"not null;default:50"`
}

type PlayerPreferences struct {
	BaseModel
	PlayerID uuid.UUID `json:"playerID" gorm:"type:uuid;uniqueIndex;not null"`
	Theme    string    `json:"theme" gorm:"type:varchar(20);not null;default:'system'"`
}
