package models

import (
	"time"

	"github.com/google/uuid"
)

const PrincipalPlayer = "player"

// Session is the server-side session store keyed by an opaque cookie token.
// A row with a nil PlayerID is an anonymous pre-auth session carrying
// ceremony state only. On successful login the pre-auth row is discarded and
// a fresh token is issued.
type Session struct {
	BaseModel
	Token         string     `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	PlayerID      *uuid.UUID `json:"playerID,omitempty" gorm:"type:uuid;index"`
	PrincipalType string     `json:"principalType" gorm:"type:varchar(20);not null;default:'player'"`
	Username      string     `json:"username" gorm:"type:varchar(50)"`
	LoginIP       string     `json:"loginIP" gorm:"type:varchar(45)"`
	LoginAt       *time.Time `json:"loginAt,omitempty"`
	LastSeenAt    time.Time  `json:"lastSeenAt" gorm:"not null"`
	ExpiresAt     time.Time  `json:"expiresAt" gorm:"not null;index"`
}

func (s *Session) Authenticated() bool {
	return s.PlayerID != nil
}
