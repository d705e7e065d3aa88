package models

import (
	"time"

	"github.com/google/uuid"
)

type CeremonyType string

const (
	CeremonyRegistration   CeremonyType = "registration"
	CeremonyAuthentication CeremonyType = "authentication"
)

// ChallengeSession binds an outstanding WebAuthn challenge to the browser
// session, client IP and user-agent fingerprint it was issued to. At most one
// row exists per (session, ceremony type); starting a new ceremony of the
// same type replaces the previous one.
type ChallengeSession struct {
	BaseModel
	SessionID     uuid.UUID    `json:"-" gorm:"type:uuid;index:idx_challenge_session_type;not null"`
	Type          CeremonyType `json:"-" gorm:"type:varchar(20);index:idx_challenge_session_type;not null"`
	Challenge     []byte       `json:"-" gorm:"type:bytea;not null"`
	BoundPlayerID *uuid.UUID   `json:"-" gorm:"type:uuid"`
	BoundUsername string       `json:"-" gorm:"type:varchar(50)"`
	BoundIP       string       `json:"-" gorm:"type:varchar(45);not null"`
	BoundUAHash   []byte       `json:"-" gorm:"type:bytea;not null"`
	// SessionData carries the serialized ceremony options needed to
	// re-validate the client's response (RP id, origin, allowed
	// credentials). Stored as a stable JSON schema, never language-native
	// serialization.
	SessionData string    `json:"-" gorm:"type:text;not null"`
	ExpiresAt   time.Time `json:"-" gorm:"not null;index"`
}
