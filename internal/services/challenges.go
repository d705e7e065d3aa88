package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"time"

	"github.com/realmforge/backend/internal/models"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const ChallengeTTL = 5 * time.Minute

var (
	ErrChallengeMissing    = errors.New("no pending ceremony challenge")
	ErrChallengeExpired    = errors.New("ceremony challenge expired")
	ErrChallengeIPMismatch = errors.New("ceremony completed from a different IP than issuance")
	ErrChallengeUAMismatch = errors.New("ceremony user agent does not match issuance")
)

// ChallengeStore manages the ephemeral server-side state of an in-flight
// WebAuthn ceremony bound to a browser session, its client IP and a hash of
// its user agent.
type ChallengeStore struct {
	DB *gorm.DB
}

func NewChallengeStore(db *gorm.DB) *ChallengeStore {
	return &ChallengeStore{DB: db}
}

func HashUserAgent(userAgent string) []byte {
	sum := sha256.Sum256([]byte(userAgent))
	return sum[:]
}

// Issue stores a new challenge for the session, replacing any outstanding
// challenge of the same ceremony type. Abandoning the previous one is not an
// error.
func (s *ChallengeStore) Issue(
	sessionID uuid.UUID,
	ceremony models.CeremonyType,
	boundPlayerID *uuid.UUID,
	boundUsername string,
	clientIP string,
	userAgent string,
	data *webauthn.SessionData,
) error {
	serialized, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ? AND type = ?", sessionID, ceremony).
			Delete(&models.ChallengeSession{}).Error; err != nil {
			return err
		}
		row := models.ChallengeSession{
			SessionID:     sessionID,
			Type:          ceremony,
			Challenge:     []byte(data.Challenge),
			BoundPlayerID: boundPlayerID,
			BoundUsername: boundUsername,
			BoundIP:       clientIP,
			BoundUAHash:   HashUserAgent(userAgent),
			SessionData:   string(serialized),
			ExpiresAt:     time.Now().UTC().Add(ChallengeTTL),
		}
		return tx.Create(&row).Error
	})
}

// Take consumes the outstanding challenge for the session and ceremony type.
// The row is deleted before any validation so a challenge can never validate
// twice, regardless of outcome.
func (s *ChallengeStore) Take(
	sessionID uuid.UUID,
	ceremony models.CeremonyType,
	clientIP string,
	userAgent string,
) (*models.ChallengeSession, *webauthn.SessionData, error) {
	var row models.ChallengeSession
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ? AND type = ?", sessionID, ceremony).
			First(&row).Error; err != nil {
			return err
		}
		return tx.Delete(&models.ChallengeSession{}, "id = ?", row.ID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrChallengeMissing
	}
	if err != nil {
		return nil, nil, err
	}

	if time.Now().UTC().After(row.ExpiresAt) {
		return &row, nil, ErrChallengeExpired
	}
	if row.BoundIP != clientIP {
		return &row, nil, ErrChallengeIPMismatch
	}
	if !bytes.Equal(row.BoundUAHash, HashUserAgent(userAgent)) {
		return &row, nil, ErrChallengeUAMismatch
	}

	var data webauthn.SessionData
	if err := json.Unmarshal([]byte(row.SessionData), &data); err != nil {
		return &row, nil, err
	}
	return &row, &data, nil
}
