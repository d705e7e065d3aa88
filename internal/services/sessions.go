package services

import (
	"crypto/rand"
	"time"

	"github.com/realmforge/backend/internal/models"
	"github.com/realmforge/backend/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionStore is the opaque-token server-side session store. Tokens are 32
// random bytes, base64url in the cookie; nothing about the player is encoded
// in the token itself.
type SessionStore struct {
	DB  *gorm.DB
	TTL time.Duration
}

func NewSessionStore(db *gorm.DB, ttl time.Duration) *SessionStore {
	return &SessionStore{DB: db, TTL: ttl}
}

func newSessionToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return utils.Base64URLEncode(raw), nil
}

func (s *SessionStore) CreateAnonymous(clientIP string) (*models.Session, error) {
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	session := models.Session{
		Token:         token,
		PrincipalType: models.PrincipalPlayer,
		LoginIP:       clientIP,
		LastSeenAt:    now,
		ExpiresAt:     now.Add(s.TTL),
	}
	if err := s.DB.Create(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionStore) Get(token string) (*models.Session, error) {
	var session models.Session
	if err := s.DB.Where("token = ?", token).First(&session).Error; err != nil {
		return nil, err
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		s.DB.Delete(&models.Session{}, "id = ?", session.ID)
		return nil, gorm.ErrRecordNotFound
	}
	return &session, nil
}

func (s *SessionStore) Touch(session *models.Session) {
	s.DB.Model(session).Update("last_seen_at", time.Now().UTC())
}

// Promote discards the pre-auth session and issues a brand-new authenticated
// one with a fresh token. Reusing the old token after login would leave a
// fixation window; handing out a new row closes it.
func (s *SessionStore) Promote(old *models.Session, playerID uuid.UUID, username, clientIP string) (*models.Session, error) {
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	fresh := models.Session{
		Token:         token,
		PlayerID:      &playerID,
		PrincipalType: models.PrincipalPlayer,
		Username:      username,
		LoginIP:       clientIP,
		LoginAt:       &now,
		LastSeenAt:    now,
		ExpiresAt:     now.Add(s.TTL),
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if old != nil {
			if err := tx.Delete(&models.Session{}, "id = ?", old.ID).Error; err != nil {
				return err
			}
		}
		return tx.Create(&fresh).Error
	})
	if err != nil {
		return nil, err
	}
	return &fresh, nil
}

func (s *SessionStore) Delete(session *models.Session) error {
	return s.DB.Delete(&models.Session{}, "id = ?", session.ID).Error
}
