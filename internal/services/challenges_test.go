package services

import (
	"errors"
	"testing"
	"time"

	"github.com/realmforge/backend/internal/models"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

const (
	challengeTestIP = "203.0.113.80"
	challengeTestUA = "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"
)

func issueTestChallenge(t *testing.T, store *ChallengeStore, sessionID uuid.UUID, challenge string) {
	t.Helper()
	data := &webauthn.SessionData{
		Challenge:      challenge,
		UserID:         []byte("handle-0001"),
		RelyingPartyID: "localhost",
	}
	if err := store.Issue(sessionID, models.CeremonyRegistration, nil, "hero", challengeTestIP, challengeTestUA, data); err != nil {
		t.Fatalf("failed issuing challenge: %v", err)
	}
}

func TestChallengeRoundTrip(t *testing.T) {
	store := NewChallengeStore(setupServiceDB(t))
	sessionID := uuid.New()

	issueTestChallenge(t, store, sessionID, "Y2hhbGxlbmdlLW9uZQ")

	row, data, err := store.Take(sessionID, models.CeremonyRegistration, challengeTestIP, challengeTestUA)
	if err != nil {
		t.Fatalf("failed taking challenge: %v", err)
	}
	if row.BoundUsername != "hero" || row.BoundIP != challengeTestIP {
		t.Fatalf("binding not preserved: %+v", row)
	}
	if data.Challenge != "Y2hhbGxlbmdlLW9uZQ" || string(data.UserID) != "handle-0001" {
		t.Fatalf("ceremony state not preserved: %+v", data)
	}
}

func TestChallengeIsSingleUse(t *testing.T) {
	store := NewChallengeStore(setupServiceDB(t))
	sessionID := uuid.New()

	issueTestChallenge(t, store, sessionID, "b25jZS1vbmx5")

	if _, _, err := store.Take(sessionID, models.CeremonyRegistration, challengeTestIP, challengeTestUA); err != nil {
		t.Fatalf("first take failed: %v", err)
	}
	_, _, err := store.Take(sessionID, models.CeremonyRegistration, challengeTestIP, challengeTestUA)
	if !errors.Is(err, ErrChallengeMissing) {
		t.Fatalf("expected ErrChallengeMissing on reuse, got %v", err)
	}
}

func TestChallengeReissueReplacesPrevious(t *testing.T) {
	db := setupServiceDB(t)
	store := NewChallengeStore(db)
	sessionID := uuid.New()

	issueTestChallenge(t, store, sessionID, "Zmlyc3Q")
	issueTestChallenge(t, store, sessionID, "c2Vjb25k")

	var count int64
	db.Model(&models.ChallengeSession{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected a single outstanding challenge, got %d", count)
	}

	_, data, err := store.Take(sessionID, models.CeremonyRegistration, challengeTestIP, challengeTestUA)
	if err != nil {
		t.Fatalf("failed taking challenge: %v", err)
	}
	if data.Challenge != "c2Vjb25k" {
		t.Fatalf("expected the latest challenge to win, got %q", data.Challenge)
	}
}

func TestChallengeExpiry(t *testing.T) {
	db := setupServiceDB(t)
	store := NewChallengeStore(db)
	sessionID := uuid.New()

	issueTestChallenge(t, store, sessionID, "c3RhbGU")
	db.Model(&models.ChallengeSession{}).
		Where("session_id = ?", sessionID).
		Update("expires_at", time.Now().UTC().Add(-time.Second))

	_, _, err := store.Take(sessionID, models.CeremonyRegistration, challengeTestIP, challengeTestUA)
	if !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}

	// Expired or not, the row is consumed.
	var count int64
	db.Model(&models.ChallengeSession{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected the challenge to be consumed, %d left", count)
	}
}

func TestChallengeClientBinding(t *testing.T) {
	store := NewChallengeStore(setupServiceDB(t))

	sessionID := uuid.New()
	issueTestChallenge(t, store, sessionID, "aXAtYm91bmQ")
	_, _, err := store.Take(sessionID, models.CeremonyRegistration, "203.0.113.99", challengeTestUA)
	if !errors.Is(err, ErrChallengeIPMismatch) {
		t.Fatalf("expected ErrChallengeIPMismatch, got %v", err)
	}

	sessionID = uuid.New()
	issueTestChallenge(t, store, sessionID, "dWEtYm91bmQ")
	_, _, err = store.Take(sessionID, models.CeremonyRegistration, challengeTestIP, "curl/8.5.0")
	if !errors.Is(err, ErrChallengeUAMismatch) {
		t.Fatalf("expected ErrChallengeUAMismatch, got %v", err)
	}
}

func TestChallengeCeremonyTypeIsolation(t *testing.T) {
	db := setupServiceDB(t)
	store := NewChallengeStore(db)
	sessionID := uuid.New()

	issueTestChallenge(t, store, sessionID, "cmVnLW9ubHk")

	_, _, err := store.Take(sessionID, models.CeremonyAuthentication, challengeTestIP, challengeTestUA)
	if !errors.Is(err, ErrChallengeMissing) {
		t.Fatalf("expected ErrChallengeMissing for the other ceremony, got %v", err)
	}

	// The registration challenge is untouched by the failed lookup.
	var count int64
	db.Model(&models.ChallengeSession{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected the registration challenge to survive, got %d rows", count)
	}
}
