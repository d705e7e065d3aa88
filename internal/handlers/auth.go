package handlers

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/realmforge/backend/internal/middleware"
	"github.com/realmforge/backend/internal/models"
	"github.com/realmforge/backend/internal/services"
	"github.com/realmforge/backend/pkg/logger"
	"github.com/realmforge/backend/pkg/utils"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	endpointRegister = "register"
	endpointLogin    = "login"

	// Suspicious-activity penalties. Registration is gated harder than
	// login.
	suspiciousRetryRegister = 3600
	suspiciousRetryLogin    = 600
)

type AuthHandler struct {
	DB         *gorm.DB
	WebAuthn   *webauthn.WebAuthn
	Events     *services.SecurityEventService
	Limiter    *services.RateLimiter
	Challenges *services.ChallengeStore
	Sessions   *services.SessionStore
	Cookies    *middleware.SessionMiddleware
}

func NewAuthHandler(
	db *gorm.DB,
	wa *webauthn.WebAuthn,
	events *services.SecurityEventService,
	limiter *services.RateLimiter,
	challenges *services.ChallengeStore,
	sessions *services.SessionStore,
	cookies *middleware.SessionMiddleware,
) *AuthHandler {
	return &AuthHandler{
		DB:         db,
		WebAuthn:   wa,
		Events:     events,
		Limiter:    limiter,
		Challenges: challenges,
		Sessions:   sessions,
		Cookies:    cookies,
	}
}

// webauthnPlayer adapts a player (or a player-to-be during registration) to
// the webauthn.User interface. The handle is the opaque per-account
// identifier given to authenticators, never the username.
type webauthnPlayer struct {
	handle   []byte
	username string
	creds    []webauthn.Credential
}

func (p *webauthnPlayer) WebAuthnID() []byte                         { return p.handle }
func (p *webauthnPlayer) WebAuthnName() string                       { return p.username }
func (p *webauthnPlayer) WebAuthnDisplayName() string                { return p.username }
func (p *webauthnPlayer) WebAuthnCredentials() []webauthn.Credential { return p.creds }

func loadCredentials(db *gorm.DB, playerID uuid.UUID) ([]models.PasskeyCredential, []webauthn.Credential, error) {
	var rows []models.PasskeyCredential
	if err := db.Where("player_id = ?", playerID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	creds := make([]webauthn.Credential, len(rows))
	for i, row := range rows {
		var transports []protocol.AuthenticatorTransport
		if row.Transports != "" {
			var ts []string
			json.Unmarshal([]byte(row.Transports), &ts)
			for _, t := range ts {
				transports = append(transports, protocol.AuthenticatorTransport(t))
			}
		}
		creds[i] = webauthn.Credential{
			ID:              row.CredentialID,
			PublicKey:       row.PublicKey,
			AttestationType: row.AttestationType,
			Authenticator: webauthn.Authenticator{
				AAGUID:    row.AAGUID,
				SignCount: row.SignCount,
			},
			Transport: transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: row.BackupEligible,
				BackupState:    row.BackupState,
			},
		}
	}
	return rows, creds, nil
}

func credentialRow(playerID uuid.UUID, deviceName string, credential *webauthn.Credential) models.PasskeyCredential {
	var transportsJSON []byte
	if len(credential.Transport) > 0 {
		ts := make([]string, len(credential.Transport))
		for i, t := range credential.Transport {
			ts[i] = string(t)
		}
		transportsJSON, _ = json.Marshal(ts)
	}

	return models.PasskeyCredential{
		PlayerID:        playerID,
		CredentialID:    credential.ID,
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		AAGUID:          credential.Authenticator.AAGUID,
		SignCount:       credential.Authenticator.SignCount,
		DeviceName:      deviceName,
		Transports:      string(transportsJSON),
		BackupEligible:  credential.Flags.BackupEligible,
		BackupState:     credential.Flags.BackupState,
	}
}

type usernameRequest struct {
	Username string `json:"username" form:"username"`
}

// RegisterBegin issues registration ceremony options. Gate order matters:
// throttle and creation quota first, then the abuse heuristic, then username
// checks.
func (h *AuthHandler) RegisterBegin(c *fiber.Ctx) error {
	ip := middleware.ClientIP(c)
	userAgent := c.Get(fiber.HeaderUserAgent)

	var req usernameRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	rateKey := strings.TrimSpace(req.Username)

	limit, err := h.Limiter.Check(endpointRegister, ip, rateKey)
	if err != nil {
		logger.Error("rate_limit_check_failed", err, map[string]interface{}{"ip": ip, "endpoint": endpointRegister})
		return utils.Error(c, fiber.StatusInternalServerError, "registration_failed")
	}
	if !limit.Allowed {
		return utils.RateLimited(c, limit.Reason, limit.RetryAfter)
	}

	quota, err := h.Limiter.CheckAccountCreation(ip)
	if err != nil {
		logger.Error("creation_quota_check_failed", err, map[string]interface{}{"ip": ip})
		return utils.Error(c, fiber.StatusInternalServerError, "registration_failed")
	}
	if !quota.Allowed {
		return utils.RateLimited(c, quota.Reason, quota.RetryAfter)
	}

	if h.Limiter.DetectSuspiciousActivity(ip, rateKey, userAgent) {
		return utils.RateLimited(c, "suspicious_activity", suspiciousRetryRegister)
	}

	username, reason := validateNewUsername(req.Username)
	if reason != "" {
		return utils.ErrorWithDetails(c, fiber.StatusBadRequest, "invalid_username", reason)
	}

	var count int64
	if err := h.DB.Model(&models.Player{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "registration_failed")
	}
	if count > 0 {
		return utils.Error(c, fiber.StatusConflict, "username_taken")
	}

	handle := make([]byte, 16)
	if _, err := rand.Read(handle); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "registration_failed")
	}

	waPlayer := &webauthnPlayer{handle: handle, username: username}
	options, sessionData, err := h.WebAuthn.BeginRegistration(
		waPlayer,
		webauthn.WithCredentialParameters(ceremonyCredentialParameters),
	)
	if err != nil {
		logger.Error("registration_options_failed", err, map[string]interface{}{"username": username})
		return utils.Error(c, fiber.StatusInternalServerError, "registration_failed")
	}

	session := middleware.GetCurrentSession(c)
	if session == nil {
		return utils.Error(c, fiber.StatusInternalServerError, "registration_failed")
	}
	if err := h.Challenges.Issue(session.ID, models.CeremonyRegistration, nil, username, ip, userAgent, sessionData); err != nil {
		logger.Error("challenge_issue_failed", err, map[string]interface{}{"username": username})
		return utils.Error(c, fiber.StatusInternalServerError, "registration_failed")
	}

	return utils.JSON(c, fiber.StatusOK, options.Response)
}

// RegisterFinish verifies the attestation and creates the account. Player,
// stats, preferences and credential rows land in one transaction; a failure
// anywhere rolls back everything.
func (h *AuthHandler) RegisterFinish(c *fiber.Ctx) error {
	ip := middleware.ClientIP(c)
	userAgent := c.Get(fiber.HeaderUserAgent)

	session := middleware.GetCurrentSession(c)
	if session == nil {
		return utils.Error(c, fiber.StatusBadRequest, "session_invalid")
	}

	row, sessionData, err := h.Challenges.Take(session.ID, models.CeremonyRegistration, ip, userAgent)
	if err != nil {
		return h.challengeFailure(c, err, row, ip)
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(c.Body()))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential response")
	}

	waPlayer := &webauthnPlayer{handle: sessionData.UserID, username: row.BoundUsername}
	credential, err := h.WebAuthn.CreateCredential(waPlayer, *sessionData, parsed)
	if err != nil {
		logger.Error("attestation_verification_failed", err, map[string]interface{}{
			"username": row.BoundUsername,
			"ip":       ip,
		})
		h.Events.Record(services.SecurityEvent{
			IPAddress:   ip,
			Username:    row.BoundUsername,
			EventType:   models.EventCredentialError,
			Description: "attestation verification failed",
		})
		return utils.Error(c, fiber.StatusBadRequest, "registration_failed")
	}

	player := models.Player{Username: row.BoundUsername, UserHandle: waPlayer.handle}
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&player).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.PlayerStats{PlayerID: player.ID}).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.PlayerPreferences{PlayerID: player.ID}).Error; err != nil {
			return err
		}
		cred := credentialRow(player.ID, "Passkey", credential)
		return tx.Create(&cred).Error
	})
	if err != nil {
		logger.Error("registration_persist_failed", err, map[string]interface{}{
			"username": row.BoundUsername,
		})
		return utils.Error(c, fiber.StatusInternalServerError, "registration_failed")
	}

	h.Events.Record(services.SecurityEvent{
		IPAddress:   ip,
		Username:    player.Username,
		EventType:   models.EventPasskeyRegister,
		Description: "new account registered with passkey",
	})

	fresh, err := h.Sessions.Promote(session, player.ID, player.Username, ip)
	if err != nil {
		logger.Error("session_promote_failed", err, map[string]interface{}{"username": player.Username})
		return utils.Error(c, fiber.StatusInternalServerError, "registration_failed")
	}
	h.Cookies.SetCookie(c, fresh)

	return utils.OK(c, "registration complete", player.Username)
}

// LoginBegin issues authentication ceremony options. The rate gate runs
// before the existence check so the limiter cannot be bypassed by probing,
// though the distinct 404 afterwards still reveals whether the account
// exists.
func (h *AuthHandler) LoginBegin(c *fiber.Ctx) error {
	ip := middleware.ClientIP(c)
	userAgent := c.Get(fiber.HeaderUserAgent)

	var req usernameRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	rateKey := strings.TrimSpace(req.Username)

	limit, err := h.Limiter.Check(endpointLogin, ip, rateKey)
	if err != nil {
		logger.Error("rate_limit_check_failed", err, map[string]interface{}{"ip": ip, "endpoint": endpointLogin})
		return utils.Error(c, fiber.StatusInternalServerError, "authentication_failed")
	}
	if !limit.Allowed {
		return utils.RateLimited(c, limit.Reason, limit.RetryAfter)
	}

	if h.Limiter.DetectSuspiciousActivity(ip, rateKey, userAgent) {
		return utils.RateLimited(c, "suspicious_activity", suspiciousRetryLogin)
	}

	username, reason := validateUsernameFormat(req.Username)
	if reason != "" {
		return utils.ErrorWithDetails(c, fiber.StatusBadRequest, "invalid_username", reason)
	}

	var player models.Player
	if err := h.DB.First(&player, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.Events.Record(services.SecurityEvent{
				IPAddress:   ip,
				Username:    username,
				EventType:   models.EventLoginFailed,
				Description: "login attempt for unknown username",
			})
			return utils.Error(c, fiber.StatusNotFound, "user_not_found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "authentication_failed")
	}

	_, creds, err := loadCredentials(h.DB, player.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "authentication_failed")
	}
	if len(creds) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "no_passkeys_registered")
	}

	waPlayer := &webauthnPlayer{handle: player.UserHandle, username: player.Username, creds: creds}
	options, sessionData, err := h.WebAuthn.BeginLogin(waPlayer)
	if err != nil {
		logger.Error("login_options_failed", err, map[string]interface{}{"username": username})
		return utils.Error(c, fiber.StatusInternalServerError, "authentication_failed")
	}

	session := middleware.GetCurrentSession(c)
	if session == nil {
		return utils.Error(c, fiber.StatusInternalServerError, "authentication_failed")
	}
	if err := h.Challenges.Issue(session.ID, models.CeremonyAuthentication, &player.ID, player.Username, ip, userAgent, sessionData); err != nil {
		logger.Error("challenge_issue_failed", err, map[string]interface{}{"username": username})
		return utils.Error(c, fiber.StatusInternalServerError, "authentication_failed")
	}

	h.Events.Record(services.SecurityEvent{
		IPAddress:   ip,
		Username:    player.Username,
		EventType:   models.EventLoginStart,
		Description: "login ceremony started",
	})

	return utils.JSON(c, fiber.StatusOK, options.Response)
}

// LoginFinish verifies the assertion against the credentials of the player
// the challenge was bound to. The presented credential id is compared against
// that one player's stored ids only, never searched globally.
func (h *AuthHandler) LoginFinish(c *fiber.Ctx) error {
	ip := middleware.ClientIP(c)
	userAgent := c.Get(fiber.HeaderUserAgent)

	session := middleware.GetCurrentSession(c)
	if session == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "session_invalid")
	}

	row, sessionData, err := h.Challenges.Take(session.ID, models.CeremonyAuthentication, ip, userAgent)
	if err != nil {
		return h.challengeFailure(c, err, row, ip)
	}
	if row.BoundPlayerID == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "session_invalid")
	}

	var player models.Player
	if err := h.DB.First(&player, "id = ?", *row.BoundPlayerID).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "session_invalid")
	}

	credRows, creds, err := loadCredentials(h.DB, player.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "authentication_failed")
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(c.Body()))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid assertion response")
	}

	if !credentialBelongsTo(credRows, parsed.RawID) {
		h.Events.Record(services.SecurityEvent{
			IPAddress:   ip,
			Username:    player.Username,
			EventType:   models.EventCredentialNotFound,
			Description: "presented credential does not belong to this account",
		})
		return utils.Error(c, fiber.StatusUnauthorized, "credential_not_recognized")
	}

	h.Events.Record(services.SecurityEvent{
		IPAddress:   ip,
		Username:    player.Username,
		EventType:   models.EventCredentialFound,
		Description: "presented credential matched stored credential",
	})

	waPlayer := &webauthnPlayer{handle: player.UserHandle, username: player.Username, creds: creds}
	credential, err := h.WebAuthn.ValidateLogin(waPlayer, *sessionData, parsed)
	if err != nil {
		logger.Error("assertion_verification_failed", err, map[string]interface{}{
			"username": player.Username,
			"ip":       ip,
		})
		h.Events.Record(services.SecurityEvent{
			IPAddress:   ip,
			Username:    player.Username,
			EventType:   models.EventLoginFailed,
			Description: "assertion verification failed",
		})
		return utils.Error(c, fiber.StatusUnauthorized, "authentication_failed")
	}

	if credential.Authenticator.CloneWarning {
		h.Events.Record(services.SecurityEvent{
			IPAddress:   ip,
			Username:    player.Username,
			EventType:   models.EventCredentialError,
			Description: "signature counter regression, possible cloned authenticator",
		})
		return utils.Error(c, fiber.StatusUnauthorized, "authentication_failed")
	}

	now := time.Now().UTC()
	h.DB.Model(&models.PasskeyCredential{}).
		Where("player_id = ? AND credential_id = ?", player.ID, credential.ID).
		Updates(map[string]interface{}{
			"sign_count":   credential.Authenticator.SignCount,
			"last_used_at": now,
		})
	h.DB.Model(&player).Update("last_login", now)

	fresh, err := h.Sessions.Promote(session, player.ID, player.Username, ip)
	if err != nil {
		logger.Error("session_promote_failed", err, map[string]interface{}{"username": player.Username})
		return utils.Error(c, fiber.StatusInternalServerError, "authentication_failed")
	}
	h.Cookies.SetCookie(c, fresh)

	h.Events.Record(services.SecurityEvent{
		IPAddress:   ip,
		Username:    player.Username,
		EventType:   models.EventLogin,
		Description: "passkey login successful",
	})

	return utils.OK(c, "login successful", player.Username)
}

type passwordLoginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// PasswordLogin is the fallback for accounts that set a password. It shares
// the login rate gate and, unlike the passkey flow, never reveals whether the
// username exists.
func (h *AuthHandler) PasswordLogin(c *fiber.Ctx) error {
	ip := middleware.ClientIP(c)
	userAgent := c.Get(fiber.HeaderUserAgent)

	var req passwordLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	rateKey := strings.TrimSpace(req.Username)

	limit, err := h.Limiter.Check(endpointLogin, ip, rateKey)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "authentication_failed")
	}
	if !limit.Allowed {
		return utils.RateLimited(c, limit.Reason, limit.RetryAfter)
	}

	if h.Limiter.DetectSuspiciousActivity(ip, rateKey, userAgent) {
		return utils.RateLimited(c, "suspicious_activity", suspiciousRetryLogin)
	}

	username, reason := validateUsernameFormat(req.Username)
	if reason != "" {
		return utils.ErrorWithDetails(c, fiber.StatusBadRequest, "invalid_username", reason)
	}

	var player models.Player
	err = h.DB.First(&player, "username = ?", username).Error
	if err != nil || player.FallbackPasswordHash == nil ||
		!utils.CheckPassword(*player.FallbackPasswordHash, req.Password) {
		h.Events.Record(services.SecurityEvent{
			IPAddress:   ip,
			Username:    username,
			EventType:   models.EventLoginFailed,
			Description: "password login failed",
		})
		return utils.Error(c, fiber.StatusUnauthorized, "authentication_failed")
	}

	now := time.Now().UTC()
	h.DB.Model(&player).Update("last_login", now)

	session := middleware.GetCurrentSession(c)
	fresh, err := h.Sessions.Promote(session, player.ID, player.Username, ip)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "authentication_failed")
	}
	h.Cookies.SetCookie(c, fresh)

	h.Events.Record(services.SecurityEvent{
		IPAddress:   ip,
		Username:    player.Username,
		EventType:   models.EventLogin,
		Description: "password login successful",
		Metadata:    map[string]interface{}{"method": "password"},
	})

	return utils.OK(c, "login successful", player.Username)
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	session := middleware.GetCurrentSession(c)
	player := middleware.GetCurrentPlayer(c)

	if err := h.Sessions.Delete(session); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "logout failed")
	}
	h.Cookies.ClearCookie(c)

	h.Events.Record(services.SecurityEvent{
		IPAddress:   middleware.ClientIP(c),
		Username:    player.Username,
		EventType:   models.EventLogout,
		Description: "session terminated",
	})

	return utils.OK(c, "logged out", player.Username)
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	player := middleware.GetCurrentPlayer(c)

	var full models.Player
	if err := h.DB.Preload("Stats").Preload("Preferences").
		First(&full, "id = ?", player.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load player")
	}
	return utils.JSON(c, fiber.StatusOK, full)
}

func credentialBelongsTo(rows []models.PasskeyCredential, presentedID []byte) bool {
	for _, row := range rows {
		if bytes.Equal(row.CredentialID, presentedID) {
			return true
		}
	}
	return false
}

// challengeFailure maps challenge-store errors to client responses. The
// challenge is already consumed at this point regardless of outcome.
func (h *AuthHandler) challengeFailure(c *fiber.Ctx, err error, row *models.ChallengeSession, ip string) error {
	username := ""
	if row != nil {
		username = row.BoundUsername
	}

	switch {
	case errors.Is(err, services.ErrChallengeMissing):
		return utils.Error(c, fiber.StatusBadRequest, "session_invalid")
	case errors.Is(err, services.ErrChallengeExpired):
		h.Events.Record(services.SecurityEvent{
			IPAddress:   ip,
			Username:    username,
			EventType:   models.EventLoginFailed,
			Description: "ceremony challenge expired",
		})
		return utils.Error(c, fiber.StatusBadRequest, "session_expired")
	case errors.Is(err, services.ErrChallengeIPMismatch), errors.Is(err, services.ErrChallengeUAMismatch):
		h.Events.Record(services.SecurityEvent{
			IPAddress:   ip,
			Username:    username,
			EventType:   models.EventLoginFailed,
			Description: "ceremony completed from a different client than issuance",
			Metadata:    map[string]interface{}{"reason": err.Error()},
		})
		return utils.Error(c, fiber.StatusBadRequest, "session_invalid")
	default:
		logger.Error("challenge_load_failed", err, map[string]interface{}{"ip": ip})
		return utils.Error(c, fiber.StatusInternalServerError, "authentication_failed")
	}
}
