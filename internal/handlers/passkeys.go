package handlers

import (
	"bytes"

	"github.com/realmforge/backend/internal/middleware"
	"github.com/realmforge/backend/internal/models"
	"github.com/realmforge/backend/internal/services"
	"github.com/realmforge/backend/pkg/logger"
	"github.com/realmforge/backend/pkg/utils"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// PasskeysHandler manages the credentials of an already-authenticated
// account: listing, renaming, removal and enrolling additional devices.
type PasskeysHandler struct {
	DB         *gorm.DB
	WebAuthn   *webauthn.WebAuthn
	Events     *services.SecurityEventService
	Challenges *services.ChallengeStore
}

func NewPasskeysHandler(db *gorm.DB, wa *webauthn.WebAuthn, events *services.SecurityEventService, challenges *services.ChallengeStore) *PasskeysHandler {
	return &PasskeysHandler{DB: db, WebAuthn: wa, Events: events, Challenges: challenges}
}

func (h *PasskeysHandler) List(c *fiber.Ctx) error {
	player := middleware.GetCurrentPlayer(c)

	var creds []models.PasskeyCredential
	if err := h.DB.Where("player_id = ?", player.ID).
		Order("created_at DESC").Find(&creds).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load passkeys")
	}
	return utils.JSON(c, fiber.StatusOK, creds)
}

type renamePasskeyRequest struct {
	DeviceName string `json:"deviceName"`
}

func (h *PasskeysHandler) Rename(c *fiber.Ctx) error {
	player := middleware.GetCurrentPlayer(c)

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid passkey id")
	}

	var req renamePasskeyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.DeviceName == "" {
		return utils.Error(c, fiber.StatusBadRequest, "deviceName is required")
	}

	result := h.DB.Model(&models.PasskeyCredential{}).
		Where("id = ? AND player_id = ?", credID, player.ID).
		Update("device_name", req.DeviceName)
	if result.Error != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to rename passkey")
	}
	if result.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	}

	var cred models.PasskeyCredential
	h.DB.First(&cred, "id = ?", credID)
	return utils.JSON(c, fiber.StatusOK, cred)
}

// Delete removes a passkey. The last credential of an account without a
// fallback password cannot be removed; that would lock the account out
// permanently.
func (h *PasskeysHandler) Delete(c *fiber.Ctx) error {
	player := middleware.GetCurrentPlayer(c)

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid passkey id")
	}

	var cred models.PasskeyCredential
	if err := h.DB.First(&cred, "id = ? AND player_id = ?", credID, player.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	}

	var remaining int64
	h.DB.Model(&models.PasskeyCredential{}).Where("player_id = ?", player.ID).Count(&remaining)
	if remaining <= 1 && player.FallbackPasswordHash == nil {
		return utils.Error(c, fiber.StatusConflict, "cannot remove the only passkey without a fallback password")
	}

	if err := h.DB.Unscoped().Delete(&cred).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to remove passkey")
	}

	logger.Info("passkey_removed", map[string]interface{}{
		"player_id":   player.ID.String(),
		"device_name": cred.DeviceName,
	})
	h.Events.Record(services.SecurityEvent{
		IPAddress:   middleware.ClientIP(c),
		Username:    player.Username,
		EventType:   models.EventOther,
		Description: "passkey removed",
		Metadata:    map[string]interface{}{"device_name": cred.DeviceName},
	})

	return utils.JSON(c, fiber.StatusOK, fiber.Map{"ok": true, "message": "passkey removed"})
}

// AddBegin starts a registration ceremony for an additional device on the
// current account. Existing credential ids go into excludeCredentials so the
// same authenticator cannot enroll twice.
func (h *PasskeysHandler) AddBegin(c *fiber.Ctx) error {
	ip := middleware.ClientIP(c)
	userAgent := c.Get(fiber.HeaderUserAgent)
	player := middleware.GetCurrentPlayer(c)
	session := middleware.GetCurrentSession(c)

	_, creds, err := loadCredentials(h.DB, player.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load passkeys")
	}

	exclusions := make([]protocol.CredentialDescriptor, len(creds))
	for i, cred := range creds {
		exclusions[i] = protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
		}
	}

	waPlayer := &webauthnPlayer{handle: player.UserHandle, username: player.Username, creds: creds}
	options, sessionData, err := h.WebAuthn.BeginRegistration(
		waPlayer,
		webauthn.WithCredentialParameters(ceremonyCredentialParameters),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		logger.Error("passkey_add_options_failed", err, map[string]interface{}{"username": player.Username})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin passkey enrollment")
	}

	if err := h.Challenges.Issue(session.ID, models.CeremonyRegistration, &player.ID, player.Username, ip, userAgent, sessionData); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin passkey enrollment")
	}

	return utils.JSON(c, fiber.StatusOK, options.Response)
}

func (h *PasskeysHandler) AddFinish(c *fiber.Ctx) error {
	ip := middleware.ClientIP(c)
	userAgent := c.Get(fiber.HeaderUserAgent)
	player := middleware.GetCurrentPlayer(c)
	session := middleware.GetCurrentSession(c)

	row, sessionData, err := h.Challenges.Take(session.ID, models.CeremonyRegistration, ip, userAgent)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "session_invalid")
	}
	if row.BoundPlayerID == nil || *row.BoundPlayerID != player.ID {
		return utils.Error(c, fiber.StatusBadRequest, "session_invalid")
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(c.Body()))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential response")
	}

	_, creds, err := loadCredentials(h.DB, player.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load passkeys")
	}

	waPlayer := &webauthnPlayer{handle: player.UserHandle, username: player.Username, creds: creds}
	credential, err := h.WebAuthn.CreateCredential(waPlayer, *sessionData, parsed)
	if err != nil {
		logger.Error("passkey_add_verification_failed", err, map[string]interface{}{"username": player.Username})
		return utils.Error(c, fiber.StatusBadRequest, "failed to verify credential")
	}

	deviceName := c.Query("name", "Passkey")
	cred := credentialRow(player.ID, deviceName, credential)
	if err := h.DB.Create(&cred).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save passkey")
	}

	h.Events.Record(services.SecurityEvent{
		IPAddress:   ip,
		Username:    player.Username,
		EventType:   models.EventPasskeyRegister,
		Description: "additional passkey enrolled",
		Metadata:    map[string]interface{}{"device_name": deviceName},
	})

	return utils.JSON(c, fiber.StatusCreated, cred)
}
