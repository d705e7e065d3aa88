package middleware

import (
	"errors"
	"time"

	"github.com/realmforge/backend/internal/config"
	"github.com/realmforge/backend/internal/models"
	"github.com/realmforge/backend/internal/services"
	"github.com/realmforge/backend/pkg/logger"
	"github.com/realmforge/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"gorm.io/gorm"
)

const (
	currentSessionKey = "currentSession"
	currentPlayerKey  = "currentPlayer"
)

type SessionMiddleware struct {
	DB       *gorm.DB
	Sessions *services.SessionStore
	Cfg      config.SessionConfig
}

func NewSessionMiddleware(db *gorm.DB, sessions *services.SessionStore, cfg config.SessionConfig) *SessionMiddleware {
	return &SessionMiddleware{DB: db, Sessions: sessions, Cfg: cfg}
}

func CORS(frontendURL string) fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins:     frontendURL,
		AllowHeaders:     "Origin, Content-Type, Accept",
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowCredentials: true,
	})
}

func (m *SessionMiddleware) SetCookie(c *fiber.Ctx, session *models.Session) {
	c.Cookie(&fiber.Cookie{
		Name:     m.Cfg.CookieName,
		Value:    session.Token,
		Expires:  session.ExpiresAt,
		HTTPOnly: true,
		Secure:   m.Cfg.SecureCookie,
		SameSite: fiber.CookieSameSiteLaxMode,
		Path:     "/",
	})
}

func (m *SessionMiddleware) ClearCookie(c *fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     m.Cfg.CookieName,
		Value:    "",
		Expires:  time.Now().Add(-time.Hour),
		HTTPOnly: true,
		Secure:   m.Cfg.SecureCookie,
		SameSite: fiber.CookieSameSiteLaxMode,
		Path:     "/",
	})
}

// EnsureSession guarantees every request past it carries a server-side
// session row, creating an anonymous one when the cookie is absent or stale.
// Ceremony step 2 locates the challenge issued in step 1 through this row.
func (m *SessionMiddleware) EnsureSession(c *fiber.Ctx) error {
	token := c.Cookies(m.Cfg.CookieName)
	if token != "" {
		session, err := m.Sessions.Get(token)
		if err == nil {
			m.Sessions.Touch(session)
			c.Locals(currentSessionKey, session)
			return c.Next()
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.Error(c, fiber.StatusInternalServerError, "session lookup failed")
		}
	}

	session, err := m.Sessions.CreateAnonymous(ClientIP(c))
	if err != nil {
		logger.Error("session_create_failed", err, map[string]interface{}{"ip": ClientIP(c)})
		return utils.Error(c, fiber.StatusInternalServerError, "session creation failed")
	}
	m.SetCookie(c, session)
	c.Locals(currentSessionKey, session)
	return c.Next()
}

// RequireAuth loads the authenticated player or rejects with 401.
func (m *SessionMiddleware) RequireAuth(c *fiber.Ctx) error {
	token := c.Cookies(m.Cfg.CookieName)
	if token == "" {
		return utils.Error(c, fiber.StatusUnauthorized, "not authenticated")
	}

	session, err := m.Sessions.Get(token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.Error(c, fiber.StatusUnauthorized, "not authenticated")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "session lookup failed")
	}
	if !session.Authenticated() {
		return utils.Error(c, fiber.StatusUnauthorized, "not authenticated")
	}

	var player models.Player
	if err := m.DB.First(&player, "id = ?", *session.PlayerID).Error; err != nil {
		logger.Warn("session_player_missing", map[string]interface{}{
			"session_id": session.ID.String(),
			"player_id":  session.PlayerID.String(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "not authenticated")
	}

	m.Sessions.Touch(session)
	c.Locals(currentSessionKey, session)
	c.Locals(currentPlayerKey, &player)
	c.Locals("playerID", player.ID.String())
	return c.Next()
}

func GetCurrentSession(c *fiber.Ctx) *models.Session {
	value := c.Locals(currentSessionKey)
	if value == nil {
		return nil
	}
	session, ok := value.(*models.Session)
	if !ok {
		return nil
	}
	return session
}

func GetCurrentPlayer(c *fiber.Ctx) *models.Player {
	value := c.Locals(currentPlayerKey)
	if value == nil {
		return nil
	}
	player, ok := value.(*models.Player)
	if !ok {
		return nil
	}
	return player
}
