package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/realmforge/backend/internal/config"
	"github.com/realmforge/backend/internal/database"
	"github.com/realmforge/backend/internal/middleware"
	"github.com/realmforge/backend/internal/models"
	"github.com/realmforge/backend/internal/services"
	"github.com/realmforge/backend/pkg/logger"
	"github.com/realmforge/backend/pkg/utils"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"
)

const (
	testRPID       = "localhost"
	testRPOrigin   = "http://localhost:3001"
	testCookieName = "realm_session"

	// Long enough to clear the short-user-agent heuristic.
	browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
)

type testEnv struct {
	app     *fiber.App
	db      *gorm.DB
	events  *services.SecurityEventService
	limiter *services.RateLimiter
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		logger.Init()
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          testRPID,
		RPDisplayName: "RealmForge Test",
		RPOrigins:     []string{testRPOrigin},
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationDiscouraged,
		},
		AttestationPreference: protocol.PreferNoAttestation,
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Enforce: false, Timeout: 60 * time.Second},
			Registration: webauthn.TimeoutConfig{Enforce: false, Timeout: 60 * time.Second},
		},
	})
	if err != nil {
		t.Fatalf("failed creating webauthn config: %v", err)
	}

	sessionCfg := config.SessionConfig{
		CookieName: testCookieName,
		TTL:        24 * time.Hour,
	}

	events := services.NewSecurityEventService(db, nil)
	limiter := services.NewRateLimiter(db, events)
	challenges := services.NewChallengeStore(db)
	sessions := services.NewSessionStore(db, sessionCfg.TTL)
	sessionMiddleware := middleware.NewSessionMiddleware(db, sessions, sessionCfg)

	authHandler := NewAuthHandler(db, wa, events, limiter, challenges, sessions, sessionMiddleware)
	passkeysHandler := NewPasskeysHandler(db, wa, events, challenges)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(testRPOrigin))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	authRoutes := app.Group("/auth", sessionMiddleware.EnsureSession)
	authRoutes.Post("/register", authHandler.RegisterBegin)
	authRoutes.Put("/register", authHandler.RegisterFinish)
	authRoutes.Post("/login", authHandler.LoginBegin)
	authRoutes.Put("/login", authHandler.LoginFinish)
	authRoutes.Post("/login/password", authHandler.PasswordLogin)
	authRoutes.Post("/logout", sessionMiddleware.RequireAuth, authHandler.Logout)
	authRoutes.Get("/me", sessionMiddleware.RequireAuth, authHandler.Me)

	passkeyRoutes := app.Group("/auth/passkeys", sessionMiddleware.RequireAuth)
	passkeyRoutes.Get("/", passkeysHandler.List)
	passkeyRoutes.Post("/", passkeysHandler.AddBegin)
	passkeyRoutes.Put("/confirm", passkeysHandler.AddFinish)
	passkeyRoutes.Put("/:id", passkeysHandler.Rename)
	passkeyRoutes.Delete("/:id", passkeysHandler.Delete)

	return &testEnv{app: app, db: db, events: events, limiter: limiter}
}

// browserClient simulates one browser: it keeps the session cookie across
// requests and presents a fixed client IP and user agent.
type browserClient struct {
	t      *testing.T
	env    *testEnv
	ip     string
	ua     string
	cookie string
}

func newBrowser(t *testing.T, env *testEnv, ip string) *browserClient {
	return &browserClient{t: t, env: env, ip: ip, ua: browserUserAgent}
}

func (b *browserClient) do(method, path string, payload any) *http.Response {
	b.t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			b.t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("CF-Connecting-IP", b.ip)
	req.Header.Set(fiber.HeaderUserAgent, b.ua)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.cookie != "" {
		req.AddCookie(&http.Cookie{Name: testCookieName, Value: b.cookie})
	}

	resp, err := b.env.app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		b.t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == testCookieName {
			b.cookie = cookie.Value
		}
	}
	return resp
}

// registerPlayer drives a full registration ceremony and returns the
// software authenticator that now holds the account's credential.
func registerPlayer(t *testing.T, b *browserClient, username string) *fakeAuthenticator {
	t.Helper()

	resp := b.do(fiber.MethodPost, "/auth/register", map[string]string{"username": username})
	assertStatus(t, resp, fiber.StatusOK)
	options := decodeJSONMap(t, resp)

	auth := newFakeAuthenticator(t)
	resp = b.do(fiber.MethodPut, "/auth/register", auth.attestationResponse(t, challengeFrom(t, options)))
	assertStatus(t, resp, fiber.StatusOK)
	resp.Body.Close()

	return auth
}

func createTestPlayer(t *testing.T, db *gorm.DB, username, password string) *models.Player {
	t.Helper()

	player := &models.Player{
		Username:   username,
		UserHandle: []byte("handle-" + username),
	}
	if password != "" {
		hash, err := utils.HashPassword(password)
		if err != nil {
			t.Fatalf("failed hashing password: %v", err)
		}
		player.FallbackPasswordHash = &hash
	}
	if err := db.Create(player).Error; err != nil {
		t.Fatalf("failed creating test player: %v", err)
	}
	return player
}

func challengeFrom(t *testing.T, options map[string]any) string {
	t.Helper()
	challenge, ok := options["challenge"].(string)
	if !ok || challenge == "" {
		t.Fatalf("ceremony options carry no challenge: %+v", options)
	}
	return challenge
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}
	return payload
}

func decodeJSONList(t *testing.T, resp *http.Response) []any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload []any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON array response: %v body=%q", err, string(raw))
	}
	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// waitForEvent polls for an asynchronously recorded security event. Event
// writes go through the service's buffered queue, so the row can land
// slightly after the response.
func waitForEvent(t *testing.T, env *testEnv, eventType models.SecurityEventType) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var count int64
		env.db.Model(&models.SecurityEvent{}).
			Where("event_type = ?", eventType).Count(&count)
		if count > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s security event recorded", eventType)
}

func assertBodyError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q (body %+v)", expected, got, body)
	}
}
