package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/realmforge/backend/internal/config"
	"github.com/realmforge/backend/internal/database"
	"github.com/realmforge/backend/internal/handlers"
	"github.com/realmforge/backend/internal/middleware"
	"github.com/realmforge/backend/internal/services"
	"github.com/realmforge/backend/internal/storage"
	"github.com/realmforge/backend/pkg/logger"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	logger.Init()

	cfg := config.Load()

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RelyingParty.ID,
		RPDisplayName: cfg.RelyingParty.DisplayName,
		RPOrigins:     []string{cfg.RelyingParty.Origin},
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationDiscouraged,
		},
		AttestationPreference: protocol.PreferNoAttestation,
		Timeouts: webauthn.TimeoutsConfig{
			// The browser-side timeout is advisory; the 5-minute
			// challenge expiry is the server-side authority.
			Login:        webauthn.TimeoutConfig{Enforce: false, Timeout: 60 * time.Second},
			Registration: webauthn.TimeoutConfig{Enforce: false, Timeout: 60 * time.Second},
		},
	})
	if err != nil {
		log.Fatalf("webauthn initialization failed: %v", err)
	}

	var archiveClient *storage.MinIOClient
	if cfg.MinIO.Enabled {
		archiveClient, err = storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("minio initialization failed: %v", err)
		}
		if err := archiveClient.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("failed ensuring minio bucket: %v", err)
		}
	}

	eventService := services.NewSecurityEventService(db, archiveClient)
	eventService.StartExporter(cfg.Archive.ExportInterval, cfg.Archive.Retention)

	rateLimiter := services.NewRateLimiter(db, eventService)
	challengeStore := services.NewChallengeStore(db)
	sessionStore := services.NewSessionStore(db, cfg.Session.TTL)
	sessionMiddleware := middleware.NewSessionMiddleware(db, sessionStore, cfg.Session)

	authHandler := handlers.NewAuthHandler(db, wa, eventService, rateLimiter, challengeStore, sessionStore, sessionMiddleware)
	passkeysHandler := handlers.NewPasskeysHandler(db, wa, eventService, challengeStore)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.FrontendURL))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

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

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
		"rp_id":   cfg.RelyingParty.ID,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
