package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DB           DBConfig
	Server       ServerConfig
	RelyingParty RelyingPartyConfig
	Session      SessionConfig
	MinIO        MinIOConfig
	Archive      ArchiveConfig
}

type DBConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	// Path is the sqlite database file when Driver is "sqlite".
	Path string
}

type ServerConfig struct {
	Port        string
	FrontendURL string
}

// RelyingPartyConfig gates every WebAuthn verification step. ID, display name
// and origin must match exactly what the browser reports or verification
// fails closed.
type RelyingPartyConfig struct {
	ID          string
	DisplayName string
	Origin      string
}

type SessionConfig struct {
	CookieName   string
	TTL          time.Duration
	SecureCookie bool
}

type MinIOConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type ArchiveConfig struct {
	ExportInterval time.Duration
	Retention      time.Duration
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "realmforge"),
			Password: getEnv("DB_PASSWORD", "realmforge_secret"),
			Name:     getEnv("DB_NAME", "realmforge"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Path:     getEnv("DB_PATH", "realmforge.db"),
		},
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3001"),
		},
		RelyingParty: RelyingPartyConfig{
			ID:          getEnv("RP_ID", "localhost"),
			DisplayName: getEnv("RP_NAME", "RealmForge"),
			Origin:      getEnv("RP_ORIGIN", "http://localhost:3001"),
		},
		Session: SessionConfig{
			CookieName:   getEnv("SESSION_COOKIE_NAME", "realm_session"),
			TTL:          getEnvAsDuration("SESSION_TTL", 24*time.Hour),
			SecureCookie: getEnvAsBool("SESSION_COOKIE_SECURE", false),
		},
		MinIO: MinIOConfig{
			Enabled:   getEnvAsBool("MINIO_ENABLED", false),
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "realmforge"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "realmforge_secret"),
			Bucket:    getEnv("MINIO_BUCKET", "realmforge-security"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		Archive: ArchiveConfig{
			ExportInterval: getEnvAsDuration("SECURITY_EXPORT_INTERVAL", 1*time.Hour),
			Retention:      getEnvAsDuration("SECURITY_EVENT_RETENTION", 30*24*time.Hour),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
