package app

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"

	"chatrooms/cmd/internal/dbschema"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64

	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CHAT_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:   int64(EnvInt("CHAT_HTTP_MAX_BODY_BYTES", 64<<10)),

		DatabaseURL:   EnvString("CHAT_DATABASE_URL", ""),
		DBSchema:      EnvString("CHAT_DB_SCHEMA", dbschema.DefaultSchema),
		DBMaxConns:    EnvInt32("CHAT_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("CHAT_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("CHAT_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("CHAT_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("CHAT_CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "http://127.0.0.1:*"}),
		CORSAllowCredentials: EnvBool("CHAT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CHAT_CORS_MAX_AGE", 600),

		MetricsEnabled: EnvBool("CHAT_METRICS_ENABLED", true),
	}
}

// LoadDotEnv reads KEY=value pairs from the given files (default ".env") into the process
// environment. Variables already set win. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
