package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the serve entrypoint used by cmd/chatrooms.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run(cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}

// Migrate connects to CHAT_DATABASE_URL and applies the schema once.
func Migrate(ctx context.Context, cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if cfg.DatabaseURL == "" {
		return errDatabaseURLMissing
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	return MigrateDB(ctx, pool, cfg.DBSchema, log)
}
