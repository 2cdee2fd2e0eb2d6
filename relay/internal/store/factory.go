package store

import (
	"context"
	"fmt"

	"github.com/agentrelay/arc/relay/internal/config"
)

// New creates a Store based on the configured storage driver.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "redis":
		return NewRedis(ctx, cfg.DSN)
	case "memory":
		return NewMemory(), nil
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}
