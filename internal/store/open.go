package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kandev/dispatch/internal/common/config"
)

// Open constructs the configured Store backend.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create store data dir: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, "dispatch.db"))
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
