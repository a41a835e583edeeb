package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/amurg-ai/chathub/hub/config"
)

// Open creates a Store for the configured driver and checks that it answers.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	driver := strings.ToLower(cfg.Driver)
	switch driver {
	case "postgres", "postgresql":
		s, err = NewPostgres(cfg.DSN)
	case "sqlite", "":
		driver = "sqlite"
		s, err = NewSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}
	return s, nil
}
