package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/store"
	"github.com/agentscraper/scrapectl/internal/store/postgres"
	redisstore "github.com/agentscraper/scrapectl/internal/store/redis"
	"github.com/agentscraper/scrapectl/internal/store/sqlite"
)

// OpenStore opens the State Store selected by cfg.Driver, sqlite by default.
func OpenStore(ctx context.Context, cfg model.Store) (store.Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store.dsn is empty")
	}
	slog.DebugContext(ctx, "opening store", "driver", cfg.Driver)
	switch cfg.Driver {
	case "", model.StoreSQLite:
		return sqlite.Open(ctx, cfg.DSN)
	case model.StorePostgres:
		return postgres.Open(ctx, cfg.DSN)
	case model.StoreRedis:
		return redisstore.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
