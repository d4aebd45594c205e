package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/PKell33/ownprem-sub001/internal/common/config"
	"github.com/PKell33/ownprem-sub001/internal/common/database"
	"github.com/PKell33/ownprem-sub001/internal/common/logger"
)

// Provide creates the Store selected by the database configuration.
// The returned cleanup closes the underlying connection.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		s, err := NewSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		if log != nil {
			log.Info("Store initialized",
				zap.String("db_driver", "sqlite"),
				zap.String("db_path", cfg.Database.Path))
		}
		return s, s.Close, nil
	case "postgres":
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		s, err := NewPostgres(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		if log != nil {
			log.Info("Store initialized",
				zap.String("db_driver", "postgres"),
				zap.String("db_host", cfg.Database.Host))
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
