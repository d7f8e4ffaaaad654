package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/erp-access/internal/platform/db"
	"github.com/odyssey-erp/erp-access/internal/platform/mongo"
	"github.com/odyssey-erp/erp-access/internal/rbac"
	"github.com/odyssey-erp/erp-access/internal/users"
)

// Stores bundles the repositories backing the role registry and the
// credential store for the configured driver.
type Stores struct {
	Roles      rbac.Repository
	Identities users.RepositoryPort
	Ping       HealthCheck
	close      func()
}

// Close releases the underlying connections.
func (s *Stores) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// OpenStores connects to the configured store, applies the schema and
// returns the repositories.
func OpenStores(ctx context.Context, cfg *Config, logger *slog.Logger) (*Stores, error) {
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("store ready", slog.String("driver", cfg.StoreDriver))
		return &Stores{
			Roles:      rbac.NewPostgresRepository(pool, cfg.StoreQueryTimeout),
			Identities: users.NewRepository(pool, cfg.StoreQueryTimeout),
			Ping:       pool.Ping,
			close:      pool.Close,
		}, nil
	case StoreDriverMongo:
		client, database, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := mongo.Migrate(ctx, database); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		logger.Info("store ready", slog.String("driver", cfg.StoreDriver), slog.String("database", cfg.MongoDatabase))
		return &Stores{
			Roles:      rbac.NewMongoRepository(client, database, cfg.StoreQueryTimeout),
			Identities: users.NewMongoRepository(database, cfg.StoreQueryTimeout),
			Ping: func(ctx context.Context) error {
				return client.Ping(ctx, nil)
			},
			close: func() {
				if err := client.Disconnect(context.Background()); err != nil {
					logger.Warn("mongo disconnect", slog.Any("error", err))
				}
			},
		}, nil
	default:
		return nil, fmt.Errorf("app: unsupported store driver %q", cfg.StoreDriver)
	}
}
