// Package app wires the storage stack shared by the server and worker
// binaries.
package app

import (
	"errors"
	"fmt"

	"github.com/nadmax/estimo/internal/cache"
	"github.com/nadmax/estimo/internal/config"
	"github.com/nadmax/estimo/internal/logger"
	"github.com/nadmax/estimo/internal/predictor"
	"github.com/nadmax/estimo/internal/repository"
)

type Stores struct {
	Repo   *repository.PostgresRepository
	Models repository.ModelStore
	cache  *cache.ModelCache
}

// OpenStores connects to Postgres, applies migrations and, when enabled,
// fronts the model store with the Redis cache.
func OpenStores(cfg *config.Config, log *logger.Logger) (*Stores, error) {
	repo, err := repository.NewPostgresRepository(cfg.Postgres.DSN, repository.PoolConfig{
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
		MaxIdleConns: cfg.Postgres.MaxIdleConns,
	}, log)
	if err != nil {
		return nil, err
	}

	if err := repository.Migrate(repo.DB()); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	s := &Stores{Repo: repo, Models: repo}
	if !cfg.Redis.Enabled {
		return s, nil
	}

	c, err := cache.NewModelCache(cfg.Redis.Addr, repo, cfg.Redis.TTL, log)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	log.Info("model cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.TTL.String())

	s.cache = c
	s.Models = c
	return s, nil
}

func (s *Stores) Service(log *logger.Logger) *predictor.Service {
	return predictor.NewService(s.Repo, s.Models, log)
}

func (s *Stores) Close() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	errs = append(errs, s.Repo.Close())
	return errors.Join(errs...)
}
