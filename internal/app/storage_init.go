package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/groupbooking/internal/health"
	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
	"github.com/vladislavdragonenkov/groupbooking/internal/storage/memory"
	"github.com/vladislavdragonenkov/groupbooking/internal/storage/postgres"
)

// runtimeDependencies: хранилища, выбранные по StorageDriver.
type runtimeDependencies struct {
	groupRepo       domain.GroupRepository
	inviteRepo      domain.InviteCodeRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	switch driver {
	case "", StorageDriverMemory:
		outboxRepo := memory.NewOutboxRepository()
		logger.Info("storage driver: memory")
		return runtimeDependencies{
			groupRepo:       memory.NewGroupRepository(outboxRepo),
			inviteRepo:      memory.NewInviteCodeRepository(),
			outboxRepo:      outboxRepo,
			idempotencyRepo: memory.NewIdempotencyRepository(nil),
		}, nil
	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)
	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver: %s", cfg.StorageDriver)
	}
}

func initPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return runtimeDependencies{}, errors.New("postgres dsn is required when storage driver is postgres")
	}

	store, err := postgres.Open(ctx, dsn, postgres.PoolConfig{MaxOpenConns: cfg.PostgresMaxOpenConns})
	if err != nil {
		return runtimeDependencies{}, fmt.Errorf("open postgres: %w", err)
	}

	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return runtimeDependencies{}, fmt.Errorf("apply migrations: %w", err)
		}
		version, applied, err := store.MigrationStatus(ctx)
		if err == nil {
			logger.WithFields(log.Fields{"version": version, "applied": applied}).Info("postgres schema is up to date")
		}
	}

	logger.Info("storage driver: postgres")
	return runtimeDependencies{
		groupRepo:       postgres.NewGroupRepository(store, cfg.LockTimeout),
		inviteRepo:      postgres.NewInviteCodeRepository(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store, nil),
		storageChecker:  healthcheck.NewPingChecker("postgres", true, store.Ping),
		closeFn:         store.Close,
	}, nil
}
