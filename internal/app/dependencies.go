package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/groupbooking/internal/admission"
	healthcheck "github.com/vladislavdragonenkov/groupbooking/internal/health"
	"github.com/vladislavdragonenkov/groupbooking/internal/invite"
	"github.com/vladislavdragonenkov/groupbooking/internal/lock"
	"github.com/vladislavdragonenkov/groupbooking/internal/metrics"
	"github.com/vladislavdragonenkov/groupbooking/internal/service/booking"
)

// lockDependencies: блокировка групп и связанные с ней ресурсы.
type lockDependencies struct {
	locker       lock.Locker
	redisChecker healthcheck.Checker
	closeFn      func() error
}

// initLocker возвращает локальную блокировку, а при заданном RedisAddr
// цепочку локальная+Redis (общая для реплик).
func initLocker(ctx context.Context, cfg Config, logger *log.Entry) (lockDependencies, error) {
	local := lock.NewMemoryLocker()
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		logger.Info("group lock: in-process")
		return lockDependencies{locker: local}, nil
	}

	client, err := lock.NewRedisClient(ctx, addr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return lockDependencies{}, fmt.Errorf("connect redis %s: %w", addr, err)
	}

	distributed := lock.NewRedisLocker(client, lock.RedisOptions{
		TTL:    cfg.RedisLockTTL,
		Logger: logger.WithField("component", "redis-lock"),
	})
	logger.WithField("redis_addr", addr).Info("group lock: in-process + redis")

	return lockDependencies{
		locker: lock.Chain{local, distributed},
		redisChecker: healthcheck.NewPingChecker("redis", true, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}),
		closeFn: client.Close,
	}, nil
}

// Dependencies: собранные сценарии сервиса.
type Dependencies struct {
	Controller *admission.Controller
	Registry   *invite.Registry
	Booking    *booking.Service
}

// NewDependencies связывает хранилища, блокировку и метрики в сервисный слой.
func NewDependencies(cfg Config, storage runtimeDependencies, locker lock.Locker, logger *log.Entry) *Dependencies {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	controller := admission.NewController(storage.groupRepo, locker,
		admission.WithLockTimeout(cfg.LockTimeout),
		admission.WithMetrics(metrics.NewAdmissionMetrics()),
		admission.WithLogger(logger.WithField("component", "admission")),
	)
	registry := invite.NewRegistry(storage.inviteRepo, storage.groupRepo, invite.Options{
		Retention: cfg.InviteRetention,
		Logger:    logger.WithField("component", "invite-registry"),
	})
	svc := booking.NewService(controller, storage.groupRepo, registry, booking.Config{
		InviteBaseURL: cfg.InviteBaseURL,
		Logger:        logger.WithField("component", "booking-service"),
	})

	return &Dependencies{
		Controller: controller,
		Registry:   registry,
		Booking:    svc,
	}
}
