package app

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
	"github.com/vladislavdragonenkov/groupbooking/internal/scheduler"
	"github.com/vladislavdragonenkov/groupbooking/internal/service/idempotency"
	"github.com/vladislavdragonenkov/groupbooking/internal/service/outbox"
)

// startBackgroundWorkers запускает планировщик жизненного цикла, outbox worker
// и очистку ключей идемпотентности. done закрывается, когда все они остановились.
func startBackgroundWorkers(
	ctx context.Context,
	cfg Config,
	storage runtimeDependencies,
	deps *Dependencies,
	publisher, dlqPublisher domain.OutboxPublisher,
	logger *log.Entry,
) (context.CancelFunc, <-chan struct{}) {
	workerCtx, cancel := context.WithCancel(ctx)

	sweeper := scheduler.New(storage.groupRepo, deps.Controller,
		scheduler.WithInterval(cfg.SchedulerInterval),
		scheduler.WithBatchSize(cfg.SchedulerBatchSize),
		scheduler.WithLogger(logger.WithField("component", "lifecycle-scheduler")),
	)

	outboxOptions := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if dlqPublisher != nil {
		outboxOptions = append(outboxOptions, outbox.WithDLQPublisher(dlqPublisher))
	}
	outboxWorker := outbox.NewWorker(storage.outboxRepo, publisher, outboxOptions...)

	cleanup := idempotency.NewCleanupWorker(storage.idempotencyRepo,
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
	)

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){sweeper.Run, outboxWorker.Run, cleanup.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(workerCtx)
		}(run)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	logger.Info("background workers started: scheduler, outbox, idempotency cleanup")
	return cancel, done
}

// shutdownWorkers останавливает фоновые задачи и ждёт их не дольше timeout.
func shutdownWorkers(cancel context.CancelFunc, done <-chan struct{}, timeout time.Duration, logger *log.Entry) {
	if cancel == nil {
		return
	}
	cancel()
	if done == nil {
		return
	}

	select {
	case <-done:
		logger.Info("background workers stopped")
	case <-time.After(timeout):
		logger.Warn("background workers did not stop in time")
	}
}
