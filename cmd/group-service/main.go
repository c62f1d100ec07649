package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/groupbooking/internal/app"
	"github.com/vladislavdragonenkov/groupbooking/internal/version"
)

const (
	envLogLevel    = "GROUPS_LOG_LEVEL"
	envLogFormat   = "GROUPS_LOG_FORMAT"
	envConfigFile  = "GROUPS_CONFIG_FILE"
	envHTTPAddr    = "GROUPS_HTTP_ADDR"
	envGRPCAddr    = "GROUPS_GRPC_ADDR"
	envMetricsAddr = "GROUPS_METRICS_ADDR"

	envStorageDriver        = "GROUPS_STORAGE_DRIVER"
	envPostgresDSN          = "GROUPS_POSTGRES_DSN"
	envPostgresAutoMigrate  = "GROUPS_POSTGRES_AUTO_MIGRATE"
	envPostgresMaxOpenConns = "GROUPS_POSTGRES_MAX_OPEN_CONNS"

	envRedisAddr     = "GROUPS_REDIS_ADDR"
	envRedisPassword = "GROUPS_REDIS_PASSWORD"
	envRedisDB       = "GROUPS_REDIS_DB"
	envRedisLockTTL  = "GROUPS_REDIS_LOCK_TTL"
	envLockTimeout   = "GROUPS_LOCK_TIMEOUT"

	envKafkaBrokers = "GROUPS_KAFKA_BROKERS"
	envKafkaTopic   = "GROUPS_KAFKA_TOPIC"

	envSchedulerInterval  = "GROUPS_SCHEDULER_INTERVAL"
	envSchedulerBatchSize = "GROUPS_SCHEDULER_BATCH_SIZE"

	envOutboxPollInterval  = "GROUPS_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize     = "GROUPS_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts   = "GROUPS_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay    = "GROUPS_OUTBOX_RETRY_DELAY"
	envOutboxMaxPendingAge = "GROUPS_OUTBOX_MAX_PENDING_AGE"

	envIdempotencyTTL              = "GROUPS_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "GROUPS_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "GROUPS_IDEMPOTENCY_CLEANUP_BATCH_SIZE"

	envInviteBaseURL   = "GROUPS_INVITE_BASE_URL"
	envInviteRetention = "GROUPS_INVITE_RETENTION"

	envJWTSecret = "GROUPS_JWT_SECRET"
	envJWTIssuer = "GROUPS_JWT_ISSUER"

	envOTLPEndpoint    = "GROUPS_OTLP_ENDPOINT"
	envOTLPSampleRatio = "GROUPS_OTLP_SAMPLE_RATIO"
	envEnvironment     = "GROUPS_ENVIRONMENT"
)

type envLookup func(string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	if value, ok := lookup(envLogFormat); ok && strings.EqualFold(strings.TrimSpace(value), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level := log.InfoLevel
	if value, ok := lookup(envLogLevel); ok && strings.TrimSpace(value) != "" {
		parsed, err := log.ParseLevel(strings.TrimSpace(value))
		if err != nil {
			log.WithError(err).Warnf("invalid %s, using info", envLogLevel)
		} else {
			level = parsed
		}
	}
	log.SetLevel(level)
}

// readConfigFromEnv накладывает переменные окружения на DefaultConfig.
// Некорректные значения не роняют сервис: остаётся значение по умолчанию, а в warnings попадает причина.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	return overlayEnv(app.DefaultConfig(), lookup)
}

func overlayEnv(cfg app.Config, lookup envLookup) (app.Config, []string) {
	var warnings []string
	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, value, err))
	}

	str := func(key string, target *string) {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*target = strings.TrimSpace(value)
		}
	}
	boolean := func(key string, target *bool) {
		value, ok := lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := parseBool(value)
		if err != nil {
			warn(key, value, err)
			return
		}
		*target = parsed
	}
	integer := func(key string, target *int, valid func(int) bool, rule string) {
		value, ok := lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := parseInt(value, valid, rule)
		if err != nil {
			warn(key, value, err)
			return
		}
		*target = parsed
	}
	duration := func(key string, target *time.Duration, valid func(time.Duration) bool, rule string) {
		value, ok := lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := parseDuration(value, valid, rule)
		if err != nil {
			warn(key, value, err)
			return
		}
		*target = parsed
	}

	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	str(envHTTPAddr, &cfg.HTTPAddr)
	str(envGRPCAddr, &cfg.GRPCAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)

	if value, ok := lookup(envStorageDriver); ok && strings.TrimSpace(value) != "" {
		cfg.StorageDriver = strings.ToLower(strings.TrimSpace(value))
	}
	str(envPostgresDSN, &cfg.PostgresDSN)
	boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	integer(envPostgresMaxOpenConns, &cfg.PostgresMaxOpenConns, positive, "must be > 0")

	str(envRedisAddr, &cfg.RedisAddr)
	if value, ok := lookup(envRedisPassword); ok {
		cfg.RedisPassword = value
	}
	integer(envRedisDB, &cfg.RedisDB, nonNegative, "must be >= 0")
	duration(envRedisLockTTL, &cfg.RedisLockTTL, positiveDuration, "must be > 0")
	duration(envLockTimeout, &cfg.LockTimeout, positiveDuration, "must be > 0")

	str(envKafkaBrokers, &cfg.KafkaBrokers)
	str(envKafkaTopic, &cfg.KafkaTopic)

	duration(envSchedulerInterval, &cfg.SchedulerInterval, positiveDuration, "must be > 0")
	integer(envSchedulerBatchSize, &cfg.SchedulerBatchSize, positive, "must be > 0")

	duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	integer(envOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	integer(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	duration(envOutboxMaxPendingAge, &cfg.OutboxMaxPendingAge, nonNegativeDuration, "must be >= 0")

	duration(envIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")
	duration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	integer(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positive, "must be > 0")

	str(envInviteBaseURL, &cfg.InviteBaseURL)
	duration(envInviteRetention, &cfg.InviteRetention, positiveDuration, "must be > 0")

	if value, ok := lookup(envJWTSecret); ok {
		cfg.JWTSecret = strings.TrimSpace(value)
	}
	str(envJWTIssuer, &cfg.JWTIssuer)

	str(envOTLPEndpoint, &cfg.OTLPEndpoint)
	if value, ok := lookup(envOTLPSampleRatio); ok && strings.TrimSpace(value) != "" {
		ratio, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		switch {
		case err != nil:
			warn(envOTLPSampleRatio, value, err)
		case ratio < 0 || ratio > 1:
			warn(envOTLPSampleRatio, value, errors.New("must be within [0, 1]"))
		default:
			cfg.OTLPSampleRatio = ratio
		}
	}
	str(envEnvironment, &cfg.Environment)

	return cfg, warnings
}

// loadConfig читает файл из GROUPS_CONFIG_FILE (если задан) и накладывает окружение поверх него.
func loadConfig(lookup envLookup) (app.Config, []string, error) {
	cfg := app.DefaultConfig()
	if path, ok := lookup(envConfigFile); ok && strings.TrimSpace(path) != "" {
		fileCfg, err := app.LoadConfigFile(strings.TrimSpace(path), cfg)
		if err != nil {
			return app.Config{}, nil, err
		}
		cfg = fileCfg
	}
	cfg, warnings := overlayEnv(cfg, lookup)
	return cfg, warnings, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}

func main() {
	setupLogger(os.LookupEnv)
	gin.SetMode(gin.ReleaseMode)

	cfg, warnings, err := loadConfig(os.LookupEnv)
	if err != nil {
		log.WithError(err).Fatal("не удалось прочитать конфигурацию")
	}
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":      cfg.HTTPAddr,
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"build":          version.String(),
	}).Info("запускаем GroupService")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("GroupService остановлен")
}
