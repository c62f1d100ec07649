package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервиса группового бронирования.
// Все поля сравнимы, чтобы конфигурацию можно было сравнивать с DefaultConfig.
type Config struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	GRPCAddr    string `mapstructure:"grpc_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	StorageDriver        string `mapstructure:"storage_driver"`
	PostgresDSN          string `mapstructure:"postgres_dsn"`
	PostgresAutoMigrate  bool   `mapstructure:"postgres_auto_migrate"`
	PostgresMaxOpenConns int    `mapstructure:"postgres_max_open_conns"`

	// RedisAddr включает распределённую блокировку групп поверх локальной.
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisLockTTL  time.Duration `mapstructure:"redis_lock_ttl"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`

	// KafkaBrokers: список через запятую. Пустой список отключает публикацию событий.
	KafkaBrokers  string `mapstructure:"kafka_brokers"`
	KafkaClientID string `mapstructure:"kafka_client_id"`
	KafkaTopic    string `mapstructure:"kafka_topic"`

	SchedulerInterval  time.Duration `mapstructure:"scheduler_interval"`
	SchedulerBatchSize int           `mapstructure:"scheduler_batch_size"`

	OutboxPollInterval  time.Duration `mapstructure:"outbox_poll_interval"`
	OutboxBatchSize     int           `mapstructure:"outbox_batch_size"`
	OutboxMaxAttempts   int           `mapstructure:"outbox_max_attempts"`
	OutboxRetryDelay    time.Duration `mapstructure:"outbox_retry_delay"`
	OutboxMaxPendingAge time.Duration `mapstructure:"outbox_max_pending_age"`

	IdempotencyTTL              time.Duration `mapstructure:"idempotency_ttl"`
	IdempotencyCleanupInterval  time.Duration `mapstructure:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize int           `mapstructure:"idempotency_cleanup_batch_size"`

	InviteBaseURL   string        `mapstructure:"invite_base_url"`
	InviteRetention time.Duration `mapstructure:"invite_retention"`

	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`

	OTLPEndpoint    string  `mapstructure:"otlp_endpoint"`
	OTLPSampleRatio float64 `mapstructure:"otlp_sample_ratio"`
	Environment     string  `mapstructure:"environment"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig возвращает настройки для локального запуска в памяти.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:        StorageDriverMemory,
		PostgresAutoMigrate:  true,
		PostgresMaxOpenConns: 25,

		RedisLockTTL: 10 * time.Second,
		LockTimeout:  2 * time.Second,

		KafkaClientID: "group-service",

		SchedulerInterval:  time.Second,
		SchedulerBatchSize: 100,

		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    50 * time.Millisecond,
		OutboxMaxPendingAge: 5 * time.Minute,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		InviteBaseURL:   "http://localhost:8080",
		InviteRetention: 30 * 24 * time.Hour,

		OTLPSampleRatio: 1,
		Environment:     "local",

		ShutdownTimeout: 5 * time.Second,
	}
}

// LoadConfigFile накладывает значения из YAML/JSON/TOML файла на base.
// Ключи, отсутствующие в файле, сохраняют значения base.
func LoadConfigFile(path string, base Config) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return base, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return base, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg := base
	if err := v.Unmarshal(&cfg); err != nil {
		return base, fmt.Errorf("decode config file %s: %w", path, err)
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	return cfg, nil
}

// kafkaBrokerList разбирает KafkaBrokers.
func (c Config) kafkaBrokerList() []string {
	chunks := strings.Split(c.KafkaBrokers, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
