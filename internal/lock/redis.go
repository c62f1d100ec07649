package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

const (
	defaultRedisLockTTL      = 10 * time.Second
	defaultRedisRetryDelay   = 5 * time.Millisecond
	defaultRedisKeyPrefix    = "groupbooking:lock:"
	defaultRedisPingAttempts = 3
)

// releaseScript удаляет ключ, только если он всё ещё принадлежит владельцу.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions задаёт параметры распределённой блокировки.
type RedisOptions struct {
	// TTL ограничивает время жизни ключа, если процесс-владелец упал.
	TTL        time.Duration
	RetryDelay time.Duration
	KeyPrefix  string
	Logger     *log.Entry
}

// RedisLocker: распределённая блокировка группы через SET NX PX.
type RedisLocker struct {
	client     redis.UniversalClient
	ttl        time.Duration
	retryDelay time.Duration
	prefix     string
	logger     *log.Entry
}

// NewRedisLocker создаёт распределённый Locker поверх готового клиента.
func NewRedisLocker(client redis.UniversalClient, opts RedisOptions) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = defaultRedisLockTTL
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRedisRetryDelay
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultRedisKeyPrefix
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "redis-lock")
	}

	return &RedisLocker{
		client:     client,
		ttl:        opts.TTL,
		retryDelay: opts.RetryDelay,
		prefix:     opts.KeyPrefix,
		logger:     opts.Logger,
	}
}

// Acquire реализует Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (ReleaseFunc, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: redis lock: %v", domain.ErrStoreUnavailable, err)
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}

		if !time.Now().Add(l.retryDelay).Before(deadline) {
			return nil, domain.ErrGroupBusy
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
}

func (l *RedisLocker) releaser(redisKey, token string) ReleaseFunc {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.WithError(err).WithField("key", redisKey).Warn("failed to release redis lock, waiting for ttl")
		}
	}
}

// NewRedisClient подключается к Redis с несколькими попытками ping.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	var lastErr error
	for attempt := 0; attempt < defaultRedisPingAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				_ = client.Close()
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
	}

	_ = client.Close()
	return nil, fmt.Errorf("connect to redis after %d attempts: %w", defaultRedisPingAttempts, lastErr)
}

var _ Locker = (*RedisLocker)(nil)
