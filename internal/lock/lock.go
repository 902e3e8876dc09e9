package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when another holder owns the key
var ErrNotObtained = errors.New("lock is held by another process")

// Locker serializes critical sections, possibly across processes
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock is a held lock
type Lock interface {
	Release(ctx context.Context) error
}

// RedisLocker uses redislock so several panel instances sharing one
// database do not create campaigns concurrently
type RedisLocker struct {
	client *redis.Client
	locker *redislock.Client
	prefix string
	retry  redislock.RetryStrategy
}

// RedisConfig configures the Redis locker
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// WaitFor bounds how long Obtain retries before giving up
	WaitFor time.Duration
}

// NewRedisLocker connects to Redis and verifies the connection
func NewRedisLocker(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "wapanel:lock:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	retry := redislock.NoRetry()
	if cfg.WaitFor > 0 {
		retry = redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), int(cfg.WaitFor/(100*time.Millisecond)))
	}

	return &RedisLocker{
		client: client,
		locker: redislock.New(client),
		prefix: cfg.Prefix,
		retry:  retry,
	}, nil
}

// Obtain takes key for ttl
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lk, err := l.locker.Obtain(ctx, l.prefix+key, ttl, &redislock.Options{RetryStrategy: l.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}
	return lk, nil
}

// Close closes the Redis client
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// LocalLocker is an in-process Locker for single-instance deployments
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time)}
}

// Obtain takes key for ttl without waiting
func (l *LocalLocker) Obtain(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, ErrNotObtained
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return &localLock{owner: l, key: key, exp: exp}, nil
}

type localLock struct {
	owner *LocalLocker
	key   string
	exp   time.Time
}

func (k *localLock) Release(context.Context) error {
	k.owner.mu.Lock()
	defer k.owner.mu.Unlock()
	// A lock that expired and was taken again belongs to the new holder
	if exp, ok := k.owner.held[k.key]; ok && exp.Equal(k.exp) {
		delete(k.owner.held, k.key)
	}
	return nil
}
