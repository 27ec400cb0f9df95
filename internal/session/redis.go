package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix    = "polyplexity:lock:thread:"
	defaultLockTTL   = 5 * time.Minute
	defaultPollEvery = 100 * time.Millisecond
	releaseTimeout   = 2 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker serialises turns across replicas with SET NX. Each holder
// writes a random token so only the owner can release or extend the lock.
type RedisLocker struct {
	client    *redis.Client
	ttl       time.Duration
	wait      time.Duration
	pollEvery time.Duration
	logger    *log.Logger
}

// NewRedisLocker creates a distributed locker. The lock expires after ttl
// unless its holder is alive to refresh it.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration, logger *log.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SESSION] ", log.LstdFlags)
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait, pollEvery: defaultPollEvery, logger: logger}
}

// LockKey is the Redis key guarding threadID.
func LockKey(threadID string) string { return lockKeyPrefix + threadID }

func (l *RedisLocker) Lock(ctx context.Context, threadID string) (func(), error) {
	key := LockKey(threadID)
	token := uuid.NewString()

	var deadline time.Time
	if l.wait > 0 {
		deadline = time.Now().Add(l.wait)
	}
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, threadID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollEvery):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Printf("release %s: %v", key, err)
			}
		})
	}, nil
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.Printf("refresh %s: %v", key, err)
				continue
			}
			if n == 0 {
				l.logger.Printf("lock %s lost before release", key)
				return
			}
		}
	}
}
