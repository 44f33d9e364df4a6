package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Locker serializes work on one key across worker processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// RedsyncLocker is a Locker on a Redis redlock.
type RedsyncLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
}

func NewRedsyncLocker(client *redis.Client, expiry time.Duration) *RedsyncLocker {
	if expiry <= 0 {
		expiry = 2 * time.Minute
	}
	return &RedsyncLocker{rs: redsync.New(goredis.NewPool(client)), expiry: expiry}
}

// Lock tries once. A held lock is an error so the job is retried after the holder finishes.
func (l *RedsyncLocker) Lock(ctx context.Context, key string) (func(), error) {
	mutex := l.rs.NewMutex("fulfillment:lock:"+key, redsync.WithExpiry(l.expiry), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return func() {
		if _, err := mutex.UnlockContext(context.Background()); err != nil {
			log.WithError(err).WithFields(log.Fields{"component": "workflow", "lock": key}).Warn("Failed to release lock")
		}
	}, nil
}

// paceScript keeps one theoretical arrival time per provider. Each admitted purchase pushes it
// one interval forward; a purchase that would push it more than a period ahead of now is refused
// and told how many milliseconds to wait.
var paceScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local period = tonumber(ARGV[3])
local tat = tonumber(redis.call("GET", KEYS[1]) or now)
if tat < now then
  tat = now
end
local nextTat = tat + interval
local wait = nextTat - now - period
if wait > 0 then
  return wait
end
redis.call("SET", KEYS[1], nextTat, "PX", nextTat - now)
return 0
`)

// ProviderThrottle paces purchases per provider. A zero wait admits the purchase.
type ProviderThrottle interface {
	Admit(ctx context.Context, provider domain.ProviderKind) (wait time.Duration, err error)
}

// RedisProviderThrottle spreads each provider's purchases evenly over the minute, shared by
// every worker through Redis. Up to perMinute purchases may burst from idle.
type RedisProviderThrottle struct {
	client    redis.UniversalClient
	prefix    string
	perMinute int
	now       func() time.Time
}

func NewRedisProviderThrottle(client redis.UniversalClient, prefix string, perMinute int) *RedisProviderThrottle {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "fulfillment:provider_pace"
	}
	return &RedisProviderThrottle{client: client, prefix: prefix, perMinute: perMinute, now: time.Now}
}

func (t *RedisProviderThrottle) Admit(ctx context.Context, provider domain.ProviderKind) (time.Duration, error) {
	if t == nil || t.client == nil || t.perMinute <= 0 || provider == "" {
		return 0, nil
	}
	interval := time.Minute.Milliseconds() / int64(t.perMinute)
	if interval < 1 {
		interval = 1
	}
	key := t.prefix + ":" + string(provider)
	waitMs, err := paceScript.Run(ctx, t.client, []string{key}, t.now().UnixMilli(), interval, time.Minute.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("pace provider %s: %w", provider, err)
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}
