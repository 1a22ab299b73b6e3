package alertmgr

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when the per-alert lock cannot be acquired
// within the configured wait.
var ErrLockTimeout = errors.New("alert lock acquisition timed out")

// releaseLockScript deletes the lock only when the caller still owns it.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker serializes mutations of one alert across workers. Lock scope is
// the dedup key, so updates to different alerts proceed in parallel.
type Locker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{rdb: rdb, ttl: ttl}
}

// Lock is one held lock; Release is safe to call once.
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
}

// Acquire polls SET NX until the lock is held or maxWait passes.
func (l *Locker) Acquire(ctx context.Context, dedupeMD5 string, maxWait time.Duration) (*Lock, error) {
	key := "alertpipe:alert:lock:" + dedupeMD5
	token := uuid.New().String()
	deadline := time.Now().Add(maxWait)
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{rdb: l.rdb, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (lk *Lock) Release(ctx context.Context) error {
	return releaseLockScript.Run(ctx, lk.rdb, []string{lk.key}, lk.token).Err()
}
