// Package token implements the per-strategy-group admission gate. A
// bucket grants a number of seconds of datasource query time per window;
// overspending extends the cool-down proportionally so a slow backend
// penalizes only itself.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrExhausted is returned by Acquire when the bucket has no tokens left.
var ErrExhausted = errors.New("token bucket exhausted")

const (
	keyPrefix  = "alertpipe:token:"
	maxCoolOff = 30 * time.Minute
)

// Bucket hands out query-time budget for strategy groups.
type Bucket struct {
	rdb            *redis.Client
	tokenPerWindow int
	window         time.Duration
}

func NewBucket(rdb *redis.Client, tokenPerWindow int, window time.Duration) *Bucket {
	if tokenPerWindow <= 0 {
		tokenPerWindow = 30
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Bucket{rdb: rdb, tokenPerWindow: tokenPerWindow, window: window}
}

// tokensFor scales the budget for groups polling faster than once a
// minute, so a 10s-interval group gets a proportionally larger budget.
func (b *Bucket) tokensFor(interval time.Duration) int {
	if interval <= 0 || interval >= time.Minute {
		return b.tokenPerWindow
	}
	return b.tokenPerWindow * int(time.Minute/interval)
}

// Acquire admits one access cycle for the group. The bucket key is
// created race-free on first touch; a bucket at or below zero denies.
func (b *Bucket) Acquire(ctx context.Context, groupKey string, interval time.Duration) error {
	key := keyPrefix + groupKey
	created, err := b.rdb.SetNX(ctx, key, b.tokensFor(interval), b.window).Result()
	if err != nil {
		return err
	}
	if created {
		return nil
	}
	remaining, err := b.rdb.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// expired between SetNX and Get; next cycle recreates it
			return nil
		}
		return err
	}
	if remaining <= 0 {
		return ErrExhausted
	}
	return nil
}

var releaseScript = redis.NewScript(`
local remaining = redis.call('DECRBY', KEYS[1], ARGV[1])
if remaining <= 0 then
  local ttl = redis.call('TTL', KEYS[1])
  if ttl < 0 then ttl = 0 end
  local newttl = ttl + (0 - remaining) * tonumber(ARGV[2])
  if newttl > tonumber(ARGV[3]) then newttl = tonumber(ARGV[3]) end
  if newttl < 1 then newttl = 1 end
  redis.call('EXPIRE', KEYS[1], newttl)
end
return remaining
`)

// Release charges the measured query time against the group's budget.
// Spending past zero lengthens the key TTL by one window-share per
// overspent token, capped at 30 minutes.
func (b *Bucket) Release(ctx context.Context, groupKey string, elapsed time.Duration) error {
	spent := int64(elapsed / time.Second)
	if elapsed > 0 && spent == 0 {
		spent = 1
	}
	if spent <= 0 {
		return nil
	}
	secondsPerToken := int64(b.window/time.Second) / int64(b.tokenPerWindow)
	key := keyPrefix + groupKey
	remaining, err := releaseScript.Run(ctx, b.rdb, []string{key},
		spent, secondsPerToken, int64(maxCoolOff/time.Second)).Int64()
	if err != nil {
		return err
	}
	if remaining <= 0 {
		log.Warn().Str("group", groupKey).Int64("remaining", remaining).
			Dur("elapsed", elapsed).Msg("strategy group over budget, cooling off")
	}
	return nil
}

// ThrottledGroup describes one exhausted bucket for the ops surface.
type ThrottledGroup struct {
	GroupKey  string        `json:"group_key"`
	Remaining int64         `json:"remaining"`
	TTL       time.Duration `json:"ttl"`
}

// Throttled enumerates the groups currently denied admission.
func (b *Bucket) Throttled(ctx context.Context) ([]ThrottledGroup, error) {
	var out []ThrottledGroup
	iter := b.rdb.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := b.rdb.Get(ctx, key).Int64()
		if err != nil {
			continue
		}
		if n > 0 {
			continue
		}
		ttl, err := b.rdb.TTL(ctx, key).Result()
		if err != nil {
			continue
		}
		out = append(out, ThrottledGroup{
			GroupKey:  key[len(keyPrefix):],
			Remaining: n,
			TTL:       ttl,
		})
	}
	if err := iter.Err(); err != nil {
		return out, err
	}
	return out, nil
}
