package detect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHistory stores recent series values in a TTL'd hash per
// (strategy, item, dimension set), keyed by timestamp. Every write
// refreshes the key TTL and drops fields older than the retention
// horizon, so a long-lived series never grows its hash without bound.
type RedisHistory struct {
	rdb *redis.Client
}

func NewRedisHistory(rdb *redis.Client) *RedisHistory {
	return &RedisHistory{rdb: rdb}
}

func historyKey(strategyID, itemID int, dimsMD5 string) string {
	return fmt.Sprintf("alertpipe:detect:%d:%d:%s", strategyID, itemID, dimsMD5)
}

// trimScript drops hash fields whose timestamp fell out of the
// retention horizon.
var trimScript = redis.NewScript(`
local fields = redis.call('HKEYS', KEYS[1])
local cutoff = tonumber(ARGV[1])
local removed = 0
for i = 1, #fields do
	if tonumber(fields[i]) < cutoff then
		redis.call('HDEL', KEYS[1], fields[i])
		removed = removed + 1
	end
end
return removed`)

// Put records one value. The retention covers the longest lookback of
// the item's algorithms; older fields are trimmed on the way in.
func (h *RedisHistory) Put(ctx context.Context, strategyID, itemID int, dimsMD5 string, ts int64, value float64, retention time.Duration) error {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	key := historyKey(strategyID, itemID, dimsMD5)
	pipe := h.rdb.TxPipeline()
	pipe.HSet(ctx, key, strconv.FormatInt(ts, 10), strconv.FormatFloat(value, 'f', -1, 64))
	pipe.Expire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return trimScript.Run(ctx, h.rdb, []string{key}, ts-int64(retention/time.Second)).Err()
}

func (h *RedisHistory) ValueAt(ctx context.Context, strategyID, itemID int, dimsMD5 string, ts int64) (float64, bool, error) {
	key := historyKey(strategyID, itemID, dimsMD5)
	s, err := h.rdb.HGet(ctx, key, strconv.FormatInt(ts, 10)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt history value %q: %w", s, err)
	}
	return v, true, nil
}
