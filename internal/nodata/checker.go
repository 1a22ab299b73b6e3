package nodata

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/alertpipe/alertpipe/internal/configcache"
	"github.com/alertpipe/alertpipe/internal/metrics"
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/queue"
	"github.com/alertpipe/alertpipe/internal/router"
)

const leaderKey = "alertpipe:nodata:leader"

// Checker is the cluster singleton scanning for series gone quiet. Only
// the instance holding the Redis leader lock runs a scan.
type Checker struct {
	Cache    *configcache.Cache
	Queues   *queue.Queues
	Rdb      *redis.Client
	Router   *router.Router
	Metrics  *metrics.Metrics
	Instance string

	// Offset is the intra-minute second the scan fires at.
	Offset int
	Now    func() time.Time
}

func NewChecker(cache *configcache.Cache, queues *queue.Queues, rdb *redis.Client, r *router.Router, m *metrics.Metrics, instance string, offset int) *Checker {
	if offset < 0 || offset > 59 {
		offset = 55
	}
	return &Checker{
		Cache:    cache,
		Queues:   queues,
		Rdb:      rdb,
		Router:   r,
		Metrics:  m,
		Instance: instance,
		Offset:   offset,
		Now:      time.Now,
	}
}

// Run fires a scan at the configured intra-minute offset until the
// context ends.
func (c *Checker) Run(ctx context.Context) error {
	for {
		wait := c.untilNextTick()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		lead, err := c.tryLead(ctx)
		if err != nil {
			log.Error().Err(err).Msg("no-data leader election failed")
			continue
		}
		if !lead {
			continue
		}
		if err := c.Check(ctx); err != nil {
			log.Error().Err(err).Msg("no-data scan failed")
		}
	}
}

func (c *Checker) untilNextTick() time.Duration {
	now := c.Now()
	next := now.Truncate(time.Minute).Add(time.Duration(c.Offset) * time.Second)
	if !next.After(now) {
		next = next.Add(time.Minute)
	}
	return next.Sub(now)
}

// tryLead acquires or keeps the service leader lock.
func (c *Checker) tryLead(ctx context.Context) (bool, error) {
	ok, err := c.Rdb.SetNX(ctx, leaderKey, c.Instance, 90*time.Second).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	owner, err := c.Rdb.Get(ctx, leaderKey).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	if owner != c.Instance {
		return false, nil
	}
	return true, c.Rdb.Expire(ctx, leaderKey, 90*time.Second).Err()
}

// Check scans every no-data-enabled strategy owned by this cluster.
func (c *Checker) Check(ctx context.Context) error {
	for _, sid := range c.Cache.NoDataStrategyIDs() {
		if c.Router != nil && !c.Router.Match("strategy", strconv.Itoa(sid)) {
			continue
		}
		strategy := c.Cache.Strategy(sid)
		if strategy == nil {
			continue
		}
		for i := range strategy.Items {
			item := &strategy.Items[i]
			if !item.NoDataConfig.IsEnabled {
				continue
			}
			if err := c.checkItem(ctx, strategy, item); err != nil {
				log.Error().Err(err).Int("strategy_id", sid).Int("item_id", item.ID).Msg("no-data item check failed")
			}
		}
	}
	return nil
}

func (c *Checker) checkItem(ctx context.Context, strategy *model.Strategy, item *model.Item) error {
	interval := int64(60)
	if len(item.QueryConfigs) > 0 && item.QueryConfigs[0].AggInterval > 0 {
		interval = int64(item.QueryConfigs[0].AggInterval)
	}
	now := c.Now().Unix()

	// Access health gate: a stalled poller means the silence is ours,
	// not the target's.
	grace := 2 * interval
	if g := int64(2 * c.Offset); g > grace {
		grace = g
	}
	lastRun, err := c.Rdb.Get(ctx, runKey(strategy.ID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	if now-lastRun > grace {
		log.Warn().Int("strategy_id", strategy.ID).Int64("last_run", lastRun).Msg("access unhealthy, skipping no-data check")
		return nil
	}

	entries, err := c.Rdb.HGetAll(ctx, seenKey(strategy.ID, item.ID)).Result()
	if err != nil {
		return err
	}
	quietAfter := int64(item.NoDataConfig.Continuous) * interval
	for dimsMD5, raw := range entries {
		var entry seenEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			log.Warn().Err(err).Str("dims_md5", dimsMD5).Msg("corrupt no-data entry, dropping")
			_ = c.Rdb.HDel(ctx, seenKey(strategy.ID, item.ID), dimsMD5).Err()
			continue
		}
		quiet := now-entry.Timestamp > quietAfter
		if err := c.transition(ctx, strategy, item, dimsMD5, entry.Dimensions, quiet, now); err != nil {
			return err
		}
	}
	return nil
}

// transition emits one synthetic record per quiet/alive flip.
func (c *Checker) transition(ctx context.Context, strategy *model.Strategy, item *model.Item, dimsMD5 string, dims map[string]string, quiet bool, now int64) error {
	level := item.NoDataConfig.Level
	if level == 0 {
		level = model.LevelWarning
	}
	dedupe := model.DedupeMD5(strategy.ID, item.ID, dimsMD5, level)
	marker := openKey(dedupe)

	open, err := c.Rdb.Exists(ctx, marker).Result()
	if err != nil {
		return err
	}

	switch {
	case quiet && open == 0:
		rec := &model.AnomalyRecord{
			Kind:             model.RecordNoData,
			StrategyID:       strategy.ID,
			ItemID:           item.ID,
			BkBizID:          strategy.BkBizID,
			DimsMD5:          dimsMD5,
			Dimensions:       dims,
			Level:            level,
			FirstAnomalyTime: now,
			LastAnomalyTime:  now,
			Message:          "数据中断, 连续周期无数据上报",
			DedupeMD5:        dedupe,
		}
		if err := c.Queues.Publish(ctx, queue.StreamAnomaly, dedupe, rec); err != nil {
			return err
		}
		if c.Metrics != nil {
			c.Metrics.NoDataSynthesized.Inc()
		}
		return c.Rdb.Set(ctx, marker, now, 24*time.Hour).Err()
	case !quiet && open == 1:
		rec := &model.AnomalyRecord{
			Kind:            model.RecordRecovery,
			StrategyID:      strategy.ID,
			ItemID:          item.ID,
			BkBizID:         strategy.BkBizID,
			DimsMD5:         dimsMD5,
			Dimensions:      dims,
			Level:           level,
			LastAnomalyTime: now,
			Message:         "数据上报恢复",
			DedupeMD5:       dedupe,
		}
		if err := c.Queues.Publish(ctx, queue.StreamAnomaly, dedupe, rec); err != nil {
			return err
		}
		return c.Rdb.Del(ctx, marker).Err()
	}
	return nil
}

// StrategyStatus is one strategy's no-data bookkeeping for the ops
// surface.
type StrategyStatus struct {
	StrategyID int   `json:"strategy_id"`
	LastRun    int64 `json:"last_access_run,omitempty"`
	SeenSeries int64 `json:"seen_series"`
}

// Status reports the current leader and per-strategy bookkeeping.
func (c *Checker) Status(ctx context.Context) (string, []StrategyStatus, error) {
	leader, err := c.Rdb.Get(ctx, leaderKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", nil, err
	}
	var out []StrategyStatus
	for _, sid := range c.Cache.NoDataStrategyIDs() {
		st := StrategyStatus{StrategyID: sid}
		if ts, err := c.Rdb.Get(ctx, runKey(sid)).Int64(); err == nil {
			st.LastRun = ts
		}
		strategy := c.Cache.Strategy(sid)
		if strategy != nil {
			for i := range strategy.Items {
				n, err := c.Rdb.HLen(ctx, seenKey(sid, strategy.Items[i].ID)).Result()
				if err == nil {
					st.SeenSeries += n
				}
			}
		}
		out = append(out, st)
	}
	return leader, out, nil
}
