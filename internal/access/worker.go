package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/alertpipe/alertpipe/internal/configcache"
	"github.com/alertpipe/alertpipe/internal/metrics"
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/nodata"
	"github.com/alertpipe/alertpipe/internal/queue"
	"github.com/alertpipe/alertpipe/internal/router"
	"github.com/alertpipe/alertpipe/internal/token"
)

// Worker polls datasources for every strategy group this instance owns
// and feeds the normalized point stream.
type Worker struct {
	Cache      *configcache.Cache
	Tokens     *token.Bucket
	Queues     *queue.Queues
	Datasource Datasource
	Tracker    *nodata.Tracker
	Rdb        *redis.Client
	Router     *router.Router
	Metrics    *metrics.Metrics

	// HashRing splits strategy groups across InstanceCount workers when
	// enabled; otherwise every instance polls every group.
	HashRing      bool
	InstanceIndex int
	InstanceCount int

	QueryTimeout time.Duration
	Now          func() time.Time

	mu      sync.Mutex
	nextRun map[string]int64
}

func NewWorker(cache *configcache.Cache, tokens *token.Bucket, queues *queue.Queues, ds Datasource, tracker *nodata.Tracker, rdb *redis.Client, r *router.Router, m *metrics.Metrics) *Worker {
	return &Worker{
		Cache:         cache,
		Tokens:        tokens,
		Queues:        queues,
		Datasource:    ds,
		Tracker:       tracker,
		Rdb:           rdb,
		Router:        r,
		Metrics:       m,
		InstanceCount: 1,
		QueryTimeout:  30 * time.Second,
		Now:           time.Now,
		nextRun:       map[string]int64{},
	}
}

// Run sweeps owned strategy groups until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep polls every owned strategy group whose interval elapsed.
func (w *Worker) Sweep(ctx context.Context) {
	snap := w.Cache.Current()
	for _, sid := range w.Cache.PolledStrategyIDs() {
		strategy := snap.Strategies[sid]
		if strategy == nil {
			continue
		}
		if w.Router != nil && !w.Router.Match("bk_biz_id", strconv.Itoa(strategy.BkBizID)) {
			continue
		}
		for i := range strategy.Items {
			item := &strategy.Items[i]
			for j := range item.QueryConfigs {
				qc := &item.QueryConfigs[j]
				gk := model.StrategyGroupKey(sid, qc)
				if !w.owns(gk) {
					continue
				}
				if !w.due(gk, qc) {
					continue
				}
				if err := w.PollGroup(ctx, snap, strategy, item, qc, gk); err != nil {
					log.Error().Err(err).Int("strategy_id", sid).Str("group", gk).Msg("access poll failed")
				}
			}
		}
	}
}

func (w *Worker) owns(groupKey string) bool {
	if !w.HashRing || w.InstanceCount <= 1 {
		return true
	}
	return int(xxhash.Sum64String(groupKey)%uint64(w.InstanceCount)) == w.InstanceIndex
}

func (w *Worker) due(groupKey string, qc *model.QueryConfig) bool {
	interval := int64(qc.AggInterval)
	if interval <= 0 {
		interval = 60
	}
	now := w.Now().Unix()
	w.mu.Lock()
	defer w.mu.Unlock()
	if now < w.nextRun[groupKey] {
		return false
	}
	w.nextRun[groupKey] = now + interval
	return true
}

// PollGroup runs one admission-gated query cycle for a strategy group.
func (w *Worker) PollGroup(ctx context.Context, snap *configcache.Snapshot, strategy *model.Strategy, item *model.Item, qc *model.QueryConfig, groupKey string) error {
	interval := time.Duration(qc.AggInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	if err := w.Tokens.Acquire(ctx, groupKey, interval); err != nil {
		if errors.Is(err, token.ErrExhausted) {
			w.Metrics.AccessTokenForbidden.WithLabelValues(groupKey).Inc()
			log.Warn().Str("group", groupKey).Msg("token bucket exhausted, skipping cycle")
			return nil
		}
		return err
	}

	end := w.Now().Unix()
	start := end - int64(interval/time.Second)
	qctx, cancel := context.WithTimeout(ctx, w.QueryTimeout)
	queryStart := time.Now()
	records, qerr := w.Datasource.Query(qctx, qc, start, end)
	cancel()
	elapsed := time.Since(queryStart)
	w.Metrics.AccessQuerySeconds.Observe(elapsed.Seconds())
	if rerr := w.Tokens.Release(ctx, groupKey, elapsed); rerr != nil {
		log.Error().Err(rerr).Str("group", groupKey).Msg("token release failed")
	}
	if qerr != nil {
		return qerr
	}

	for i := range records {
		w.Process(ctx, snap, strategy, item, groupKey, &records[i])
	}
	if w.Tracker != nil {
		if err := w.Tracker.MarkRun(ctx, strategy.ID, w.Now()); err != nil {
			log.Error().Err(err).Int("strategy_id", strategy.ID).Msg("access run timestamp write failed")
		}
	}
	return nil
}

// Process cleans, enriches and publishes one raw record.
func (w *Worker) Process(ctx context.Context, snap *configcache.Snapshot, strategy *model.Strategy, item *model.Item, groupKey string, r *model.RawRecord) {
	p := normalize(r, strategy, item)

	expire := &ExpireFilter{Now: w.Now}
	if !expire.Keep(p, item) {
		w.Metrics.AccessDropped.WithLabelValues(expire.Name()).Inc()
		return
	}

	for _, f := range []Fuller{&HostFuller{Snap: snap}, &ServiceInstanceFuller{Snap: snap}} {
		f.Fill(p)
	}
	p.DimsMD5 = model.DimensionsMD5(p.Dimensions)
	if p.RecordID == "" {
		p.RecordID = model.RecordID(p.StrategyID, p.ItemID, p.DimsMD5, p.Timestamp)
	}

	rng := &RangeFilter{Snap: snap}
	if !rng.Keep(p, item) {
		// out of scope, but the series still exists for no-data
		w.observe(ctx, item, p)
		w.Metrics.AccessDropped.WithLabelValues(rng.Name()).Inc()
		return
	}
	hs := &HostStatusFilter{Snap: snap}
	if !hs.Keep(p, item) {
		w.Metrics.AccessDropped.WithLabelValues(hs.Name()).Inc()
		return
	}

	fresh, err := w.Rdb.SetNX(ctx, "alertpipe:access:dup:"+p.RecordID, 1, time.Hour).Result()
	if err != nil {
		log.Error().Err(err).Str("record_id", p.RecordID).Msg("dedup check failed, passing point through")
	} else if !fresh {
		w.Metrics.AccessDropped.WithLabelValues("duplicate").Inc()
		return
	}

	w.observe(ctx, item, p)

	// Discrete events carry their own severity and need no algorithm
	// evaluation, so they skip the points stream.
	if isEventItem(item) {
		w.publishEvent(ctx, item, p)
		return
	}

	if err := w.Queues.Publish(ctx, queue.StreamPoints, groupKey, p); err != nil {
		if errors.Is(err, queue.ErrHighWatermark) {
			w.Metrics.QueueShed.WithLabelValues(queue.StreamPoints).Inc()
			return
		}
		log.Error().Err(err).Str("record_id", p.RecordID).Msg("point publish failed")
		return
	}
	w.Metrics.AccessPoints.WithLabelValues(strconv.Itoa(p.StrategyID)).Inc()
}

func isEventItem(item *model.Item) bool {
	return len(item.QueryConfigs) > 0 && item.QueryConfigs[0].DataTypeLabel == "event"
}

// publishEvent forwards one event record to the trigger input with the
// event's severity as the matched level.
func (w *Worker) publishEvent(ctx context.Context, item *model.Item, p *model.DataPoint) {
	level := model.LevelWarning
	if raw, ok := p.Extra["severity"]; ok {
		var n int
		if err := json.Unmarshal(raw, &n); err == nil && n >= model.LevelFatal && n <= model.LevelRemind {
			level = n
		}
	}
	message := ""
	if raw, ok := p.Extra["anomaly_message"]; ok {
		_ = json.Unmarshal(raw, &message)
	}
	result := &model.DetectResult{
		Point: *p,
		Anomalies: []model.AnomalyPoint{{
			DataPoint:      *p,
			Level:          level,
			AnomalyMessage: message,
			DetectEngine:   "event",
		}},
	}
	routeKey := fmt.Sprintf("%d:%d:%s", p.StrategyID, p.ItemID, p.DimsMD5)
	if err := w.Queues.Publish(ctx, queue.StreamDetect, routeKey, result); err != nil {
		if errors.Is(err, queue.ErrHighWatermark) {
			w.Metrics.QueueShed.WithLabelValues(queue.StreamDetect).Inc()
			return
		}
		log.Error().Err(err).Str("record_id", p.RecordID).Msg("event publish failed")
		return
	}
	w.Metrics.AccessPoints.WithLabelValues(strconv.Itoa(p.StrategyID)).Inc()
}

func (w *Worker) observe(ctx context.Context, item *model.Item, p *model.DataPoint) {
	if w.Tracker == nil || !item.NoDataConfig.IsEnabled {
		return
	}
	if err := w.Tracker.Observe(ctx, p); err != nil {
		log.Error().Err(err).Str("dims_md5", p.DimsMD5).Msg("no-data observe failed")
	}
}

func normalize(r *model.RawRecord, strategy *model.Strategy, item *model.Item) *model.DataPoint {
	dims := make(map[string]string, len(r.Dimensions))
	for k, v := range r.Dimensions {
		dims[k] = v
	}
	var extra map[string]json.RawMessage
	if len(r.Values) > 0 {
		extra = make(map[string]json.RawMessage, len(r.Values))
		for k, v := range r.Values {
			extra[k] = v
		}
	}
	return &model.DataPoint{
		Timestamp:  r.Time,
		Value:      r.Value,
		Dimensions: dims,
		RecordID:   r.RecordID,
		StrategyID: strategy.ID,
		ItemID:     item.ID,
		Extra:      extra,
	}
}
