// Package trigger converts per-point anomaly flags into anomaly records
// once an M-of-N count window is satisfied, and into recovery records
// when enough consecutive clean cycles follow. State lives in Redis so a
// restarted worker resumes mid-window.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alertpipe/alertpipe/internal/metrics"
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultTriggerCount   = 1
	defaultTriggerWindow  = 1
	defaultRecoveryWindow = 5
)

// Source is the strategy view, satisfied by the config cache.
type Source interface {
	Strategy(id int) *model.Strategy
}

// Worker maintains the per-(strategy,item,dims,level) sliding windows.
type Worker struct {
	Source  Source
	Redis   *redis.Client
	Queues  *queue.Queues
	Metrics *metrics.Metrics
}

func NewWorker(source Source, rdb *redis.Client, queues *queue.Queues, m *metrics.Metrics) *Worker {
	return &Worker{Source: source, Redis: rdb, Queues: queues, Metrics: m}
}

// Run drains one detect partition until the context ends.
func (w *Worker) Run(ctx context.Context, partition int, consumerName string) error {
	c, err := w.Queues.NewConsumer(ctx, queue.StreamDetect, partition, "trigger", consumerName)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msgs, err := c.Fetch(ctx, 100, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("stream", c.Stream()).Msg("trigger fetch failed")
			continue
		}
		for _, msg := range msgs {
			var result model.DetectResult
			if err := json.Unmarshal(msg.Payload, &result); err != nil {
				log.Error().Err(err).Str("id", msg.ID).Msg("corrupt detect result, dropped")
			} else if err := w.Process(ctx, &result); err != nil {
				log.Error().Err(err).Str("id", msg.ID).Msg("trigger record failed, skipping")
			}
			_ = c.Ack(ctx, msg.ID)
		}
	}
}

// levelConfig is the count-window policy of one severity level.
type levelConfig struct {
	level          int
	triggerCount   int
	triggerWindow  int
	recoveryWindow int
}

func levelConfigs(item *model.Item) []levelConfig {
	seen := map[int]bool{}
	var out []levelConfig
	for i := range item.Algorithms {
		a := &item.Algorithms[i]
		if seen[a.Level] {
			continue
		}
		seen[a.Level] = true
		lc := levelConfig{
			level:          a.Level,
			triggerCount:   a.TriggerCount,
			triggerWindow:  a.TriggerWindow,
			recoveryWindow: a.RecoveryWindow,
		}
		if lc.triggerCount <= 0 {
			lc.triggerCount = defaultTriggerCount
		}
		if lc.triggerWindow < lc.triggerCount {
			lc.triggerWindow = max(lc.triggerCount, defaultTriggerWindow)
		}
		if lc.recoveryWindow <= 0 {
			lc.recoveryWindow = defaultRecoveryWindow
		}
		out = append(out, lc)
	}
	return out
}

// Process updates every configured level window with the point's outcome.
// An anomaly at a severe level also counts as anomalous for the less
// severe windows, since detection short-circuits at the first (most
// severe) matching level.
func (w *Worker) Process(ctx context.Context, result *model.DetectResult) error {
	point := &result.Point
	strategy := w.Source.Strategy(point.StrategyID)
	if strategy == nil {
		return nil
	}
	var item *model.Item
	for i := range strategy.Items {
		if strategy.Items[i].ID == point.ItemID {
			item = &strategy.Items[i]
			break
		}
	}
	if item == nil {
		return fmt.Errorf("strategy %d has no item %d", point.StrategyID, point.ItemID)
	}

	matchedLevel := 0 // 0 = clean point
	var matched *model.AnomalyPoint
	if len(result.Anomalies) > 0 {
		matched = &result.Anomalies[0]
		matchedLevel = matched.Level
	}

	aggInterval := 60
	if len(item.QueryConfigs) > 0 && item.QueryConfigs[0].AggInterval > 0 {
		aggInterval = item.QueryConfigs[0].AggInterval
	}

	for _, lc := range levelConfigs(item) {
		anomalous := matchedLevel != 0 && matchedLevel <= lc.level
		if err := w.advance(ctx, strategy, point, matched, lc, anomalous, aggInterval); err != nil {
			return err
		}
	}
	return nil
}

func windowKey(strategyID, itemID int, dimsMD5 string, level int) string {
	return fmt.Sprintf("alertpipe:trigger:%d:%d:%s:%d", strategyID, itemID, dimsMD5, level)
}

func openKey(dedupeMD5 string) string {
	return "alertpipe:trigger:open:" + dedupeMD5
}

// advance pushes one cycle into a level window and emits the open or
// recovery transition when the policy is met.
func (w *Worker) advance(ctx context.Context, strategy *model.Strategy, point *model.DataPoint,
	matched *model.AnomalyPoint, lc levelConfig, anomalous bool, aggInterval int) error {

	key := windowKey(point.StrategyID, point.ItemID, point.DimsMD5, lc.level)
	flag := "0"
	if anomalous {
		flag = "1"
	}
	keep := int64(max(lc.triggerWindow, lc.recoveryWindow))
	pipe := w.Redis.TxPipeline()
	pipe.LPush(ctx, key, fmt.Sprintf("%d:%s", point.Timestamp, flag))
	pipe.LTrim(ctx, key, 0, keep-1)
	pipe.Expire(ctx, key, time.Duration(10*aggInterval)*time.Second)
	entriesCmd := pipe.LRange(ctx, key, 0, keep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("window update: %w", err)
	}
	entries := entriesCmd.Val()

	dedupe := model.DedupeMD5(point.StrategyID, point.ItemID, point.DimsMD5, lc.level)
	openVal, err := w.Redis.Get(ctx, openKey(dedupe)).Result()
	open := err == nil
	if err != nil && err != redis.Nil {
		return err
	}

	if !open {
		count, firstTS := countAnomalous(entries, lc.triggerWindow)
		if count >= lc.triggerCount && anomalous {
			return w.emitOpen(ctx, strategy, point, matched, lc, dedupe, firstTS, aggInterval)
		}
		return nil
	}

	// open: close after recoveryWindow consecutive clean cycles
	if consecutiveClean(entries) >= lc.recoveryWindow {
		firstTS, _ := strconv.ParseInt(openVal, 10, 64)
		return w.emitRecovery(ctx, strategy, point, lc, dedupe, firstTS)
	}
	return nil
}

// countAnomalous counts anomalous cycles within the first window entries
// (most recent first) and returns the earliest anomalous timestamp.
func countAnomalous(entries []string, window int) (int, int64) {
	count := 0
	var firstTS int64
	for i, e := range entries {
		if i >= window {
			break
		}
		ts, flag, ok := splitEntry(e)
		if !ok || flag != "1" {
			continue
		}
		count++
		firstTS = ts
	}
	return count, firstTS
}

func consecutiveClean(entries []string) int {
	n := 0
	for _, e := range entries {
		_, flag, ok := splitEntry(e)
		if !ok || flag != "0" {
			break
		}
		n++
	}
	return n
}

func splitEntry(e string) (int64, string, bool) {
	tsStr, flag, ok := strings.Cut(e, ":")
	if !ok {
		return 0, "", false
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return ts, flag, true
}

func (w *Worker) emitOpen(ctx context.Context, strategy *model.Strategy, point *model.DataPoint,
	matched *model.AnomalyPoint, lc levelConfig, dedupe string, firstTS int64, aggInterval int) error {

	record := model.AnomalyRecord{
		Kind:             model.RecordAnomaly,
		StrategyID:       point.StrategyID,
		ItemID:           point.ItemID,
		BkBizID:          strategy.BkBizID,
		DimsMD5:          point.DimsMD5,
		Dimensions:       point.Dimensions,
		Level:            lc.level,
		FirstAnomalyTime: firstTS,
		LastAnomalyTime:  point.Timestamp,
		Value:            point.Value,
		DedupeMD5:        dedupe,
	}
	if matched != nil {
		record.Message = matched.AnomalyMessage
	}
	if err := w.Queues.Publish(ctx, queue.StreamAnomaly, dedupe, &record); err != nil {
		if errors.Is(err, queue.ErrHighWatermark) {
			// shed; the window still holds, so the next cycle re-emits
			if w.Metrics != nil {
				w.Metrics.QueueShed.WithLabelValues(queue.StreamAnomaly).Inc()
			}
			return nil
		}
		return err
	}
	// the open marker owns the dedup key until recovery; it outlives the
	// window so slow recoveries still close cleanly
	ttl := time.Duration(max(10*aggInterval, 3600)) * time.Second * 24
	if err := w.Redis.Set(ctx, openKey(dedupe), strconv.FormatInt(firstTS, 10), ttl).Err(); err != nil {
		return err
	}
	if w.Metrics != nil {
		w.Metrics.TriggerRecords.WithLabelValues(model.RecordAnomaly).Inc()
	}
	log.Info().Int("strategy_id", point.StrategyID).Int("level", lc.level).
		Str("dedupe", dedupe).Msg("anomaly record emitted")
	return nil
}

func (w *Worker) emitRecovery(ctx context.Context, strategy *model.Strategy, point *model.DataPoint,
	lc levelConfig, dedupe string, firstTS int64) error {

	record := model.AnomalyRecord{
		Kind:             model.RecordRecovery,
		StrategyID:       point.StrategyID,
		ItemID:           point.ItemID,
		BkBizID:          strategy.BkBizID,
		DimsMD5:          point.DimsMD5,
		Dimensions:       point.Dimensions,
		Level:            lc.level,
		FirstAnomalyTime: firstTS,
		LastAnomalyTime:  point.Timestamp,
		Value:            point.Value,
		Message:          fmt.Sprintf("连续%d个周期无异常, 告警恢复", lc.recoveryWindow),
		DedupeMD5:        dedupe,
	}
	if err := w.Queues.Publish(ctx, queue.StreamAnomaly, dedupe, &record); err != nil {
		if errors.Is(err, queue.ErrHighWatermark) {
			// keep the open marker so recovery is retried next cycle
			if w.Metrics != nil {
				w.Metrics.QueueShed.WithLabelValues(queue.StreamAnomaly).Inc()
			}
			return nil
		}
		return err
	}
	if err := w.Redis.Del(ctx, openKey(dedupe)).Err(); err != nil {
		return err
	}
	if w.Metrics != nil {
		w.Metrics.TriggerRecords.WithLabelValues(model.RecordRecovery).Inc()
	}
	log.Info().Int("strategy_id", point.StrategyID).Int("level", lc.level).
		Str("dedupe", dedupe).Msg("recovery record emitted")
	return nil
}
