package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alertpipe/alertpipe/internal/metrics"
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/queue"
	"github.com/rs/zerolog/log"
)

// Source is the read-only strategy view the worker evaluates against,
// satisfied by the config cache.
type Source interface {
	Strategy(id int) *model.Strategy
	SnapshotVersion() int64
}

// Worker drains normalized points and emits per-point detect results.
type Worker struct {
	Source  Source
	History *RedisHistory
	Queues  *queue.Queues
	Metrics *metrics.Metrics

	mu       sync.Mutex
	compiled map[compileKey]*compiledItem
}

type compileKey struct {
	strategyID int
	itemID     int
	version    int64
}

type compiledLevel struct {
	level int
	algos []Algorithm
}

type compiledItem struct {
	aggInterval int
	// retention covers the longest algorithm lookback plus one cycle
	retention time.Duration
	// levels sorted most severe first (level 1 first)
	levels []compiledLevel
	broken error // permanent config error, pipeline halted for the item
}

func NewWorker(source Source, history *RedisHistory, queues *queue.Queues, m *metrics.Metrics) *Worker {
	return &Worker{
		Source:   source,
		History:  history,
		Queues:   queues,
		Metrics:  m,
		compiled: map[compileKey]*compiledItem{},
	}
}

// Run drains one points partition until the context ends. Errors on
// individual records are logged and the loop continues.
func (w *Worker) Run(ctx context.Context, partition int, consumerName string) error {
	c, err := w.Queues.NewConsumer(ctx, queue.StreamPoints, partition, "detect", consumerName)
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
			log.Error().Err(err).Str("stream", c.Stream()).Msg("detect fetch failed")
			continue
		}
		for _, msg := range msgs {
			if err := w.handle(ctx, msg.Payload); err != nil {
				log.Error().Err(err).Str("id", msg.ID).Msg("detect record failed, skipping")
			}
			_ = c.Ack(ctx, msg.ID)
		}
	}
}

func (w *Worker) handle(ctx context.Context, payload []byte) error {
	var point model.DataPoint
	if err := json.Unmarshal(payload, &point); err != nil {
		return fmt.Errorf("decode point: %w", err)
	}
	result, err := w.Detect(ctx, &point)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	routeKey := fmt.Sprintf("%d:%d:%s", point.StrategyID, point.ItemID, point.DimsMD5)
	return w.Queues.Publish(ctx, queue.StreamDetect, routeKey, result)
}

// Detect runs the compiled algorithms of the point's item. Severity
// levels are tried most severe first; the first level whose algorithms
// all match wins and less severe levels are not evaluated.
func (w *Worker) Detect(ctx context.Context, point *model.DataPoint) (*model.DetectResult, error) {
	strategy := w.Source.Strategy(point.StrategyID)
	if strategy == nil {
		log.Warn().Int("strategy_id", point.StrategyID).Msg("point for unknown strategy, dropped")
		return nil, nil
	}
	var item *model.Item
	for i := range strategy.Items {
		if strategy.Items[i].ID == point.ItemID {
			item = &strategy.Items[i]
			break
		}
	}
	if item == nil {
		return nil, fmt.Errorf("strategy %d has no item %d", point.StrategyID, point.ItemID)
	}
	ci := w.compiledFor(strategy, item)
	if ci.broken != nil {
		// permanent config error; this item's pipeline stays halted
		// until the strategy is fixed and resnapshotted
		return nil, ci.broken
	}

	if err := w.History.Put(ctx, point.StrategyID, point.ItemID, point.DimsMD5, point.Timestamp, point.Value, ci.retention); err != nil {
		return nil, fmt.Errorf("history put: %w", err)
	}
	if w.Metrics != nil {
		w.Metrics.DetectPoints.WithLabelValues(strconv.Itoa(point.StrategyID)).Inc()
	}

	result := &model.DetectResult{Point: *point}
	for _, lvl := range ci.levels {
		matched := true
		var messages []string
		var engine string
		for _, algo := range lvl.algos {
			outcome, err := algo.Detect(ctx, point)
			if err != nil {
				return nil, fmt.Errorf("algorithm %s: %w", algo.Name(), err)
			}
			if !outcome.Anomalous {
				matched = false
				break
			}
			messages = append(messages, outcome.Message)
			engine = algo.Name()
		}
		if !matched {
			continue
		}
		result.Anomalies = append(result.Anomalies, model.AnomalyPoint{
			DataPoint:      *point,
			Level:          lvl.level,
			AnomalyMessage: joinMessages(messages),
			DetectEngine:   engine,
		})
		if w.Metrics != nil {
			w.Metrics.DetectAnomalies.WithLabelValues(
				strconv.Itoa(point.StrategyID), strconv.Itoa(lvl.level)).Inc()
		}
		// most severe level wins, stop here
		break
	}
	return result, nil
}

func joinMessages(msgs []string) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}

func (w *Worker) compiledFor(strategy *model.Strategy, item *model.Item) *compiledItem {
	key := compileKey{strategyID: strategy.ID, itemID: item.ID, version: w.Source.SnapshotVersion()}
	w.mu.Lock()
	defer w.mu.Unlock()
	if ci, ok := w.compiled[key]; ok {
		return ci
	}
	// drop entries from older snapshots; the working set is tiny
	for k := range w.compiled {
		if k.version != key.version {
			delete(w.compiled, k)
		}
	}
	ci := w.compile(item)
	w.compiled[key] = ci
	return ci
}

func (w *Worker) compile(item *model.Item) *compiledItem {
	aggInterval := 60
	if len(item.QueryConfigs) > 0 && item.QueryConfigs[0].AggInterval > 0 {
		aggInterval = item.QueryConfigs[0].AggInterval
	}
	retention := time.Duration(10*aggInterval) * time.Second
	byLevel := map[int][]Algorithm{}
	for i := range item.Algorithms {
		cfg := &item.Algorithms[i]
		algo, err := Compile(cfg, aggInterval, w.History)
		if err != nil {
			return &compiledItem{broken: fmt.Errorf("item %d level %d: %w", item.ID, cfg.Level, err)}
		}
		if lb, ok := algo.(interface{ LookbackSeconds() int64 }); ok {
			if d := time.Duration(lb.LookbackSeconds()+int64(aggInterval)) * time.Second; d > retention {
				retention = d
			}
		}
		byLevel[cfg.Level] = append(byLevel[cfg.Level], algo)
	}
	levels := make([]int, 0, len(byLevel))
	for lvl := range byLevel {
		levels = append(levels, lvl)
	}
	sort.Ints(levels)
	ci := &compiledItem{aggInterval: aggInterval, retention: retention}
	for _, lvl := range levels {
		ci.levels = append(ci.levels, compiledLevel{level: lvl, algos: byLevel[lvl]})
	}
	return ci
}
