package composite

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/alertpipe/alertpipe/internal/configcache"
	"github.com/alertpipe/alertpipe/internal/index"
	"github.com/alertpipe/alertpipe/internal/metrics"
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/queue"
)

const (
	maxRetries = 2
	retryDelay = 5 * time.Second
)

// Worker consumes alert transitions and re-evaluates the composite
// strategies referencing the transitioned strategy as an input.
type Worker struct {
	Store   index.Store
	Cache   *configcache.Cache
	Queues  *queue.Queues
	Rdb     *redis.Client
	Metrics *metrics.Metrics

	// RetryDelay is shortened in tests.
	RetryDelay time.Duration
	Now        func() time.Time

	mu       sync.Mutex
	compiled map[exprKey]compiledExpr
}

type exprKey struct {
	strategyID int
	version    int64
}

type compiledExpr struct {
	node exprNode
	err  error
}

func NewWorker(store index.Store, cache *configcache.Cache, queues *queue.Queues, rdb *redis.Client, m *metrics.Metrics) *Worker {
	return &Worker{
		Store:      store,
		Cache:      cache,
		Queues:     queues,
		Rdb:        rdb,
		Metrics:    m,
		RetryDelay: retryDelay,
		Now:        time.Now,
		compiled:   map[exprKey]compiledExpr{},
	}
}

// compiledFor parses a strategy's expression once per config snapshot.
func (w *Worker) compiledFor(snap *configcache.Snapshot, cs *model.Strategy) (exprNode, error) {
	key := exprKey{strategyID: cs.ID, version: snap.Version}
	w.mu.Lock()
	defer w.mu.Unlock()
	if ce, ok := w.compiled[key]; ok {
		return ce.node, ce.err
	}
	// drop entries from older snapshots; the working set is tiny
	for k := range w.compiled {
		if k.version != key.version {
			delete(w.compiled, k)
		}
	}
	node, err := parseExpr(cs.Composite.Expression)
	w.compiled[key] = compiledExpr{node: node, err: err}
	return node, err
}

// Run drains one transition partition until the context ends.
func (w *Worker) Run(ctx context.Context, partition int, consumerName string) error {
	c, err := w.Queues.NewConsumer(ctx, queue.StreamTransition, partition, "composite", consumerName)
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
			log.Error().Err(err).Str("stream", c.Stream()).Msg("composite fetch failed")
			continue
		}
		for _, msg := range msgs {
			var tr model.AlertTransition
			if err := json.Unmarshal(msg.Payload, &tr); err != nil {
				log.Error().Err(err).Str("id", msg.ID).Msg("bad transition, acking away")
				_ = c.Ack(ctx, msg.ID)
				continue
			}
			if err := w.Handle(ctx, &tr); err != nil {
				log.Error().Err(err).Str("alert_id", tr.AlertID).Msg("composite evaluation failed")
			}
			_ = c.Ack(ctx, msg.ID)
		}
	}
}

// Handle re-evaluates every composite strategy wired to the transitioned
// strategy. When the alert is not yet visible in the index the
// transition is re-scheduled with bounded retries.
func (w *Worker) Handle(ctx context.Context, tr *model.AlertTransition) error {
	snap := w.Cache.Current()
	targets := snap.CompositeByInput[tr.StrategyID]
	if len(targets) == 0 {
		return nil
	}

	alert, err := w.Store.GetAlert(ctx, tr.AlertID)
	if err != nil {
		return err
	}
	if alert == nil {
		// Index has not caught up yet. Inclusive bound: retry_times of
		// 0, 1 and 2 all re-schedule, the 4th sighting drops.
		if tr.RetryTimes > maxRetries {
			log.Warn().Str("alert_id", tr.AlertID).Msg("alert never reached index, dropping transition")
			return nil
		}
		w.reschedule(tr)
		return nil
	}

	for _, cs := range targets {
		// Cycles are broken by never re-entering the strategy that
		// produced the input alert.
		if cs.ID == tr.StrategyID {
			continue
		}
		if err := w.evaluate(ctx, snap, cs); err != nil {
			log.Error().Err(err).Int("strategy_id", cs.ID).Msg("composite strategy evaluation failed")
		}
	}
	return nil
}

func (w *Worker) reschedule(tr *model.AlertTransition) {
	next := *tr
	next.RetryTimes++
	time.AfterFunc(w.RetryDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.Queues.Publish(ctx, queue.StreamTransition, next.DedupeMD5, next); err != nil {
			log.Error().Err(err).Str("alert_id", next.AlertID).Msg("transition reschedule failed")
		}
	})
}

func (w *Worker) stateKey(strategyID int) string {
	return "alertpipe:composite:state:" + strconv.Itoa(strategyID)
}

// evaluate computes the expression over current open alerts and emits a
// synthetic record when the result flips.
func (w *Worker) evaluate(ctx context.Context, snap *configcache.Snapshot, cs *model.Strategy) error {
	cfg := cs.Composite
	node, err := w.compiledFor(snap, cs)
	if err != nil {
		return fmt.Errorf("strategy %d expression: %w", cs.ID, err)
	}

	vals := make(map[string]bool, len(cfg.Conditions))
	var lastValue float64
	for _, cond := range cfg.Conditions {
		open, err := w.Store.OpenAlertsByStrategy(ctx, cond.StrategyID)
		if err != nil {
			return err
		}
		matched := false
		for _, a := range open {
			if cond.MaxLevel > 0 && a.Severity > cond.MaxLevel {
				continue
			}
			matched = true
			break
		}
		vals[cond.Alias] = matched
		if matched {
			lastValue = 1
		}
	}

	current := node.eval(vals)
	if w.Metrics != nil {
		w.Metrics.CompositeEvaluated.Inc()
	}

	prev, err := w.Rdb.Get(ctx, w.stateKey(cs.ID)).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	was := prev == "1"
	if current == was {
		return nil
	}
	state := "0"
	if current {
		state = "1"
	}
	if err := w.Rdb.Set(ctx, w.stateKey(cs.ID), state, 0).Err(); err != nil {
		return err
	}

	// The level is fixed per strategy so the open and recovery records
	// share one dedup key.
	level := cfg.Level
	if level == 0 {
		level = model.LevelWarning
	}

	now := w.Now().Unix()
	rec := &model.AnomalyRecord{
		Kind:             model.RecordAnomaly,
		StrategyID:       cs.ID,
		BkBizID:          cs.BkBizID,
		Dimensions:       map[string]string{"composite_strategy_id": strconv.Itoa(cs.ID)},
		Level:            level,
		FirstAnomalyTime: now,
		LastAnomalyTime:  now,
		Value:            lastValue,
		Message:          fmt.Sprintf("关联策略 %s 条件满足: %s", cs.Name, cfg.Expression),
	}
	if !current {
		rec.Kind = model.RecordRecovery
		rec.Message = fmt.Sprintf("关联策略 %s 条件不再满足, 告警恢复", cs.Name)
	}
	rec.DimsMD5 = model.DimensionsMD5(rec.Dimensions)
	rec.Fingerprint()
	return w.Queues.Publish(ctx, queue.StreamAnomaly, rec.DedupeMD5, rec)
}
