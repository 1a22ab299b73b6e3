// Package alertmgr builds and maintains alert lifecycle documents from
// anomaly records. Per-alert mutations are serialized on a distributed
// lock scoped to the dedup key; alerts with different keys update in
// parallel.
package alertmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alertpipe/alertpipe/internal/configcache"
	"github.com/alertpipe/alertpipe/internal/index"
	"github.com/alertpipe/alertpipe/internal/metrics"
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/queue"
)

// Manager is the alert state machine worker.
type Manager struct {
	Store   index.Store
	Cache   *configcache.Cache
	Queues  *queue.Queues
	Locker  *Locker
	Metrics *metrics.Metrics

	// Now is replaceable in tests.
	Now func() time.Time
}

func NewManager(store index.Store, cache *configcache.Cache, queues *queue.Queues, locker *Locker, m *metrics.Metrics) *Manager {
	return &Manager{
		Store:   store,
		Cache:   cache,
		Queues:  queues,
		Locker:  locker,
		Metrics: m,
		Now:     time.Now,
	}
}

// Run drains one anomaly partition until the context ends.
func (m *Manager) Run(ctx context.Context, partition int, consumerName string) error {
	c, err := m.Queues.NewConsumer(ctx, queue.StreamAnomaly, partition, "alertmgr", consumerName)
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
			log.Error().Err(err).Str("stream", c.Stream()).Msg("alertmgr fetch failed")
			continue
		}
		for _, msg := range msgs {
			var rec model.AnomalyRecord
			if err := json.Unmarshal(msg.Payload, &rec); err != nil {
				log.Error().Err(err).Str("id", msg.ID).Msg("bad anomaly record, acking away")
				_ = c.Ack(ctx, msg.ID)
				continue
			}
			if err := m.Process(ctx, &rec); err != nil {
				log.Error().Err(err).Str("dedupe", rec.DedupeMD5).Msg("anomaly record failed, skipping")
			}
			_ = c.Ack(ctx, msg.ID)
		}
	}
}

// Process applies one record to the alert owning its dedup key.
func (m *Manager) Process(ctx context.Context, rec *model.AnomalyRecord) error {
	if rec.DedupeMD5 == "" {
		rec.Fingerprint()
	}
	lock, err := m.Locker.Acquire(ctx, rec.DedupeMD5, 10*time.Second)
	if err != nil {
		return fmt.Errorf("lock %s: %w", rec.DedupeMD5, err)
	}
	defer func() { _ = lock.Release(ctx) }()

	switch rec.Kind {
	case model.RecordAnomaly, model.RecordNoData:
		return m.handleAnomaly(ctx, rec)
	case model.RecordRecovery:
		return m.handleClose(ctx, rec, model.StatusRecovered, model.SignalRecovered, "recovered")
	case model.RecordAck:
		return m.handleClose(ctx, rec, model.StatusClosed, model.SignalClosed, "ack")
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
}

func (m *Manager) handleAnomaly(ctx context.Context, rec *model.AnomalyRecord) error {
	alert, err := m.Store.GetOpenAlert(ctx, rec.DedupeMD5)
	if err != nil {
		return err
	}
	if alert == nil {
		return m.openAlert(ctx, rec)
	}
	// Replayed or late record, the alert already covers this instant.
	if rec.LastAnomalyTime <= alert.LastAnomalyTime {
		return nil
	}

	alert.EventCount++
	alert.LastAnomalyTime = rec.LastAnomalyTime
	alert.Duration = alert.LastAnomalyTime - alert.FirstAnomalyTime
	severityChanged := false
	if rec.Level < alert.Severity {
		alert.Severity = rec.Level
		severityChanged = true
	}

	snap := m.Cache.Current()
	strategy := snap.Strategies[alert.StrategyID]
	assignment := Assign(snap, strategy, alert)
	if err := m.maybeUpgrade(ctx, snap, strategy, alert, assignment); err != nil {
		log.Error().Err(err).Str("alert_id", alert.ID).Msg("upgrade push failed")
	}

	if err := m.Store.UpsertAlert(ctx, alert); err != nil {
		return err
	}
	if severityChanged {
		m.publishTransition(ctx, alert)
	}
	return nil
}

func (m *Manager) openAlert(ctx context.Context, rec *model.AnomalyRecord) error {
	now := m.Now().Unix()
	snap := m.Cache.Current()
	strategy := snap.Strategies[rec.StrategyID]

	alert := &model.Alert{
		ID:               model.AlertID(rec.DedupeMD5, rec.FirstAnomalyTime),
		DedupeMD5:        rec.DedupeMD5,
		Severity:         rec.Level,
		Status:           model.StatusAbnormal,
		Stage:            model.StageNew,
		BeginTime:        now,
		FirstAnomalyTime: rec.FirstAnomalyTime,
		LastAnomalyTime:  rec.LastAnomalyTime,
		Duration:         rec.LastAnomalyTime - rec.FirstAnomalyTime,
		EventCount:       1,
		StrategyID:       rec.StrategyID,
		ItemID:           rec.ItemID,
		BkBizID:          rec.BkBizID,
		Dimensions:       rec.Dimensions,
	}
	if strategy != nil {
		alert.AlertName = strategy.Name
	}
	if rec.Kind == model.RecordNoData {
		alert.Labels = append(alert.Labels, "no_data")
	}

	Enrich(snap, alert)
	alert.Stage = model.StageChecking
	assignment := Assign(snap, strategy, alert)

	shield := MatchShield(snap, alert, rec.LastAnomalyTime)
	if shield != nil {
		alert.ExtraInfo["shield_id"] = shield.ID
		m.Metrics.AlertsShielded.Inc()
	}

	if err := m.Store.UpsertAlert(ctx, alert); err != nil {
		return err
	}
	m.Metrics.AlertsOpened.Inc()

	if err := m.pushAction(ctx, snap, strategy, alert, assignment, model.SignalAbnormal, rec.Message, shield != nil); err != nil {
		log.Error().Err(err).Str("alert_id", alert.ID).Msg("action push failed")
	}
	m.publishTransition(ctx, alert)
	return nil
}

func (m *Manager) handleClose(ctx context.Context, rec *model.AnomalyRecord, status, signal, reason string) error {
	alert, err := m.Store.GetOpenAlert(ctx, rec.DedupeMD5)
	if err != nil {
		return err
	}
	if alert == nil {
		// Nothing open; recovery for an alert closed by ack or replay.
		return nil
	}
	alert.Status = status
	alert.Stage = model.StageClosed
	alert.EndTime = rec.LastAnomalyTime
	if alert.EndTime == 0 {
		alert.EndTime = m.Now().Unix()
	}
	alert.Duration = alert.EndTime - alert.FirstAnomalyTime

	snap := m.Cache.Current()
	strategy := snap.Strategies[alert.StrategyID]
	assignment := Assign(snap, strategy, alert)
	shield := MatchShield(snap, alert, alert.EndTime)

	if err := m.Store.UpsertAlert(ctx, alert); err != nil {
		return err
	}
	m.Metrics.AlertsClosed.WithLabelValues(reason).Inc()

	if err := m.pushAction(ctx, snap, strategy, alert, assignment, signal, rec.Message, shield != nil); err != nil {
		log.Error().Err(err).Str("alert_id", alert.ID).Msg("action push failed")
	}
	m.publishTransition(ctx, alert)
	return nil
}

// maybeUpgrade escalates a long-open alert to the next upgrade group at
// most once per group.
func (m *Manager) maybeUpgrade(ctx context.Context, snap *configcache.Snapshot, strategy *model.Strategy, alert *model.Alert, assignment Assignment) error {
	if assignment.UpgradeInterval <= 0 || len(assignment.UpgradeGroups) == 0 {
		return nil
	}
	now := m.Now().Unix()
	since := alert.BeginTime
	if alert.LastUpgradeTime > since {
		since = alert.LastUpgradeTime
	}
	if now-since < int64(assignment.UpgradeInterval)*60 {
		return nil
	}
	next := nextUpgradeGroup(assignment.UpgradeGroups, alert.LastUpgradeGroup)
	if next == 0 {
		return nil // all groups escalated
	}

	action := &model.Action{
		ID:         model.ActionID(alert.ID, model.SignalUpgrade, next),
		Signal:     model.SignalUpgrade,
		AlertIDs:   []string{alert.ID},
		StrategyID: alert.StrategyID,
		BkBizID:    alert.BkBizID,
		RelationID: next,
		Status:     model.ActionReceived,
		PluginType: model.PluginNotice,
		CreateTime: now,
		Receivers:  Receivers(snap, []int{next}),
		Title:      alert.AlertName,
		Content:    fmt.Sprintf("告警超过 %d 分钟未处理, 升级通知", assignment.UpgradeInterval),
	}
	if err := m.enqueueAction(ctx, action, false); err != nil {
		return err
	}
	alert.LastUpgradeGroup = next
	alert.LastUpgradeTime = now
	return nil
}

func nextUpgradeGroup(groups []int, last int) int {
	if last == 0 {
		return groups[0]
	}
	for i, g := range groups {
		if g == last {
			if i+1 < len(groups) {
				return groups[i+1]
			}
			return 0
		}
	}
	return groups[0]
}

// pushAction enqueues a notification for a state transition, honoring
// the strategy's signal filter and active shields.
func (m *Manager) pushAction(ctx context.Context, snap *configcache.Snapshot, strategy *model.Strategy, alert *model.Alert, assignment Assignment, signal, message string, shielded bool) error {
	if strategy != nil && !signalEnabled(strategy.Notice.Signal, signal) {
		return nil
	}
	action := &model.Action{
		ID:         model.ActionID(alert.ID, signal, 0),
		Signal:     signal,
		AlertIDs:   []string{alert.ID},
		StrategyID: alert.StrategyID,
		BkBizID:    alert.BkBizID,
		Status:     model.ActionReceived,
		PluginType: model.PluginNotice,
		CreateTime: m.Now().Unix(),
		Receivers:  Receivers(snap, assignment.UserGroups),
		Title:      alert.AlertName,
		Content:    message,
	}
	return m.enqueueAction(ctx, action, shielded)
}

// enqueueAction persists the action and hands it to the dispatcher. A
// terminal existing document means a replay; nothing is enqueued again.
func (m *Manager) enqueueAction(ctx context.Context, action *model.Action, shielded bool) error {
	existing, err := m.Store.GetAction(ctx, action.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Terminal() {
		return nil
	}
	if shielded {
		action.Status = model.ActionSkipped
		return m.Store.UpsertAction(ctx, action)
	}
	if err := m.Store.UpsertAction(ctx, action); err != nil {
		return err
	}
	return m.Queues.Publish(ctx, queue.StreamAction, action.ID, action)
}

func (m *Manager) publishTransition(ctx context.Context, alert *model.Alert) {
	t := model.AlertTransition{
		AlertID:    alert.ID,
		StrategyID: alert.StrategyID,
		ItemID:     alert.ItemID,
		BkBizID:    alert.BkBizID,
		DedupeMD5:  alert.DedupeMD5,
		Status:     alert.Status,
		Severity:   alert.Severity,
		Timestamp:  m.Now().Unix(),
	}
	if err := m.Queues.Publish(ctx, queue.StreamTransition, alert.DedupeMD5, t); err != nil {
		log.Error().Err(err).Str("alert_id", alert.ID).Msg("transition publish failed")
	}
}

func signalEnabled(enabled []string, signal string) bool {
	if len(enabled) == 0 {
		return true
	}
	for _, s := range enabled {
		if strings.EqualFold(s, signal) {
			return true
		}
	}
	return false
}
