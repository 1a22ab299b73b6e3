package access

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/queue"
)

// RunIngress drains one partition of the push ingress stream, used by
// event and real-time flows that deliver records instead of being
// polled. Records are routed to strategies by metric id.
func (w *Worker) RunIngress(ctx context.Context, partition int, consumerName string) error {
	c, err := w.Queues.NewConsumer(ctx, queue.StreamIngress, partition, "access", consumerName)
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
			log.Error().Err(err).Str("stream", c.Stream()).Msg("ingress fetch failed")
			continue
		}
		for _, msg := range msgs {
			var rec model.RawRecord
			if err := json.Unmarshal(msg.Payload, &rec); err != nil {
				log.Error().Err(err).Str("id", msg.ID).Msg("bad ingress record, acking away")
				_ = c.Ack(ctx, msg.ID)
				continue
			}
			w.HandleIngress(ctx, &rec)
			_ = c.Ack(ctx, msg.ID)
		}
	}
}

// RunAlertIngress drains pushed anomaly records (the alert and incident
// ingest types, including operator acks) straight onto the alert stream,
// skipping detect and trigger. Pushers write these to a stream of their
// own so the point ingress consumers never steal them.
func (w *Worker) RunAlertIngress(ctx context.Context, partition int, consumerName string) error {
	c, err := w.Queues.NewConsumer(ctx, queue.StreamAlertIngress, partition, "access", consumerName)
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
			log.Error().Err(err).Str("stream", c.Stream()).Msg("alert ingress fetch failed")
			continue
		}
		for _, msg := range msgs {
			var rec model.AnomalyRecord
			if err := json.Unmarshal(msg.Payload, &rec); err != nil {
				log.Error().Err(err).Str("id", msg.ID).Msg("bad pushed anomaly record, acking away")
				_ = c.Ack(ctx, msg.ID)
				continue
			}
			if rec.StrategyID == 0 || rec.DedupeMD5 == "" {
				w.Metrics.AccessDropped.WithLabelValues("incomplete_alert").Inc()
				_ = c.Ack(ctx, msg.ID)
				continue
			}
			if err := w.Queues.Publish(ctx, queue.StreamAnomaly, rec.DedupeMD5, &rec); err != nil {
				log.Error().Err(err).Str("dedupe", rec.DedupeMD5).Msg("pushed anomaly publish failed")
			} else {
				w.Metrics.AccessPoints.WithLabelValues(strconv.Itoa(rec.StrategyID)).Inc()
			}
			_ = c.Ack(ctx, msg.ID)
		}
	}
}

// HandleIngress feeds one pushed record to every strategy item bound to
// its metric id.
func (w *Worker) HandleIngress(ctx context.Context, rec *model.RawRecord) {
	if rec.MetricID == "" {
		w.Metrics.AccessDropped.WithLabelValues("no_metric_id").Inc()
		return
	}
	snap := w.Cache.Current()
	for _, strategy := range snap.Strategies {
		if strategy.Composite != nil {
			continue
		}
		for i := range strategy.Items {
			item := &strategy.Items[i]
			for j := range item.QueryConfigs {
				qc := &item.QueryConfigs[j]
				if qc.MetricID != rec.MetricID {
					continue
				}
				gk := model.StrategyGroupKey(strategy.ID, qc)
				w.Process(ctx, snap, strategy, item, gk, rec)
			}
		}
	}
}
