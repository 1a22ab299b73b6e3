// Package dispatch executes action requests against notice channels,
// webhooks and downstream queues. Failure stays at the action level; the
// originating alert is never touched.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alertpipe/alertpipe/internal/index"
	"github.com/alertpipe/alertpipe/internal/metrics"
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/queue"
)

const (
	defaultMaxRetries    = 2
	defaultRetryInterval = 2 * time.Second
	responseExcerptLen   = 200
)

// Dispatcher drains the action stream and runs one plugin per action.
type Dispatcher struct {
	Store     index.Store
	Queues    *queue.Queues
	Metrics   *metrics.Metrics
	Notifiers map[string]Notifier

	// Sleep is replaceable in tests.
	Sleep func(context.Context, time.Duration)
}

func New(store index.Store, queues *queue.Queues, m *metrics.Metrics, notifiers map[string]Notifier) *Dispatcher {
	return &Dispatcher{
		Store:     store,
		Queues:    queues,
		Metrics:   m,
		Notifiers: notifiers,
		Sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
}

// Run drains one action partition until the context ends.
func (d *Dispatcher) Run(ctx context.Context, partition int, consumerName string) error {
	c, err := d.Queues.NewConsumer(ctx, queue.StreamAction, partition, "dispatch", consumerName)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msgs, err := c.Fetch(ctx, 50, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("stream", c.Stream()).Msg("dispatch fetch failed")
			continue
		}
		for _, msg := range msgs {
			var action model.Action
			if err := json.Unmarshal(msg.Payload, &action); err != nil {
				log.Error().Err(err).Str("id", msg.ID).Msg("bad action payload, acking away")
				_ = c.Ack(ctx, msg.ID)
				continue
			}
			if err := d.Execute(ctx, &action); err != nil {
				log.Error().Err(err).Str("action_id", action.ID).Msg("action execution failed")
			}
			_ = c.Ack(ctx, msg.ID)
		}
	}
}

// Execute runs one action to a terminal status with bounded retries.
// Replays of already-terminal actions are no-ops.
func (d *Dispatcher) Execute(ctx context.Context, action *model.Action) error {
	existing, err := d.Store.GetAction(ctx, action.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Terminal() {
		return nil
	}

	notifier := d.Notifiers[action.PluginType]
	if notifier == nil {
		action.Status = model.ActionFailure
		action.ResponseExcerpt = fmt.Sprintf("no notifier for plugin %q", action.PluginType)
		action.EndTime = time.Now().Unix()
		d.count(action)
		return d.Store.UpsertAction(ctx, action)
	}

	action.Status = model.ActionRunning
	if err := d.Store.UpsertAction(ctx, action); err != nil {
		return err
	}

	title, content, err := d.render(ctx, action)
	if err != nil {
		return d.finish(ctx, action, model.ActionFailure, err.Error())
	}

	maxRetries := intFromConfig(action.Execution, "max_retry_times", defaultMaxRetries)
	interval := time.Duration(intFromConfig(action.Execution, "retry_interval", int(defaultRetryInterval/time.Second))) * time.Second

	start := time.Now()
	var lastResp string
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			action.RetryCount = attempt
			d.Sleep(ctx, interval)
			if ctx.Err() != nil {
				break
			}
		}
		lastResp, lastErr = notifier.Send(ctx, action, title, content)
		if lastErr == nil {
			break
		}
		log.Warn().Err(lastErr).Str("action_id", action.ID).Int("attempt", attempt).Msg("notify attempt failed")
	}
	if d.Metrics != nil {
		d.Metrics.ActionSeconds.Observe(time.Since(start).Seconds())
	}
	action.ElapsedMS = time.Since(start).Milliseconds()

	if lastErr != nil {
		excerpt := lastErr.Error()
		if lastResp != "" {
			excerpt = lastResp
		}
		return d.finish(ctx, action, model.ActionFailure, excerpt)
	}
	return d.finish(ctx, action, model.ActionSuccess, lastResp)
}

func (d *Dispatcher) finish(ctx context.Context, action *model.Action, status, excerpt string) error {
	action.Status = status
	action.EndTime = time.Now().Unix()
	action.ResponseExcerpt = truncate(excerpt, responseExcerptLen)
	d.count(action)
	return d.Store.UpsertAction(ctx, action)
}

func (d *Dispatcher) count(action *model.Action) {
	if d.Metrics != nil {
		d.Metrics.ActionsExecuted.WithLabelValues(action.PluginType, strings.ToLower(action.Status)).Inc()
	}
}

// render builds title and content from the action's template, with the
// first referenced alert as context.
func (d *Dispatcher) render(ctx context.Context, action *model.Action) (string, string, error) {
	var alert *model.Alert
	if len(action.AlertIDs) > 0 {
		a, err := d.Store.GetAlert(ctx, action.AlertIDs[0])
		if err != nil {
			return "", "", err
		}
		alert = a
	}

	tmplSrc, _ := action.Execution["template"].(string)
	if tmplSrc == "" {
		return action.Title, action.Content, nil
	}
	tmpl, err := template.New("action").Parse(tmplSrc)
	if err != nil {
		return "", "", fmt.Errorf("parse action template: %w", err)
	}
	var buf strings.Builder
	err = tmpl.Execute(&buf, map[string]any{
		"Action": action,
		"Alert":  alert,
	})
	if err != nil {
		return "", "", fmt.Errorf("render action template: %w", err)
	}
	return action.Title, buf.String(), nil
}

func intFromConfig(cfg map[string]any, key string, def int) int {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		var out int
		if _, err := fmt.Sscanf(n, "%d", &out); err == nil {
			return out
		}
	}
	return def
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
