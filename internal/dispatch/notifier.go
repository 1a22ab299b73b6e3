package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/alertpipe/alertpipe/internal/model"
)

// Notifier executes one plugin type. The returned string is the raw
// channel response, truncated by the dispatcher before persisting.
type Notifier interface {
	Send(ctx context.Context, action *model.Action, title, content string) (string, error)
}

// HTTPNotice posts notifications to the notice gateway, the default
// "notice" plugin.
type HTTPNotice struct {
	Client     *http.Client
	GatewayURL string
}

func (n *HTTPNotice) Send(ctx context.Context, action *model.Action, title, content string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"receivers": action.Receivers,
		"title":     title,
		"content":   content,
		"signal":    action.Signal,
		"alert_ids": action.AlertIDs,
	})
	if err != nil {
		return "", err
	}
	return postJSON(ctx, n.Client, n.GatewayURL, body)
}

// Webhook posts the rendered payload to the URL named in the action's
// execution config.
type Webhook struct {
	Client *http.Client
}

func (w *Webhook) Send(ctx context.Context, action *model.Action, title, content string) (string, error) {
	url, _ := action.Execution["url"].(string)
	if url == "" {
		return "", fmt.Errorf("webhook action %s has no url", action.ID)
	}
	body, err := json.Marshal(map[string]any{
		"title":     title,
		"content":   content,
		"signal":    action.Signal,
		"alert_ids": action.AlertIDs,
	})
	if err != nil {
		return "", err
	}
	return postJSON(ctx, w.Client, url, body)
}

// MessageQueue appends the rendered payload to a redis stream named by
// the execution config, for downstream systems tailing alerts.
type MessageQueue struct {
	Rdb *redis.Client
}

func (m *MessageQueue) Send(ctx context.Context, action *model.Action, title, content string) (string, error) {
	stream, _ := action.Execution["stream"].(string)
	if stream == "" {
		return "", fmt.Errorf("message_queue action %s has no stream", action.ID)
	}
	id, err := m.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"title":   title,
			"content": content,
			"signal":  action.Signal,
		},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return string(raw), fmt.Errorf("channel returned %d", resp.StatusCode)
	}
	return string(raw), nil
}
