// Package queue is the Redis Streams plumbing between pipeline stages.
// A strategy group key is hashed to one partition, so each key has a
// single writer and a single consumer, preserving per-key ordering.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Stream names used by the pipeline. The configured prefix namespaces
// them, e.g. "alertpipe:points:3".
const (
	StreamIngress      = "ingress"
	StreamAlertIngress = "alert_ingress"
	StreamPoints       = "points"
	StreamDetect       = "detect"
	StreamAnomaly      = "anomaly"
	StreamAction       = "action"
	StreamTransition   = "transition"
)

// ErrHighWatermark is returned by Publish when the stream is over its
// shed threshold.
var ErrHighWatermark = errors.New("stream over high watermark")

// Queues wraps the producer and consumer sides over one redis client.
type Queues struct {
	rdb        *redis.Client
	prefix     string
	partitions int
	maxLen     int64
}

func New(rdb *redis.Client, prefix string, partitions int, maxLen int64) *Queues {
	if partitions <= 0 {
		partitions = 1
	}
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &Queues{rdb: rdb, prefix: prefix, partitions: partitions, maxLen: maxLen}
}

// Partition picks the stream partition for a key.
func (q *Queues) Partition(key string) int {
	return int(xxhash.Sum64String(key) % uint64(q.partitions))
}

// Partitions exposes the partition count for consumers spawning readers.
func (q *Queues) Partitions() int { return q.partitions }

// StreamKey builds the redis key of one partition of a named stream.
func (q *Queues) StreamKey(name string, partition int) string {
	return fmt.Sprintf("%s:%s:%d", q.prefix, name, partition)
}

// Publish appends a JSON payload to the partition owning routeKey. The
// stream length is trimmed approximately to the configured max; crossing
// twice the max sheds the record instead.
func (q *Queues) Publish(ctx context.Context, name, routeKey string, v any) error {
	stream := q.StreamKey(name, q.Partition(routeKey))
	n, err := q.rdb.XLen(ctx, stream).Result()
	if err == nil && n >= 2*q.maxLen {
		return fmt.Errorf("%w: %s len=%d", ErrHighWatermark, stream, n)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal stream payload: %w", err)
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
}

// Message is one stream entry handed to a stage worker.
type Message struct {
	ID      string
	Payload []byte
}

// Consumer reads one partition of a named stream within a consumer group.
type Consumer struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
}

// NewConsumer binds a consumer to a stream partition, creating the group
// from the stream start if it does not exist.
func (q *Queues) NewConsumer(ctx context.Context, name string, partition int, group, consumer string) (*Consumer, error) {
	stream := q.StreamKey(name, partition)
	err := q.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}
	return &Consumer{rdb: q.rdb, stream: stream, group: group, consumer: consumer}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && (errors.Is(err, redis.Nil) ||
		// BUSYGROUP means the group already exists; that is fine.
		len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP")
}

// Fetch blocks up to block for at most count new entries.
func (c *Consumer) Fetch(ctx context.Context, count int64, block time.Duration) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			raw, ok := entry.Values["payload"].(string)
			if !ok {
				log.Warn().Str("stream", c.stream).Str("id", entry.ID).Msg("stream entry without payload, acking away")
				_ = c.Ack(ctx, entry.ID)
				continue
			}
			out = append(out, Message{ID: entry.ID, Payload: []byte(raw)})
		}
	}
	return out, nil
}

// Ack marks entries as processed for the group.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.rdb.XAck(ctx, c.stream, c.group, ids...).Err()
}

// Stream returns the bound redis stream key, mainly for logging.
func (c *Consumer) Stream() string { return c.stream }
