package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/docextract/internal/metrics"
)

// Payload is the wire form of one queued extraction task.
type Payload struct {
	TaskID   string `json:"taskId"`
	FilePath string `json:"filePath"`
	Language string `json:"language,omitempty"`
	MaxPages int    `json:"maxPages,omitempty"`
}

// RedisQueue is a Redis Streams work queue with a consumer group and a
// cancellation set. Messages are acked on read; crash recovery is the
// submitter's concern.
type RedisQueue struct {
	client    *redis.Client
	Stream    string
	Group     string
	CancelKey string
}

// NewRedisQueue connects, pings and ensures the consumer group exists.
func NewRedisQueue(redisURL, stream, group string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	q := &RedisQueue{
		client:    c,
		Stream:    stream,
		Group:     group,
		CancelKey: "tasks:cancelled:set",
	}
	if err := c.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("xgroup create: %w", err)
	}
	return q, nil
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	if redis.HasErrorPrefix(err, "BUSYGROUP") {
		return true
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func (q *RedisQueue) Close() error { return q.client.Close() }

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Enqueue adds a task as a single-field entry {data: <json>}.
func (q *RedisQueue) Enqueue(ctx context.Context, p Payload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.Stream,
		Values: map[string]any{"data": string(b)},
	}).Err()
}

// Dequeue blocks up to timeout for one message and ACKs it
// immediately. A zero-value Payload with ok=false means the wait timed
// out with nothing to do.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (Payload, bool, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return Payload{}, false, nil
		}
		return Payload{}, false, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return Payload{}, false, nil
	}
	msg := res[0].Messages[0]
	if err := q.client.XAck(ctx, q.Stream, q.Group, msg.ID).Err(); err != nil {
		return Payload{}, false, err
	}
	raw, _ := msg.Values["data"].(string)
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, false, fmt.Errorf("decode task payload %s: %w", msg.ID, err)
	}
	return p, true, nil
}

// Cancel marks a task as cancelled. Runners check the set before and
// during processing.
func (q *RedisQueue) Cancel(ctx context.Context, taskID string) error {
	return q.client.SAdd(ctx, q.CancelKey, taskID).Err()
}

// IsCancelled reports whether a task has been cancelled.
func (q *RedisQueue) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	return q.client.SIsMember(ctx, q.CancelKey, taskID).Result()
}

// PublishDepth pushes the current stream length to the queue gauge.
func (q *RedisQueue) PublishDepth(ctx context.Context) {
	n, err := q.client.XLen(ctx, q.Stream).Result()
	if err != nil {
		return
	}
	metrics.SetQueueDepth("pending", n)
}
