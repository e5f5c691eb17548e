package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Task lifecycle states. Terminal states are never overwritten.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrTerminal is returned when a write targets a task already in a
// terminal state.
var ErrTerminal = errors.New("task already in terminal state")

// Record is the persisted view of one extraction task.
type Record struct {
	TaskID     string          `json:"taskId"`
	Status     string          `json:"status"`
	Progress   int             `json:"progress"`
	FilePath   string          `json:"filePath"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"errorKind,omitempty"`
}

// Terminal reports whether the record has reached a final state.
func (r Record) Terminal() bool { return isTerminal(r.Status) }

func isTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// RedisStore keeps task records in Redis hashes under task:<id>:record.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects and pings before returning.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
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
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{client: c, ttl: ttl}, nil
}

func (s *RedisStore) key(taskID string) string {
	return fmt.Sprintf("task:%s:record", taskID)
}

// Create writes the initial pending record.
func (s *RedisStore) Create(ctx context.Context, taskID, filePath string) error {
	fields := map[string]any{
		"status":    StatusPending,
		"progress":  0,
		"filePath":  filePath,
		"createdAt": time.Now().Format(time.RFC3339Nano),
	}
	return s.write(ctx, taskID, fields)
}

// MarkProcessing flips a pending task to processing and stamps the
// start time.
func (s *RedisStore) MarkProcessing(ctx context.Context, taskID string) error {
	return s.guardedWrite(ctx, taskID, map[string]any{
		"status":    StatusProcessing,
		"startedAt": time.Now().Format(time.RFC3339Nano),
	})
}

// SetProgress updates the 0..100 progress counter. Writes against a
// finished task are silently dropped.
func (s *RedisStore) SetProgress(ctx context.Context, taskID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	err := s.guardedWrite(ctx, taskID, map[string]any{"progress": percent})
	if errors.Is(err, ErrTerminal) {
		return nil
	}
	return err
}

// Complete stores the result JSON and closes the task.
func (s *RedisStore) Complete(ctx context.Context, taskID string, result json.RawMessage) error {
	return s.guardedWrite(ctx, taskID, map[string]any{
		"status":     StatusCompleted,
		"progress":   100,
		"result":     string(result),
		"finishedAt": time.Now().Format(time.RFC3339Nano),
	})
}

// Fail closes the task with an error message and machine-readable kind.
func (s *RedisStore) Fail(ctx context.Context, taskID, message, kind string) error {
	return s.guardedWrite(ctx, taskID, map[string]any{
		"status":     StatusFailed,
		"error":      message,
		"errorKind":  kind,
		"finishedAt": time.Now().Format(time.RFC3339Nano),
	})
}

// Get loads a record; the second return is false when the task is
// unknown or expired.
func (s *RedisStore) Get(ctx context.Context, taskID string) (Record, bool, error) {
	res, err := s.client.HGetAll(ctx, s.key(taskID)).Result()
	if err != nil {
		return Record{}, false, err
	}
	if len(res) == 0 {
		return Record{}, false, nil
	}
	return recordFromFields(taskID, res), true, nil
}

// write sets fields without a terminal guard (initial create).
func (s *RedisStore) write(ctx context.Context, taskID string, fields map[string]any) error {
	key := s.key(taskID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// guardedWrite refuses to touch a record once it is terminal. The
// check and write run under WATCH; when a concurrent write aborts the
// transaction it retries, re-reading the status, so a race against
// Complete/Fail lands on ErrTerminal instead of a lost update.
func (s *RedisStore) guardedWrite(ctx context.Context, taskID string, fields map[string]any) error {
	key := s.key(taskID)
	return withTxRetry(guardedWriteAttempts, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.HGet(ctx, key, "status").Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if isTerminal(cur) {
				return ErrTerminal
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, fields)
				pipe.Expire(ctx, key, s.ttl)
				return nil
			})
			return err
		}, key)
	})
}

const guardedWriteAttempts = 3

// withTxRetry re-runs op while it loses the optimistic lock.
func withTxRetry(attempts int, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = op()
		if err != redis.TxFailedErr {
			return err
		}
	}
	return err
}

func (s *RedisStore) Close() error { return s.client.Close() }

// Ping checks redis connectivity for the health endpoint.
func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func recordFromFields(taskID string, res map[string]string) Record {
	rec := Record{
		TaskID:    taskID,
		Status:    res["status"],
		FilePath:  res["filePath"],
		Error:     res["error"],
		ErrorKind: res["errorKind"],
	}
	if p := res["progress"]; p != "" {
		if pi, err := strconv.Atoi(p); err == nil {
			rec.Progress = pi
		}
	}
	if v := res["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.CreatedAt = t
		}
	}
	if v := res["startedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.StartedAt = &t
		}
	}
	if v := res["finishedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.FinishedAt = &t
		}
	}
	if v := res["result"]; v != "" {
		rec.Result = json.RawMessage(v)
	}
	return rec
}
