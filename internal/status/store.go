// Package status persists and fans out task status: the last known event
// per task lives under a TTL key so reconnecting subscribers can replay
// it, every transition is broadcast on a single pub/sub channel, and
// per-ticker detail records produced on success are cached under their
// own TTL keys.
package status

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/velora/pulsar/internal/task"
)

// Store wraps the Redis client used by the worker and the API front.
type Store struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// PublishStatus caches the event as the task's last known status and
// broadcasts it on the updates channel. The cache write happens first so
// a subscriber connecting between the two operations still replays the
// freshest state.
func (s *Store) PublishStatus(ctx context.Context, ev *task.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, task.StatusKey(ev.TaskID), data, task.StatusTTL).Err(); err != nil {
		return fmt.Errorf("cache status: %w", err)
	}
	if err := s.client.Publish(ctx, task.UpdatesChannel, data).Err(); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// GetStatus returns the last known event for a task, or nil if none is
// cached (never seen, or TTL expired).
func (s *Store) GetStatus(ctx context.Context, taskID string) (*task.StatusEvent, error) {
	data, err := s.client.Get(ctx, task.StatusKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ev task.StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ClearStatus removes a stale status entry, used when a task id is reissued.
func (s *Store) ClearStatus(ctx context.Context, taskID string) error {
	return s.client.Del(ctx, task.StatusKey(taskID)).Err()
}

// CacheDetails writes every per-ticker detail record in one pipelined
// batch. Called exactly once per successful task; each (task, ticker) key
// is therefore written at most once.
func (s *Store) CacheDetails(ctx context.Context, taskID string, details map[string]json.RawMessage) error {
	if len(details) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for ticker, blob := range details {
		pipe.Set(ctx, task.DetailKey(taskID, ticker), []byte(blob), task.DetailTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetDetail returns the cached detail JSON for one ticker, or nil when the
// key is missing or expired.
func (s *Store) GetDetail(ctx context.Context, taskID, ticker string) ([]byte, error) {
	data, err := s.client.Get(ctx, task.DetailKey(taskID, ticker)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Subscribe opens a dedicated pub/sub subscription on the updates channel.
// The caller owns the returned subscription and must Close it.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, task.UpdatesChannel)
}
