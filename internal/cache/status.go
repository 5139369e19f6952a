package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andresmejia3/facefinder/internal/store"
)

const (
	statusKeyPrefix = "facefinder:task:"
	// DefaultTTL bounds how long a finished task stays cached.
	DefaultTTL = 10 * time.Minute
)

type cachedTask struct {
	Status     store.Status `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	ResultPath string       `json:"result_path,omitempty"`
	OwnerID    string       `json:"owner_id,omitempty"`
}

// StatusCache stores task snapshots keyed by task id.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatusCache wraps a Redis client. ttl <= 0 uses DefaultTTL.
func NewStatusCache(client *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StatusCache{client: client, ttl: ttl}
}

// Get returns the cached task, or redis.Nil on a miss.
func (c *StatusCache) Get(ctx context.Context, taskID string) (*store.Task, error) {
	data, err := c.client.Get(ctx, statusKeyPrefix+taskID).Bytes()
	if err != nil {
		return nil, err
	}
	var ct cachedTask
	if err := json.Unmarshal(data, &ct); err != nil {
		return nil, err
	}
	return &store.Task{
		ID:         taskID,
		Status:     ct.Status,
		CreatedAt:  ct.CreatedAt,
		ResultPath: ct.ResultPath,
		OwnerID:    ct.OwnerID,
	}, nil
}

// Set caches a task snapshot. Only finished tasks are cached: they never change again, so a
// snapshot written after the terminal transition cannot go stale.
func (c *StatusCache) Set(ctx context.Context, t *store.Task) error {
	if !t.Status.Terminal() {
		return nil
	}
	data, err := json.Marshal(cachedTask{
		Status:     t.Status,
		CreatedAt:  t.CreatedAt,
		ResultPath: t.ResultPath,
		OwnerID:    t.OwnerID,
	})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statusKeyPrefix+t.ID, data, c.ttl).Err()
}

// Delete drops a cached task.
func (c *StatusCache) Delete(ctx context.Context, taskID string) error {
	return c.client.Del(ctx, statusKeyPrefix+taskID).Err()
}

// Snapshots is the cache a CachedStore reads through. Get returns redis.Nil on a miss.
type Snapshots interface {
	Get(ctx context.Context, taskID string) (*store.Task, error)
	Set(ctx context.Context, t *store.Task) error
	Delete(ctx context.Context, taskID string) error
}

// CachedStore is a TaskStore that answers GetTask from Redis when it can.
// Cache failures are logged and fall through to the underlying store.
type CachedStore struct {
	store.TaskStore
	cache  Snapshots
	logger *slog.Logger
}

// NewCachedStore decorates inner with the status cache.
func NewCachedStore(inner store.TaskStore, cache Snapshots, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{TaskStore: inner, cache: cache, logger: logger}
}

// GetTask consults the cache first and fills it on a miss.
func (s *CachedStore) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	t, err := s.cache.Get(ctx, taskID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.logger.Warn("status cache read failed", "task_id", taskID, "error", err)
	}

	t, err = s.TaskStore.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.Terminal() {
		return t, nil
	}
	if err := s.cache.Set(ctx, t); err != nil {
		s.logger.Warn("status cache write failed", "task_id", taskID, "error", err)
	}
	return t, nil
}

// SetTerminalStatus updates the store, then refreshes the cached snapshot.
func (s *CachedStore) SetTerminalStatus(ctx context.Context, taskID string, status store.Status, resultPath string) error {
	err := s.TaskStore.SetTerminalStatus(ctx, taskID, status, resultPath)
	if delErr := s.cache.Delete(ctx, taskID); delErr != nil {
		s.logger.Warn("status cache invalidation failed", "task_id", taskID, "error", delErr)
	}
	return err
}
