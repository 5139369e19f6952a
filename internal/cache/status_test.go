package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/facefinder/internal/logger"
	"github.com/andresmejia3/facefinder/internal/store"
)

// countingStore records how often GetTask reaches the underlying store.
type countingStore struct {
	*store.Memory
	gets int
}

func (c *countingStore) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	c.gets++
	return c.Memory.GetTask(ctx, taskID)
}

func TestCachedStore_FallsBackWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	inner := &countingStore{Memory: store.NewMemory()}
	s := NewCachedStore(inner, NewStatusCache(client, 0), logger.Discard())
	ctx := context.Background()

	id, _ := s.CreateTask(ctx, "")
	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != store.StatusInProgress || inner.gets != 1 {
		t.Errorf("Expected store read, got %+v after %d gets", task, inner.gets)
	}

	if err := s.SetTerminalStatus(ctx, id, store.StatusDone, "/r.txt"); err != nil {
		t.Fatalf("SetTerminalStatus failed: %v", err)
	}
	if err := s.SetTerminalStatus(ctx, id, store.StatusError, ""); !errors.Is(err, store.ErrTaskFinished) {
		t.Errorf("Expected ErrTaskFinished to pass through, got %v", err)
	}
	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

// mapSnapshots is an in-process Snapshots that counts writes.
type mapSnapshots struct {
	tasks  map[string]store.Task
	writes int
}

func (m *mapSnapshots) Get(ctx context.Context, taskID string) (*store.Task, error) {
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, redis.Nil
	}
	return &t, nil
}

func (m *mapSnapshots) Set(ctx context.Context, t *store.Task) error {
	m.writes++
	m.tasks[t.ID] = *t
	return nil
}

func (m *mapSnapshots) Delete(ctx context.Context, taskID string) error {
	delete(m.tasks, taskID)
	return nil
}

func TestCachedStore_NoStaleSnapshotAfterTransition(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Memory: store.NewMemory()}
	snaps := &mapSnapshots{tasks: map[string]store.Task{}}
	s := NewCachedStore(inner, snaps, logger.Discard())

	id, _ := s.CreateTask(ctx, "")

	// A poll that read in_progress before the transition must leave nothing behind
	running, err := s.GetTask(ctx, id)
	if err != nil || running.Status != store.StatusInProgress {
		t.Fatalf("Unexpected first read %+v, %v", running, err)
	}
	if snaps.writes != 0 {
		t.Errorf("Running task was cached %d times", snaps.writes)
	}

	if err := s.SetTerminalStatus(ctx, id, store.StatusDone, "/r.txt"); err != nil {
		t.Fatal(err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil || task.Status != store.StatusDone {
		t.Fatalf("Expected done after the transition, got %+v, %v", task, err)
	}
	task, _ = s.GetTask(ctx, id)
	if task.Status != store.StatusDone || inner.gets != 2 || snaps.writes != 1 {
		t.Errorf("Expected the finished task served from cache: status=%s gets=%d writes=%d",
			task.Status, inner.gets, snaps.writes)
	}
}

// TestStatusCacheIntegration runs against a real Redis container. It requires Docker.
func TestStatusCacheIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Failed to start redis container: %v", err)
	}
	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatal(err)
	}

	client, err := Connect(ctx, fmt.Sprintf("%s:%s", host, port.Port()), "", 0)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	inner := &countingStore{Memory: store.NewMemory()}
	sc := NewStatusCache(client, time.Minute)
	s := NewCachedStore(inner, sc, logger.Discard())

	id, _ := s.CreateTask(ctx, "")
	s.GetTask(ctx, id)
	s.GetTask(ctx, id)
	if inner.gets != 2 {
		t.Errorf("Running tasks must not be cached, store was hit %d times", inner.gets)
	}
	if _, err := sc.Get(ctx, id); !errors.Is(err, redis.Nil) {
		t.Errorf("Expected no snapshot for a running task, got %v", err)
	}

	if err := s.SetTerminalStatus(ctx, id, store.StatusDone, "/results/"+id+".txt"); err != nil {
		t.Fatal(err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != store.StatusDone || task.ResultPath != "/results/"+id+".txt" {
		t.Errorf("Cache served a stale task: %+v", task)
	}
	s.GetTask(ctx, id)
	if inner.gets != 3 {
		t.Errorf("Expected one store read after the transition, then cache hits; got %d", inner.gets)
	}

	ttl, err := client.TTL(ctx, statusKeyPrefix+id).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("Finished tasks should use the configured TTL, got %v (err=%v)", ttl, err)
	}

	if _, err := sc.Get(ctx, "unknown"); !errors.Is(err, redis.Nil) {
		t.Errorf("Expected redis.Nil on miss, got %v", err)
	}
}
