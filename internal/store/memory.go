package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process TaskStore for one-shot CLI runs and tests.
type Memory struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	images map[string][]ReferenceImage
	nextID int
	now    func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:  make(map[string]*Task),
		images: make(map[string][]ReferenceImage),
		now:    time.Now,
	}
}

func (m *Memory) CreateTask(ctx context.Context, ownerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	m.tasks[id] = &Task{
		ID:        id,
		Status:    StatusInProgress,
		CreatedAt: m.now().UTC(),
		OwnerID:   ownerID,
	}
	return id, nil
}

func (m *Memory) RecordReferenceImage(ctx context.Context, taskID, location, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return "", ErrTaskNotFound
	}
	m.nextID++
	img := ReferenceImage{
		ID:       fmt.Sprintf("%d", m.nextID),
		TaskID:   taskID,
		Location: location,
		Name:     name,
	}
	m.images[taskID] = append(m.images[taskID], img)
	return img.ID, nil
}

func (m *Memory) ListReferenceImages(ctx context.Context, taskID string) ([]ReferenceImage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.tasks[taskID]; !ok {
		return nil, ErrTaskNotFound
	}
	out := make([]ReferenceImage, len(m.images[taskID]))
	copy(out, m.images[taskID])
	return out, nil
}

func (m *Memory) SetTerminalStatus(ctx context.Context, taskID string, status Status, resultPath string) error {
	if !status.Terminal() {
		return ErrInvalidStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return ErrTaskFinished
	}
	t.Status = status
	if status == StatusDone {
		t.ResultPath = resultPath
	}
	return nil
}

func (m *Memory) GetTask(ctx context.Context, taskID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTasks returns the newest tasks first.
func (m *Memory) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
