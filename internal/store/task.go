package store

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a recognition task.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

var (
	// ErrTaskNotFound is returned when the task id is unknown.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskFinished is returned on a second terminal transition.
	ErrTaskFinished = errors.New("task already finished")
	// ErrInvalidStatus is returned when a non-terminal status is used as a terminal one.
	ErrInvalidStatus = errors.New("invalid terminal status")
)

// Task is one recognition request.
type Task struct {
	ID         string
	Status     Status
	CreatedAt  time.Time
	ResultPath string // empty until the task is done
	OwnerID    string // empty for anonymous submissions
}

// ReferenceImage is an uploaded reference face recorded against a task.
type ReferenceImage struct {
	ID       string
	TaskID   string
	Location string
	Name     string
}

// TaskStore persists tasks and their reference images.
type TaskStore interface {
	CreateTask(ctx context.Context, ownerID string) (string, error)
	RecordReferenceImage(ctx context.Context, taskID, location, name string) (string, error)
	ListReferenceImages(ctx context.Context, taskID string) ([]ReferenceImage, error)
	SetTerminalStatus(ctx context.Context, taskID string, status Status, resultPath string) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasks(ctx context.Context, limit int) ([]Task, error)
}
