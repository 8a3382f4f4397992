package task

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTaskNotFound 任务不存在
var ErrTaskNotFound = errors.New("task not found")

// ErrTimedOut 任务超过时限仍未完成
var ErrTimedOut = errors.New("task timed out")

// Status represents the status of an asynchronous task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task represents an asynchronous task.
type Task struct {
	ID        string      `json:"id"`
	Kind      string      `json:"kind"`
	Status    Status      `json:"status"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (t *Task) finished() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Manager manages asynchronous tasks using an in-memory store.
type Manager struct {
	tasks map[string]*Task
	mu    sync.RWMutex
	now   func() time.Time
}

// NewManager creates a new task manager.
func NewManager() *Manager {
	return &Manager{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// NewTask creates a new task of the given kind, stores it, and returns a copy.
func (m *Manager) NewTask(kind string) Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	task := &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.tasks[task.ID] = task
	return *task
}

// GetTask retrieves a copy of a task by its ID.
func (m *Manager) GetTask(id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, exists := m.tasks[id]
	if !exists {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return *task, nil
}

// update 已结束的任务不再变更
func (m *Manager) update(id string, fn func(*Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, exists := m.tasks[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.finished() {
		return nil
	}
	fn(task)
	task.UpdatedAt = m.now()
	return nil
}

// UpdateStatus updates the status of a task.
func (m *Manager) UpdateStatus(id string, status Status) error {
	return m.update(id, func(t *Task) { t.Status = status })
}

// SetResult sets the successful result of a task and marks it as completed.
func (m *Manager) SetResult(id string, result interface{}) error {
	return m.update(id, func(t *Task) {
		t.Result = result
		t.Status = StatusCompleted
		t.Error = ""
	})
}

// SetError sets the error message for a failed task and marks it as failed.
func (m *Manager) SetError(id string, err error) error {
	return m.update(id, func(t *Task) {
		t.Error = err.Error()
		t.Status = StatusFailed
	})
}

// CleanupResult 一次清理的结果
type CleanupResult struct {
	TimedOut int `json:"timed_out"`
	Purged   int `json:"purged"`
}

// Cleanup 未完成且创建超过 timeout 的任务标记为失败，
// 已结束超过 retention 的任务直接删除
func (m *Manager) Cleanup(timeout, retention time.Duration) CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res CleanupResult
	now := m.now()
	for id, t := range m.tasks {
		if !t.finished() {
			if timeout > 0 && now.Sub(t.CreatedAt) > timeout {
				t.Status = StatusFailed
				t.Error = ErrTimedOut.Error()
				t.UpdatedAt = now
				res.TimedOut++
			}
			continue
		}
		if retention > 0 && now.Sub(t.UpdatedAt) > retention {
			delete(m.tasks, id)
			res.Purged++
		}
	}
	return res
}

// Counts 各状态的任务数
func (m *Manager) Counts() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Status]int)
	for _, t := range m.tasks {
		out[t.Status]++
	}
	return out
}
