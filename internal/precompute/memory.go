package precompute

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"jia/internal/domain"
)

// Memory is an in-process Client. It backs dev mode and tests.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]MemoryTask
}

// MemoryTask is a task registered with Memory.
type MemoryTask struct {
	ID                 string
	PanelID            string
	Code               string
	BucketWidthSeconds float64
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]MemoryTask)}
}

func (m *Memory) Enable(ctx context.Context, panel domain.Panel) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &RemoteServiceError{Op: "enable", PanelID: panel.ID, Err: err}
	}
	width, err := panel.DataSource.Precompute.BucketWidth.Seconds()
	if err != nil || width <= 0 {
		if err == nil {
			err = fmt.Errorf("bucket width must be positive")
		}
		return "", &RemoteServiceError{Op: "enable", PanelID: panel.ID, StatusCode: 400, Err: err}
	}
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[id] = MemoryTask{ID: id, PanelID: panel.ID, Code: panel.DataSource.Code, BucketWidthSeconds: width}
	return id, nil
}

func (m *Memory) Disable(ctx context.Context, panel domain.Panel) error {
	if err := ctx.Err(); err != nil {
		return &RemoteServiceError{Op: "disable", PanelID: panel.ID, TaskID: panel.TaskID(), Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[panel.TaskID()]; !ok {
		return fmt.Errorf("task %q: %w", panel.TaskID(), ErrUnknownTask)
	}
	delete(m.tasks, panel.TaskID())
	return nil
}

// Running returns the registered tasks ordered by panel id.
func (m *Memory) Running() []MemoryTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PanelID == out[j].PanelID {
			return out[i].ID < out[j].ID
		}
		return out[i].PanelID < out[j].PanelID
	})
	return out
}

// Task looks up a running task by id.
func (m *Memory) Task(id string) (MemoryTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}
