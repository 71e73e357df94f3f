// internal/state/task.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/user/gossipmill/internal/types"
)

// ParentLatest as a task parent derives from the newest stored artifact.
const ParentLatest = "latest"

// Task is a named generation that can be triggered on a schedule or via webhook.
// With a Mode set the task mutates Parent; otherwise it generates a fresh pick.
type Task struct {
	Name     string             `json:"name"`
	Schedule string             `json:"schedule,omitempty"`
	Mode     types.MutationMode `json:"mode,omitempty"`
	Parent   string             `json:"parent,omitempty"`
	Enabled  bool               `json:"enabled"`
}

// Validate checks the mode and that a mutation task names a parent.
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if t.Mode == "" {
		return nil
	}
	if _, err := types.ParseMutationMode(string(t.Mode)); err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}
	if t.Parent == "" {
		return fmt.Errorf("task %s: mutation tasks need a parent (file name or %q)", t.Name, ParentLatest)
	}
	return nil
}

// TaskStore is a JSON-file-backed store for tasks.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

// NewTaskStore creates a new file-backed TaskStore at the given file path.
func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

// Path returns the file path used by this store.
func (s *TaskStore) Path() string {
	return s.path
}

// List returns all tasks. Returns an empty slice if the file doesn't exist.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		return []*Task{}, nil
	}
	return tasks, nil
}

// Get finds a task by name. A missing task wraps types.ErrNotFound.
func (s *TaskStore) Get(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	i := indexOf(tasks, name)
	if i < 0 {
		return nil, fmt.Errorf("task %s: %w", name, types.ErrNotFound)
	}
	return tasks[i], nil
}

// Add validates and appends a task. Names are unique.
func (s *TaskStore) Add(task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	return s.update(func(tasks []*Task) ([]*Task, error) {
		if indexOf(tasks, task.Name) >= 0 {
			return nil, fmt.Errorf("task already exists: %s", task.Name)
		}
		return append(tasks, task), nil
	})
}

// Remove deletes a task by name.
func (s *TaskStore) Remove(name string) error {
	return s.update(func(tasks []*Task) ([]*Task, error) {
		i := indexOf(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("task %s: %w", name, types.ErrNotFound)
		}
		return slices.Delete(tasks, i, i+1), nil
	})
}

// SetEnabled toggles the enabled flag for a task.
func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	return s.update(func(tasks []*Task) ([]*Task, error) {
		i := indexOf(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("task %s: %w", name, types.ErrNotFound)
		}
		tasks[i].Enabled = enabled
		return tasks, nil
	})
}

// update runs fn on the stored list under the write lock and saves its
// result. Nothing is written when fn fails.
func (s *TaskStore) update(fn func([]*Task) ([]*Task, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	tasks, err = fn(tasks)
	if err != nil {
		return err
	}
	return s.save(tasks)
}

func indexOf(tasks []*Task, name string) int {
	return slices.IndexFunc(tasks, func(t *Task) bool { return t.Name == name })
}

// load reads the JSON file and returns the task list. Returns nil if the file doesn't exist.
func (s *TaskStore) load() ([]*Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	return tasks, nil
}

// save writes the task list with a temp file and a rename.
func (s *TaskStore) save(tasks []*Task) error {
	if tasks == nil {
		tasks = []*Task{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write tasks: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename tasks: %w", err)
	}
	return nil
}
