// Package tasks - In-memory task registry, the only shared mutable state of
// the detection service.
package tasks

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvr-ai/vehicle-detector/detection"
)

// Task is a snapshot of one submitted file's processing lifecycle.
//
// Snapshots are copies; mutating one does not affect the registry.
type Task struct {
	TaskID    string            `json:"task_id"`
	Filename  string            `json:"filename"`
	Status    detection.Status  `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Progress  *float64          `json:"progress,omitempty"`
	Result    *detection.Result `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Listener receives a snapshot after every mutation of a task.
type Listener func(Task)

// Registry owns task identity, status transitions and result storage.
//
// All methods are safe for concurrent use. A mutation is applied under the
// write lock, so readers never observe a half-updated task.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	listeners []Listener
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// Subscribe registers fn to be called with a snapshot after each mutation.
//
// Listeners run synchronously on the mutating goroutine, outside the lock.
func (r *Registry) Subscribe(fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Create stores a new pending task for filename and returns it.
func (r *Registry) Create(filename string) Task {
	now := r.now().UTC()
	task := &Task{
		TaskID:    uuid.NewString(),
		Filename:  filename,
		Status:    detection.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.tasks[task.TaskID] = task
	snapshot := task.clone()
	listeners := r.listeners
	r.mu.Unlock()

	notify(listeners, snapshot)
	return snapshot
}

// Get returns a snapshot of the task, or false when the id is unknown.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return task.clone(), true
}

// UpdateStatus overwrites the status of a task.
//
// Unknown ids and tasks already in a terminal state are left untouched. A
// non-empty errMsg is recorded on the task.
func (r *Registry) UpdateStatus(id string, status detection.Status, errMsg string) {
	r.mutate(id, func(task *Task) {
		task.Status = status
		if status != detection.StatusProcessing {
			task.Progress = nil
		}
		if errMsg != "" {
			task.Error = errMsg
		}
	})
}

// UpdateProgress records the completion percentage of a processing task.
func (r *Registry) UpdateProgress(id string, percent float64) {
	r.mutate(id, func(task *Task) {
		task.Status = detection.StatusProcessing
		task.Progress = &percent
	})
}

// AttachResult stores the result and moves the task to completed.
func (r *Registry) AttachResult(id string, result *detection.Result) {
	r.mutate(id, func(task *Task) {
		task.Result = result
		task.Status = detection.StatusCompleted
		task.Progress = nil
	})
}

// Len returns the number of stored tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Prune removes terminal tasks last updated more than ttl ago and returns how
// many were removed. A non-positive ttl removes nothing.
func (r *Registry) Prune(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := r.now().UTC().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, task := range r.tasks {
		if task.Status.Terminal() && task.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

func (r *Registry) mutate(id string, fn func(*Task)) {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok || task.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	fn(task)
	task.UpdatedAt = r.now().UTC()
	snapshot := task.clone()
	listeners := r.listeners
	r.mu.Unlock()

	notify(listeners, snapshot)
}

func (t *Task) clone() Task {
	c := *t
	if t.Progress != nil {
		p := *t.Progress
		c.Progress = &p
	}
	return c
}

func notify(listeners []Listener, task Task) {
	for _, fn := range listeners {
		fn(task)
	}
}
