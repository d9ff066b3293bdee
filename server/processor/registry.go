package processor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/san-kum/dental-xray/server/models"
)

// Registry holds every task of the process keyed by id. Tasks are only handed
// out as snapshots; mutation goes through Update.
type Registry struct {
	mutex sync.RWMutex
	tasks map[string]*models.AnalysisTask
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*models.AnalysisTask),
	}
}

func (r *Registry) Create(task *models.AnalysisTask) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.tasks[task.TaskID]; exists {
		return fmt.Errorf("task %s already registered", task.TaskID)
	}
	r.tasks[task.TaskID] = task.Snapshot()
	return nil
}

func (r *Registry) Snapshot(taskID string) (*models.AnalysisTask, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	task, exists := r.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, taskID)
	}
	return task.Snapshot(), nil
}

// Update applies fn to the stored task. Terminal tasks are frozen and status
// may only move forward along pending, running, completed or error.
func (r *Registry) Update(taskID string, fn func(task *models.AnalysisTask)) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	task, exists := r.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %s", models.ErrNotFound, taskID)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %s is already %s", taskID, task.Status)
	}

	next := task.Snapshot()
	fn(next)
	if !validTransition(task.Status, next.Status) {
		return fmt.Errorf("task %s: invalid transition %s -> %s", taskID, task.Status, next.Status)
	}

	now := time.Now()
	next.UpdatedAt = now
	if next.Status.Terminal() && next.CompletedAt == nil {
		next.CompletedAt = &now
	}
	r.tasks[taskID] = next
	return nil
}

func validTransition(from, to models.TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case models.StatusPending:
		return to == models.StatusRunning || to == models.StatusError
	case models.StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// List returns snapshots of all tasks, oldest first.
func (r *Registry) List() []*models.AnalysisTask {
	r.mutex.RLock()
	list := make([]*models.AnalysisTask, 0, len(r.tasks))
	for _, task := range r.tasks {
		list = append(list, task.Snapshot())
	}
	r.mutex.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].TaskID < list[j].TaskID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Evict forgets a finished task. Running tasks cannot be evicted.
func (r *Registry) Evict(taskID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	task, exists := r.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %s", models.ErrNotFound, taskID)
	}
	if !task.Status.Terminal() {
		return fmt.Errorf("%w: task %s is still %s", models.ErrNotReady, taskID, task.Status)
	}
	delete(r.tasks, taskID)
	return nil
}

func (r *Registry) Counts() map[models.TaskStatus]int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	counts := map[models.TaskStatus]int{
		models.StatusPending:   0,
		models.StatusRunning:   0,
		models.StatusCompleted: 0,
		models.StatusError:     0,
	}
	for _, task := range r.tasks {
		counts[task.Status]++
	}
	return counts
}

func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.tasks)
}
