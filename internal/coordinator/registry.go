package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry tracks jobs by id. Each entry carries its own lock so jobs never
// contend with each other.
type Registry struct {
	jobs sync.Map // id -> *entry
}

type entry struct {
	mu     sync.Mutex
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a job. cancel is invoked by Cancel; it may be nil for jobs
// that are not running yet.
func (r *Registry) Register(job Job, cancel context.CancelFunc) error {
	e := &entry{job: job, cancel: cancel, done: make(chan struct{})}
	if _, loaded := r.jobs.LoadOrStore(job.ID, e); loaded {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	return nil
}

func (r *Registry) load(id string) (*entry, error) {
	v, ok := r.jobs.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return v.(*entry), nil
}

// Get returns a snapshot of a job.
func (r *Registry) Get(id string) (Job, error) {
	e, err := r.load(id)
	if err != nil {
		return Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, nil
}

// Update applies fn to a job under its lock. Once a job reaches a terminal
// status its done channel is closed and further status changes are ignored.
func (r *Registry) Update(id string, fn func(*Job)) (Job, error) {
	e, err := r.load(id)
	if err != nil {
		return Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() {
		return e.job, nil
	}
	fn(&e.job)
	if e.job.Status.Terminal() {
		close(e.done)
	}
	return e.job, nil
}

// Done returns a channel closed when the job reaches a terminal status.
func (r *Registry) Done(id string) (<-chan struct{}, error) {
	e, err := r.load(id)
	if err != nil {
		return nil, err
	}
	return e.done, nil
}

// Cancel cancels a job's context. Cancelling a finished job is a no-op.
func (r *Registry) Cancel(id string) error {
	e, err := r.load(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	cancel := e.cancel
	finished := e.job.Status.Terminal()
	e.mu.Unlock()
	if !finished && cancel != nil {
		cancel()
	}
	return nil
}

// Remove drops a job from the registry, cancelling it first.
func (r *Registry) Remove(id string) error {
	if err := r.Cancel(id); err != nil {
		return err
	}
	r.jobs.Delete(id)
	return nil
}

// List returns every job, oldest first.
func (r *Registry) List() []Job {
	var jobs []Job
	r.jobs.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		jobs = append(jobs, e.job)
		e.mu.Unlock()
		return true
	})
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// CancelAll cancels every running job.
func (r *Registry) CancelAll() {
	r.jobs.Range(func(k, _ any) bool {
		_ = r.Cancel(k.(string))
		return true
	})
}
