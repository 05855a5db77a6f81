package optimizer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"detection-lab/internal/queue"
	"detection-lab/internal/siem"
	"detection-lab/internal/stats"
)

// JobStatus is the lifecycle state of an optimizer job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is one queued optimization request.
type Job struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	Rule        siem.Rule `json:"-"`
	Strategy    Strategy  `json:"strategy"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// JobResult is the state or outcome of one job.
type JobResult struct {
	JobID      string    `json:"job_id"`
	RuleID     string    `json:"rule_id"`
	Strategy   Strategy  `json:"strategy"`
	Status     JobStatus `json:"status"`
	Results    []Result  `json:"results,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// RuleOptimizer produces results for one rule.
type RuleOptimizer interface {
	Optimize(ctx context.Context, ruleID string, rule siem.Rule, strategy Strategy) ([]Result, error)
}

// Worker consumes optimizer jobs one at a time from a bounded queue.
type Worker struct {
	queue    *queue.RingBuffer[Job]
	opt      RuleOptimizer
	onResult func(JobResult)
	metrics  *stats.Metrics
	logger   *slog.Logger

	mu      sync.RWMutex
	results map[string]JobResult // by job id
	latest  map[string]string    // rule id to its last submitted job id

	wg   sync.WaitGroup
	stop context.CancelFunc

	processed atomic.Uint64
	failed    atomic.Uint64
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithResultHook is called after every job with its outcome.
func WithResultHook(fn func(JobResult)) WorkerOption {
	return func(w *Worker) { w.onResult = fn }
}

// WithWorkerMetrics reports queue depth.
func WithWorkerMetrics(m *stats.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// NewWorker creates a Worker over a queue of the given capacity.
func NewWorker(opt RuleOptimizer, capacity int, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:   queue.NewRingBuffer[Job](capacity),
		opt:     opt,
		logger:  slog.Default(),
		results: make(map[string]JobResult),
		latest:  make(map[string]string),
	}
	for _, o := range opts {
		o(w)
	}
	w.logger = w.logger.With("component", "optimizer-worker")
	return w
}

// Start runs the consumer goroutine until Stop or ctx is done.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.stop = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
	w.logger.Info("optimizer worker started", "capacity", w.queue.Cap())
}

// Submit queues an optimization of rule and returns the job id.
func (w *Worker) Submit(ruleID string, rule siem.Rule, strategy Strategy) (string, error) {
	job := Job{
		ID:          uuid.NewString(),
		RuleID:      ruleID,
		Rule:        rule,
		Strategy:    strategy,
		SubmittedAt: time.Now().UTC(),
	}
	w.mu.Lock()
	w.results[job.ID] = JobResult{JobID: job.ID, RuleID: ruleID, Strategy: strategy, Status: JobQueued}
	prev, hadPrev := w.latest[ruleID]
	w.latest[ruleID] = job.ID
	w.mu.Unlock()

	if err := w.queue.Push(job); err != nil {
		w.mu.Lock()
		delete(w.results, job.ID)
		if hadPrev {
			w.latest[ruleID] = prev
		} else {
			delete(w.latest, ruleID)
		}
		w.mu.Unlock()
		return "", err
	}
	w.metrics.SetQueueDepth(w.queue.Len())
	return job.ID, nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		job, err := w.queue.PopContext(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				w.logger.Warn("unexpected queue error", "error", err)
			}
			return
		}
		w.metrics.SetQueueDepth(w.queue.Len())
		w.handle(ctx, job)
	}
}

func (w *Worker) handle(ctx context.Context, job Job) {
	logger := w.logger.With("job_id", job.ID, "rule_id", job.RuleID, "strategy", job.Strategy)
	w.setResult(JobResult{JobID: job.ID, RuleID: job.RuleID, Strategy: job.Strategy, Status: JobRunning})

	results, err := w.opt.Optimize(ctx, job.RuleID, job.Rule, job.Strategy)
	res := JobResult{
		JobID:      job.ID,
		RuleID:     job.RuleID,
		Strategy:   job.Strategy,
		Status:     JobSucceeded,
		Results:    results,
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		res.Status = JobFailed
		res.Error = err.Error()
		w.failed.Add(1)
		logger.Error("optimization failed", "error", err)
	} else {
		logger.Info("optimization finished", "candidates", len(results))
	}
	w.processed.Add(1)
	w.setResult(res)
	if w.onResult != nil {
		w.onResult(res)
	}
}

func (w *Worker) setResult(r JobResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results[r.JobID] = r
}

// Result returns the state of the job last submitted for a rule.
func (w *Worker) Result(ruleID string) (JobResult, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	id, ok := w.latest[ruleID]
	if !ok {
		return JobResult{}, false
	}
	r, ok := w.results[id]
	return r, ok
}

// Job returns the state of one job.
func (w *Worker) Job(jobID string) (JobResult, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.results[jobID]
	return r, ok
}

// Stop closes the queue and waits for the job in flight. Queued jobs are
// still drained unless ctx expires first, which cancels the worker.
func (w *Worker) Stop(ctx context.Context) {
	w.queue.Close()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("optimizer worker stopped gracefully")
	case <-ctx.Done():
		w.logger.Warn("optimizer worker shutdown timed out")
		if w.stop != nil {
			w.stop()
		}
		<-done
		return
	}
	if w.stop != nil {
		w.stop()
	}
}

// Metrics returns worker statistics.
func (w *Worker) Metrics() WorkerMetrics {
	return WorkerMetrics{
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Queue:     w.queue.Metrics(),
	}
}

// WorkerMetrics holds worker statistics.
type WorkerMetrics struct {
	Processed uint64        `json:"processed"`
	Failed    uint64        `json:"failed"`
	Queue     queue.Metrics `json:"queue"`
}
