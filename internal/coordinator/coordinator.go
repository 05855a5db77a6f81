package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"detection-lab/internal/stats"
)

// Runner is one concurrent participant of a stage. Run returns ctx.Err() when
// the stage ends, nil when the participant finished on its own, or any other
// error to fail the job.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// Stage describes one technique stage of a job.
type Stage struct {
	JobID       string
	TechniqueID string
	Index       int
	Total       int
	UserCount   int
	MaxTasks    int
	MaxActions  int
}

// AgentFactory builds the participants of a stage.
type AgentFactory interface {
	Agents(ctx context.Context, stage Stage) ([]Runner, error)
}

// SubscriberCloser ends the live event streams of a job.
type SubscriberCloser interface {
	CloseJob(jobID string)
}

// FinishHook runs after a job reaches a terminal status.
type FinishHook func(job Job)

// Coordinator starts, tracks and cancels simulation jobs.
type Coordinator struct {
	registry *Registry
	factory  AgentFactory
	hub      SubscriberCloser
	hooks    []FinishHook
	metrics  *stats.Metrics
	logger   *slog.Logger

	root       context.Context
	rootCancel context.CancelFunc
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithRegistry injects the job registry.
func WithRegistry(r *Registry) Option {
	return func(c *Coordinator) { c.registry = r }
}

// WithSubscribers closes live streams when a job is cancelled or finishes.
func WithSubscribers(s SubscriberCloser) Option {
	return func(c *Coordinator) { c.hub = s }
}

// WithFinishHook adds a hook run after every terminal transition.
func WithFinishHook(h FinishHook) Option {
	return func(c *Coordinator) { c.hooks = append(c.hooks, h) }
}

// WithMetrics records job and stage outcomes.
func WithMetrics(m *stats.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a coordinator.
func New(factory AgentFactory, opts ...Option) *Coordinator {
	c := &Coordinator{
		factory: factory,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = NewRegistry()
	}
	c.logger = c.logger.With("component", "coordinator")
	c.root, c.rootCancel = context.WithCancel(context.Background())
	return c
}

// Registry returns the job registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Start registers a job and runs it in the background. It returns as soon as
// the job is registered; failures surface through the job status.
func (c *Coordinator) Start(req Request) (Job, error) {
	techniques, err := req.Techniques()
	if err != nil {
		return Job{}, err
	}
	id := req.UUID
	if id == "" {
		id = uuid.NewString()
	}
	userCount := req.UserCount
	if userCount <= 0 {
		userCount = DefaultUserCount
	}
	job := Job{
		ID:           id,
		TechniqueIDs: techniques,
		ScenarioID:   req.ScenarioID,
		Timeout:      req.Timeout,
		UserCount:    userCount,
		MaxTasks:     req.MaxTasks,
		MaxActions:   req.MaxActions,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}

	ctx, cancel := context.WithCancel(c.root)
	if err := c.registry.Register(job, cancel); err != nil {
		cancel()
		return Job{}, err
	}

	go func() {
		defer cancel()
		c.run(ctx, job)
	}()
	return job, nil
}

func (c *Coordinator) run(ctx context.Context, job Job) {
	logger := c.logger.With("job_id", job.ID)
	c.metrics.JobStarted()
	_, _ = c.registry.Update(job.ID, func(j *Job) {
		now := time.Now().UTC()
		j.Status = StatusRunning
		j.StartedAt = &now
	})

	status, err := c.runJob(ctx, job, func(stage int) {
		_, _ = c.registry.Update(job.ID, func(j *Job) { j.Stage = stage })
	})

	final, _ := c.registry.Update(job.ID, func(j *Job) {
		now := time.Now().UTC()
		j.Status = status
		j.FinishedAt = &now
		if err != nil {
			j.Error = err.Error()
		}
	})
	c.metrics.JobFinished(string(status))
	if err != nil {
		logger.Error("simulation failed", "status", string(status), "error", err)
	} else {
		logger.Info("simulation finished", "status", string(status))
	}

	if c.hub != nil {
		c.hub.CloseJob(job.ID)
	}
	for _, h := range c.hooks {
		h(final)
	}
}

// RunJob runs every technique of a job in order and returns the terminal
// status. The error is non-nil only when the status is StatusFailed.
func (c *Coordinator) RunJob(ctx context.Context, jobID string, techniques []string, userCount int, timeout time.Duration) (Status, error) {
	job := Job{
		ID:           jobID,
		TechniqueIDs: techniques,
		UserCount:    userCount,
		Timeout:      int(timeout / time.Second),
	}
	return c.runJobTimeout(ctx, job, timeout, nil)
}

func (c *Coordinator) runJob(ctx context.Context, job Job, onStage func(int)) (Status, error) {
	return c.runJobTimeout(ctx, job, job.TimeoutDuration(), onStage)
}

func (c *Coordinator) runJobTimeout(ctx context.Context, job Job, timeout time.Duration, onStage func(int)) (Status, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := c.logger.With("job_id", job.ID)
	total := len(job.TechniqueIDs)
	timedOut := false

	for i, technique := range job.TechniqueIDs {
		if ctx.Err() != nil {
			return StatusCancelled, nil
		}
		if onStage != nil {
			onStage(i + 1)
		}
		stage := Stage{
			JobID:       job.ID,
			TechniqueID: technique,
			Index:       i + 1,
			Total:       total,
			UserCount:   job.UserCount,
			MaxTasks:    job.MaxTasks,
			MaxActions:  job.MaxActions,
		}
		logger.Info("execute campaign stage",
			"technique", technique,
			"stage", stage.Index,
			"of", total)

		status, err := c.runStage(ctx, stage, timeout)
		c.metrics.StageFinished(string(status))
		switch status {
		case StatusFailed:
			return StatusFailed, err
		case StatusCancelled:
			return StatusCancelled, nil
		case StatusTimedOut:
			logger.Info("stage timed out successfully", "technique", technique, "timeout", timeout)
			timedOut = true
		}
	}
	if timedOut {
		return StatusTimedOut, nil
	}
	return StatusCompleted, nil
}

// runStage runs the stage participants until they all return or the stage
// deadline passes.
func (c *Coordinator) runStage(ctx context.Context, stage Stage, timeout time.Duration) (Status, error) {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runners, err := c.factory.Agents(stageCtx, stage)
	if err != nil {
		if s, ok := classify(ctx, stageCtx); ok {
			return s, nil
		}
		return StatusFailed, fmt.Errorf("coordinator: failed to build agents for %s: %w", stage.TechniqueID, err)
	}

	g, gctx := errgroup.WithContext(stageCtx)
	for _, r := range runners {
		g.Go(func() error {
			err := r.Run(gctx)
			if err == nil || (gctx.Err() != nil && isContextErr(err)) {
				return nil
			}
			return fmt.Errorf("coordinator: agent %s failed: %w", r.Name(), err)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return StatusCancelled, nil
		}
		return StatusFailed, err
	}
	if s, ok := classify(ctx, stageCtx); ok {
		return s, nil
	}
	return StatusCompleted, nil
}

// classify maps a done context to a status. A parent cancellation wins over
// the stage deadline.
func classify(parent, stage context.Context) (Status, bool) {
	if parent.Err() != nil {
		return StatusCancelled, true
	}
	if errors.Is(stage.Err(), context.DeadlineExceeded) {
		return StatusTimedOut, true
	}
	return "", false
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Get returns a job snapshot.
func (c *Coordinator) Get(id string) (Job, error) { return c.registry.Get(id) }

// List returns all jobs.
func (c *Coordinator) List() []Job { return c.registry.List() }

// Done returns a channel closed when the job is terminal.
func (c *Coordinator) Done(id string) (<-chan struct{}, error) { return c.registry.Done(id) }

// Cancel stops a job and ends its live streams.
func (c *Coordinator) Cancel(id string) error {
	if err := c.registry.Cancel(id); err != nil {
		return err
	}
	if c.hub != nil {
		c.hub.CloseJob(id)
	}
	c.logger.Info("simulation cancelled", "job_id", id)
	return nil
}

// Close cancels every job.
func (c *Coordinator) Close() {
	c.rootCancel()
	c.registry.CancelAll()
}
