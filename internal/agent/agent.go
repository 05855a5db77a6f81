// Package agent runs simulated identities. An Agent turns a background into
// an endless stream of objectives, tasks and actions, and performs each
// action with randomized timing through an executor.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"detection-lab/internal/behavior"
	"detection-lab/internal/credentials"
	"detection-lab/internal/executor"
)

const (
	// MaxActionDuration is the ceiling applied to generated durations, in seconds.
	MaxActionDuration = 20.0

	// JitterFraction bounds the random offset added to a duration.
	JitterFraction = 0.3

	// DefaultRetryPause is the wait after a failed objective request.
	DefaultRetryPause = 5 * time.Second
)

// ActionExecutionError wraps a failed side-effect call. It is logged and the
// agent moves on to the next action.
type ActionExecutionError struct {
	Action string
	Err    error
}

func (e *ActionExecutionError) Error() string {
	name := e.Action
	if name == "" {
		name = "flavor action"
	}
	return fmt.Sprintf("agent: action %s failed: %v", name, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Emitter receives the agent's event stream.
type Emitter interface {
	Emit(ctx context.Context, log behavior.ThoughtLog) error
}

// Recorder counts named API calls.
type Recorder interface {
	RecordAction(apiName string, compromised bool)
}

// Config describes one agent instance.
type Config struct {
	JobID       string
	Name        string
	Credential  credentials.Credential
	Compromised bool
	// Permissions is the IAM policy or Terraform IAM text shown to
	// synthesizing executors.
	Permissions string
	MaxTasks    int
	MaxActions  int
	RetryPause  time.Duration
}

// Agent is one simulated identity.
type Agent struct {
	cfg      Config
	strategy Strategy
	exec     executor.Executor
	emitter  Emitter
	recorder Recorder
	logger   *slog.Logger

	sleep Sleeper
	rnd   *rand.Rand

	background behavior.Background
	objective  behavior.Objective
	history    []string
}

// Option customizes an Agent.
type Option func(*Agent)

// WithSleeper replaces the context-aware sleep.
func WithSleeper(s Sleeper) Option {
	return func(a *Agent) { a.sleep = s }
}

// WithRand replaces the random source.
func WithRand(r *rand.Rand) Option {
	return func(a *Agent) { a.rnd = r }
}

// WithRecorder counts performed API calls.
func WithRecorder(r Recorder) Option {
	return func(a *Agent) { a.recorder = r }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates an agent. A nil emitter discards events.
func New(cfg Config, strategy Strategy, exec executor.Executor, emitter Emitter, opts ...Option) *Agent {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = behavior.DefaultMaxTasks
	}
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = behavior.DefaultMaxActions
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = DefaultRetryPause
	}
	a := &Agent{
		cfg:      cfg,
		strategy: strategy,
		exec:     exec,
		emitter:  emitter,
		logger:   slog.Default(),
		sleep:    Sleep,
		rnd:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(
		"component", "agent",
		"job_id", cfg.JobID,
		"agent", cfg.Name,
		"kind", string(strategy.Kind()))
	return a
}

// Name returns the identity name.
func (a *Agent) Name() string { return a.cfg.Name }

// Compromised reports whether the identity is attacker-held.
func (a *Agent) Compromised() bool { return a.cfg.Compromised }

// History returns the completed objective summaries.
func (a *Agent) History() []string {
	return append([]string(nil), a.history...)
}

func (a *Agent) limits() behavior.Limits {
	return behavior.Limits{
		MaxTasks:   a.cfg.MaxTasks,
		MaxActions: a.cfg.MaxActions,
		Allowed:    a.strategy.AllowedActions(),
	}
}

// Background produces the agent's persona. It is called once by Run.
func (a *Agent) Background(ctx context.Context) (behavior.Background, error) {
	a.logger.Info("getting user background")
	bg, err := a.strategy.Background(ctx)
	if err != nil {
		return behavior.Background{}, err
	}
	a.background = bg
	return bg, nil
}

// Objective requests the next objective given the history so far.
func (a *Agent) Objective(ctx context.Context) (behavior.Objective, error) {
	obj, err := a.strategy.Objective(ctx, a.background, a.History())
	if err != nil {
		return behavior.Objective{}, err
	}
	obj = a.limits().Apply(obj)
	if len(obj.Tasks) == 0 {
		return behavior.Objective{}, behavior.ErrEmptyObjective
	}
	a.objective = obj
	return obj, nil
}

// jitter clamps a duration in seconds and adds the random offset.
func (a *Agent) jitter(seconds float64) float64 {
	d := min(seconds, MaxActionDuration)
	if off := int(JitterFraction * d); off > 0 {
		d += float64(a.rnd.IntN(2*off+1) - off)
	}
	return max(d, 0)
}

// PerformAction waits a random share of the action's duration, performs the
// side effect, then waits the remainder.
func (a *Agent) PerformAction(ctx context.Context, action behavior.Action) ([]behavior.ActivityRecord, error) {
	d := time.Duration(a.jitter(action.Duration) * float64(time.Second))
	pre := time.Duration(a.rnd.Float64() * float64(d))
	api := ""
	if !action.IsFlavor() {
		api = action.APIName()
	}

	a.logger.Debug("begin action", "action", api, "duration", d)
	if err := a.sleep(ctx, pre); err != nil {
		return nil, err
	}

	records, callErr := a.exec.Execute(ctx, a.cfg.Credential, executor.Call{
		API:         api,
		Description: action.Description,
		Duration:    d,
		Context:     a.callContext(),
		Permissions: a.cfg.Permissions,
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if api != "" && a.recorder != nil {
		a.recorder.RecordAction(api, a.cfg.Compromised)
	}

	if err := a.sleep(ctx, d-pre); err != nil {
		return nil, err
	}
	if callErr != nil {
		return nil, &ActionExecutionError{Action: api, Err: callErr}
	}
	return records, nil
}

func (a *Agent) callContext() string {
	var b strings.Builder
	b.WriteString(a.background.String())
	if a.objective.Name != "" {
		b.WriteString("\nObjective: ")
		b.WriteString(a.objective.Summary())
	}
	return b.String()
}

func (a *Agent) emit(ctx context.Context, tag behavior.Tag, thought any) {
	if a.emitter == nil {
		return
	}
	entry := behavior.NewThoughtLog(a.cfg.JobID, a.cfg.Name, tag, a.cfg.Compromised, thought)
	if err := a.emitter.Emit(ctx, entry); err != nil && ctx.Err() == nil {
		a.logger.Warn("failed to emit event", "tag", string(tag), "error", err)
	}
}

// Run drives background, then objectives, tasks and actions until ctx ends.
// It returns ctx.Err() on cancellation or timeout.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting user script")

	bg, err := a.Background(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("agent %s: failed to get background: %w", a.cfg.Name, err)
	}
	a.emit(ctx, behavior.TagBackground, bg)

	for {
		if err := ctx.Err(); err != nil {
			a.logger.Info("user script cancelled")
			return err
		}

		obj, err := a.Objective(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("failed to get objective, retrying", "error", err)
			if err := a.sleep(ctx, a.cfg.RetryPause); err != nil {
				return err
			}
			continue
		}
		a.emit(ctx, behavior.TagObjective, obj)

		for _, task := range obj.Tasks {
			for _, action := range task.Actions {
				records, err := a.PerformAction(ctx, action)
				if err != nil {
					if ctx.Err() != nil {
						a.logger.Info("user action cancelled")
						return ctx.Err()
					}
					var execErr *ActionExecutionError
					if errors.As(err, &execErr) {
						a.logger.Warn("error performing action, skipping", "action", execErr.Action, "error", execErr.Err)
						continue
					}
					return err
				}
				for _, r := range records {
					a.emit(ctx, behavior.TagLog, r)
				}
			}
		}
		a.history = append(a.history, obj.Summary())
	}
}
