// Package lab drives a detection lab end to end: provision the
// infrastructure, simulate a population of identities, evaluate the SIEM
// against the resulting logs and tear everything down again.
package lab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"detection-lab/internal/coordinator"
	"detection-lab/internal/correlation"
	"detection-lab/internal/credentials"
	"detection-lab/internal/ingest"
	"detection-lab/internal/logstore"
)

// Provisioner creates and destroys lab infrastructure.
type Provisioner interface {
	Up(ctx context.Context, scenarioID string) error
	Down(ctx context.Context, force bool) error
}

// Simulator runs simulation jobs.
type Simulator interface {
	Start(req coordinator.Request) (coordinator.Job, error)
	Get(id string) (coordinator.Job, error)
	Done(id string) (<-chan struct{}, error)
}

// LogLoader builds the log store for an evaluation window.
type LogLoader interface {
	Load(ctx context.Context, req ingest.LoadRequest) (logstore.Handle, error)
	LoadTriaged(ctx context.Context, dir string, req ingest.LoadRequest) (logstore.Handle, error)
}

// AlertSource returns SIEM alerts raised in a window.
type AlertSource interface {
	SearchAlerts(ctx context.Context, start, end time.Time) ([]logstore.Alert, error)
}

// Identities is the canonical source of lab identities.
type Identities interface {
	All(ctx context.Context, group credentials.Group) (credentials.Set, error)
	MaliciousIDs(ctx context.Context) ([]string, error)
	NormalIDs(ctx context.Context) ([]string, error)
}

// AccountResolver returns the AWS account id of the active credentials.
type AccountResolver func(ctx context.Context) (string, error)

// Config holds evaluation defaults.
type Config struct {
	AccountID string   `yaml:"account_id"`
	Bucket    string   `yaml:"bucket"`
	Regions   []string `yaml:"regions"`
	TriageDir string   `yaml:"triage_dir"`
	// TaskRetries bounds attempts of each Run step.
	TaskRetries int `yaml:"task_retries"`
}

// User describes one lab identity in the results.
type User struct {
	Name          string `json:"name"`
	IsCompromised bool   `json:"is_compromised"`
	Policy        string `json:"policy,omitempty"`
	Persona       string `json:"persona,omitempty"`
}

// Results is the detection-quality report of one evaluation.
type Results struct {
	Start       time.Time                   `json:"start"`
	End         time.Time                   `json:"end"`
	AccountID   string                      `json:"account_id"`
	BucketName  string                      `json:"bucket_name"`
	Regions     []string                    `json:"regions"`
	RuleScores  correlation.ConfusionMatrix `json:"rule_scores"`
	EventCounts []correlation.EventCount    `json:"event_counts"`
	Users       []User                      `json:"users"`
	LogsPath    string                      `json:"logs_path,omitempty"`
	AlertsPath  string                      `json:"alerts_path,omitempty"`
}

// EvaluateRequest selects the evaluation window and log source. Empty
// fields fall back to the lab configuration.
type EvaluateRequest struct {
	Start     time.Time
	End       time.Time
	AccountID string
	Bucket    string
	Regions   []string
	Triage    bool
}

// Lab wires the lab collaborators together.
type Lab struct {
	cfg        Config
	provision  Provisioner
	sim        Simulator
	loader     LogLoader
	alerts     AlertSource
	identities Identities
	store      logstore.Store
	account    AccountResolver
	profiles   []coordinator.Profile
	logger     *slog.Logger
	now        func() time.Time
}

// Deps are the collaborators of a Lab. Provisioner and Simulator may be nil
// when only Evaluate is used.
type Deps struct {
	Provisioner Provisioner
	Simulator   Simulator
	Loader      LogLoader
	Alerts      AlertSource
	Identities  Identities
	Store       logstore.Store
	Account     AccountResolver
	Profiles    []coordinator.Profile
	Logger      *slog.Logger
	Now         func() time.Time
}

// ErrNotConfigured is returned when a step's collaborator is missing.
var ErrNotConfigured = errors.New("lab: collaborator not configured")

// New creates a Lab.
func New(cfg Config, deps Deps) *Lab {
	if cfg.TaskRetries <= 0 {
		cfg.TaskRetries = 2
	}
	l := &Lab{
		cfg:        cfg,
		provision:  deps.Provisioner,
		sim:        deps.Simulator,
		loader:     deps.Loader,
		alerts:     deps.Alerts,
		identities: deps.Identities,
		store:      deps.Store,
		account:    deps.Account,
		profiles:   deps.Profiles,
		logger:     deps.Logger,
		now:        deps.Now,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	l.logger = l.logger.With("component", "lab")
	return l
}

// Initialize provisions the lab for a scenario.
func (l *Lab) Initialize(ctx context.Context, scenarioID string) error {
	if l.provision == nil {
		return fmt.Errorf("%w: provisioner", ErrNotConfigured)
	}
	if _, ok := coordinator.Scenarios[scenarioID]; !ok {
		return fmt.Errorf("%w: %s", coordinator.ErrUnknownScenario, scenarioID)
	}
	l.logger.Info("initializing lab", "scenario_id", scenarioID)
	return l.provision.Up(ctx, scenarioID)
}

// Simulate starts a job and blocks until it reaches a terminal status or
// ctx is done. A TimedOut job is a successful simulation.
func (l *Lab) Simulate(ctx context.Context, req coordinator.Request) (coordinator.Job, error) {
	if l.sim == nil {
		return coordinator.Job{}, fmt.Errorf("%w: simulator", ErrNotConfigured)
	}
	job, err := l.sim.Start(req)
	if err != nil {
		return coordinator.Job{}, err
	}
	done, err := l.sim.Done(job.ID)
	if err != nil {
		return job, err
	}
	l.logger.Info("simulation started", "job_id", job.ID, "techniques", job.TechniqueIDs)

	select {
	case <-done:
	case <-ctx.Done():
		return job, ctx.Err()
	}
	job, err = l.sim.Get(job.ID)
	if err != nil {
		return job, err
	}
	if job.Status == coordinator.StatusFailed {
		return job, fmt.Errorf("lab: simulation %s failed: %s", job.ID, job.Error)
	}
	l.logger.Info("simulation finished", "job_id", job.ID, "status", job.Status)
	return job, nil
}

// Run initializes the lab and simulates req, retrying each step up to the
// configured number of attempts. Initialization is skipped when scenarioID
// is empty.
func (l *Lab) Run(ctx context.Context, scenarioID string, req coordinator.Request) (coordinator.Job, error) {
	if scenarioID != "" {
		if err := l.retry(ctx, "initialize", func() error { return l.Initialize(ctx, scenarioID) }); err != nil {
			return coordinator.Job{}, err
		}
	}
	var job coordinator.Job
	err := l.retry(ctx, "simulate", func() error {
		var err error
		job, err = l.Simulate(ctx, req)
		// a retried job needs a fresh id
		req.UUID = ""
		return err
	})
	return job, err
}

func (l *Lab) retry(ctx context.Context, step string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= l.cfg.TaskRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		l.logger.Warn("lab step failed", "step", step, "attempt", attempt, "error", err)
	}
	return err
}

// Evaluate loads the window's logs, fetches SIEM alerts, correlates both and
// scores the result.
func (l *Lab) Evaluate(ctx context.Context, req EvaluateRequest) (Results, error) {
	if l.loader == nil || l.alerts == nil || l.identities == nil || l.store == nil {
		return Results{}, fmt.Errorf("%w: evaluation", ErrNotConfigured)
	}
	if req.End.Before(req.Start) {
		return Results{}, fmt.Errorf("lab: window end %s precedes start %s", req.End, req.Start)
	}

	malicious, err := l.identities.MaliciousIDs(ctx)
	if err != nil {
		return Results{}, fmt.Errorf("lab: failed to load malicious ids: %w", err)
	}
	normal, err := l.identities.NormalIDs(ctx)
	if err != nil {
		return Results{}, fmt.Errorf("lab: failed to load normal ids: %w", err)
	}

	res := Results{
		Start:      req.Start.UTC(),
		End:        req.End.UTC(),
		AccountID:  firstNonEmpty(req.AccountID, l.cfg.AccountID),
		BucketName: firstNonEmpty(req.Bucket, l.cfg.Bucket),
		Regions:    req.Regions,
	}
	if len(res.Regions) == 0 {
		res.Regions = slices.Clone(l.cfg.Regions)
	}
	if res.AccountID == "" && l.account != nil && !req.Triage {
		if res.AccountID, err = l.account(ctx); err != nil {
			return Results{}, fmt.Errorf("lab: failed to resolve account id: %w", err)
		}
	}

	load := ingest.LoadRequest{
		AccountID:    res.AccountID,
		Bucket:       res.BucketName,
		Regions:      res.Regions,
		Start:        res.Start,
		End:          res.End,
		MaliciousIDs: malicious,
		NormalIDs:    normal,
	}
	var logs logstore.Handle
	if req.Triage {
		logs, err = l.loader.LoadTriaged(ctx, l.cfg.TriageDir, load)
	} else {
		logs, err = l.loader.Load(ctx, load)
	}
	if err != nil {
		return Results{}, err
	}

	alerts, err := l.alerts.SearchAlerts(ctx, res.Start, res.End)
	if err != nil {
		return Results{}, fmt.Errorf("lab: failed to fetch alerts: %w", err)
	}
	alerts = inWindow(alerts, res.Start, res.End)
	alertsHandle, err := l.store.WriteAlerts(ctx, "alerts/"+logstore.RunName(l.now()), alerts)
	if err != nil {
		return Results{}, err
	}

	rows, err := correlation.Correlate(ctx, l.store, alertsHandle, logs, malicious)
	if err != nil {
		return Results{}, err
	}
	res.RuleScores = correlation.Score(rows)
	res.EventCounts = correlation.EventCounts(rows)
	res.LogsPath = logs.Location
	res.AlertsPath = alertsHandle.Location
	if res.Users, err = l.users(ctx); err != nil {
		return Results{}, err
	}

	l.logger.Info("evaluation finished",
		"logs", logs.Rows,
		"alerts", len(alerts),
		"true_positive", res.RuleScores.TruePositive,
		"false_positive", res.RuleScores.FalsePositive,
		"true_negative", res.RuleScores.TrueNegative,
		"false_negative", res.RuleScores.FalseNegative,
	)
	return res, nil
}

// Cleanup destroys the lab. Local state is removed only when force is set
// and the destroy succeeded.
func (l *Lab) Cleanup(ctx context.Context, force bool) error {
	if l.provision == nil {
		return fmt.Errorf("%w: provisioner", ErrNotConfigured)
	}
	l.logger.Info("cleaning up lab", "force", force)
	return l.provision.Down(ctx, force)
}

// users lists every lab identity with its profile, when one exists.
func (l *Lab) users(ctx context.Context) ([]User, error) {
	profiles := make(map[string]coordinator.Profile, len(l.profiles))
	for _, p := range l.profiles {
		profiles[p.Name] = p
	}
	var users []User
	for _, group := range []credentials.Group{credentials.GroupNormal, credentials.GroupCompromised} {
		set, err := l.identities.All(ctx, group)
		if err != nil {
			return nil, fmt.Errorf("lab: failed to list %s identities: %w", group, err)
		}
		for _, name := range set.Names() {
			u := User{Name: name, IsCompromised: group == credentials.GroupCompromised}
			if p, ok := profiles[name]; ok {
				u.Persona = p.Persona
				u.Policy = string(p.Policy)
			}
			users = append(users, u)
		}
	}
	return users, nil
}

// inWindow drops alerts whose event time falls outside [start, end].
// Alerts with unparseable times are dropped.
func inWindow(alerts []logstore.Alert, start, end time.Time) []logstore.Alert {
	kept := make([]logstore.Alert, 0, len(alerts))
	for _, a := range alerts {
		t, err := time.Parse(time.RFC3339, a.EventTime)
		if err != nil || t.Before(start) || t.After(end) {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
