// Package detonator executes Stratus Red Team attack techniques inside a
// container and describes techniques for agent prompts.
package detonator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"detection-lab/internal/credentials"
)

// DefaultImage is the Stratus Red Team container image.
const DefaultImage = "ghcr.io/datadog/stratus-red-team:latest"

// CleanupAll is the Cleanup target that removes every warmed-up technique.
const CleanupAll = "--all"

// ErrNoDescription is returned when a technique has no description.
var ErrNoDescription = errors.New("detonator: no description for technique")

// Error is returned when a stratus command reports a failure.
type Error struct {
	Op        string
	Technique string
	ExitCode  int64
	Output    string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("detonator: stratus %s %s failed: %v", e.Op, e.Technique, e.Err)
	}
	return fmt.Sprintf("detonator: stratus %s %s failed (exit %d)", e.Op, e.Technique, e.ExitCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Runner is the attack-technique lifecycle.
type Runner interface {
	// Show returns the technique description.
	Show(ctx context.Context, techniqueID string) (string, error)
	// Warmup provisions the technique prerequisites with the admin identity.
	Warmup(ctx context.Context, techniqueID string) error
	// Detonate executes the technique as cred.
	Detonate(ctx context.Context, techniqueID string, cred credentials.Credential) error
	// Cleanup reverts a technique, or every technique with CleanupAll.
	Cleanup(ctx context.Context, target string) error
}

// Config holds detonator configuration.
type Config struct {
	Enabled    bool          `yaml:"enabled"`
	Image      string        `yaml:"image"`
	DockerHost string        `yaml:"docker_host"`
	Region     string        `yaml:"region"`
	StateDir   string        `yaml:"state_dir"`
	Pull       bool          `yaml:"pull"`
	Delay      time.Duration `yaml:"delay"`
	Timeout    time.Duration `yaml:"timeout"`
	// CatalogPath optionally points at a YAML map of technique id to
	// description consulted before running stratus show.
	CatalogPath string `yaml:"catalog_path"`
}

// DefaultConfig returns the default detonator configuration.
func DefaultConfig() Config {
	return Config{
		Image:   DefaultImage,
		Region:  "us-east-2",
		Pull:    true,
		Delay:   60 * time.Second,
		Timeout: 10 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Enabled && c.Image == "" {
		return errors.New("detonator: image is required")
	}
	if c.Delay < 0 {
		return errors.New("detonator: delay must not be negative")
	}
	return nil
}

// containerSpec is one stratus invocation.
type containerSpec struct {
	Image    string
	Cmd      []string
	Env      []string
	StateDir string
	Pull     bool
}

// result is the outcome of one container run.
type result struct {
	ExitCode int64
	Stdout   string
	Stderr   string
}

// engine runs a container to completion.
type engine interface {
	Run(ctx context.Context, spec containerSpec) (result, error)
	Close() error
}

// DockerRunner runs stratus commands in short-lived containers.
type DockerRunner struct {
	cfg    Config
	engine engine
	admin  credentials.Credential
	logger *slog.Logger

	mu    sync.Mutex
	shown map[string]string
}

// NewDockerRunner connects to the Docker engine. Warmup and cleanup run as
// admin; an empty admin credential forwards the host AWS_* environment.
func NewDockerRunner(cfg Config, admin credentials.Credential, logger *slog.Logger) (*DockerRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	eng, err := newDockerEngine(cfg.DockerHost, logger.With("component", "docker"))
	if err != nil {
		return nil, err
	}
	return newDockerRunner(cfg, eng, admin, logger), nil
}

func newDockerRunner(cfg Config, eng engine, admin credentials.Credential, logger *slog.Logger) *DockerRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	return &DockerRunner{
		cfg:    cfg,
		engine: eng,
		admin:  admin,
		logger: logger.With("component", "detonator"),
		shown:  make(map[string]string),
	}
}

// Show implements Runner. Descriptions are cached per technique.
func (r *DockerRunner) Show(ctx context.Context, techniqueID string) (string, error) {
	r.mu.Lock()
	if text, ok := r.shown[techniqueID]; ok {
		r.mu.Unlock()
		return text, nil
	}
	r.mu.Unlock()

	res, err := r.run(ctx, "show", techniqueID, r.admin)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(res.Stdout)
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrNoDescription, techniqueID)
	}
	r.mu.Lock()
	r.shown[techniqueID] = text
	r.mu.Unlock()
	return text, nil
}

// Warmup implements Runner.
func (r *DockerRunner) Warmup(ctx context.Context, techniqueID string) error {
	r.logger.Info("warm up infrastructure", "technique", techniqueID)
	_, err := r.run(ctx, "warmup", techniqueID, r.admin)
	return err
}

// Detonate implements Runner.
func (r *DockerRunner) Detonate(ctx context.Context, techniqueID string, cred credentials.Credential) error {
	r.logger.Info("detonate technique", "technique", techniqueID, "credential", cred)
	_, err := r.run(ctx, "detonate", techniqueID, cred)
	return err
}

// Cleanup implements Runner.
func (r *DockerRunner) Cleanup(ctx context.Context, target string) error {
	r.logger.Info("clean up technique", "target", target)
	_, err := r.run(ctx, "cleanup", target, r.admin)
	return err
}

// Close releases the engine connection.
func (r *DockerRunner) Close() error {
	return r.engine.Close()
}

func (r *DockerRunner) run(ctx context.Context, op, target string, cred credentials.Credential) (result, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	res, err := r.engine.Run(ctx, containerSpec{
		Image:    r.cfg.Image,
		Cmd:      []string{op, target},
		Env:      r.env(cred),
		StateDir: r.cfg.StateDir,
		Pull:     r.cfg.Pull,
	})
	if err != nil {
		if ctx.Err() != nil {
			return result{}, ctx.Err()
		}
		return result{}, &Error{Op: op, Technique: target, Err: err}
	}
	if res.ExitCode != 0 || strings.Contains(res.Stdout, "Error") || strings.Contains(res.Stderr, "Error") {
		r.logger.Warn("stratus command failed",
			"op", op,
			"target", target,
			"exit_code", res.ExitCode,
			"stderr", res.Stderr)
		return res, &Error{Op: op, Technique: target, ExitCode: res.ExitCode, Output: res.Stdout + res.Stderr}
	}
	return res, nil
}

func (r *DockerRunner) env(cred credentials.Credential) []string {
	region := r.cfg.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	env := []string{"AWS_DEFAULT_REGION=" + region, "AWS_REGION=" + region}
	if cred.AccessKeyID == "" {
		for _, key := range []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN"} {
			if v := os.Getenv(key); v != "" {
				env = append(env, key+"="+v)
			}
		}
		return env
	}
	env = append(env,
		"AWS_ACCESS_KEY_ID="+cred.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY="+cred.SecretAccessKey)
	if cred.SessionToken != "" {
		env = append(env, "AWS_SESSION_TOKEN="+cred.SessionToken)
	}
	return env
}
