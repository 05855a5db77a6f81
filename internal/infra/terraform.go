// Package infra provisions and tears down lab infrastructure with Terraform.
package infra

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// InfrastructureError is returned when a Terraform command fails. It is
// fatal for the job that triggered it.
type InfrastructureError struct {
	Op     string
	Dir    string
	Output string
	Err    error
}

func (e *InfrastructureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("infra: terraform %s in %s failed: %v", e.Op, e.Dir, e.Err)
	}
	return fmt.Sprintf("infra: terraform %s in %s reported an error", e.Op, e.Dir)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// TerraformConfig holds Terraform runner configuration.
type TerraformConfig struct {
	Binary string            `yaml:"binary"`
	Vars   map[string]string `yaml:"vars"`
}

// Terraform runs terraform commands against one project directory.
type Terraform struct {
	binary string
	dir    string
	vars   map[string]string
	logger *slog.Logger
}

// NewTerraform creates a runner for dir.
func NewTerraform(cfg TerraformConfig, dir string, logger *slog.Logger) *Terraform {
	if logger == nil {
		logger = slog.Default()
	}
	binary := cfg.Binary
	if binary == "" {
		binary = "terraform"
	}
	return &Terraform{
		binary: binary,
		dir:    dir,
		vars:   cfg.Vars,
		logger: logger.With("component", "terraform", "dir", dir),
	}
}

// Dir returns the project directory.
func (t *Terraform) Dir() string { return t.dir }

// Init runs terraform init.
func (t *Terraform) Init(ctx context.Context) error {
	_, err := t.run(ctx, "init", "-input=false")
	return err
}

// Plan writes an execution plan to out.
func (t *Terraform) Plan(ctx context.Context, out string) error {
	args := []string{"plan", "-input=false"}
	if out != "" {
		args = append(args, "-out="+out)
	}
	_, err := t.run(ctx, args...)
	return err
}

// Apply applies a saved plan, or the current configuration when plan is
// empty.
func (t *Terraform) Apply(ctx context.Context, plan string) error {
	args := []string{"apply", "-input=false", "-auto-approve"}
	if plan != "" {
		args = append(args, plan)
	}
	_, err := t.run(ctx, args...)
	return err
}

// Destroy tears down every managed resource.
func (t *Terraform) Destroy(ctx context.Context) error {
	_, err := t.run(ctx, "destroy", "-input=false", "-auto-approve")
	return err
}

// Show returns the human-readable state.
func (t *Terraform) Show(ctx context.Context) (string, error) {
	return t.run(ctx, "show", "-no-color")
}

func (t *Terraform) run(ctx context.Context, args ...string) (string, error) {
	op := args[0]
	cmd := exec.CommandContext(ctx, t.binary, append([]string{"-chdir=" + t.dir}, args...)...)
	cmd.Env = append(os.Environ(), t.env()...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	t.logger.Info("run terraform", "op", op)
	err := cmd.Run()
	out, errOut := stdout.String(), stderr.String()
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if err != nil || strings.Contains(out, "Error") || strings.Contains(errOut, "Error") {
		t.logger.Error("terraform failed", "op", op, "stderr", errOut)
		return out, &InfrastructureError{Op: op, Dir: t.dir, Output: out + errOut, Err: err}
	}
	t.logger.Debug("terraform finished", "op", op, "bytes", len(out))
	return out, nil
}

func (t *Terraform) env() []string {
	keys := make([]string, 0, len(t.vars))
	for k := range t.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, "TF_VAR_"+k+"="+t.vars[k])
	}
	return env
}
