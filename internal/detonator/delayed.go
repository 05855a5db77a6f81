package detonator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"detection-lab/internal/credentials"
)

// Delayed detonates a technique after a fixed delay. It runs alongside the
// agents of a stage so the attack lands inside the noise.
type Delayed struct {
	Runner      Runner
	TechniqueID string
	Credential  credentials.Credential
	Delay       time.Duration
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// Name identifies the participant in job logs.
func (d *Delayed) Name() string { return "detonator:" + d.TechniqueID }

// Run waits for the delay, then detonates once.
func (d *Delayed) Run(ctx context.Context) error {
	sleep := d.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	if err := sleep(ctx, d.Delay); err != nil {
		return err
	}
	if d.Logger != nil {
		d.Logger.Info("delayed detonation", "technique", d.TechniqueID, "delay", d.Delay)
	}
	return d.Runner.Detonate(ctx, d.TechniqueID, d.Credential)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

// Catalog describes techniques from a static map, falling back to a runner.
type Catalog struct {
	descriptions map[string]string
	fallback     Runner
}

// NewCatalog creates a catalog. fallback may be nil.
func NewCatalog(descriptions map[string]string, fallback Runner) *Catalog {
	return &Catalog{descriptions: descriptions, fallback: fallback}
}

// LoadCatalog reads a YAML map of technique id to description.
func LoadCatalog(path string, fallback Runner) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("detonator: failed to read catalog: %w", err)
	}
	descriptions := map[string]string{}
	if err := yaml.Unmarshal(data, &descriptions); err != nil {
		return nil, fmt.Errorf("detonator: failed to parse catalog: %w", err)
	}
	return NewCatalog(descriptions, fallback), nil
}

// Show returns the catalog description or asks the fallback.
func (c *Catalog) Show(ctx context.Context, techniqueID string) (string, error) {
	if text, ok := c.descriptions[techniqueID]; ok && text != "" {
		return text, nil
	}
	if c.fallback == nil {
		return "", fmt.Errorf("%w: %s", ErrNoDescription, techniqueID)
	}
	return c.fallback.Show(ctx, techniqueID)
}
