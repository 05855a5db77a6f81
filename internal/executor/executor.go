// Package executor performs the credentialed side effect behind an agent's
// action and returns the CloudTrail-style records it produced.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"detection-lab/internal/behavior"
	"detection-lab/internal/credentials"
)

// ErrUnsupportedCall is returned when an executor cannot perform an API call.
var ErrUnsupportedCall = errors.New("executor: unsupported API call")

// Call describes one action to execute.
type Call struct {
	// API is "service:Method". Empty for flavor actions.
	API         string
	Description string
	Duration    time.Duration

	// Context is the agent's background and current objective, used by
	// executors that synthesize records.
	Context     string
	Permissions string
}

// Executor performs calls on behalf of an identity.
type Executor interface {
	Execute(ctx context.Context, cred credentials.Credential, call Call) ([]behavior.ActivityRecord, error)
}

// Fallback tries Primary and uses Secondary for calls Primary does not
// support. Flavor calls and a nil Primary always use Secondary.
type Fallback struct {
	Primary   Executor
	Secondary Executor
	// Strict surfaces Primary's ErrUnsupportedCall for named calls instead
	// of falling back.
	Strict bool
}

// Execute implements Executor.
func (f Fallback) Execute(ctx context.Context, cred credentials.Credential, call Call) ([]behavior.ActivityRecord, error) {
	if f.Primary != nil && call.API != "" {
		records, err := f.Primary.Execute(ctx, cred, call)
		if f.Strict || !errors.Is(err, ErrUnsupportedCall) {
			return records, err
		}
	}
	if f.Secondary == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCall, call.API)
	}
	return f.Secondary.Execute(ctx, cred, call)
}

// Mode selects how named API calls are executed.
type Mode string

const (
	// ModeSynthetic fabricates records with the content generator.
	ModeSynthetic Mode = "synthetic"
	// ModeAWS performs real calls and fails on calls it does not know.
	ModeAWS Mode = "aws"
	// ModeHybrid performs known calls for real and synthesizes the rest.
	ModeHybrid Mode = "hybrid"
)

// Config configures executor construction.
type Config struct {
	Mode        Mode   `yaml:"mode"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
	AccountID   string `yaml:"account_id"`
	Bucket      string `yaml:"bucket"`
}

// DefaultConfig returns the synthetic executor configuration.
func DefaultConfig() Config {
	return Config{
		Mode:   ModeSynthetic,
		Region: "us-east-2",
	}
}

// New builds the executor chain for a mode. Flavor actions always take the
// synthetic path.
func New(cfg Config, synth *Synthetic) (Executor, error) {
	switch cfg.Mode {
	case ModeSynthetic, "":
		return synth, nil
	case ModeAWS:
		return Fallback{Primary: NewAWS(cfg), Secondary: synth, Strict: true}, nil
	case ModeHybrid:
		return Fallback{Primary: NewAWS(cfg), Secondary: synth}, nil
	default:
		return nil, fmt.Errorf("executor: unknown mode %q", cfg.Mode)
	}
}
