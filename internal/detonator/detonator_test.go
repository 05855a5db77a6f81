package detonator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"detection-lab/internal/credentials"
)

type fakeEngine struct {
	mu    sync.Mutex
	specs []containerSpec
	res   result
	err   error
}

func (f *fakeEngine) Run(_ context.Context, spec containerSpec) (result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	return f.res, f.err
}

func (f *fakeEngine) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShowCachesDescription(t *testing.T) {
	eng := &fakeEngine{res: result{Stdout: "Retrieve EC2 password data via ec2:GetPasswordData\n"}}
	r := newDockerRunner(Config{Region: "us-east-2"}, eng, credentials.Credential{}, testLogger())

	for i := 0; i < 2; i++ {
		text, err := r.Show(context.Background(), "aws.credential-access.ec2-get-password-data")
		if err != nil {
			t.Fatalf("Show() error = %v", err)
		}
		if !strings.Contains(text, "ec2:GetPasswordData") {
			t.Errorf("Show() = %q", text)
		}
	}
	if len(eng.specs) != 1 {
		t.Errorf("engine runs = %d, want 1", len(eng.specs))
	}
	spec := eng.specs[0]
	if spec.Image != DefaultImage {
		t.Errorf("image = %q, want %q", spec.Image, DefaultImage)
	}
	if !slices.Equal(spec.Cmd, []string{"show", "aws.credential-access.ec2-get-password-data"}) {
		t.Errorf("cmd = %v", spec.Cmd)
	}
}

func TestDetonateInjectsCredential(t *testing.T) {
	eng := &fakeEngine{}
	r := newDockerRunner(Config{Region: "eu-west-1"}, eng, credentials.Credential{}, testLogger())
	cred := credentials.Credential{Name: "attacker", AccessKeyID: "AKIA-BAD", SecretAccessKey: "secret", Compromised: true}

	if err := r.Detonate(context.Background(), "aws.exfiltration.ec2-share-ami", cred); err != nil {
		t.Fatalf("Detonate() error = %v", err)
	}
	env := eng.specs[0].Env
	for _, want := range []string{"AWS_ACCESS_KEY_ID=AKIA-BAD", "AWS_SECRET_ACCESS_KEY=secret", "AWS_DEFAULT_REGION=eu-west-1"} {
		if !slices.Contains(env, want) {
			t.Errorf("env missing %q: %v", want, env)
		}
	}
}

func TestRunDetectsFailures(t *testing.T) {
	tests := []struct {
		name string
		res  result
		err  error
	}{
		{"error in stderr", result{Stderr: "Error: technique not warmed up"}, nil},
		{"error in stdout", result{Stdout: "Error creating instance"}, nil},
		{"non-zero exit", result{ExitCode: 2}, nil},
		{"engine failure", result{}, errors.New("daemon unavailable")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newDockerRunner(Config{}, &fakeEngine{res: tt.res, err: tt.err}, credentials.Credential{}, testLogger())
			err := r.Warmup(context.Background(), "aws.discovery.ec2-enumerate-from-instance")
			var detErr *Error
			if !errors.As(err, &detErr) {
				t.Fatalf("Warmup() error = %v, want *Error", err)
			}
			if detErr.Op != "warmup" {
				t.Errorf("Op = %q, want warmup", detErr.Op)
			}
		})
	}
}

func TestCleanupAll(t *testing.T) {
	eng := &fakeEngine{}
	r := newDockerRunner(Config{}, eng, credentials.Credential{}, testLogger())
	if err := r.Cleanup(context.Background(), CleanupAll); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if !slices.Equal(eng.specs[0].Cmd, []string{"cleanup", "--all"}) {
		t.Errorf("cmd = %v", eng.specs[0].Cmd)
	}
}

func TestDelayed(t *testing.T) {
	eng := &fakeEngine{}
	r := newDockerRunner(Config{}, eng, credentials.Credential{}, testLogger())

	var slept time.Duration
	d := &Delayed{
		Runner:      r,
		TechniqueID: "aws.exfiltration.ec2-share-ami",
		Credential:  credentials.Credential{AccessKeyID: "AKIA-BAD"},
		Delay:       time.Minute,
		Sleep: func(_ context.Context, dur time.Duration) error {
			slept = dur
			return nil
		},
	}
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if slept != time.Minute {
		t.Errorf("slept %v, want 1m", slept)
	}
	if len(eng.specs) != 1 || eng.specs[0].Cmd[0] != "detonate" {
		t.Errorf("specs = %+v", eng.specs)
	}
}

func TestDelayedCancelled(t *testing.T) {
	eng := &fakeEngine{}
	d := &Delayed{
		Runner:      newDockerRunner(Config{}, eng, credentials.Credential{}, testLogger()),
		TechniqueID: "aws.exfiltration.ec2-share-ami",
		Delay:       time.Hour,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if len(eng.specs) != 0 {
		t.Error("detonated after cancellation")
	}
}

func TestCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := "aws.exfiltration.ec2-share-ami: Shares an AMI with an external account using ec2:ModifyImageAttribute.\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	eng := &fakeEngine{res: result{Stdout: "from stratus"}}
	c, err := LoadCatalog(path, newDockerRunner(Config{}, eng, credentials.Credential{}, testLogger()))
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}

	got, err := c.Show(context.Background(), "aws.exfiltration.ec2-share-ami")
	if err != nil || !strings.Contains(got, "ModifyImageAttribute") {
		t.Errorf("Show(catalog) = %q, %v", got, err)
	}
	got, err = c.Show(context.Background(), "aws.impact.s3-ransomware-batch-deletion")
	if err != nil || got != "from stratus" {
		t.Errorf("Show(fallback) = %q, %v", got, err)
	}

	bare := NewCatalog(nil, nil)
	if _, err := bare.Show(context.Background(), "x"); !errors.Is(err, ErrNoDescription) {
		t.Errorf("Show without fallback error = %v", err)
	}
}
