package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// PlanFile is the saved plan applied by Up.
const PlanFile = "plan.tfplan"

// ErrNoScenario is returned when a scenario has no Terraform project.
var ErrNoScenario = errors.New("infra: scenario has no terraform project")

// Config holds lab provisioning configuration.
type Config struct {
	Terraform TerraformConfig `yaml:"terraform"`
	// ScenariosDir holds one Terraform project per scenario under
	// {scenario}/infra.
	ScenariosDir string `yaml:"scenarios_dir"`
	AllowlistURL string `yaml:"allowlist_url"`
	KeyBits      int    `yaml:"key_bits"`
}

// DefaultConfig returns the default provisioning configuration.
func DefaultConfig() Config {
	return Config{
		Terraform:    TerraformConfig{Binary: "terraform"},
		ScenariosDir: "scenarios",
		AllowlistURL: DefaultAllowlistURL,
		KeyBits:      DefaultKeyBits,
	}
}

// Provisioner sets up and tears down the lab directory and its
// infrastructure.
type Provisioner struct {
	cfg       Config
	labDir    string
	triageDir string
	client    *http.Client
	logger    *slog.Logger
}

// NewProvisioner creates a provisioner over the lab and triage directories.
func NewProvisioner(cfg Config, labDir, triageDir string, client *http.Client, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Provisioner{
		cfg:       cfg,
		labDir:    labDir,
		triageDir: triageDir,
		client:    client,
		logger:    logger.With("component", "provisioner"),
	}
}

// LabDir returns the lab directory.
func (p *Provisioner) LabDir() string { return p.labDir }

// Terraform returns a runner for the lab's Terraform project.
func (p *Provisioner) Terraform() *Terraform {
	return NewTerraform(p.cfg.Terraform, filepath.Join(p.labDir, "terraform"), p.logger)
}

// Up creates the lab directory, writes the allowlist and compromised SSH
// keys, copies the scenario project and applies it.
func (p *Provisioner) Up(ctx context.Context, scenarioID string) error {
	p.logger.Info("create new lab directory", "dir", p.labDir)
	if err := os.MkdirAll(p.labDir, 0o755); err != nil {
		return fmt.Errorf("infra: failed to create lab dir: %w", err)
	}

	cidr, err := WriteAllowlist(ctx, p.client, p.cfg.AllowlistURL, p.labDir)
	if err != nil {
		return err
	}
	p.logger.Info("added own address to allowlist", "cidr", cidr)

	fingerprint, err := GenerateSSHKeys(p.labDir, p.cfg.KeyBits)
	if err != nil {
		return err
	}
	p.logger.Info("created compromised ssh keys", "fingerprint", fingerprint)

	if scenarioID != "" {
		src := filepath.Join(p.cfg.ScenariosDir, scenarioID, "infra")
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("%w: %s", ErrNoScenario, scenarioID)
		}
		dst := filepath.Join(p.labDir, "terraform")
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
		if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
			return fmt.Errorf("infra: failed to copy scenario project: %w", err)
		}
	}

	tf := p.Terraform()
	if err := tf.Init(ctx); err != nil {
		return err
	}
	if err := tf.Plan(ctx, PlanFile); err != nil {
		return err
	}
	return tf.Apply(ctx, PlanFile)
}

// Down destroys the lab infrastructure. Local state is removed only when
// destroy succeeded and force is set.
func (p *Provisioner) Down(ctx context.Context, force bool) error {
	p.logger.Info("destroy lab infrastructure")
	if err := p.Terraform().Destroy(ctx); err != nil {
		return err
	}
	if !force {
		p.logger.Info("infrastructure cleanup complete, rerun with force to delete lab files")
		return nil
	}

	p.logger.Info("delete triaged logs", "dir", p.triageDir)
	if err := os.RemoveAll(p.triageDir); err != nil {
		return fmt.Errorf("infra: failed to remove triage dir: %w", err)
	}
	p.logger.Info("delete lab directory", "dir", p.labDir)
	if err := os.RemoveAll(p.labDir); err != nil {
		return fmt.Errorf("infra: failed to remove lab dir: %w", err)
	}
	return nil
}
