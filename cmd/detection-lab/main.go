// Command detection-lab runs simulations against a cloud lab, evaluates the
// SIEM on the resulting CloudTrail logs and tunes its detection rules.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"detection-lab/internal/config"
	"detection-lab/internal/logging"
)

var version = "dev"

// globals are the persistent flags and the state loaded from them.
type globals struct {
	configPath string
	logLevel   string
	jsonOutput bool

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:          "detection-lab",
		Short:        "Simulate cloud identities and score SIEM detections",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load()
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (default $LAB_CONFIG_PATH or "+config.DefaultPath+")")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		newServeCmd(g),
		newLabCmd(g),
		newRulesCmd(g),
		newOptimizeCmd(g),
		newTUICmd(g),
	)
	return root
}

// load reads the configuration and installs the process logger.
func (g *globals) load() error {
	if g.configPath != "" {
		os.Setenv("LAB_CONFIG_PATH", g.configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	g.cfg = cfg
	g.logger = logging.New(os.Stderr, cfg.Logging)
	slog.SetDefault(g.logger)
	return nil
}
