package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"detection-lab/internal/tui"
)

func newTUICmd(g *globals) *cobra.Command {
	var server, apiKey string
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Open the terminal dashboard against a running lab server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				server = fmt.Sprintf("http://localhost:%d", g.cfg.Server.HTTPPort)
			}
			if apiKey == "" && g.cfg.Auth.Enabled && len(g.cfg.Auth.APIKeys) > 0 {
				apiKey = g.cfg.Auth.APIKeys[0]
			}
			return tui.Run(server, apiKey)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "lab server URL (default http://localhost:<http_port>)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (default the first configured key)")
	return cmd
}
