package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/mcpserver"
	"github.com/fyrsmithlabs/agentd/internal/store"
)

// newMCPCmd serves the agent-facing tools over stdio. The daemon spawns this
// subcommand inside each agent's MCP configuration; identity and the shared
// database arrive through AGENTD_* environment variables.
func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the agent-side MCP tool server on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			storePath := os.Getenv("AGENTD_STORE_PATH")
			if storePath == "" {
				cfg, err := config.LoadWithFile(*configPath)
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
				storePath = cfg.Store.Path
			}

			// Logs go to stderr; stdout belongs to the MCP transport.
			logger, err := logging.NewLogger(nil)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := store.OpenSQLite(storePath)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			mcpCfg := mcpserver.DefaultConfig()
			mcpCfg.Version = version
			mcpCfg.Logger = logger
			srv, err := mcpserver.NewServer(mcpCfg, st)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
}
