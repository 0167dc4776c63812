package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forest6511/pmvault/internal/mcp"
)

var mcpProfile string

func init() {
	rootCmd.AddCommand(mcpServerCmd)

	mcpServerCmd.Flags().StringVar(&mcpProfile, "profile", "", "Profile to unlock before serving (id or name)")
}

// mcpServerCmd starts the bridge for local agents.
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP bridge for local assistants",
	Long: `Start an MCP server over stdio that lets a local assistant see vault
state and lock the vault. It never returns credentials.

Available tools:
  - vault_status:   Lock state of a profile (default: the active one)
  - vault_profiles: Profiles allowed by the bridge policy
  - vault_lock:     Lock the unlocked vault (requires allow_lock)

Authentication:
  With --profile, the vault is unlocked at startup using PMVAULT_PASSWORD.
  The password is read once and immediately cleared from the environment.

Policy:
  Create ~/.pmvault/bridge-policy.yaml (mode 0600) to restrict which
  profiles the bridge may see and whether it may lock. An unreadable or
  insecure policy file denies everything.

Example MCP configuration:
  {
    "mcpServers": {
      "pmvault": {
        "type": "stdio",
        "command": "/path/to/pmvault",
        "args": ["mcp-server", "--profile", "work"],
        "env": {
          "PMVAULT_PASSWORD": "your-master-password"
        }
      }
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer()
	},
}

func runMCPServer() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := mcp.NewServer(ctx, &mcp.ServerOptions{
		Sessions: sessions,
		Profiles: profiles,
		DataDir:  cfg.DataDir,
		Profile:  mcpProfile,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			cancel()
			server.Close()
		case <-ctx.Done():
		}
	}()

	if err := server.Run(ctx); err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
