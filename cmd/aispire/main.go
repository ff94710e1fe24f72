package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/msageha/aispire/internal/config"
	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/internal/setup"
)

const version = "0.1.0"

var projectDir string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aispire",
		Short: "aispire bridges MCP-style clients to the Aspire/VCarve Lua gadget",
		Long: `aispire accepts protocol envelopes from AI clients over TCP, turns them into
validated Lua scripts, queues them by priority and executes them one by one on
the Lua gadget running inside Vectric Aspire.

Examples:
  aispire setup .
  aispire daemon
  aispire send --code 'return GetJobName()'
  aispire status
  aispire mcp`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "project directory to search for "+setup.DirName)

	root.AddCommand(
		newDaemonCmd(),
		newSetupCmd(),
		newSendCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newDrainCmd(),
		newLogLevelCmd(),
		newTemplatesCmd(),
		newMCPCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "aispire %s\n", version)
			},
		},
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// findWorkspace locates .aispire/ from --dir upwards.
func findWorkspace() (setup.Layout, error) {
	return setup.Find(projectDir)
}

// loadWorkspaceConfig returns the workspace layout and config, or the
// defaults when no workspace exists.
func loadWorkspaceConfig() (setup.Layout, model.Config, bool, error) {
	layout, err := findWorkspace()
	if err != nil {
		cfg, derr := config.Load("")
		return setup.Layout{}, cfg, false, derr
	}
	cfg, err := config.Load(layout.ConfigPath())
	return layout, cfg, true, err
}
