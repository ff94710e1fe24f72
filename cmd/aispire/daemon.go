package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/msageha/aispire/internal/config"
	"github.com/msageha/aispire/internal/daemon"
	"github.com/msageha/aispire/internal/setup"
)

func newDaemonCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the bridge daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			layout, err := findWorkspace()
			if err != nil {
				return err
			}
			cfg, err := config.Load(layout.ConfigPath(),
				config.WithLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}

			d, err := daemon.New(layout, cfg, daemon.WithConfigPath(layout.ConfigPath()))
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}

			// A second signal after stop() restores the default handler and
			// kills the process.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stop()
			}()
			return d.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	return cmd
}

func newSetupCmd() *cobra.Command {
	var opts setup.Options
	cmd := &cobra.Command{
		Use:   "setup [project_dir]",
		Short: "Initialize " + setup.DirName + "/ in a project directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := projectDir
			if len(args) == 1 {
				dir = args[0]
			}
			layout, err := setup.Run(dir, opts)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initialized %s/ in %s\n", setup.DirName, filepath.Dir(layout.Root))
			if opts.RequireAuth {
				cfg, err := config.Load(layout.ConfigPath())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Upstream auth token: %s\n", cfg.Server.AuthToken)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.RequireAuth, "require-auth", false, "require the upstream auth handshake and generate a token")
	cmd.Flags().BoolVar(&opts.CopyTemplates, "copy-templates", false, "copy the built-in Lua templates for local editing")
	return cmd
}
