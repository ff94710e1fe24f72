package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/msageha/aispire/internal/daemon"
	"github.com/msageha/aispire/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var (
		addr     string
		token    string
		timeout  time.Duration
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools and resources on stdio, forwarding to the daemon",
		Long: `mcp speaks the Model Context Protocol (newline-delimited JSON-RPC 2.0) on
stdin/stdout so MCP clients can launch aispire directly. Every tool call and
resource read is sent to the running daemon's upstream server.

Tools:     execute_code, query_state, create_vector, create_toolpath
Resources: vectric://job/{info,layers,toolpaths,vectors,models}`,
		Example: `  aispire mcp
  aispire -C ~/projects/sign mcp --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, _, err := loadWorkspaceConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			}
			if token == "" && cfg.Server.AuthRequired {
				token = cfg.Server.AuthToken
			}
			if logLevel == "" {
				logLevel = cfg.Logging.Level
			}

			// stdout carries the protocol.
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(daemon.ParseLogLevel(logLevel)).With().Timestamp().Logger()

			backend := mcp.BackendFunc(func(ctx context.Context, envelope map[string]any) (map[string]any, error) {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				return exchange(ctx, addr, token, envelope)
			})
			srv := mcp.NewServer(backend, mcp.WithLogger(logger), mcp.WithVersion(version))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info().Str("upstream", addr).Msg("mcp server ready on stdio")
			errc := make(chan error, 1)
			go func() { errc <- srv.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout()) }()
			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
				logger.Info().Msg("mcp server stopping")
				return nil
			}
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "upstream server address (default from config)")
	f.StringVar(&token, "token", "", "upstream auth token (default from config when auth is required)")
	f.DurationVar(&timeout, "timeout", 120*time.Second, "timeout for each forwarded call")
	f.StringVar(&logLevel, "log-level", "", "stderr log level (default from config)")
	return cmd
}
