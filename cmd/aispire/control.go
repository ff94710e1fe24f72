package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/aispire/internal/command"
	"github.com/msageha/aispire/internal/daemon"
	"github.com/msageha/aispire/internal/lock"
	"github.com/msageha/aispire/internal/metrics"
	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/internal/setup"
	"github.com/msageha/aispire/internal/uds"
	atomicyaml "github.com/msageha/aispire/internal/yaml"
)

// call sends one control command to the workspace daemon and decodes the
// response data into out.
func call(cmd *cobra.Command, command string, params, out any) error {
	layout, err := findWorkspace()
	if err != nil {
		return err
	}
	client := uds.NewClient(layout.SocketPath())
	client.SetTimeout(10 * time.Second)
	return client.Call(cmd.Context(), command, params, out)
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, downstream and queue status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var s daemon.StatusReport
			if err := call(cmd, uds.CommandStatus, nil, &s); err != nil {
				if errors.Is(err, setup.ErrNotFound) {
					return err
				}
				return offlineStatus(cmd.OutOrStdout(), err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), s)
			}
			printStatus(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func printStatus(w io.Writer, s daemon.StatusReport) {
	connected := "disconnected"
	if s.DownstreamConnected {
		connected = "connected"
	}
	fmt.Fprintf(w, "daemon      pid %d, up %s, log level %s\n", s.PID,
		(time.Duration(s.UptimeSeconds) * time.Second).String(), s.LogLevel)
	fmt.Fprintf(w, "upstream    %s, %d active sessions\n", s.UpstreamAddr, s.Sessions)
	fmt.Fprintf(w, "downstream  %s (%s)\n", s.DownstreamAddr, connected)
	fmt.Fprintf(w, "queue       %d/%d pending, %d in history\n", s.Queue.TotalPending, s.Queue.MaxSize, s.Queue.History)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  PRIORITY\tPENDING")
	for _, p := range []model.Priority{model.PriorityCritical, model.PriorityHigh, model.PriorityNormal, model.PriorityLow} {
		fmt.Fprintf(tw, "  %s\t%d\n", p, s.Queue.Pending[p.String()])
	}
	_ = tw.Flush()

	if len(s.Queue.ByStatus) > 0 {
		parts := make([]string, 0, len(s.Queue.ByStatus))
		for _, st := range model.Statuses {
			if n := s.Queue.ByStatus[string(st)]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", st, n))
			}
		}
		fmt.Fprintf(w, "history     %s\n", strings.Join(parts, " "))
	}
	if m := s.Metrics; m != nil {
		fmt.Fprintf(w, "metrics     %d requests, %d errors (rate %.2f), avg latency %.1fms, avg execution %.1fms\n",
			m.TotalRequests, m.TotalErrors, m.ErrorRate, m.AvgRequestLatencyMs, m.AvgExecutionTimeMs)
	}
}

// offlineStatus reports what is on disk when the daemon cannot be reached:
// the PID in a held lock file and the last metrics state snapshot.
func offlineStatus(w io.Writer, cause error) error {
	layout, err := findWorkspace()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "daemon      not reachable: %v\n", cause)
	if pid, err := lock.ReadPID(layout.LockPath()); err == nil && pid > 0 {
		fmt.Fprintf(w, "lock        held by pid %d (stale if that process is gone)\n", pid)
	}

	var state metrics.StateFile
	if err := atomicyaml.Read(filepath.Join(layout.StateDir(), "metrics.yaml"), &state); err != nil || state.UpdatedAt == "" {
		fmt.Fprintln(w, "state       no metrics snapshot recorded")
		return nil
	}
	fmt.Fprintf(w, "state       last snapshot %s: %d pending, %d requests, %d errors\n",
		state.UpdatedAt, state.Queue.TotalPending, state.Summary.TotalRequests, state.Summary.TotalErrors)
	return nil
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <command_id>",
		Short: "Cancel a pending or running command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r daemon.CancelReport
			if err := call(cmd, uds.CommandCancel, uds.CancelParams{CommandID: args[0]}, &r); err != nil {
				return err
			}
			if !r.Cancelled {
				return fmt.Errorf("command %s is already %s", r.CommandID, r.Status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", r.CommandID)
			return nil
		},
	}
}

func newDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Cancel every pending command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r map[string]int
			if err := call(cmd, uds.CommandDrain, nil, &r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d pending commands\n", r["cancelled"])
			return nil
		},
	}
}

func newLogLevelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log-level [level]",
		Short: "Change the daemon log level, or re-read it from the config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params uds.LogLevelParams
			if len(args) == 1 {
				params.Level = args[0]
			}
			var r map[string]string
			if err := call(cmd, uds.CommandReloadLogLevel, params, &r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "log level %s -> %s\n", r["previous"], r["level"])
			return nil
		},
	}
}

func newTemplatesCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List Lua templates and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := listTemplates(cmd, local)
			if err != nil {
				return err
			}
			printTemplates(cmd.OutOrStdout(), infos)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "read templates without asking the daemon")
	return cmd
}

// listTemplates asks the daemon, falling back to the built-in and workspace
// templates on disk when it is not reachable.
func listTemplates(cmd *cobra.Command, local bool) ([]command.TemplateInfo, error) {
	if !local {
		var r struct {
			Templates []command.TemplateInfo `json:"templates"`
		}
		err := call(cmd, uds.CommandTemplates, nil, &r)
		if err == nil {
			return r.Templates, nil
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "daemon unavailable, listing templates on disk: %v\n", err)
	}

	lib, err := command.DefaultLibrary()
	if err != nil {
		return nil, err
	}
	if layout, err := findWorkspace(); err == nil {
		if ws, err := command.LoadLibrary(os.DirFS(layout.TemplatesDir()), "."); err == nil {
			lib.Merge(ws)
		}
	}
	return command.NewGenerator(lib, command.MustNewValidator()).Templates(), nil
}

func printTemplates(w io.Writer, infos []command.TemplateInfo) {
	slices.SortFunc(infos, func(a, b command.TemplateInfo) int { return strings.Compare(a.Name, b.Name) })
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPARAMETERS\tDESCRIPTION")
	for _, t := range infos {
		params := make([]string, 0, len(t.Params))
		for _, p := range t.Params {
			s := p.Name + ":" + string(p.Kind)
			if p.HasDefault {
				s += "?"
			}
			params = append(params, s)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, strings.Join(params, " "), t.Description)
	}
	_ = tw.Flush()
}
