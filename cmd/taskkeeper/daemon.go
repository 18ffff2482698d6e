package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/taskkeeper/internal/daemon"
	"github.com/msageha/taskkeeper/internal/keeper"
	"github.com/msageha/taskkeeper/internal/logging"
	"github.com/msageha/taskkeeper/internal/uds"
)

func newDaemonCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the maintenance daemon until SIGINT or SIGTERM",
		Long: `Run reconciliation and the burnout sweep on the configured schedule.
Only one daemon runs per keeper directory. Logs go to logs/daemon.log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			root, cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			layout := keeper.Layout{Root: root}
			if err := os.MkdirAll(layout.Logs(), 0o755); err != nil {
				return fmt.Errorf("create logs dir: %w", err)
			}
			logFile, err := os.OpenFile(layout.DaemonLog(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("open daemon log: %w", err)
			}
			logger := logging.New(logFile, a.level(logging.ParseLevel(cfg.Logging.Level)), "daemon")

			k, err := keeper.Open(root, cfg, keeper.Options{Logger: logger})
			if err != nil {
				_ = logFile.Close()
				return err
			}
			defer func() {
				if cerr := k.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			fmt.Fprintf(a.stderr, "taskkeeper daemon pid=%d logging to %s\n", os.Getpid(), layout.DaemonLog())
			return daemon.New(k, logger, logFile).Run(cmd.Context())
		},
	}
	cmd.AddCommand(newDaemonPingCmd(a), newDaemonPassCmd(a), newDaemonStopCmd(a))
	return cmd
}

func (a *app) client() (*uds.Client, error) {
	root, err := a.root()
	if err != nil {
		return nil, err
	}
	return uds.NewClient(keeper.Layout{Root: root}.Socket()), nil
}

func newDaemonPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			c.SetTimeout(5 * time.Second)
			var res daemon.PingResult
			if err := c.Call(uds.CommandPing, nil, &res); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "running pid=%d passes=%d\n", res.PID, res.Passes)
			return nil
		},
	}
}

func newDaemonPassCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "pass",
		Short: "Ask the running daemon for an immediate pass",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			var res keeper.PassResult
			if err := c.Call(uds.CommandPass, nil, &res); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.stdout, res)
			}
			rep := res.Report
			if rep == nil {
				fmt.Fprintln(a.stdout, "pass complete")
				return nil
			}
			fmt.Fprintf(a.stdout, "pass complete: issues=%d fixes=%d escalations=%d unresolved=%d swept=%d\n",
				len(rep.Issues), len(rep.Fixes), len(rep.Escalations), rep.Unresolved(), len(res.Outcomes))
			if res.SweepError != "" {
				fmt.Fprintf(a.stderr, "sweep errors: %s\n", res.SweepError)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newDaemonStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.Call(uds.CommandShutdown, nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "shutdown requested")
			return nil
		},
	}
}
