package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/msageha/taskkeeper/internal/config"
	"github.com/msageha/taskkeeper/internal/keeper"
	"github.com/msageha/taskkeeper/internal/logging"
	"github.com/msageha/taskkeeper/internal/model"
)

const version = "1.0.0"

// exitError carries a non-zero exit code without an error message of its own.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// app holds the global flags shared by every subcommand.
type app struct {
	dir      string
	logLevel string
	stdout   io.Writer
	stderr   io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "taskkeeper",
		Short: "File-mirrored task queue with a reconciling maintenance daemon",
		Long: `taskkeeper keeps a SQLite task store and a directory of markdown task
files in agreement. Workers claim and submit tasks from the CLI; the daemon
repairs drift, escalates zombie claims, and recycles burned-out work.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&a.dir, "dir", "", "project or "+keeper.DirName+" directory (default: search upward from the working directory)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level for stderr output: debug, info, warn, error (default warn)")

	root.AddCommand(
		newInitCmd(a),
		newTaskCmd(a),
		newDiagnoseCmd(a),
		newProvisionalCmd(a),
		newStatusCmd(a),
		newDaemonCmd(a),
	)
	return root
}

// root resolves the keeper dir from --dir or the working directory.
func (a *app) root() (string, error) {
	start := a.dir
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		start = wd
	}
	if filepath.Base(start) == keeper.DirName {
		if fi, err := os.Stat(start); err == nil && fi.IsDir() {
			return filepath.Abs(start)
		}
	}
	return keeper.Find(start)
}

// level returns --log-level when given, else def.
func (a *app) level(def logging.Level) logging.Level {
	if a.logLevel != "" {
		return logging.ParseLevel(a.logLevel)
	}
	return def
}

func (a *app) loadConfig() (string, *model.Config, error) {
	root, err := a.root()
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return "", nil, err
	}
	return root, cfg, nil
}

// withKeeper opens the keeper for one command and closes it afterwards. CLI
// logs go to stderr at warn unless --log-level says otherwise.
func (a *app) withKeeper(f func(k *keeper.Keeper) error) (err error) {
	root, cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(a.stderr, a.level(logging.Warn), "cli")
	k, err := keeper.Open(root, cfg, keeper.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := k.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return f(k)
}
