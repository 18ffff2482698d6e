// Package daemon runs maintenance passes on a schedule: reconciliation
// followed by the burnout sweep. It holds a flock so that one daemon runs per
// keeper dir, and serves a control socket for the CLI.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/taskkeeper/internal/config"
	"github.com/msageha/taskkeeper/internal/keeper"
	"github.com/msageha/taskkeeper/internal/lock"
	"github.com/msageha/taskkeeper/internal/logging"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/uds"
)

// Daemon is the long-running maintenance process.
type Daemon struct {
	keeper  *keeper.Keeper
	logger  *logging.Logger
	logFile io.Closer

	fileLock     *lock.FileLock
	server       *uds.Server
	scheduler    *cron.Cron
	queueWatcher *fsnotify.Watcher
	cfgWatcher   *config.Watcher
	loadConfig   func(dir string) (*model.Config, error)

	passes singleflight.Group
	// passCount counts completed passes, for logs and tests.
	passCount atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}
}

// New creates a daemon over an opened keeper. logFile, when set, is closed
// on shutdown.
func New(k *keeper.Keeper, logger *logging.Logger, logFile io.Closer) *Daemon {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		keeper:     k,
		logger:     logger,
		logFile:    logFile,
		fileLock:   lock.NewFileLock(k.Layout.DaemonLock()),
		server:     uds.NewServer(k.Layout.Socket(), logger.With("control")),
		loadConfig: config.Load,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run starts the daemon and blocks until a signal, a shutdown request, or
// cancellation of parent.
func (d *Daemon) Run(parent context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("another daemon is running (pid %d): %w", lock.HolderPID(d.fileLock.Path()), err)
		}
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Logf(logging.Info, "daemon starting pid=%d dir=%s", os.Getpid(), d.keeper.Layout.Root)

	if err := d.start(); err != nil {
		d.Shutdown()
		return err
	}

	d.RunPass(d.ctx, "startup")
	d.logger.Logf(logging.Info, "daemon ready schedule=%q", d.keeper.Config().Reconcile.Schedule)

	d.waitSignals(parent)
	return nil
}

func (d *Daemon) start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.queueWatcher = w
	for _, q := range model.AllQueues {
		dir := d.keeper.Mirror.QueueDir(q)
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	d.cfgWatcher = config.NewWatcher(d.keeper.Layout.Root, d.logger.With("config"))
	if err := d.cfgWatcher.Start(d.ctx); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	d.logger.Logf(logging.Info, "control socket listening on %s", d.keeper.Layout.Socket())

	d.scheduler = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{d.logger})))
	if _, err := d.scheduler.AddFunc(d.keeper.Config().Reconcile.Schedule, func() {
		d.RunPass(d.ctx, "schedule")
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", d.keeper.Config().Reconcile.Schedule, err)
	}
	d.scheduler.Start()

	d.wg.Add(2)
	go d.queueLoop()
	go d.configLoop()
	return nil
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandPing, func(ctx context.Context, req *uds.Request) *uds.Response {
		return uds.SuccessResponse(PingResult{PID: os.Getpid(), Passes: d.passCount.Load()})
	})
	d.server.Handle(uds.CommandPass, func(ctx context.Context, req *uds.Request) *uds.Response {
		res, err := d.RunPass(ctx, "request")
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(res)
	})
	d.server.Handle(uds.CommandShutdown, func(ctx context.Context, req *uds.Request) *uds.Response {
		d.logger.Logf(logging.Info, "shutdown requested via control socket")
		d.cancel()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// PingResult is the payload of a ping response.
type PingResult struct {
	PID    int   `json:"pid"`
	Passes int64 `json:"passes"`
}

// RunPass runs an applying pass. Concurrent callers share one run.
func (d *Daemon) RunPass(ctx context.Context, trigger string) (*keeper.PassResult, error) {
	v, err, shared := d.passes.Do("pass", func() (any, error) {
		start := time.Now()
		res, err := d.keeper.Pass(ctx, keeper.PassOptions{
			Apply: true,
			Sweep: d.keeper.Config().Reconcile.AutoRecycle,
		})
		if err != nil {
			d.logger.Logf(logging.Error, "pass_failed trigger=%s: %v", trigger, err)
			return nil, err
		}
		n := d.passCount.Add(1)
		rep := res.Report
		d.logger.Logf(logging.Info, "pass=%d trigger=%s issues=%d fixes=%d escalations=%d swept=%d elapsed=%s",
			n, trigger, len(rep.Issues), len(rep.Fixes), len(rep.Escalations), len(res.Outcomes), time.Since(start).Round(time.Millisecond))
		d.logSnapshot(ctx)
		return res, nil
	})
	if shared {
		d.logger.Logf(logging.Debug, "pass trigger=%s joined a running pass", trigger)
	}
	if err != nil {
		return nil, err
	}
	return v.(*keeper.PassResult), nil
}

func (d *Daemon) logSnapshot(ctx context.Context) {
	if !d.keeper.Telemetry.Enabled() || !d.logger.Enabled(logging.Debug) {
		return
	}
	snap, err := d.keeper.Telemetry.Snapshot(ctx)
	if err != nil {
		d.logger.Logf(logging.Warn, "metrics_snapshot: %v", err)
		return
	}
	d.logger.Logf(logging.Debug, "metrics %v", snap)
}

// queueLoop only observes: the reconciler owns every repair.
func (d *Daemon) queueLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-d.queueWatcher.Events:
			if !ok {
				return
			}
			d.keeper.Metrics.MirrorEvent(d.ctx, ev.Op.String())
			d.logger.Logf(logging.Debug, "fsnotify op=%s file=%s", ev.Op, ev.Name)
		case err, ok := <-d.queueWatcher.Errors:
			if !ok {
				return
			}
			d.logger.Logf(logging.Error, "fsnotify: %v", err)
		}
	}
}

func (d *Daemon) configLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case _, ok := <-d.cfgWatcher.Events():
			if !ok {
				return
			}
			cfg, err := d.loadConfig(d.keeper.Layout.Root)
			if err != nil {
				d.logger.Logf(logging.Error, "config_reload rejected, keeping previous config: %v", err)
				continue
			}
			if cfg.Reconcile.Schedule != d.keeper.Config().Reconcile.Schedule {
				d.logger.Logf(logging.Warn, "config_reload schedule change takes effect after restart")
			}
			d.keeper.Reload(cfg)
		}
	}
}

func (d *Daemon) waitSignals(parent context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Logf(logging.Info, "received signal=%s, shutting down", sig)
		go func() {
			if _, ok := <-sigCh; ok {
				d.logger.Logf(logging.Warn, "received second signal, forcing exit")
				os.Exit(1)
			}
		}()
	case <-parent.Done():
		d.logger.Logf(logging.Info, "context cancelled, shutting down")
	case <-d.ctx.Done():
	}
	d.Shutdown()
}

// Done is closed once shutdown has finished.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Shutdown stops producers, waits for the running pass within the
// configured timeout, and releases the daemon lock. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Logf(logging.Info, "shutdown started")
		d.cancel()

		var cronDone context.Context
		if d.scheduler != nil {
			cronDone = d.scheduler.Stop()
		}
		if d.queueWatcher != nil {
			_ = d.queueWatcher.Close()
		}
		if err := d.server.Stop(); err != nil {
			d.logger.Logf(logging.Warn, "stop control socket: %v", err)
		}

		timeout := time.Duration(d.keeper.Config().Daemon.ShutdownTimeoutSec) * time.Second
		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			if cronDone != nil {
				<-cronDone.Done()
			}
			close(drained)
		}()
		select {
		case <-drained:
			d.logger.Logf(logging.Info, "all goroutines drained")
		case <-time.After(timeout):
			d.logger.Logf(logging.Warn, "shutdown timeout after %s, a pass may be incomplete", timeout)
		}

		if err := d.fileLock.Unlock(); err != nil {
			d.logger.Logf(logging.Warn, "release daemon lock: %v", err)
		}
		d.logger.Logf(logging.Info, "daemon stopped passes=%d", d.passCount.Load())
		if d.logFile != nil {
			_ = d.logFile.Close()
		}
		close(d.done)
	})
}

// cronLogger adapts the daemon logger to cron.Logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Logf(logging.Debug, "cron %s %v", msg, keysAndValues)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Logf(logging.Error, "cron %s %v: %v", msg, keysAndValues, err)
}
