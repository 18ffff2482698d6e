// Package keeper opens a keeper dir and wires the store, mirror, state
// machine, and maintenance components that the CLI and daemon share.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/msageha/taskkeeper/internal/actionlog"
	"github.com/msageha/taskkeeper/internal/agentstate"
	"github.com/msageha/taskkeeper/internal/burnout"
	"github.com/msageha/taskkeeper/internal/lock"
	"github.com/msageha/taskkeeper/internal/logging"
	"github.com/msageha/taskkeeper/internal/mirror"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/reconcile"
	"github.com/msageha/taskkeeper/internal/statemachine"
	"github.com/msageha/taskkeeper/internal/store"
	"github.com/msageha/taskkeeper/internal/telemetry"
	"github.com/msageha/taskkeeper/internal/zombie"
)

type Options struct {
	Logger *logging.Logger
	// Fs backs the mirror and agent state. Defaults to the OS filesystem.
	Fs  afero.Fs
	Now func() time.Time
}

type Keeper struct {
	Layout Layout
	Logger *logging.Logger

	Store      *store.Store
	Mirror     *mirror.Mirror
	Agents     *agentstate.Reader
	Actions    *actionlog.Logger
	Telemetry  *telemetry.Provider
	Metrics    *telemetry.Metrics
	Machine    *statemachine.Machine
	Detector   *zombie.Detector
	Reconciler *reconcile.Reconciler
	Recycler   *burnout.Recycler

	cfgMu sync.RWMutex
	cfg   *model.Config

	passMu   sync.Mutex
	passLock *lock.FileLock
}

// Open wires every component for the keeper dir at root. cfg must already
// have defaults applied (config.Load does this).
func Open(root string, cfg *model.Config, opts Options) (_ *Keeper, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	layout := Layout{Root: root}
	k := &Keeper{Layout: layout, Logger: logger, cfg: cfg, passLock: lock.NewFileLock(layout.PassLock())}
	defer func() {
		if err != nil {
			_ = k.Close()
		}
	}()

	if err = os.MkdirAll(layout.Locks(), 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	if k.Store, err = store.Open(layout.DB()); err != nil {
		return nil, err
	}
	k.Mirror = mirror.New(fs, layout.Queue(), layout.Quarantine())
	if opts.Now != nil {
		k.Mirror.SetClock(opts.Now)
	}
	if err = k.Mirror.Init(); err != nil {
		return nil, err
	}
	if k.Agents, err = agentstate.NewReader(fs, layout.Agents()); err != nil {
		return nil, err
	}
	if k.Actions, err = actionlog.Open(layout.ActionLog(), int64(cfg.ActionLog.MaxSizeMB)*1024*1024, cfg.ActionLog.Checksum); err != nil {
		return nil, err
	}

	k.Telemetry = telemetry.Init(cfg.Telemetry.Enabled)
	if k.Metrics, err = telemetry.NewMetrics(k.Telemetry.Meter); err != nil {
		return nil, err
	}

	k.Machine = statemachine.New(k.Store, k.Mirror, statemachine.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		MaxDepth:    cfg.Burnout.MaxDepth,
		Publisher: &statemachine.CommandPublisher{
			Commands: cfg.Publish.Commands,
			WorkDir:  cfg.Publish.WorkDir,
			Timeout:  time.Duration(cfg.Publish.TimeoutSec) * time.Second,
			Logger:   logger.With("publish"),
		},
		Logger:  logger.With("statemachine"),
		Metrics: k.Metrics,
		Now:     opts.Now,
	})
	k.Detector = zombie.NewDetector(k.Store, k.Mirror, k.Agents, thresholds(cfg), logger.With("zombie"), opts.Now)
	k.Reconciler = reconcile.New(k.Store, k.Mirror, reconcile.Options{
		MinFileAge: cfg.Thresholds.MinFileAge(),
		Detector:   k.Detector,
		Actions:    k.Actions,
		Logger:     logger.With("reconciler"),
		Metrics:    k.Metrics,
		Now:        opts.Now,
	})
	k.Recycler = burnout.NewRecycler(k.Machine, classifier(cfg), k.Actions, logger.With("burnout"))
	return k, nil
}

func thresholds(cfg *model.Config) zombie.Thresholds {
	return zombie.Thresholds{
		ClaimAge:   cfg.Thresholds.ZombieClaimAge(),
		Inactive:   cfg.Thresholds.AgentInactive(),
		MinFileAge: cfg.Thresholds.MinFileAge(),
	}
}

func classifier(cfg *model.Config) burnout.Classifier {
	return burnout.Classifier{TurnThreshold: cfg.Burnout.TurnThreshold, MaxDepth: cfg.Burnout.MaxDepth}
}

func (k *Keeper) Config() *model.Config {
	k.cfgMu.RLock()
	defer k.cfgMu.RUnlock()
	return k.cfg
}

// Reload swaps in thresholds from cfg. Retry, publish, and telemetry
// settings are fixed for the life of the process.
func (k *Keeper) Reload(cfg *model.Config) {
	k.cfgMu.Lock()
	old := k.cfg
	k.cfg = cfg
	k.cfgMu.Unlock()

	k.Detector.SetThresholds(thresholds(cfg))
	k.Reconciler.SetMinFileAge(cfg.Thresholds.MinFileAge())
	k.Recycler.SetClassifier(classifier(cfg))
	k.Machine.SetMaxDepth(cfg.Burnout.MaxDepth)
	if old != nil && (old.Retry != cfg.Retry || old.Publish.TimeoutSec != cfg.Publish.TimeoutSec ||
		old.Publish.WorkDir != cfg.Publish.WorkDir || old.Telemetry != cfg.Telemetry) {
		k.Logger.Logf(logging.Warn, "config_reload retry, publish, and telemetry changes take effect after restart")
	}
	k.Logger.Logf(logging.Info, "config_reload min_file_age=%ds zombie_claim_age=%ds turn_threshold=%d max_depth=%d",
		cfg.Thresholds.MinFileAgeSec, cfg.Thresholds.ZombieClaimAgeSec, cfg.Burnout.TurnThreshold, cfg.Burnout.MaxDepth)
}

func (k *Keeper) Close() error {
	var errs []error
	if k.Telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, k.Telemetry.Shutdown(ctx))
		cancel()
	}
	if k.Actions != nil {
		errs = append(errs, k.Actions.Close())
	}
	if k.Store != nil {
		errs = append(errs, k.Store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close keeper: %w", err)
	}
	return nil
}
