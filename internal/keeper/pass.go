package keeper

import (
	"context"
	"fmt"

	"github.com/msageha/taskkeeper/internal/burnout"
	"github.com/msageha/taskkeeper/internal/logging"
	"github.com/msageha/taskkeeper/internal/reconcile"
)

type PassOptions struct {
	// Apply makes the pass write fixes; otherwise it only reports.
	Apply bool
	// Sweep runs the burnout sweep after reconciliation.
	Sweep         bool
	AcceptHealthy bool
}

type PassResult struct {
	Report   *reconcile.Report `json:"report"`
	Outcomes []burnout.Outcome `json:"outcomes,omitempty"`
	// SweepError joins per-task sweep failures; they do not fail the pass.
	SweepError string `json:"sweep_error,omitempty"`
}

// Pass runs one maintenance pass. An applying pass holds the pass lock so
// that a daemon tick and a manual "diagnose --fix" never interleave.
func (k *Keeper) Pass(ctx context.Context, opts PassOptions) (*PassResult, error) {
	if opts.Apply {
		k.passMu.Lock()
		defer k.passMu.Unlock()
		if err := k.passLock.Lock(ctx); err != nil {
			return nil, fmt.Errorf("acquire pass lock: %w", err)
		}
		defer func() {
			if err := k.passLock.Unlock(); err != nil {
				k.Logger.Logf(logging.Warn, "pass_lock_release: %v", err)
			}
		}()
	}

	rep, err := k.Reconciler.Run(ctx, opts.Apply)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	res := &PassResult{Report: rep}
	if !opts.Sweep {
		return res, nil
	}
	outcomes, err := k.Recycler.Sweep(ctx, opts.Apply, opts.AcceptHealthy)
	res.Outcomes = outcomes
	if err != nil {
		res.SweepError = err.Error()
		k.Logger.Logf(logging.Warn, "sweep_errors: %v", err)
	}
	return res, nil
}
