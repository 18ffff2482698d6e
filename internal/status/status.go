// Package status builds the operator snapshot behind "taskkeeper status":
// queue depths, agent liveness, stale blockers, and struggling claims.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/msageha/taskkeeper/internal/keeper"
	"github.com/msageha/taskkeeper/internal/mirror"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/store"
	"github.com/msageha/taskkeeper/internal/uds"
)

type Snapshot struct {
	GeneratedAt   time.Time         `json:"generated_at"`
	Daemon        DaemonStatus      `json:"daemon"`
	Queues        []QueueCount      `json:"queues"`
	Agents        []AgentStatus     `json:"agents"`
	StaleBlockers []string          `json:"stale_blockers"`
	Struggling    []StrugglingClaim `json:"struggling"`
	Idle          []string          `json:"idle"`
	Quarantined   int               `json:"quarantined"`
}

type DaemonStatus struct {
	Running bool  `json:"running"`
	PID     int   `json:"pid,omitempty"`
	Passes  int64 `json:"passes,omitempty"`
}

type QueueCount struct {
	Queue model.Queue `json:"queue"`
	Count int         `json:"count"`
}

type AgentState string

const (
	AgentRunning AgentState = "running"
	AgentIdle    AgentState = "idle"
	AgentBlocked AgentState = "blocked"
	AgentUnknown AgentState = "unknown"
)

type AgentStatus struct {
	Name        string     `json:"name"`
	State       AgentState `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	CurrentTask string     `json:"current_task,omitempty"`
	LastActive  *time.Time `json:"last_active,omitempty"`
	Claimed     int        `json:"claimed"`
}

// StrugglingClaim is a claim held past the struggle threshold with no commits.
type StrugglingClaim struct {
	TaskID  string        `json:"task_id"`
	Title   string        `json:"title"`
	Worker  string        `json:"worker"`
	Claimed time.Duration `json:"claimed_ns"`
}

type Options struct {
	// PingTimeout bounds the daemon liveness check.
	PingTimeout time.Duration
	Now         func() time.Time
}

// ping mirrors the daemon's ping payload; the daemon package imports keeper,
// so the type is not shared.
type ping struct {
	PID    int   `json:"pid"`
	Passes int64 `json:"passes"`
}

// Collect reads a snapshot. It never writes to the store or the mirror.
func Collect(ctx context.Context, k *keeper.Keeper, opts Options) (*Snapshot, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 2 * time.Second
	}
	snap := &Snapshot{
		GeneratedAt:   now().UTC(),
		Daemon:        checkDaemon(k.Layout.Socket(), opts.PingTimeout),
		StaleBlockers: []string{},
		Struggling:    []StrugglingClaim{},
		Idle:          []string{},
	}

	counts, err := k.Store.CountByQueue(ctx)
	if err != nil {
		return nil, err
	}
	for _, q := range model.AllQueues {
		snap.Queues = append(snap.Queues, QueueCount{Queue: q, Count: counts[q]})
	}

	claimed, err := k.Store.ListTasks(ctx, store.ListFilter{Queue: model.QueueClaimed})
	if err != nil {
		return nil, err
	}
	perWorker := make(map[string]int)
	struggleAfter := k.Config().Thresholds.StruggleAfter()
	for _, t := range claimed {
		worker := t.Claimant()
		perWorker[worker]++
		if t.ClaimedAt == nil || t.CommitsCount > 0 {
			continue
		}
		if held := now().Sub(*t.ClaimedAt); held >= struggleAfter {
			snap.Struggling = append(snap.Struggling, StrugglingClaim{
				TaskID: t.ID, Title: t.Title, Worker: worker, Claimed: held.Truncate(time.Second),
			})
		}
	}
	sort.Slice(snap.Struggling, func(i, j int) bool {
		return snap.Struggling[i].Claimed > snap.Struggling[j].Claimed
	})

	snap.Agents, err = agentStatuses(k, perWorker)
	if err != nil {
		return nil, err
	}
	for _, a := range snap.Agents {
		if a.State != AgentRunning && a.Claimed == 0 {
			snap.Idle = append(snap.Idle, a.Name)
		}
	}

	stale, err := k.Store.StaleBlocked(ctx)
	if err != nil {
		return nil, err
	}
	snap.StaleBlockers = append(snap.StaleBlockers, stale...)

	quarantined, err := mirror.QuarantinedFiles(k.Mirror.Fs(), k.Mirror.QuarantineDir())
	if err != nil {
		return nil, err
	}
	snap.Quarantined = len(quarantined)
	return snap, nil
}

func checkDaemon(socket string, timeout time.Duration) DaemonStatus {
	client := uds.NewClient(socket)
	client.SetTimeout(timeout)
	var p ping
	if err := client.Call(uds.CommandPing, nil, &p); err != nil {
		return DaemonStatus{}
	}
	return DaemonStatus{Running: true, PID: p.PID, Passes: p.Passes}
}

func agentStatuses(k *keeper.Keeper, claimed map[string]int) ([]AgentStatus, error) {
	states, errs, err := k.Agents.LoadAll()
	if err != nil {
		return nil, err
	}
	agents := make([]AgentStatus, 0, len(states)+len(errs))
	for _, st := range states {
		a := AgentStatus{Name: st.Name, Claimed: claimed[st.Name]}
		switch {
		case st.Running:
			a.State = AgentRunning
		case st.BlockedReason() != "":
			a.State = AgentBlocked
			a.Reason = st.BlockedReason()
		default:
			a.State = AgentIdle
		}
		if st.CurrentTask != nil {
			a.CurrentTask = *st.CurrentTask
		}
		if ts, ok := st.LastActivity(); ok {
			a.LastActive = &ts
		}
		agents = append(agents, a)
	}
	for name, lerr := range errs {
		agents = append(agents, AgentStatus{Name: name, State: AgentUnknown, Reason: lerr.Error(), Claimed: claimed[name]})
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

func WriteJSON(w io.Writer, snap *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return nil
}
