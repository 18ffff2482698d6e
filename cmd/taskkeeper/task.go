package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/msageha/taskkeeper/internal/burnout"
	"github.com/msageha/taskkeeper/internal/config"
	"github.com/msageha/taskkeeper/internal/keeper"
	"github.com/msageha/taskkeeper/internal/logging"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/statemachine"
	"github.com/msageha/taskkeeper/internal/store"
)

// workerFlag binds --worker to TASKKEEPER_WORKER so agents can export their
// name once.
type workerFlag struct {
	v *viper.Viper
}

func newWorkerFlag(cmd *cobra.Command, usage string) *workerFlag {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	_ = v.BindEnv("worker")
	cmd.Flags().String("worker", "", usage+" (env "+config.EnvPrefix+"_WORKER)")
	_ = v.BindPFlag("worker", cmd.Flags().Lookup("worker"))
	return &workerFlag{v: v}
}

func (w *workerFlag) get() (string, error) {
	name := strings.TrimSpace(w.v.GetString("worker"))
	if name == "" {
		return "", errors.New("--worker is required")
	}
	return name, nil
}

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, claim, and move tasks through their lifecycle",
	}
	cmd.AddCommand(
		newTaskCreateCmd(a),
		newTaskListCmd(a),
		newTaskShowCmd(a),
		newTaskClaimCmd(a),
		newTaskClaimNextCmd(a),
		newTaskSubmitCmd(a, false),
		newTaskSubmitCmd(a, true),
		newTaskResumeCmd(a),
		newTaskAcceptCmd(a),
		newTaskRejectCmd(a),
		newTaskFailCmd(a),
		newTaskReleaseCmd(a),
		newTaskEscalateCmd(a),
		newTaskRecycleCmd(a),
		newTaskRebaseCmd(a),
		newTaskBreakdownCmd(a),
	)
	return cmd
}

func newTaskCreateCmd(a *app) *cobra.Command {
	var (
		nt       statemachine.NewTask
		role     string
		bodyFile string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in incoming (breakdown tasks start in breakdown)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nt.Role = model.Role(role)
			if bodyFile != "" {
				body, err := readBody(cmd.InOrStdin(), bodyFile)
				if err != nil {
					return err
				}
				nt.Body = body
			}
			return a.withKeeper(func(k *keeper.Keeper) error {
				t, err := k.Machine.Create(cmd.Context(), nt)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(a.stdout, t)
				}
				fmt.Fprintf(a.stdout, "created %s in %s\n", t.ID, t.Queue)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&nt.Title, "title", "", "task title")
	f.StringVar(&role, "role", string(model.DefaultRole), "implement, infra, breakdown, or review")
	f.StringVar(&nt.Priority, "priority", model.DefaultPriority, "P0 (highest) to P3")
	f.StringVar(&nt.Branch, "branch", model.DefaultBranch, "target branch")
	f.StringVar(&nt.ProjectID, "project", "", "project id")
	f.StringVar(&nt.CreatedBy, "created-by", model.DefaultCreatedBy, "creator recorded in history")
	f.StringSliceVar(&nt.BlockedBy, "blocked-by", nil, "ids of tasks that must be done first")
	f.StringSliceVar(&nt.Checks, "checks", nil, "checks a reviewer should run")
	f.StringVar(&bodyFile, "body", "", "file with the task description, or - for stdin")
	f.BoolVar(&asJSON, "json", false, "print the created task as JSON")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func readBody(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(data), nil
}

func newTaskListCmd(a *app) *cobra.Command {
	var (
		filter      store.ListFilter
		queue, role string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks by priority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if queue != "" {
				q, err := model.ParseQueue(queue)
				if err != nil {
					return err
				}
				filter.Queue = q
			}
			filter.Role = model.Role(role)
			return a.withKeeper(func(k *keeper.Keeper) error {
				tasks, err := k.Store.ListTasks(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					if tasks == nil {
						tasks = []*model.Task{}
					}
					return writeJSON(a.stdout, tasks)
				}
				if len(tasks) == 0 {
					fmt.Fprintln(a.stdout, "no tasks")
					return nil
				}
				fmt.Fprintf(a.stdout, "%-10s %-20s %-3s %-10s %-14s %s\n", "ID", "QUEUE", "PRI", "ROLE", "WORKER", "TITLE")
				for _, t := range tasks {
					worker := t.Claimant()
					if worker == "" {
						worker = "-"
					}
					title := t.Title
					if len(t.BlockedBy) > 0 {
						title += " [blocked:" + strings.Join(t.BlockedBy, ",") + "]"
					}
					fmt.Fprintf(a.stdout, "%-10s %-20s %-3s %-10s %-14s %s\n", t.ID, t.Queue, t.Priority, t.Role, worker, title)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&queue, "queue", "", "only tasks in this queue")
	f.StringVar(&role, "role", "", "only tasks with this role")
	f.StringVar(&filter.ClaimedBy, "worker", "", "only tasks claimed by this worker")
	f.StringVar(&filter.ProjectID, "project", "", "only tasks of this project")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

type taskDetail struct {
	Task         *model.Task          `json:"task"`
	Body         string               `json:"body"`
	History      []model.HistoryEvent `json:"history"`
	BlockersDone bool                 `json:"blockers_done"`
}

func newTaskShowCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKeeper(func(k *keeper.Keeper) error {
				ctx := cmd.Context()
				t, err := k.Store.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				hist, err := k.Machine.History(ctx, t.ID)
				if err != nil {
					return err
				}
				ready, err := k.Store.BlockersDone(ctx, t.ID)
				if err != nil {
					return err
				}
				body, err := k.Machine.Body(ctx, t.ID)
				if err != nil {
					body = ""
					k.Logger.Logf(logging.Warn, "mirror_read task=%s: %v", t.ID, err)
				}
				if asJSON {
					return writeJSON(a.stdout, taskDetail{Task: t, Body: body, History: hist, BlockersDone: ready})
				}
				printTask(a.stdout, t)
				if len(t.BlockedBy) > 0 && ready {
					fmt.Fprintln(a.stdout, "  (every blocker is done)")
				}
				if strings.TrimSpace(body) != "" {
					fmt.Fprintf(a.stdout, "\n%s\n", strings.TrimRight(body, "\n"))
				}
				fmt.Fprintln(a.stdout, "\nhistory:")
				for _, ev := range hist {
					fmt.Fprintf(a.stdout, "  %s  %-20s %-16s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Event, ev.Actor, ev.Details)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printTask(w io.Writer, t *model.Task) {
	fmt.Fprintf(w, "%s  %s\n", t.ID, t.Title)
	fmt.Fprintf(w, "  queue:      %s\n", t.Queue)
	fmt.Fprintf(w, "  role:       %s  priority: %s  branch: %s\n", t.Role, t.Priority, t.Branch)
	if t.IsClaimed() {
		fmt.Fprintf(w, "  claimed_by: %s", t.Claimant())
		if t.ClaimedAt != nil {
			fmt.Fprintf(w, " at %s", t.ClaimedAt.Format(time.RFC3339))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  counters:   commits=%d turns=%d attempts=%d rejections=%d depth=%d\n",
		t.CommitsCount, t.TurnsUsed, t.AttemptCount, t.RejectionCount, t.BreakdownDepth)
	if len(t.BlockedBy) > 0 {
		fmt.Fprintf(w, "  blocked_by: %s\n", strings.Join(t.BlockedBy, ", "))
	}
	if t.ProjectID != nil {
		fmt.Fprintf(w, "  project:    %s\n", *t.ProjectID)
	}
	if t.RecycledFrom != nil {
		fmt.Fprintf(w, "  recycled_from: %s\n", *t.RecycledFrom)
	}
	if t.NeedsRebase {
		fmt.Fprintln(w, "  needs_rebase: true")
	}
	if t.NeedsReview {
		fmt.Fprintln(w, "  needs_review: true")
	}
}

// transitionCmd builds the many single-id commands that run one state
// machine call and print the resulting queue.
func transitionCmd(a *app, use, short string, setup func(cmd *cobra.Command) func(k *keeper.Keeper, cmd *cobra.Command, id string) (*model.Task, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
	}
	run := setup(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return a.withKeeper(func(k *keeper.Keeper) error {
			t, err := run(k, cmd, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s -> %s\n", t.ID, t.Queue)
			return nil
		})
	}
	return cmd
}

func newTaskClaimCmd(a *app) *cobra.Command {
	return transitionCmd(a, "claim <id>", "Claim a task from incoming", func(cmd *cobra.Command) func(*keeper.Keeper, *cobra.Command, string) (*model.Task, error) {
		worker := newWorkerFlag(cmd, "claiming worker")
		return func(k *keeper.Keeper, cmd *cobra.Command, id string) (*model.Task, error) {
			name, err := worker.get()
			if err != nil {
				return nil, err
			}
			return k.Machine.Claim(cmd.Context(), id, name)
		}
	})
}

func newTaskClaimNextCmd(a *app) *cobra.Command {
	var (
		role   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "claim-next",
		Short: "Claim the highest-priority claimable task",
		Long:  "Claim the highest-priority unblocked task in incoming. Exits 2 when there is nothing to claim.",
		Args:  cobra.NoArgs,
	}
	worker := newWorkerFlag(cmd, "claiming worker")
	cmd.Flags().StringVar(&role, "role", "", "only claim tasks with this role")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the claimed task as JSON")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		name, err := worker.get()
		if err != nil {
			return err
		}
		return a.withKeeper(func(k *keeper.Keeper) error {
			t, err := k.Machine.ClaimNext(cmd.Context(), name, model.Role(role))
			if errors.Is(err, store.ErrNothingToClaim) {
				fmt.Fprintln(a.stderr, "no claimable task")
				return &exitError{code: 2}
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.stdout, t)
			}
			fmt.Fprintf(a.stdout, "claimed %s: %s\n", t.ID, t.Title)
			return nil
		})
	}
	return cmd
}

// newTaskSubmitCmd builds "submit" or, with checkpoint set, "checkpoint".
func newTaskSubmitCmd(a *app, checkpoint bool) *cobra.Command {
	use, short := "submit <id>", "Hand finished work to review (provisional)"
	if checkpoint {
		use, short = "checkpoint <id>", "Park a claimed task that ran out of turns (needs_continuation)"
	}
	return transitionCmd(a, use, short, func(cmd *cobra.Command) func(*keeper.Keeper, *cobra.Command, string) (*model.Task, error) {
		worker := newWorkerFlag(cmd, "claiming worker")
		var commits, turns int
		cmd.Flags().IntVar(&commits, "commits", 0, "commits made since the claim or last resume")
		cmd.Flags().IntVar(&turns, "turns", 0, "turns used since the claim or last resume")
		return func(k *keeper.Keeper, cmd *cobra.Command, id string) (*model.Task, error) {
			name, err := worker.get()
			if err != nil {
				return nil, err
			}
			if checkpoint {
				return k.Machine.Checkpoint(cmd.Context(), id, name, commits, turns)
			}
			return k.Machine.Submit(cmd.Context(), id, name, commits, turns)
		}
	})
}

func newTaskResumeCmd(a *app) *cobra.Command {
	return transitionCmd(a, "resume <id>", "Reclaim a parked task", func(cmd *cobra.Command) func(*keeper.Keeper, *cobra.Command, string) (*model.Task, error) {
		worker := newWorkerFlag(cmd, "resuming worker")
		return func(k *keeper.Keeper, cmd *cobra.Command, id string) (*model.Task, error) {
			name, err := worker.get()
			if err != nil {
				return nil, err
			}
			return k.Machine.Resume(cmd.Context(), id, name)
		}
	})
}

func newTaskAcceptCmd(a *app) *cobra.Command {
	return transitionCmd(a, "accept <id>", "Accept a provisional task (infra tasks publish first)", func(cmd *cobra.Command) func(*keeper.Keeper, *cobra.Command, string) (*model.Task, error) {
		var validator string
		cmd.Flags().StringVar(&validator, "validator", statemachine.ValidatorManualAccept, "validator recorded in history")
		return func(k *keeper.Keeper, cmd *cobra.Command, id string) (*model.Task, error) {
			t, err := k.Machine.Accept(cmd.Context(), id, validator)
			var pe *statemachine.PublishError
			if errors.As(err, &pe) {
				return nil, fmt.Errorf("%w; the task stays in provisional", err)
			}
			return t, err
		}
	})
}

func newTaskRejectCmd(a *app) *cobra.Command {
	return transitionCmd(a, "reject <id>", "Send a provisional task back to incoming", func(cmd *cobra.Command) func(*keeper.Keeper, *cobra.Command, string) (*model.Task, error) {
		var reviewer, reason string
		cmd.Flags().StringVar(&reviewer, "reviewer", "human", "reviewer recorded in history")
		cmd.Flags().StringVar(&reason, "reason", "", "why the work was rejected")
		_ = cmd.MarkFlagRequired("reason")
		return func(k *keeper.Keeper, cmd *cobra.Command, id string) (*model.Task, error) {
			return k.Machine.Reject(cmd.Context(), id, reviewer, reason)
		}
	})
}

func newTaskFailCmd(a *app) *cobra.Command {
	return transitionCmd(a, "fail <id>", "Record a failed attempt (retried until attempts run out)", func(cmd *cobra.Command) func(*keeper.Keeper, *cobra.Command, string) (*model.Task, error) {
		worker := newWorkerFlag(cmd, "claiming worker")
		var reason string
		cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
		_ = cmd.MarkFlagRequired("reason")
		return func(k *keeper.Keeper, cmd *cobra.Command, id string) (*model.Task, error) {
			name, err := worker.get()
			if err != nil {
				return nil, err
			}
			return k.Machine.Fail(cmd.Context(), id, name, reason)
		}
	})
}

func newTaskReleaseCmd(a *app) *cobra.Command {
	return transitionCmd(a, "release <id>", "Return a claimed or parked task to incoming", func(cmd *cobra.Command) func(*keeper.Keeper, *cobra.Command, string) (*model.Task, error) {
		var operator, reason string
		cmd.Flags().StringVar(&operator, "operator", "human", "operator recorded in history")
		cmd.Flags().StringVar(&reason, "reason", "", "why the claim is released")
		_ = cmd.MarkFlagRequired("reason")
		return func(k *keeper.Keeper, cmd *cobra.Command, id string) (*model.Task, error) {
			return k.Machine.Release(cmd.Context(), id, operator, reason)
		}
	})
}

func newTaskEscalateCmd(a *app) *cobra.Command {
	return transitionCmd(a, "escalate <id>", "Park a task for a human", func(cmd *cobra.Command) func(*keeper.Keeper, *cobra.Command, string) (*model.Task, error) {
		var actor, reason string
		cmd.Flags().StringVar(&actor, "actor", "human", "actor recorded in history")
		cmd.Flags().StringVar(&reason, "reason", "", "why the task is escalated")
		_ = cmd.MarkFlagRequired("reason")
		return func(k *keeper.Keeper, cmd *cobra.Command, id string) (*model.Task, error) {
			return k.Machine.Escalate(cmd.Context(), id, actor, reason)
		}
	})
}

func newTaskRecycleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recycle <id>",
		Short: "Recycle a provisional task into a breakdown task (force-accepts at the depth cap)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKeeper(func(k *keeper.Keeper) error {
				t, err := k.Store.GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out, err := k.Recycler.Recycle(cmd.Context(), t)
				if err != nil {
					return err
				}
				switch out.Decision {
				case burnout.DecisionForceAccept:
					fmt.Fprintf(a.stdout, "%s -> done (force-accepted at depth cap, needs review)\n", out.TaskID)
				default:
					fmt.Fprintf(a.stdout, "%s -> recycled; breakdown task %s\n", out.TaskID, out.SuccessorID)
				}
				return nil
			})
		},
	}
	return cmd
}

func newTaskRebaseCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebase <id>",
		Short: "Flag a task for a rebase before it is evaluated again",
		Args:  cobra.ExactArgs(1),
	}
	var actor string
	cmd.Flags().StringVar(&actor, "actor", "human", "actor recorded in history")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return a.withKeeper(func(k *keeper.Keeper) error {
			t, err := k.Machine.MarkForRebase(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s marked for rebase\n", t.ID)
			return nil
		})
	}
	return cmd
}

func newTaskBreakdownCmd(a *app) *cobra.Command {
	var (
		titles []string
		actor  string
	)
	cmd := &cobra.Command{
		Use:   "breakdown <id>",
		Short: "Complete a breakdown task by creating its subtasks in order",
		Long: `Complete a breakdown task. Each --subtask becomes a task in incoming,
blocked by the one before it, and the breakdown task moves to done.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subs := make([]statemachine.NewTask, 0, len(titles))
			for _, title := range titles {
				subs = append(subs, statemachine.NewTask{Title: title})
			}
			return a.withKeeper(func(k *keeper.Keeper) error {
				created, err := k.Machine.CompleteBreakdown(cmd.Context(), args[0], actor, subs)
				for _, t := range created {
					fmt.Fprintf(a.stdout, "created %s: %s\n", t.ID, t.Title)
				}
				return err
			})
		},
	}
	cmd.Flags().StringArrayVar(&titles, "subtask", nil, "subtask title; repeat in execution order")
	cmd.Flags().StringVar(&actor, "actor", "planner", "actor recorded in history")
	_ = cmd.MarkFlagRequired("subtask")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
