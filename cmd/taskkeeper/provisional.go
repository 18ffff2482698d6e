package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/taskkeeper/internal/burnout"
	"github.com/msageha/taskkeeper/internal/keeper"
	"github.com/msageha/taskkeeper/internal/status"
)

func newProvisionalCmd(a *app) *cobra.Command {
	var apply, acceptHealthy, asJSON bool
	cmd := &cobra.Command{
		Use:   "provisional",
		Short: "Classify provisional tasks and recycle burned-out ones",
		Long: `Classify every provisional task. A task that used more turns than the
burnout threshold without a commit is recycled into a breakdown task, or
force-accepted for review at the depth cap. Without --apply nothing changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withKeeper(func(k *keeper.Keeper) error {
				outcomes, err := k.Recycler.Sweep(cmd.Context(), apply, acceptHealthy)
				if asJSON {
					if outcomes == nil {
						outcomes = []burnout.Outcome{}
					}
					if jerr := writeJSON(a.stdout, outcomes); jerr != nil {
						return jerr
					}
					return err
				}

				st := status.NewStyles(status.ColorEnabled(a.stdout))
				fmt.Fprintln(a.stdout, st.Header(fmt.Sprintf("PROVISIONAL (%d)", len(outcomes))))
				for _, o := range outcomes {
					decision := fmt.Sprintf("%-12s", o.Decision)
					switch o.Decision {
					case burnout.DecisionAccept:
						decision = st.OK.Render(decision)
					case burnout.DecisionRecycle:
						decision = st.Warn.Render(decision)
					default:
						decision = st.Error.Render(decision)
					}
					state := "pending"
					switch {
					case o.Error != "":
						state = "error: " + o.Error
					case o.Applied && o.SuccessorID != "":
						state = "-> " + o.SuccessorID
					case o.Applied:
						state = "applied"
					}
					fmt.Fprintf(a.stdout, "  %-10s %s commits=%d turns=%d depth=%d %s  %s\n",
						o.TaskID, decision, o.Commits, o.Turns, o.Depth, st.Subtle.Render(state), o.Title)
				}
				if !apply && len(outcomes) > 0 {
					fmt.Fprintln(a.stdout, st.Subtle.Render("dry run; rerun with --apply"))
				}
				return err
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&apply, "apply", false, "recycle and force-accept for real")
	f.BoolVar(&acceptHealthy, "accept-healthy", false, "also accept tasks that are not burned out")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
