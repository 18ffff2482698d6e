package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/taskkeeper/internal/actionlog"
	"github.com/msageha/taskkeeper/internal/keeper"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/reconcile"
	"github.com/msageha/taskkeeper/internal/status"
)

func newDiagnoseCmd(a *app) *cobra.Command {
	var (
		fix, asJSON, recent bool
		hours               int
	)
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Find drift between the task store and the task files",
		Long: `Run one reconciliation pass. Without --fix nothing is written. Exits 1
when issues remain unresolved after the pass.

With --recent, show the fixes recorded in the action log instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if recent {
				return a.recentFixes(time.Duration(hours)*time.Hour, asJSON)
			}
			return a.withKeeper(func(k *keeper.Keeper) error {
				res, err := k.Pass(cmd.Context(), keeper.PassOptions{Apply: fix})
				if err != nil {
					return err
				}
				if asJSON {
					if err := writeJSON(a.stdout, res.Report); err != nil {
						return err
					}
				} else {
					renderReport(a.stdout, res.Report, status.NewStyles(status.ColorEnabled(a.stdout)))
				}
				if res.Report.Unresolved() > 0 {
					return &exitError{code: 1}
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&fix, "fix", false, "apply automatic fixes")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	f.BoolVar(&recent, "recent", false, "show recent fixes from the action log")
	f.IntVar(&hours, "hours", 24, "how far back --recent looks")
	return cmd
}

func renderReport(w io.Writer, rep *reconcile.Report, st status.Styles) {
	mode := "dry run"
	if rep.Applied {
		mode = "applied"
	}
	fmt.Fprintf(w, "%s (%s, %s)\n", st.Header("DIAGNOSE"), mode, rep.Duration.Round(time.Millisecond))
	if len(rep.Issues) == 0 {
		fmt.Fprintf(w, "  %s\n", st.OK.Render("no issues"))
		return
	}

	kinds := rep.CountByKind()
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, string(k))
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(w, "  %-16s %d\n", k, kinds[model.IssueKind(k)])
	}

	fmt.Fprintln(w)
	for _, iss := range rep.Issues {
		tag := st.Warn.Render("!")
		if !iss.AutoFixable() {
			tag = st.Error.Render("x")
		}
		fmt.Fprintf(w, "  %s %-16s %s", tag, iss.Kind, iss.TaskID)
		if iss.Detail != "" {
			fmt.Fprintf(w, "  %s", iss.Detail)
		}
		fmt.Fprintln(w)
	}

	if len(rep.Fixes) > 0 {
		fmt.Fprintf(w, "\n%s\n", st.Header(fmt.Sprintf("FIXED (%d)", len(rep.Fixes))))
		for _, f := range rep.Fixes {
			fmt.Fprintf(w, "  %s %-14s %s %s\n", st.OK.Render("+"), f.Type, f.TaskID, st.Subtle.Render(transition(f.Before, f.After)))
		}
	}
	if len(rep.Escalations) > 0 {
		fmt.Fprintf(w, "\n%s\n", st.Header(fmt.Sprintf("ESCALATED (%d)", len(rep.Escalations))))
		for _, e := range rep.Escalations {
			fmt.Fprintf(w, "  %s %s  %s\n", st.Error.Render("x"), e.TaskID, e.Detail)
		}
	}
	if n := rep.Unresolved(); n > 0 {
		hint := ""
		if !rep.Applied {
			hint = "; rerun with --fix"
		}
		fmt.Fprintf(w, "\n%s\n", st.Warn.Render(fmt.Sprintf("%d unresolved%s", n, hint)))
	}
}

func transition(before, after string) string {
	if before == "" && after == "" {
		return ""
	}
	return before + " -> " + after
}

func (a *app) recentFixes(window time.Duration, asJSON bool) error {
	root, err := a.root()
	if err != nil {
		return err
	}
	logPath := keeper.Layout{Root: root}.ActionLog()
	entries, err := actionlog.Recent(logPath, time.Now().Add(-window))
	if err != nil {
		return err
	}
	groups := actionlog.GroupByType(entries)
	if asJSON {
		return writeJSON(a.stdout, groups)
	}

	st := status.NewStyles(status.ColorEnabled(a.stdout))
	fmt.Fprintf(a.stdout, "%s (last %s)\n", st.Header("RECENT FIXES"), window)
	if total, valid, err := actionlog.VerifyIntegrity(logPath); err == nil && valid < total {
		fmt.Fprintf(a.stdout, "  %s\n", st.Error.Render(fmt.Sprintf("action log: %d of %d entries fail their checksum", total-valid, total)))
	}
	if len(entries) == 0 {
		fmt.Fprintf(a.stdout, "  %s\n", st.Subtle.Render("none"))
		return nil
	}
	types := make([]string, 0, len(groups))
	for t := range groups {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(a.stdout, "\n  %s (%d)\n", st.Title.Render(t), len(groups[t]))
		for _, e := range groups[t] {
			fmt.Fprintf(a.stdout, "    %s %-10s %s\n", e.Timestamp.Local().Format("01-02 15:04"), e.TaskID, strings.TrimSpace(e.Message))
		}
	}
	return nil
}
