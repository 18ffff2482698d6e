package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/taskkeeper/internal/keeper"
	"github.com/msageha/taskkeeper/internal/status"
)

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depths, agents, stale blockers, and struggling claims",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withKeeper(func(k *keeper.Keeper) error {
				snap, err := status.Collect(cmd.Context(), k, status.Options{})
				if err != nil {
					return err
				}
				if asJSON {
					return status.WriteJSON(a.stdout, snap)
				}
				return status.Render(a.stdout, snap, status.NewStyles(status.ColorEnabled(a.stdout)), time.Now())
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
