package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/msageha/taskkeeper/internal/setup"
)

func newInitCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init [project-dir]",
		Short: "Create the keeper directory, config, and database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.dir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				dir = wd
			}
			root, err := setup.Run(dir, setup.Options{Name: name})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "initialized %s\n", root)
			fmt.Fprintln(a.stdout, "next: taskkeeper task create --title \"...\" or taskkeeper daemon")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory name)")
	return cmd
}
