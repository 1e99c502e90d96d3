package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/justflowhq/justflow/executor"
)

var runCmd = &cobra.Command{
	Use:   "run <task> [args...]",
	Short: "Run a task's subgraph: its ancestors, then the task itself",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		target, taskArgs := args[0], args[1:]
		if a.graph.Task(target) == nil {
			return fmt.Errorf("task %q not found", target)
		}

		results, err := a.exec.Run(context.Background(), target, taskArgs)
		if err != nil {
			return err
		}

		executor.Summary(os.Stdout, results)
		if executor.Failed(results) {
			return fmt.Errorf("one or more tasks failed")
		}
		return nil
	},
}
