package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/justflowhq/justflow/executor"
)

var runAllCmd = &cobra.Command{
	Use:   "run-all",
	Short: "Run every task in the graph, level by level",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		results := a.exec.RunAll(context.Background())

		executor.Summary(os.Stdout, results)
		if executor.Failed(results) {
			return fmt.Errorf("one or more tasks failed")
		}
		return nil
	},
}
