package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file: load it, build the graph, report cycles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		fmt.Printf("%s Config is valid!\n", color.GreenString("✓"))
		fmt.Printf("  %d task(s) defined\n", len(a.graph.TaskNames()))
		return nil
	},
}
