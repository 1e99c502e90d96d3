package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var graphFormat string

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Show the task dependency graph",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		switch graphFormat {
		case "dot":
			fmt.Println(graphDot(a))
		case "ascii", "":
			fmt.Println(graphASCII(a))
		default:
			return fmt.Errorf("unknown format %q: use ascii or dot", graphFormat)
		}
		return nil
	},
}

func init() {
	graphCmd.Flags().StringVarP(&graphFormat, "format", "f", "ascii", "output format: ascii or dot")
}

// graphASCII renders each level emitted by ParallelLevels as one line,
// so the levels a run-all would actually execute are visible at a glance.
func graphASCII(a *app) string {
	var b strings.Builder
	for i, level := range a.graph.ParallelLevels() {
		fmt.Fprintf(&b, "level %d: %s\n", i+1, strings.Join(level, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// graphDot renders depends_on edges as a Graphviz digraph, dep -> task.
func graphDot(a *app) string {
	var b strings.Builder
	b.WriteString("digraph justflow {\n")
	for _, name := range a.graph.TaskNames() {
		t := a.graph.Task(name)
		if len(t.DependsOn) == 0 {
			fmt.Fprintf(&b, "  %q;\n", name)
			continue
		}
		for _, dep := range t.DependsOn {
			fmt.Fprintf(&b, "  %q -> %q;\n", dep, name)
		}
	}
	b.WriteString("}")
	return b.String()
}
