package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var listFormat string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every task declared in the config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if listFormat == "json" {
			return listJSON(a)
		}
		return listText(a)
	},
}

func init() {
	listCmd.Flags().StringVarP(&listFormat, "format", "f", "text", "output format: text or json")
}

// taskInfo is the list --format json shape: a flattened view of a task's
// declaration, omitting fields that don't apply.
type taskInfo struct {
	Name      string   `json:"name"`
	Run       *string  `json:"run,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	PipeFrom  []string `json:"pipe_from,omitempty"`
	Retry     int      `json:"retry,omitempty"`
	Join      bool     `json:"join,omitempty"`
}

func listJSON(a *app) error {
	var infos []taskInfo
	for _, name := range a.graph.TaskNames() {
		t := a.graph.Task(name)
		infos = append(infos, taskInfo{
			Name:      t.Name,
			Run:       t.Run,
			DependsOn: t.DependsOn,
			PipeFrom:  t.PipeFrom,
			Retry:     t.Retry,
			Join:      t.Join,
		})
	}
	out, err := json.MarshalIndent(struct {
		Tasks []taskInfo `json:"tasks"`
	}{infos}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func listText(a *app) error {
	fmt.Println(color.New(color.Bold).Sprint("Tasks:"))
	for _, name := range a.graph.TaskNames() {
		t := a.graph.Task(name)
		deps := ""
		if len(t.DependsOn) > 0 {
			deps = color.New(color.Faint).Sprintf(" (depends on: %s)", strings.Join(t.DependsOn, ", "))
		}
		fmt.Printf("  %s %s%s\n", color.CyanString("•"), name, deps)
	}
	return nil
}
