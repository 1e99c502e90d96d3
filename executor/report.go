package executor

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/carbocation/runningvariance"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

// TaskResult is the outcome of one task's full execution, across however
// many retry attempts it took.
type TaskResult struct {
	Name     string
	Success  bool
	Attempts int
	Output   string
	Err      error
	Duration time.Duration
}

// Summary renders results as a table with a status glyph and attempt count
// per task, followed by aggregate duration statistics across the run.
func Summary(w io.Writer, results []TaskResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Task", "Status", "Attempts", "Duration"})

	stats := new(runningvariance.RunningStat)
	for _, r := range results {
		glyph, status := color.GreenString("✓"), "success"
		if !r.Success {
			glyph, status = color.RedString("✗"), "failed"
		}
		table.Append([]string{r.Name, glyph + " " + status, strconv.Itoa(r.Attempts), r.Duration.String()})
		stats.Push(float64(r.Duration.Milliseconds()))
	}
	table.Render()

	if stats.NumDataValues() > 0 {
		fmt.Fprintf(w, "duration(ms): mean=%.1f stddev=%.1f across %d task(s)\n",
			stats.Mean(), stats.StandardDeviation(), stats.NumDataValues())
	}
}

// Failed reports whether any result in results did not succeed.
func Failed(results []TaskResult) bool {
	for _, r := range results {
		if !r.Success {
			return true
		}
	}
	return false
}
