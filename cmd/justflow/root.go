package main

import (
	"fmt"
	"os"

	"github.com/inconshreveable/log15"
	"github.com/sb10/l15h"
	"github.com/spf13/cobra"

	"github.com/justflowhq/justflow/cleanup"
	"github.com/justflowhq/justflow/config"
	"github.com/justflowhq/justflow/dag"
	"github.com/justflowhq/justflow/executor"
	"github.com/justflowhq/justflow/pipestore"
	"github.com/justflowhq/justflow/scheduler"
	"github.com/justflowhq/justflow/service"
)

var (
	configPath string
	verbose    bool

	logger = log15.New()
)

var rootCmd = &cobra.Command{
	Use:           "justflow",
	Short:         "DAG-based task runner with retry and timeout support",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command, printing any error to stderr and exiting
// non-zero on failure, per the external-interfaces exit-status contract.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "justflow:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to task definition file (default: ./justflow.yml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd, runAllCmd, listCmd, graphCmd, validateCmd)
}

// app bundles the constructed graph and every shared component an Executor
// needs, so each subcommand wires them once and tears them down the same
// way regardless of which entry point it drives.
type app struct {
	graph    *dag.Graph
	cfg      *config.Config
	exec     *executor.Executor
	cleanup  *cleanup.Runner
	sshCache *scheduler.SessionCache
}

// newApp loads the config, builds the graph, and wires every C1-C10
// component together.
func newApp() (*app, error) {
	lvl := log15.LvlInfo
	if verbose {
		lvl = log15.LvlDebug
	}
	logger.SetHandler(l15h.CallerInfoHandler(log15.LvlFilterHandler(lvl, log15.StderrHandler)))

	path := configPath
	if path == "" {
		path = findConfigFile()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	g, err := dag.Build(cfg.Tasks)
	if err != nil {
		return nil, fmt.Errorf("building task graph: %w", err)
	}

	sshCache := scheduler.NewSessionCache(logger)
	tracker := scheduler.NewResourceTracker(logger)
	services := service.NewManager(sshCache, logger)
	pipes := pipestore.New()

	local := scheduler.NewLocal(logger)
	ssh := scheduler.NewSSH(sshCache, logger)
	k8s := scheduler.NewK8s(tracker, logger)

	exec := executor.New(g, pipes, services, local, ssh, k8s, logger)
	cu := cleanup.New(services, tracker, sshCache, logger)

	return &app{graph: g, cfg: cfg, exec: exec, cleanup: cu, sshCache: sshCache}, nil
}

// close runs the C10 shutdown sequence. Its error is logged, not returned:
// cleanup failures never override a run's own exit status.
func (a *app) close() {
	if err := a.cleanup.Run(); err != nil {
		logger.Error("cleanup reported errors", "error", err)
	}
}

// findConfigFile looks for a task definition in the working directory,
// falling back to "justflow.yml" if none of the candidates exist so the
// resulting load error names the file the user is expected to create.
func findConfigFile() string {
	for _, name := range []string{"justflow.yml", "justflow.yaml", "justflow"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return "justflow.yml"
}
