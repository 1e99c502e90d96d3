package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justflowhq/justflow/config"
	"github.com/justflowhq/justflow/dag"
	"github.com/justflowhq/justflow/params"
	"github.com/justflowhq/justflow/pipestore"
	"github.com/justflowhq/justflow/scheduler"
	"github.com/justflowhq/justflow/service"
)

func run(s string) *string { return &s }

func newTestExecutor(t *testing.T, tasks []*config.Task) *Executor {
	t.Helper()
	logger := log15.New()
	logger.SetHandler(log15.DiscardHandler())

	g, err := dag.Build(tasks)
	require.NoError(t, err)

	sshCache := scheduler.NewSessionCache(logger)
	return New(g, pipestore.New(), service.NewManager(sshCache, logger),
		scheduler.NewLocal(logger), scheduler.NewSSH(sshCache, logger), nil, logger)
}

// TestLinearChainScenarioS1 runs a:->b:->c: and checks stdout ordering.
func TestLinearChainScenarioS1(t *testing.T) {
	tasks := []*config.Task{
		{Name: "a", Run: run("echo step1")},
		{Name: "b", Run: run("echo step2"), DependsOn: []string{"a"}},
		{Name: "c", Run: run("echo step3"), DependsOn: []string{"b"}},
	}
	e := newTestExecutor(t, tasks)

	results, err := e.Run(context.Background(), "c", nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success, "task %s should succeed: %v", r.Name, r.Err)
	}
	assert.Equal(t, "step1\n", results[0].Output)
	assert.Equal(t, "step2\n", results[1].Output)
	assert.Equal(t, "step3\n", results[2].Output)
}

// TestRetryConvergenceScenarioS3 has a task whose body only succeeds once a
// marker file exists: attempt 1 creates it and fails, attempt 2 succeeds.
func TestRetryConvergenceScenarioS3(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	body := fmt.Sprintf("test -f %s && exit 0 || { touch %s; exit 1; }", marker, marker)

	tasks := []*config.Task{
		{Name: "flaky", Run: run(body), Retry: 2},
	}
	e := newTestExecutor(t, tasks)

	results, err := e.Run(context.Background(), "flaky", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].Attempts)

	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr)
}

// TestRetryBoundProperty checks a task that never succeeds is attempted
// exactly retry+1 times, never more.
func TestRetryBoundProperty(t *testing.T) {
	tasks := []*config.Task{
		{Name: "always_fails", Run: run("exit 1"), Retry: 3},
	}
	e := newTestExecutor(t, tasks)

	results, err := e.Run(context.Background(), "always_fails", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, 4, results[0].Attempts)
}

// TestTimeoutEnforcementProperty checks a task whose body sleeps longer than
// its timeout fails as a timeout, without a retry since retry is 0.
func TestTimeoutEnforcementProperty(t *testing.T) {
	timeout := 200 * time.Millisecond
	tasks := []*config.Task{
		{Name: "slow", Run: run("sleep 5"), Timeout: &timeout},
	}
	e := newTestExecutor(t, tasks)

	start := time.Now()
	results, err := e.Run(context.Background(), "slow", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.True(t, results[0].Duration < 4*time.Second)
	assert.Less(t, time.Since(start), 4*time.Second)

	var timeoutErr *scheduler.TimeoutError
	assert.ErrorAs(t, results[0].Err, &timeoutErr)
}

// TestJoinIdentityProperty checks a join task's stored output equals its
// assembled stdin, with the runner never invoked.
func TestJoinIdentityProperty(t *testing.T) {
	tasks := []*config.Task{
		{Name: "gen", Run: run("printf 'exact data'")},
		{Name: "pass", DependsOn: []string{"gen"}, PipeFrom: []string{"gen"}, Join: true},
	}
	e := newTestExecutor(t, tasks)

	results, err := e.Run(context.Background(), "pass", nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[1].Success)
	assert.Equal(t, "exact data", results[1].Output)
	assert.Equal(t, 0, results[1].Attempts)
}

// TestPipeCompositionScenarioS4 threads a value through two cat passthrough
// tasks and checks the final output is unchanged.
func TestPipeCompositionScenarioS4(t *testing.T) {
	tasks := []*config.Task{
		{Name: "gen", Run: run("printf 'exact data'")},
		{Name: "passthrough", Run: run("cat"), DependsOn: []string{"gen"}, PipeFrom: []string{"gen"}},
		{Name: "verify", Run: run("cat"), DependsOn: []string{"passthrough"}, PipeFrom: []string{"passthrough"}},
	}
	e := newTestExecutor(t, tasks)

	results, err := e.Run(context.Background(), "verify", nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success, "task %s should succeed: %v", r.Name, r.Err)
	}
	assert.Equal(t, "exact data", results[2].Output)
}

// TestDiamondParallelismScenarioS2 checks run-all partitions a, b into the
// first level and c into the second.
func TestDiamondParallelismScenarioS2(t *testing.T) {
	tasks := []*config.Task{
		{Name: "a", Run: run("echo a")},
		{Name: "b", Run: run("echo b")},
		{Name: "c", Run: run("echo merged"), DependsOn: []string{"a", "b"}},
	}
	e := newTestExecutor(t, tasks)

	results := e.RunAll(context.Background())
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success, "task %s should succeed: %v", r.Name, r.Err)
	}
	// RunAll appends results level by level, so the first two are level 1.
	assert.ElementsMatch(t, []string{"a", "b"}, []string{results[0].Name, results[1].Name})
	assert.Equal(t, "c", results[2].Name)
}

// TestParameterSubstitutionScenarioS7 checks positional binding and the
// arity diagnostic for a missing required parameter.
func TestParameterSubstitutionScenarioS7(t *testing.T) {
	version := "latest"
	tasks := []*config.Task{
		{
			Name: "deploy",
			Run:  run("echo {{env}}:{{version}}"),
			Parameters: []config.TaskParameter{
				{Name: "env"},
				{Name: "version", Default: &version},
			},
		},
	}

	e := newTestExecutor(t, tasks)
	results, err := e.Run(context.Background(), "deploy", []string{"prod"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "prod:latest\n", results[0].Output)

	e2 := newTestExecutor(t, tasks)
	results2, err := e2.Run(context.Background(), "deploy", nil)
	require.Error(t, err)
	assert.Empty(t, results2)
	var arityErr *params.ArityError
	require.ErrorAs(t, err, &arityErr)
	assert.Contains(t, err.Error(), "env")
}

// TestParameterBindingsPropagateThroughSubgraph checks that binding the
// run target's positional args makes those bindings visible to every
// ancestor task in the executed subgraph, with each ancestor falling back
// to its own declared default for any parameter name the target's
// bindings don't cover.
func TestParameterBindingsPropagateThroughSubgraph(t *testing.T) {
	region := "us-east-1"
	tasks := []*config.Task{
		{
			Name: "build",
			Run:  run("echo build:{{env}}:{{region}}"),
			Parameters: []config.TaskParameter{
				{Name: "region", Default: &region},
			},
		},
		{
			Name:      "deploy",
			Run:       run("echo deploy:{{env}}"),
			DependsOn: []string{"build"},
			Parameters: []config.TaskParameter{
				{Name: "env"},
			},
		},
	}

	e := newTestExecutor(t, tasks)
	results, err := e.Run(context.Background(), "deploy", []string{"prod"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success, "task %s should succeed: %v", r.Name, r.Err)
	}
	assert.Equal(t, "build:prod:us-east-1\n", results[0].Output,
		"build should see deploy's bound env value and fall back to its own region default")
	assert.Equal(t, "deploy:prod\n", results[1].Output)
}
