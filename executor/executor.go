// Package executor is the top-level orchestrator: it walks the dependency
// graph (a sequential subgraph run, or a level-parallel full run), acquires
// and releases service dependencies around each task, dispatches to the
// right backend runner, and applies the retry policy.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/justflowhq/justflow/config"
	"github.com/justflowhq/justflow/dag"
	"github.com/justflowhq/justflow/params"
	"github.com/justflowhq/justflow/pipestore"
	"github.com/justflowhq/justflow/scheduler"
	"github.com/justflowhq/justflow/service"
)

// Executor ties the graph, parameter binder, pipe store, service manager,
// and backend runners together into the two run entry points.
type Executor struct {
	graph    *dag.Graph
	pipes    *pipestore.Store
	services *service.Manager

	local *scheduler.Local
	ssh   *scheduler.SSH
	k8s   *scheduler.K8s

	log15.Logger
}

// New returns an Executor over graph, sharing pipes and services with
// whatever else constructed them, and dispatching to the given runners.
func New(graph *dag.Graph, pipes *pipestore.Store, services *service.Manager,
	local *scheduler.Local, ssh *scheduler.SSH, k8s *scheduler.K8s, logger log15.Logger) *Executor {
	return &Executor{
		graph:    graph,
		pipes:    pipes,
		services: services,
		local:    local,
		ssh:      ssh,
		k8s:      k8s,
		Logger:   logger.New("component", "executor"),
	}
}

// Run executes target's subgraph — the topological order restricted to
// ancestors(target) ∪ {target} — strictly sequentially. args are bound
// once against target's own declared parameters, and that single bindings
// map is applied to every task in the subgraph (target included), each
// falling back to its own parameter defaults for names the map doesn't
// cover. It stops at the first failed task but returns every result
// collected up to and including that failure.
func (e *Executor) Run(ctx context.Context, target string, args []string) ([]TaskResult, error) {
	order, err := e.graph.ExecutionOrderFor(target)
	if err != nil {
		return nil, err
	}

	targetTask := e.graph.Task(target)
	bindings, err := params.Bind(targetTask, args)
	if err != nil {
		return nil, err
	}

	results := make([]TaskResult, 0, len(order))
	for _, name := range order {
		task := e.graph.Task(name)
		res := e.runTask(ctx, task, bindings)
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results, nil
}

// RunAll executes every task in the graph, level by level: all tasks within
// a level run concurrently, and the next level starts only once the entire
// current level has finished. It stops after the first level containing any
// failure, having drained that level completely.
func (e *Executor) RunAll(ctx context.Context) []TaskResult {
	var results []TaskResult
	for _, level := range e.graph.ParallelLevels() {
		levelResults := e.runLevel(ctx, level)
		results = append(results, levelResults...)
		if Failed(levelResults) {
			break
		}
	}
	return results
}

func (e *Executor) runLevel(ctx context.Context, names []string) []TaskResult {
	results := make([]TaskResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = e.runTask(ctx, e.graph.Task(name), nil)
		}(i, name)
	}
	wg.Wait()
	return results
}

// runTask performs the full per-task procedure described for the Executor:
// acquire service_deps, assemble stdin, dispatch (or pass through, for a
// join task), retry, record output, release service_deps. bindings is the
// shared map built once from the run's target (nil for RunAll, which has
// no target to bind from).
func (e *Executor) runTask(ctx context.Context, task *config.Task, bindings params.Bindings) TaskResult {
	start := time.Now()
	result := TaskResult{Name: task.Name}

	serviceEnv, acquired, err := e.acquireServices(task)
	defer e.releaseServices(acquired)
	if err != nil {
		result.Err = err
		result.Duration = time.Since(start)
		e.Error("task failed to acquire service", "task", task.Name, "error", err)
		return result
	}

	stdin, hasStdin := e.pipes.Stdin(task.PipeFrom)

	if task.IsJoin() {
		e.pipes.Put(task.Name, stdin)
		result.Success = true
		result.Output = stdin
		result.Duration = time.Since(start)
		return result
	}

	body, err := e.resolveBody(task, bindings)
	if err != nil {
		e.pipes.Put(task.Name, "")
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}

	runner := e.pickRunner(task)
	var timeout time.Duration
	if task.Timeout != nil {
		timeout = *task.Timeout
	}

	maxAttempts := task.Retry + 1
	var outcome scheduler.Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		inv := scheduler.Invocation{
			Task:       task,
			Body:       body,
			Stdin:      stdin,
			HasStdin:   hasStdin,
			ServiceEnv: serviceEnv,
			Timeout:    timeout,
		}
		outcome = runner.Run(ctx, inv)
		if outcome.Success {
			break
		}
		e.Warn("task attempt failed", "task", task.Name, "attempt", attempt, "of", maxAttempts, "error", outcome.Err)
	}

	e.pipes.Put(task.Name, outcome.Stdout)
	result.Output = outcome.Stdout
	result.Success = outcome.Success
	result.Err = outcome.Err
	result.Duration = time.Since(start)
	return result
}

// acquireServices acquires every one of task's service_deps in declared
// order, merging their env var maps, and returns the names successfully
// acquired so far even on failure so the caller can still release them.
func (e *Executor) acquireServices(task *config.Task) (map[string]string, []string, error) {
	env := make(map[string]string)
	acquired := make([]string, 0, len(task.ServiceDeps))
	for _, dep := range task.ServiceDeps {
		svcTask := e.graph.Task(dep)
		vars, err := e.services.Acquire(svcTask)
		if err != nil {
			return nil, acquired, fmt.Errorf("acquiring service %q for task %q: %w", dep, task.Name, err)
		}
		acquired = append(acquired, dep)
		for k, v := range vars {
			env[k] = v
		}
	}
	return env, acquired, nil
}

// releaseServices releases names in reverse acquisition order.
func (e *Executor) releaseServices(names []string) {
	for i := len(names) - 1; i >= 0; i-- {
		e.services.Release(names[i])
	}
}

// resolveBody substitutes task's run body using the bindings shared across
// the whole subgraph (built once from the run target's own arguments),
// falling back to task's own declared parameter defaults for any name the
// shared map doesn't cover. If task has no body (a join task never reaches
// here, but other callers may still pass one with Run == nil), this is a
// no-op returning an empty string.
func (e *Executor) resolveBody(task *config.Task, bindings params.Bindings) (string, error) {
	if task.Run == nil {
		return "", nil
	}
	return params.Substitute(*task.Run, bindings, params.Defaults(task)), nil
}

func (e *Executor) pickRunner(task *config.Task) scheduler.Runner {
	switch {
	case task.K8s != nil:
		return e.k8s
	case task.SSH != nil:
		return e.ssh
	default:
		return e.local
	}
}
