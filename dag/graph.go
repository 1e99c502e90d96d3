// Package dag builds the task dependency graph: cycle detection,
// topological and level-parallel orderings, and ancestor subgraphs.
package dag

import (
	"fmt"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/justflowhq/justflow/config"
)

// Graph is the immutable set of tasks and their depends_on edges, built
// once per run.
type Graph struct {
	tasks map[string]*config.Task
	order []string // insertion order, for deterministic iteration

	// edges[a] = tasks that depend on a (a must finish before them).
	edges map[string][]string

	ancestorCache *cache.Cache
}

// Build constructs a Graph from a task set, materializing a directed edge
// dep -> task for every depends_on entry, and fails with *CycleError if the
// result is not acyclic.
func Build(tasks []*config.Task) (*Graph, error) {
	g := &Graph{
		tasks:         make(map[string]*config.Task, len(tasks)),
		edges:         make(map[string][]string),
		ancestorCache: cache.New(5*time.Minute, 10*time.Minute),
	}

	for _, t := range tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task with empty name")
		}
		if _, dup := g.tasks[t.Name]; dup {
			return nil, fmt.Errorf("duplicate task name: %s", t.Name)
		}
		if t.Service != nil && t.Service.Kind == config.ServiceManaged && t.Run == nil {
			return nil, fmt.Errorf("task %q: a managed service must declare a command", t.Name)
		}
		if t.SSH != nil && t.K8s != nil {
			return nil, fmt.Errorf("task %q: ssh and k8s backends are mutually exclusive", t.Name)
		}
		g.tasks[t.Name] = t
		g.order = append(g.order, t.Name)
	}

	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return nil, &TaskNotFoundError{Name: dep}
			}
			g.edges[dep] = append(g.edges[dep], t.Name)
		}
		for _, sd := range t.ServiceDeps {
			dep, ok := g.tasks[sd]
			if !ok || !dep.IsService() {
				return nil, fmt.Errorf("service_deps %q on task %q does not resolve to a task with a service config", sd, t.Name)
			}
		}
	}

	if cyc := g.findCycle(); cyc != nil {
		return nil, &CycleError{Cycle: cyc}
	}

	return g, nil
}

// TaskNames returns every task name in the graph, in declaration order.
func (g *Graph) TaskNames() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Task returns the named task, or nil if it doesn't exist.
func (g *Graph) Task(name string) *config.Task {
	return g.tasks[name]
}

func (g *Graph) indegree() map[string]int {
	deg := make(map[string]int, len(g.tasks))
	for name := range g.tasks {
		deg[name] = 0
	}
	for _, t := range g.tasks {
		deg[t.Name] += len(t.DependsOn)
	}
	return deg
}

// findCycle returns a non-nil slice of task names left unresolved by a
// cycle if one exists, via Kahn's algorithm: if fewer than len(tasks) nodes
// are ever emitted, the remainder contain at least one cycle. The slice
// holds the cycle's members and any task that depends on them.
func (g *Graph) findCycle() []string {
	deg := g.indegree()
	var ready []string
	for _, name := range g.order {
		if deg[name] == 0 {
			ready = append(ready, name)
		}
	}

	visited := 0
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		visited++
		for _, next := range g.edges[n] {
			deg[next]--
			if deg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if visited == len(g.tasks) {
		return nil
	}

	var remaining []string
	for name, d := range deg {
		if d > 0 {
			remaining = append(remaining, name)
		}
	}
	sort.Strings(remaining)
	return remaining
}

// TopologicalOrder returns any linear extension of the graph: every task
// appears after all of its depends_on. Tie-breaking among independent
// tasks is unspecified beyond declaration order.
func (g *Graph) TopologicalOrder() []string {
	deg := g.indegree()
	var ready []string
	for _, name := range g.order {
		if deg[name] == 0 {
			ready = append(ready, name)
		}
	}

	out := make([]string, 0, len(g.tasks))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, next := range g.orderedEdges(n) {
			deg[next]--
			if deg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return out
}

// orderedEdges returns edges[n] filtered through declaration order, so
// TopologicalOrder's tie-breaking stays deterministic run to run.
func (g *Graph) orderedEdges(n string) []string {
	set := make(map[string]bool, len(g.edges[n]))
	for _, e := range g.edges[n] {
		set[e] = true
	}
	var out []string
	for _, name := range g.order {
		if set[name] {
			out = append(out, name)
		}
	}
	return out
}

// Ancestors returns the set of tasks reachable against edge direction from
// target, inclusive of target: everything target transitively depends on.
// Results are memoized since the graph is immutable after Build.
func (g *Graph) Ancestors(target string) (map[string]bool, error) {
	if cached, ok := g.ancestorCache.Get(target); ok {
		return cached.(map[string]bool), nil
	}

	if _, ok := g.tasks[target]; !ok {
		return nil, &TaskNotFoundError{Name: target}
	}

	seen := map[string]bool{target: true}
	stack := []string{target}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range g.tasks[n].DependsOn {
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}

	g.ancestorCache.Set(target, seen, cache.DefaultExpiration)
	return seen, nil
}

// ExecutionOrderFor returns the topological order restricted to
// ancestors(target) ∪ {target} — the exact set of tasks executed when
// target is run in subgraph mode.
func (g *Graph) ExecutionOrderFor(target string) ([]string, error) {
	ancestors, err := g.Ancestors(target)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, name := range g.TopologicalOrder() {
		if ancestors[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

// ParallelLevels partitions the graph into the fewest successive groups
// such that every dependency of a group member lies in an earlier group:
// repeatedly select all nodes whose unsatisfied dependencies are empty,
// emit them as a level, mark them satisfied, repeat until empty.
func (g *Graph) ParallelLevels() [][]string {
	deg := g.indegree()
	satisfied := make(map[string]bool, len(g.tasks))

	var levels [][]string
	for len(satisfied) < len(g.tasks) {
		var level []string
		for _, name := range g.order {
			if satisfied[name] {
				continue
			}
			if deg[name] == 0 {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			// Shouldn't happen: Build already rejects cycles.
			break
		}
		for _, name := range level {
			satisfied[name] = true
			for _, next := range g.orderedEdges(name) {
				deg[next]--
			}
		}
		levels = append(levels, level)
	}
	return levels
}
