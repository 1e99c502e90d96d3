package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justflowhq/justflow/config"
)

func task(name string, deps ...string) *config.Task {
	body := "echo " + name
	return &config.Task{Name: name, Run: &body, DependsOn: deps}
}

func TestBuildAcyclic(t *testing.T) {
	g, err := Build([]*config.Task{task("a"), task("b", "a"), task("c", "b")})
	require.NoError(t, err)
	assert.Len(t, g.TaskNames(), 3)
}

func TestBuildCycle(t *testing.T) {
	a := task("a", "c")
	b := task("b", "a")
	c := task("c", "b")
	_, err := Build([]*config.Task{a, b, c})
	require.Error(t, err)
	var cycleErr *CycleError
	assert.ErrorAs(t, err, &cycleErr)
}

func TestTopologicalSoundness(t *testing.T) {
	g, err := Build([]*config.Task{task("a"), task("b", "a"), task("c", "b")})
	require.NoError(t, err)

	order := g.TopologicalOrder()
	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])
}

func TestParallelLevelsDiamond(t *testing.T) {
	// a, b independent; c depends on both.
	g, err := Build([]*config.Task{task("a"), task("b"), task("c", "a", "b")})
	require.NoError(t, err)

	levels := g.ParallelLevels()
	require.Len(t, levels, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, levels[0])
	assert.Equal(t, []string{"c"}, levels[1])
}

func TestParallelLevelsMinimality(t *testing.T) {
	// longest chain is a->b->c->d, length 4, so 4 levels.
	g, err := Build([]*config.Task{task("a"), task("b", "a"), task("c", "b"), task("d", "c")})
	require.NoError(t, err)
	assert.Len(t, g.ParallelLevels(), 4)
}

func TestSubgraphClosure(t *testing.T) {
	// a -> b -> d; a -> c (unrelated to d through c)
	g, err := Build([]*config.Task{task("a"), task("b", "a"), task("c", "a"), task("d", "b")})
	require.NoError(t, err)

	order, err := g.ExecutionOrderFor("d")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "d"}, order)
	assert.NotContains(t, order, "c")
}

func TestAncestorsMemoized(t *testing.T) {
	g, err := Build([]*config.Task{task("a"), task("b", "a")})
	require.NoError(t, err)

	first, err := g.Ancestors("b")
	require.NoError(t, err)
	second, err := g.Ancestors("b")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTaskNotFound(t *testing.T) {
	g, err := Build([]*config.Task{task("a")})
	require.NoError(t, err)
	_, err = g.Ancestors("missing")
	require.Error(t, err)
	var nf *TaskNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestBuildRejectsManagedServiceWithoutCommand(t *testing.T) {
	svc := &config.Task{
		Name:    "db",
		Service: &config.ServiceConfig{Kind: config.ServiceManaged},
	}
	_, err := Build([]*config.Task{svc})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db")
	assert.Contains(t, err.Error(), "command")
}

func TestBuildAllowsExternalServiceWithoutCommand(t *testing.T) {
	svc := &config.Task{
		Name:    "db",
		Service: &config.ServiceConfig{Kind: config.ServiceExternal},
	}
	_, err := Build([]*config.Task{svc})
	require.NoError(t, err)
}

func TestBuildRejectsMutuallyExclusiveBackends(t *testing.T) {
	body := "echo hi"
	bad := &config.Task{
		Name: "deploy",
		Run:  &body,
		SSH:  &config.SSHConfig{Host: "example.com"},
		K8s:  &config.K8sConfig{Namespace: "default"},
	}
	_, err := Build([]*config.Task{bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deploy")
	assert.Contains(t, err.Error(), "mutually exclusive")
}
