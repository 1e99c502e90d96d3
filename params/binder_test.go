package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justflowhq/justflow/config"
)

func strp(s string) *string { return &s }

func TestBindAndSubstituteScenarioS7(t *testing.T) {
	body := "echo {{env}}:{{version}}"
	task := &config.Task{
		Name: "deploy",
		Run:  &body,
		Parameters: []config.TaskParameter{
			{Name: "env"},
			{Name: "version", Default: strp("latest")},
		},
	}

	out, err := BindAndSubstitute(task, []string{"prod"})
	require.NoError(t, err)
	assert.Equal(t, "echo prod:latest", out)

	_, err = BindAndSubstitute(task, nil)
	require.Error(t, err)
	var arityErr *ArityError
	require.ErrorAs(t, err, &arityErr)
	assert.Contains(t, arityErr.Missing, "env")
}

func TestBindTooManyArgs(t *testing.T) {
	body := "echo {{a}}"
	task := &config.Task{Name: "t", Run: &body, Parameters: []config.TaskParameter{{Name: "a"}}}
	_, err := Bind(task, []string{"1", "2"})
	require.Error(t, err)
	var arityErr *ArityError
	require.ErrorAs(t, err, &arityErr)
	assert.True(t, arityErr.TooMany)
}

func TestSubstituteNotRecursive(t *testing.T) {
	bindings := Bindings{"x": "{{x}}"}
	out := Substitute("value={{x}}", bindings, nil)
	assert.Equal(t, "value={{x}}", out)
}
