package scheduler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justflowhq/justflow/config"
)

func TestSanitizeK8sName(t *testing.T) {
	assert.Equal(t, "my-task", sanitizeK8sName("my_task"))
	assert.Equal(t, "my-task", sanitizeK8sName("My.Task"))
	assert.Equal(t, "task", sanitizeK8sName("--task--"))

	long := strings.Repeat("a", 80)
	assert.LessOrEqual(t, len(sanitizeK8sName(long)), 50)
}

func TestGenerateJobNameIsUniqueAndValid(t *testing.T) {
	a := generateJobName("build_image")
	b := generateJobName("build_image")

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "build-image-"))
	assert.LessOrEqual(t, len(a), 63)
}

func TestBuildResourceRequirementsEmptyWhenUnset(t *testing.T) {
	reqs, err := buildResourceRequirements(&config.K8sConfig{})
	require.NoError(t, err)
	assert.Empty(t, reqs.Requests)
	assert.Empty(t, reqs.Limits)
}

func TestBuildResourceRequirementsParsesCPUAndMemory(t *testing.T) {
	reqs, err := buildResourceRequirements(&config.K8sConfig{CPU: "500m", Memory: "256Mi"})
	require.NoError(t, err)

	cpu := reqs.Requests["cpu"]
	mem := reqs.Limits["memory"]
	assert.Equal(t, "500m", cpu.String())
	assert.Equal(t, "256Mi", mem.String())
}

func TestBuildResourceRequirementsRejectsInvalidQuantity(t *testing.T) {
	_, err := buildResourceRequirements(&config.K8sConfig{CPU: "not-a-quantity"})
	assert.Error(t, err)
}
