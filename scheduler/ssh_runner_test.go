package scheduler

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/justflowhq/justflow/config"
)

func TestWrapShebangEmbedsInterpreterAndBody(t *testing.T) {
	sb := config.Shebang{Interpreter: "python3", Args: []string{"-u"}}
	script := wrapShebang("render_report", sb, "print('hi')")

	assert.Contains(t, script, "python3 -u")
	assert.Contains(t, script, "print('hi')")
	assert.Contains(t, script, scriptMarker)
	assert.Contains(t, script, "chmod +x")
	assert.True(t, strings.HasSuffix(strings.TrimRight(script, "\n"), "exit $_jf_exit"))
}

func TestWrapShebangUsesUniqueScriptPathsPerCall(t *testing.T) {
	sb := config.Shebang{Interpreter: "bash"}
	a := wrapShebang("same_task", sb, "echo a")
	b := wrapShebang("same_task", sb, "echo a")

	assert.NotEqual(t, a, b, "each wrap should mint a distinct temp script path")
}

func TestSSHErrorWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("dial timeout")
	err := &SSHError{Task: "deploy", Op: "dial", Cause: cause}

	assert.Contains(t, err.Error(), "deploy")
	assert.Contains(t, err.Error(), "dial")
	assert.ErrorIs(t, err, cause)
}
