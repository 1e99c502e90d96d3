// Copyright © 2017 Genome Research Limited
// Author: Sendu Bala <sb10@sanger.ac.uk>.
//
//  This file is part of wr.
//
//  wr is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  wr is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with wr. If not, see <http://www.gnu.org/licenses/>.

package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/uuid"
	"github.com/inconshreveable/log15"
)

// Local executes tasks without an ssh/k8s binding as local shell processes.
type Local struct {
	log15.Logger
}

// NewLocal returns a Local runner, logging under the given parent logger.
func NewLocal(logger log15.Logger) *Local {
	return &Local{Logger: logger.New("runner", "local")}
}

// Run spawns a local shell (or a temporary executable script, when the task
// declares a shebang), fans stdout/stderr out concurrently, and enforces
// inv.Timeout.
func (l *Local) Run(ctx context.Context, inv Invocation) Outcome {
	var cmd *exec.Cmd
	var scriptPath string

	if inv.Task.Shebang != nil {
		path, err := writeShebangScript(inv.Task.Name, inv.Body)
		if err != nil {
			return Outcome{Err: fmt.Errorf("writing shebang script: %w", err)}
		}
		scriptPath = path
		defer os.Remove(scriptPath)

		args := append(append([]string{}, inv.Task.Shebang.Args...), scriptPath)
		cmd = exec.Command(inv.Task.Shebang.Interpreter, args...)
	} else {
		cmd = exec.Command("sh", "-c", inv.Body)
	}

	cmd.Env = envOverride(os.Environ(), envMapToSlice(inv.ServiceEnv))

	if inv.HasStdin {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{Err: err}
	}

	if err := cmd.Start(); err != nil {
		return Outcome{Err: fmt.Errorf("starting task %s: %w", inv.Task.Name, err)}
	}

	tty := isTTY(os.Stdout)
	capturedCh := make(chan string, 1)
	waitErr := make(chan error, 1)
	go func() {
		// Both streams are drained to EOF before Wait, which closes the
		// pipes once the process has exited.
		capturedCh <- drainStreams(stdout, stderr, inv.Task.Name, tty)
		waitErr <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-waitErr:
		captured := <-capturedCh
		if err != nil {
			return Outcome{Stdout: captured, Success: false, Err: exitError(inv.Task.Name, captured, err)}
		}
		return Outcome{Stdout: captured, Success: true}

	case <-timeoutCh:
		l.Warn("task timed out, killing", "task", inv.Task.Name, "timeout", inv.Timeout)
		if cmd.Process != nil {
			killTree(int32(cmd.Process.Pid), func(pid int32) error {
				return syscall.Kill(int(pid), syscall.SIGKILL)
			})
		}
		<-waitErr
		captured := <-capturedCh
		return Outcome{Stdout: captured, Timeout: true, Err: &TimeoutError{Task: inv.Task.Name}}

	case <-ctx.Done():
		if cmd.Process != nil {
			killTree(int32(cmd.Process.Pid), func(pid int32) error {
				return syscall.Kill(int(pid), syscall.SIGKILL)
			})
		}
		<-waitErr
		captured := <-capturedCh
		return Outcome{Stdout: captured, Err: ctx.Err()}
	}
}

func exitError(task, captured string, err error) error {
	code := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}
	snippet := captured
	if len(snippet) > 2000 {
		snippet = "..." + snippet[len(snippet)-2000:]
	}
	return &ProcessFailure{Task: task, ExitCode: code, Snippet: snippet}
}

// writeShebangScript writes body to a unique temp file, mode 0755, so its
// shebang-named interpreter can be invoked directly. The caller is
// responsible for removing it after the child exits.
func writeShebangScript(taskName, body string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("%s/justflow-%s-%s.sh", os.TempDir(), taskName, id.String())
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
