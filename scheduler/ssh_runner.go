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
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/inconshreveable/log15"

	"github.com/justflowhq/justflow/config"
)

// scriptMarker delimits the heredoc body uploaded for a shebang task, chosen
// unlikely to collide with anything a task body itself would emit.
const scriptMarker = "JUSTFLOW_SCRIPT_EOF"

// SSH is the remote runner: it dials (or reuses) a cached session for the
// task's destination, wraps the body for shebang tasks, and runs it there.
type SSH struct {
	cache *SessionCache
	log15.Logger
}

// NewSSH returns an SSH runner backed by cache.
func NewSSH(cache *SessionCache, logger log15.Logger) *SSH {
	return &SSH{cache: cache, Logger: logger.New("runner", "ssh")}
}

// Run uploads any FileTransfer.Local inputs, executes inv.Body on the
// remote host bound to inv.Task.SSH, and downloads FileTransfer outputs
// only if the remote command succeeded.
func (r *SSH) Run(ctx context.Context, inv Invocation) Outcome {
	cfg := inv.Task.SSH
	if cfg == nil {
		return Outcome{Err: fmt.Errorf("task %s has no ssh destination configured", inv.Task.Name)}
	}

	sess, err := r.cache.GetOrCreate(cfg)
	if err != nil {
		return Outcome{Err: &SSHError{Task: inv.Task.Name, Op: "connect", Cause: err}}
	}

	for _, xfer := range cfg.Upload {
		if err := sess.Upload(xfer.Local, xfer.Remote); err != nil {
			return Outcome{Err: &SSHError{Task: inv.Task.Name, Op: "upload " + xfer.Local, Cause: err}}
		}
	}

	remoteCmd := inv.Body
	if inv.Task.Shebang != nil {
		remoteCmd = wrapShebang(inv.Task.Name, *inv.Task.Shebang, inv.Body)
	}
	if prefix := remoteShellExport(inv.ServiceEnv); prefix != "" {
		remoteCmd = prefix + remoteCmd
	}

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	done := make(chan struct{})
	var stdout string
	var success bool
	var runErr error
	go func() {
		stdout, success, runErr = sess.Run(inv.Task.Name, remoteCmd, cfg.Workdir, inv.Stdin, inv.HasStdin)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if inv.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{Timeout: true, Err: &TimeoutError{Task: inv.Task.Name}}
		}
		return Outcome{Err: ctx.Err()}
	}

	if !success {
		return Outcome{Stdout: stdout, Err: &SSHError{Task: inv.Task.Name, Op: "run", Cause: runErr}}
	}

	for _, xfer := range cfg.Download {
		if err := sess.Download(xfer.Remote, xfer.Local); err != nil {
			return Outcome{Stdout: stdout, Err: &SSHError{Task: inv.Task.Name, Op: "download " + xfer.Remote, Cause: err}}
		}
	}

	return Outcome{Stdout: stdout, Success: true}
}

// wrapShebang builds a heredoc that writes body to a unique remote temp
// file, makes it executable, invokes it through its declared interpreter,
// captures the exit code, and removes the script before propagating that
// exit code as its own — so the wrapping is transparent to the caller.
func wrapShebang(taskName string, sb config.Shebang, body string) string {
	id, err := uuid.NewV4()
	var suffix string
	if err != nil {
		suffix = taskName
	} else {
		suffix = id.String()
	}
	scriptPath := fmt.Sprintf("/tmp/justflow_script_%s.sh", suffix)

	interp := sb.Interpreter
	for _, a := range sb.Args {
		interp += " " + a
	}

	return fmt.Sprintf(
		"_jf_script=%q\n"+
			"cat > \"$_jf_script\" << '%s'\n"+
			"%s\n"+
			"%s\n"+
			"chmod +x \"$_jf_script\"\n"+
			"%s \"$_jf_script\"\n"+
			"_jf_exit=$?\n"+
			"rm -f \"$_jf_script\"\n"+
			"exit $_jf_exit\n",
		scriptPath, scriptMarker, body, scriptMarker, interp,
	)
}

// SSHError marks an Outcome.Err caused by a transport or execution failure
// against a remote destination.
type SSHError struct {
	Task  string
	Op    string
	Cause error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("task %s: ssh %s: %v", e.Task, e.Op, e.Cause)
}

func (e *SSHError) Unwrap() error { return e.Cause }
