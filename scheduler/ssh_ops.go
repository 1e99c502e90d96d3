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
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Run executes "sh -c <cmd>" on the remote, prepending "cd <workdir> &&" if
// set, streaming stdout/stderr identically to the local runner and
// capturing stdout. Access is gated through the session's Protector so
// concurrent callers against one cached session don't race its single
// underlying connection more than maxConcurrentCommands-wide.
func (s *Session) Run(taskName, cmd, workdir string, stdin string, hasStdin bool) (stdout string, success bool, err error) {
	receipt := s.acquire()
	defer s.release(receipt)

	session, err := s.client.NewSession()
	if err != nil {
		return "", false, fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	full := cmd
	if workdir != "" {
		full = fmt.Sprintf("cd %s && %s", shellQuote(workdir), cmd)
	}

	if hasStdin {
		session.Stdin = strings.NewReader(stdin)
	}

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return "", false, err
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return "", false, err
	}

	if err := session.Start(fmt.Sprintf("sh -c %s", shellQuote(full))); err != nil {
		return "", false, fmt.Errorf("starting remote command: %w", err)
	}

	tty := isTTY(os.Stdout)
	captured := drainStreams(stdoutPipe, stderrPipe, taskName, tty)

	waitErr := session.Wait()
	return captured, waitErr == nil, waitErr
}

// Upload copies a local file to a remote path over SFTP, creating parent
// directories on the receiving side as needed.
func (s *Session) Upload(local, remote string) error {
	receipt := s.acquire()
	defer s.release(receipt)

	client, err := s.sftpClient()
	if err != nil {
		return fmt.Errorf("opening sftp client: %w", err)
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("creating remote dir: %w", err)
	}

	src, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("opening local file %s: %w", local, err)
	}
	defer src.Close()

	dst, err := client.Create(remote)
	if err != nil {
		return fmt.Errorf("creating remote file %s: %w", remote, err)
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// Download copies a remote file to a local path over SFTP, creating local
// parent directories as needed.
func (s *Session) Download(remote, local string) error {
	receipt := s.acquire()
	defer s.release(receipt)

	client, err := s.sftpClient()
	if err != nil {
		return fmt.Errorf("opening sftp client: %w", err)
	}
	defer client.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return fmt.Errorf("creating local dir: %w", err)
	}

	src, err := client.Open(remote)
	if err != nil {
		return fmt.Errorf("opening remote file %s: %w", remote, err)
	}
	defer src.Close()

	dst, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("creating local file %s: %w", local, err)
	}
	defer dst.Close()

	buf := make([]byte, 8192)
	_, err = io.CopyBuffer(dst, src, buf)
	return err
}

// PortForward is a live local-port-forward tunnel: 127.0.0.1:localPort ->
// remoteHost:remotePort, over this session.
type PortForward struct {
	listener net.Listener
}

// OpenPortForward opens a local listener forwarding every accepted
// connection to remoteHost:remotePort through this SSH session.
func (s *Session) OpenPortForward(localPort int, remoteHost string, remotePort int) (*PortForward, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("listening on local port %d: %w", localPort, err)
	}

	pf := &PortForward{listener: listener}
	go pf.acceptLoop(s.client, remoteHost, remotePort)
	return pf, nil
}

func (pf *PortForward) acceptLoop(client *ssh.Client, remoteHost string, remotePort int) {
	for {
		local, err := pf.listener.Accept()
		if err != nil {
			return // listener closed
		}
		go pf.forward(client, local, remoteHost, remotePort)
	}
}

func (pf *PortForward) forward(client *ssh.Client, local net.Conn, remoteHost string, remotePort int) {
	defer local.Close()

	remote, err := client.Dial("tcp", fmt.Sprintf("%s:%d", remoteHost, remotePort))
	if err != nil {
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(remote, local); done <- struct{}{} }()
	go func() { io.Copy(local, remote); done <- struct{}{} }()
	<-done
}

func (pf *PortForward) Close() {
	_ = pf.listener.Close()
}

// shellQuote wraps s in single quotes for embedding in a remote "sh -c"
// invocation, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// remoteShellExport builds "export K=V && ... && " prefix segments for
// service env vars, shell-quoting every value.
func remoteShellExport(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	var b strings.Builder
	for k, v := range env {
		b.WriteString("export ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shellQuote(v))
		b.WriteString(" && ")
	}
	return b.String()
}
