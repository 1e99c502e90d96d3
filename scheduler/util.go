// Copyright © 2016-2018 Genome Research Limited
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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dgryski/go-farm"
	"github.com/fatih/color"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/term"
)

// taskColors is the fixed palette task tags are cycled through.
var taskColors = []color.Attribute{color.FgCyan, color.FgMagenta, color.FgYellow, color.FgBlue, color.FgGreen}

// taskColor picks a deterministic color for a task name out of the fixed
// palette, so the same task always gets the same tag color across runs.
func taskColor(name string) color.Attribute {
	h := farm.Hash32([]byte(name))
	return taskColors[h%uint32(len(taskColors))]
}

// isTTY reports whether w is a terminal file descriptor we should colorize
// output for.
func isTTY(w *os.File) bool {
	return term.IsTerminal(int(w.Fd()))
}

// streamLines copies lines from r to out, prefixing each with a
// color-coded "[taskName]" tag when tty is true, and returns the bytes read
// from r unchanged (the captured-for-pipestore text, including a final line
// without a trailing newline). It runs until r is exhausted or closed, and
// is meant to be run as one of two cooperative drainers alongside the other
// stream and the process wait.
func streamLines(r io.Reader, out io.Writer, taskName string, tty bool, capture bool) string {
	var captured strings.Builder
	tag := fmt.Sprintf("[%s]", taskName)
	if tty {
		tag = color.New(taskColor(taskName)).Sprint(tag)
	}

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			fmt.Fprintf(out, "%s %s\n", tag, strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"))
			if capture {
				captured.WriteString(line)
			}
		}
		if err != nil {
			break
		}
	}
	return captured.String()
}

// drainStreams concurrently drains stdout and stderr, returning captured
// stdout once both readers have reached EOF. Mirrors the "two cooperative
// output-stream drainers awaited together with the process wait" structured
// concurrency requirement.
func drainStreams(stdout, stderr io.Reader, taskName string, tty bool) (capturedStdout string) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		capturedStdout = streamLines(stdout, os.Stdout, taskName, tty, true)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, os.Stderr, taskName, tty, false)
	}()

	wg.Wait()
	return capturedStdout
}

// childProcesses recursively finds the descendants of pid, used to make
// timeout and shutdown kills forceful: killing only the direct child often
// leaves grandchildren (e.g. a shell's pipeline) running.
func childProcesses(pid int32) []*process.Process {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := p.Children()
	if err != nil {
		return nil
	}
	all := append([]*process.Process{}, children...)
	for _, child := range children {
		all = append(all, childProcesses(child.Pid)...)
	}
	return all
}

// killTree sends sig to pid and every descendant of pid, best-effort.
func killTree(pid int32, sig func(int32) error) {
	for _, child := range childProcesses(pid) {
		_ = sig(child.Pid)
	}
	_ = sig(pid)
}

// envOverride overrides entries of orig with same-named entries from over,
// returning the merged slice of "K=V" environment strings.
func envOverride(orig []string, over []string) []string {
	override := make(map[string]string, len(over))
	for _, envvar := range over {
		k, _, _ := strings.Cut(envvar, "=")
		override[k] = envvar
	}

	env := append([]string{}, orig...)
	for i, envvar := range env {
		k, _, _ := strings.Cut(envvar, "=")
		if replacement, do := override[k]; do {
			env[i] = replacement
			delete(override, k)
		}
	}
	for _, envvar := range override {
		env = append(env, envvar)
	}
	return env
}

// envMapToSlice turns a service-env map into a "K=V" slice, in map
// iteration order.
func envMapToSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}
