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

// Package scheduler dispatches a task body to the backend its config binds
// it to: a local shell (C4), an SSH-reached remote host (C5/C6), or
// Kubernetes (C7).
package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/justflowhq/justflow/config"
)

// Invocation is everything a Runner needs to execute one task attempt.
type Invocation struct {
	Task       *config.Task
	Body       string            // the task's run body, post parameter-substitution
	Stdin      string            // assembled pipe input
	HasStdin   bool              // false means stdin is explicitly closed
	ServiceEnv map[string]string // merged service_deps env vars
	Timeout    time.Duration     // zero means no timeout
}

// Outcome is the result of one execution attempt.
type Outcome struct {
	Stdout  string
	Success bool
	Timeout bool
	Err     error
}

// Runner executes one task attempt against a specific backend. Local, SSH,
// and Kubernetes runners all implement this single capability interface;
// the Executor dispatches on the task's backend binding.
type Runner interface {
	Run(ctx context.Context, inv Invocation) Outcome
}

// TimeoutError marks an Outcome.Err caused by the per-task deadline.
type TimeoutError struct {
	Task string
}

func (e *TimeoutError) Error() string {
	return "task " + e.Task + " timed out"
}

// ProcessFailure marks an Outcome.Err caused by a non-zero exit, carrying a
// trailing snippet of output for diagnostics.
type ProcessFailure struct {
	Task     string
	ExitCode int
	Snippet  string
}

func (e *ProcessFailure) Error() string {
	return "task " + e.Task + " failed with exit code " + strconv.Itoa(e.ExitCode)
}
