// Package service implements the on-demand service lifecycle manager: a
// per-name state machine (Stopped, Starting, Ready, Failed, Stopping),
// reference counting, readiness polling shared across concurrent
// acquirers, and local/remote start and stop procedures.
package service

import (
	"os/exec"
	"time"

	"github.com/grafov/bcast"

	"github.com/justflowhq/justflow/config"
	"github.com/justflowhq/justflow/scheduler"
)

// State is one point in a service's lifecycle.
type State int

const (
	Stopped State = iota
	Starting
	Ready
	Failed
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// instance is the runtime record for one declared service, owned
// exclusively by the Manager's lock.
type instance struct {
	name string
	task *config.Task

	state     State
	failMsg   string
	refCount  int
	readiness *bcast.Group // broadcasts state transitions out of Starting

	// local process, when task.SSH == nil.
	cmd *exec.Cmd

	// remote process, when task.SSH != nil.
	session *scheduler.Session
	pid     string

	// readinessCheck is task.Service.Ready, possibly rewritten by
	// WithTunnel once a tunnel is established.
	readinessCheck config.ReadinessCheck
	tunnel         *scheduler.PortForward
	tunnelPort     int
	tunneled       bool
}

// Error is returned by Acquire for a service that failed to start, or that
// is mid-shutdown.
type Error struct {
	Service string
	Reason  string
}

func (e *Error) Error() string {
	return "service " + e.Service + ": " + e.Reason
}

// PreflightError marks a service's preflight command exiting non-zero.
type PreflightError struct {
	Service string
	Stderr  string
}

func (e *PreflightError) Error() string {
	return "service " + e.Service + ": preflight failed: " + e.Stderr
}

// startupTimeout returns cfg.StartupTimeout, defaulting to a minute only if
// it was somehow left at the zero value (the loader's creasty/defaults
// pass should already have set it).
func startupTimeout(cfg *config.ServiceConfig) time.Duration {
	if cfg.StartupTimeout <= 0 {
		return time.Minute
	}
	return cfg.StartupTimeout
}
