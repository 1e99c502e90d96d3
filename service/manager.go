package service

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/uuid"
	"github.com/grafov/bcast"
	"github.com/inconshreveable/log15"
	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/justflowhq/justflow/config"
	"github.com/justflowhq/justflow/scheduler"
)

// Manager owns every declared service's state machine. All transitions
// happen under mu, except readiness polling, which releases it while
// sleeping or dialing out.
type Manager struct {
	mu        deadlock.Mutex
	instances map[string]*instance
	sshCache  *scheduler.SessionCache
	log15.Logger
}

// NewManager returns an empty Manager. sshCache is used to reach
// SSH-backed services; it may be shared with the SSH runner.
func NewManager(sshCache *scheduler.SessionCache, logger log15.Logger) *Manager {
	return &Manager{
		instances: make(map[string]*instance),
		sshCache:  sshCache,
		Logger:    logger.New("component", "service-manager"),
	}
}

// Acquire increments service's reference count, driving its start
// procedure if this is the first acquirer, and returns the env vars
// consumers should see once it's Ready.
func (m *Manager) Acquire(task *config.Task) (map[string]string, error) {
	name := task.Name

	m.mu.Lock()
	inst, ok := m.instances[name]
	if !ok {
		inst = &instance{name: name, task: task, state: Stopped, readinessCheck: task.Service.Ready}
		m.instances[name] = inst
	}
	inst.refCount++
	state := inst.state
	var msg string
	if state == Stopped {
		// Flip to Starting inside this same critical section so a second
		// concurrent Acquire sees Starting, not another Stopped, and falls
		// through to awaitReady instead of spawning a second instance.
		inst.state = Starting
		inst.readiness = bcast.NewGroup()
		go inst.readiness.Broadcast(0)
	} else if state == Failed {
		msg = inst.failMsg
	}
	m.mu.Unlock()

	switch state {
	case Ready:
		return envVars(name, task.Service.Kind, inst.readinessCheck), nil

	case Failed:
		return nil, &Error{Service: name, Reason: msg}

	case Stopping:
		return nil, &Error{Service: name, Reason: "stopping"}

	case Starting:
		return m.awaitReady(inst)

	case Stopped:
		return m.start(inst)

	default:
		return nil, &Error{Service: name, Reason: "unknown state"}
	}
}

// awaitReady blocks on inst's readiness broadcast group until it reports
// Ready or Failed, for a caller that arrived while another acquirer was
// already driving the start procedure. Joining the group while still
// holding mu — the same lock transitionReady/fail hold while Send()ing —
// guarantees the join can never race past the one broadcast it's waiting
// for: if state is still Starting here, the transition (and its Send)
// cannot yet have happened, since both are only ever made under mu.
func (m *Manager) awaitReady(inst *instance) (map[string]string, error) {
	m.mu.Lock()
	if inst.state != Starting {
		m.mu.Unlock()
		return m.snapshotResult(inst)
	}
	member := inst.readiness.Join()
	m.mu.Unlock()

	member.Recv()
	member.Close()

	return m.snapshotResult(inst)
}

func (m *Manager) snapshotResult(inst *instance) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch inst.state {
	case Ready:
		return envVars(inst.name, inst.task.Service.Kind, inst.readinessCheck), nil
	default:
		return nil, &Error{Service: inst.name, Reason: inst.failMsg}
	}
}

// start drives the Starting state to completion: preflight, spawn (unless
// External), tunnel setup, then readiness polling.
func (m *Manager) start(inst *instance) (map[string]string, error) {
	svc := inst.task.Service

	if svc.Preflight != "" {
		if err := m.runPreflight(inst); err != nil {
			m.fail(inst, err.Error())
			return nil, err
		}
	}

	if svc.Kind == config.ServiceManaged {
		if err := m.spawn(inst); err != nil {
			m.fail(inst, err.Error())
			return nil, err
		}
	}

	if _, hasPort := inst.readinessCheck.Port(); hasPort && inst.task.SSH != nil {
		if err := m.tunnel(inst); err != nil {
			m.Warn("failed to establish readiness tunnel", "service", inst.name, "error", err)
		}
	}

	ok := m.pollReady(inst)
	if !ok {
		return nil, &Error{Service: inst.name, Reason: inst.failMsg}
	}
	return envVars(inst.name, svc.Kind, inst.readinessCheck), nil
}

func (m *Manager) runPreflight(inst *instance) error {
	var stderr string
	var err error
	if inst.task.SSH != nil {
		sess, dialErr := m.sshCache.GetOrCreate(inst.task.SSH)
		if dialErr != nil {
			return dialErr
		}
		_, success, runErr := sess.Run(inst.name, inst.task.Service.Preflight, inst.task.SSH.Workdir, "", false)
		if !success {
			stderr = fmt.Sprintf("%v", runErr)
			err = runErr
		}
	} else {
		cmd := exec.Command("sh", "-c", inst.task.Service.Preflight)
		var out strings.Builder
		cmd.Stdout = &out
		cmd.Stderr = &out
		if runErr := cmd.Run(); runErr != nil {
			stderr = out.String()
			err = runErr
		}
	}
	if err != nil {
		return &PreflightError{Service: inst.name, Stderr: stderr}
	}
	return nil
}

// spawn starts the service's run body, locally as a retained child process
// or remotely as a detached nohup'd subshell whose PID we capture.
func (m *Manager) spawn(inst *instance) error {
	body := *inst.task.Run

	if inst.task.SSH == nil {
		cmd := exec.Command("sh", "-c", body)
		tag := "[service:" + inst.name + "]"
		if inst.task.Service.Log != config.LogQuiet {
			stdout, err := cmd.StdoutPipe()
			if err != nil {
				return err
			}
			stderr, err := cmd.StderrPipe()
			if err != nil {
				return err
			}
			go streamTagged(stdout, tag)
			go streamTagged(stderr, tag)
		}
		if err := cmd.Start(); err != nil {
			return err
		}
		inst.cmd = cmd
		return nil
	}

	sess, err := m.sshCache.GetOrCreate(inst.task.SSH)
	if err != nil {
		return err
	}
	inst.session = sess

	logTag, err := randomTag()
	if err != nil {
		return err
	}
	logFile := fmt.Sprintf("/tmp/%s-%s.log", logTag, inst.name)
	workdir := inst.task.SSH.Workdir
	if workdir == "" {
		workdir = "."
	}
	startCmd := fmt.Sprintf("cd %s && ( nohup %s </dev/null >%s 2>&1 & echo $! )", shQuote(workdir), body, shQuote(logFile))

	pid, success, err := sess.Run(inst.name, startCmd, "", "", false)
	if err != nil || !success {
		if err == nil {
			err = fmt.Errorf("failed to start remote service")
		}
		return err
	}
	inst.pid = strings.TrimSpace(pid)

	if inst.task.Service.Log != config.LogQuiet {
		go func() {
			tailCmd := fmt.Sprintf("tail -n +1 -f %s", shQuote(logFile))
			_, _, _ = sess.Run(inst.name, tailCmd, "", "", false)
		}()
	}

	return nil
}

// tunnel allocates a free local port, opens an SSH local-port-forward to
// the readiness check's remote host:port, and rewrites the check to target
// the tunnel.
func (m *Manager) tunnel(inst *instance) error {
	host, port, ok := inst.readinessCheck.HostPort()
	if !ok {
		return nil
	}

	localPort, err := scheduler.FindFreeLocalPort()
	if err != nil {
		return err
	}
	pf, err := inst.session.OpenPortForward(localPort, host, port)
	if err != nil {
		return err
	}

	inst.tunnel = pf
	inst.tunnelPort = localPort
	inst.tunneled = true
	inst.readinessCheck = inst.readinessCheck.WithTunnel(localPort)
	return nil
}

// pollReady polls the readiness check every interval until it succeeds, the
// local child exits first, or startup_timeout elapses, then transitions
// inst to Ready or Failed and broadcasts the outcome.
func (m *Manager) pollReady(inst *instance) bool {
	svc := inst.task.Service
	interval := svc.Interval
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(startupTimeout(svc))

	for {
		if probe(inst.readinessCheck) {
			m.transitionReady(inst)
			return true
		}

		if inst.cmd != nil && processExited(inst.cmd) {
			m.fail(inst, fmt.Sprintf("service process exited: %v", inst.cmd.ProcessState))
			return false
		}

		if time.Now().After(deadline) {
			m.fail(inst, "failed to become ready within startup_timeout")
			return false
		}

		time.Sleep(interval)
	}
}

// transitionReady and fail Send the outcome while still holding mu, mirroring
// awaitReady's Join-while-locked: both the join and the send only ever occur
// inside a critical section on the same instance, so the mutex's ordering
// guarantees no waiter can join after its one broadcast has already fired.
func (m *Manager) transitionReady(inst *instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst.state = Ready
	if inst.readiness != nil {
		inst.readiness.Send(struct{}{})
		inst.readiness = nil
	}
}

func (m *Manager) fail(inst *instance, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst.state = Failed
	inst.failMsg = reason
	if inst.readiness != nil {
		inst.readiness.Send(struct{}{})
		inst.readiness = nil
	}
}

// Release decrements service's reference count, stopping it if it reaches
// zero and the service is Managed.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	inst, ok := m.instances[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	inst.refCount--
	shouldStop := inst.refCount <= 0 && inst.task.Service.Kind == config.ServiceManaged && inst.state == Ready
	m.mu.Unlock()

	if shouldStop {
		m.stop(inst)
	}
}

// stop transitions a Managed service to Stopping, tears down its tunnel and
// process, then to Stopped.
func (m *Manager) stop(inst *instance) {
	m.mu.Lock()
	inst.state = Stopping
	m.mu.Unlock()

	if inst.tunnel != nil {
		inst.tunnel.Close()
		inst.tunnel = nil
	}

	if inst.task.SSH == nil {
		if inst.cmd != nil && inst.cmd.Process != nil {
			m.stopLocal(inst)
		}
	} else if inst.pid != "" {
		killCmd := fmt.Sprintf("kill %s 2>/dev/null || kill -9 %s 2>/dev/null || true", inst.pid, inst.pid)
		_, _, _ = inst.session.Run(inst.name, killCmd, "", "", false)
	}

	m.mu.Lock()
	inst.state = Stopped
	m.mu.Unlock()
}

func (m *Manager) stopLocal(inst *instance) {
	svc := inst.task.Service
	grace := svc.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	kill := svc.ShutdownKill
	if kill <= 0 {
		kill = 10 * time.Second
	}

	done := make(chan struct{})
	go func() {
		_ = inst.cmd.Wait()
		close(done)
	}()

	_ = inst.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	_ = inst.cmd.Process.Signal(syscall.SIGKILL)
	select {
	case <-done:
	case <-time.After(kill):
	}
}

// Shutdown stops every Managed service that isn't already Stopped.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var toStop []*instance
	for _, inst := range m.instances {
		if inst.task.Service.Kind == config.ServiceManaged && inst.state != Stopped {
			toStop = append(toStop, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range toStop {
		m.stop(inst)
	}
}

func processExited(cmd *exec.Cmd) bool {
	return cmd.ProcessState != nil
}

func streamTagged(r interface{ Read([]byte) (int, error) }, tag string) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			fmt.Fprintf(os.Stdout, "%s %s", tag, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func randomTag() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String()[:8], nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
