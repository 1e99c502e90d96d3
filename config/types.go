// Package config holds the data model: the Task graph definition and the
// per-backend configuration types it can carry, plus a minimal loader that
// turns a YAML file into that model.
package config

import (
	"strconv"
	"time"
)

// TaskParameter is one named, optionally-defaulted parameter a task accepts.
// A nil Default marks the parameter required.
type TaskParameter struct {
	Name    string
	Default *string
}

// Required reports whether the parameter has no default.
func (p TaskParameter) Required() bool {
	return p.Default == nil
}

// FileTransfer is a single local/remote path pair used for uploads and
// downloads on the SSH and Kubernetes backends.
type FileTransfer struct {
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
}

// ServiceKind distinguishes services whose process lifecycle this system
// controls (Managed) from ones it only polls for readiness (External).
type ServiceKind string

const (
	ServiceManaged  ServiceKind = "managed"
	ServiceExternal ServiceKind = "external"
)

// ReadinessKind selects which probe a ReadinessCheck performs.
type ReadinessKind string

const (
	ReadinessHTTP    ReadinessKind = "http"
	ReadinessTCP     ReadinessKind = "tcp"
	ReadinessCommand ReadinessKind = "command"
)

// ReadinessCheck is one of the three probes a service's readiness can be
// determined by. Exactly one of the fields relevant to Kind is populated.
type ReadinessCheck struct {
	Kind ReadinessKind `yaml:"kind"`

	URL string `yaml:"url,omitempty"`

	Host    string `yaml:"host,omitempty"`
	PortNum int    `yaml:"port,omitempty"`

	Cmd string `yaml:"cmd,omitempty"`
}

// LogOutput selects whether a service's stdout/stderr is streamed to the
// driver's own output or discarded.
type LogOutput string

const (
	LogStream LogOutput = "stream"
	LogQuiet  LogOutput = "quiet"
)

// ServiceConfig describes a long-lived background process a task can
// declare and other tasks can depend on via service_deps.
type ServiceConfig struct {
	Kind ServiceKind `yaml:"kind" default:"managed"`

	Ready ReadinessCheck `yaml:"ready"`

	StartupTimeout time.Duration `yaml:"startup_timeout" default:"60s"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" default:"5s"`
	ShutdownKill   time.Duration `yaml:"shutdown_kill" default:"10s"`
	Interval       time.Duration `yaml:"interval" default:"1s"`

	Log     LogOutput `yaml:"log" default:"stream"`
	Forward bool      `yaml:"forward"`

	Preflight string `yaml:"preflight,omitempty"`
}

// SSHConfig binds a task (or a service belonging to one) to execution over
// an SSH-reached remote host.
type SSHConfig struct {
	Host     string `yaml:"host"`
	User     string `yaml:"user,omitempty"`
	Port     int    `yaml:"port,omitempty" default:"22"`
	Identity string `yaml:"identity,omitempty"`
	Workdir  string `yaml:"workdir,omitempty"`

	Upload   []FileTransfer `yaml:"upload,omitempty"`
	Download []FileTransfer `yaml:"download,omitempty"`
}

// Destination is the canonical SSH Session Cache key for this config: the
// [user@]host[:port] string identifying the remote endpoint. The port is
// included only when it is set and differs from the default 22.
func (s SSHConfig) Destination() string {
	dest := s.Host
	if s.User != "" {
		dest = s.User + "@" + dest
	}
	if s.Port != 0 && s.Port != 22 {
		dest += ":" + strconv.Itoa(s.Port)
	}
	return dest
}

// K8sMode selects how a Kubernetes-bound task is executed.
type K8sMode string

const (
	K8sJob   K8sMode = "job"
	K8sExec  K8sMode = "exec"
	K8sApply K8sMode = "apply"
)

// ConfigMount mounts a ConfigMap or Secret into a Job's container.
type ConfigMount struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mount_path"`
	IsSecret  bool   `yaml:"secret,omitempty"`
}

// PortForward is a single kubectl port-forward to establish before running
// a Kubernetes-bound task, and tear down afterward.
type PortForward struct {
	LocalPort    int    `yaml:"local_port"`
	RemotePort   int    `yaml:"remote_port"`
	ResourceType string `yaml:"resource_type,omitempty" default:"pod"`
	Resource     string `yaml:"resource"`
}

// K8sConfig binds a task to Kubernetes execution: as a one-shot Job, as an
// exec into an existing pod, or as an apply of manifest paths.
type K8sConfig struct {
	Mode      K8sMode `yaml:"mode" default:"job"`
	Context   string  `yaml:"context,omitempty"`
	Namespace string  `yaml:"namespace" default:"default"`

	// Job mode.
	Image          string            `yaml:"image,omitempty"`
	CPU            string            `yaml:"cpu,omitempty"`
	Memory         string            `yaml:"memory,omitempty"`
	NodeSelector   map[string]string `yaml:"node_selector,omitempty"`
	Tolerations    []string          `yaml:"tolerations,omitempty"`
	ServiceAccount string            `yaml:"service_account,omitempty"`
	ConfigMounts   []ConfigMount     `yaml:"mounts,omitempty"`
	TTLSeconds     int               `yaml:"ttl_seconds" default:"300"`

	// Exec mode.
	Pod      string `yaml:"pod,omitempty"`
	Selector string `yaml:"selector,omitempty"`
	Container string `yaml:"container,omitempty"`

	// Apply mode.
	ManifestPath string   `yaml:"manifest_path,omitempty"`
	WaitFor      []string `yaml:"wait_for,omitempty"`
	WaitTimeout  time.Duration `yaml:"wait_timeout" default:"5m"`

	PortForwards []PortForward `yaml:"port_forwards,omitempty"`
	Upload       []FileTransfer `yaml:"upload,omitempty"`
	Download     []FileTransfer `yaml:"download,omitempty"`

	Workdir string        `yaml:"workdir,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" default:"1h"`
}

// Shebang is the parsed first line of a task body that names an
// interpreter, e.g. "#!/usr/bin/env python3".
type Shebang struct {
	Interpreter string
	Args        []string
}

// Task is the unit of scheduling: a name, an optional command body, its
// dependency and parameter declarations, and an optional one-of backend
// binding.
type Task struct {
	Name string `yaml:"name"`

	// Run is the command body. Absent (nil) means this is a join node.
	Run *string `yaml:"run,omitempty"`

	Parameters []TaskParameter `yaml:"-"`

	DependsOn   []string `yaml:"depends_on,omitempty"`
	ServiceDeps []string `yaml:"service_deps,omitempty"`
	PipeFrom    []string `yaml:"pipe_from,omitempty"`

	Timeout *time.Duration `yaml:"timeout,omitempty"`
	Retry   int            `yaml:"retry,omitempty"`
	Join    bool           `yaml:"join,omitempty"`

	SSH *SSHConfig `yaml:"ssh,omitempty"`
	K8s *K8sConfig `yaml:"k8s,omitempty"`

	Service *ServiceConfig `yaml:"service,omitempty"`

	Shebang *Shebang `yaml:"-"`
}

// IsJoin reports whether this task is a pass-through node: either declared
// explicitly via Join, or implied by an absent Run body.
func (t *Task) IsJoin() bool {
	return t.Join || t.Run == nil
}

// IsRemote reports whether this task runs on a non-local backend.
func (t *Task) IsRemote() bool {
	return t.SSH != nil || t.K8s != nil
}

// IsService reports whether this task carries a service declaration.
func (t *Task) IsService() bool {
	return t.Service != nil
}

// Config is the whole parsed definition: every task in the graph, plus the
// named variables available for parameter-default resolution at load time.
type Config struct {
	Tasks     []*Task           `yaml:"tasks"`
	Variables map[string]string `yaml:"variables,omitempty"`
}

// Services returns every task in the config that carries a service
// declaration.
func (c *Config) Services() []*Task {
	var out []*Task
	for _, t := range c.Tasks {
		if t.IsService() {
			out = append(out, t)
		}
	}
	return out
}
