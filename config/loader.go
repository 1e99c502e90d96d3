package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/jinzhu/configor"
)

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// rawService mirrors ServiceConfig but carries Ready as the compact string
// form ("tcp:host:port", "http://...", "command:...") the YAML surface
// uses, since ReadinessCheck itself has no single scalar representation.
type rawService struct {
	Kind           ServiceKind `yaml:"kind"`
	Ready          string      `yaml:"ready"`
	StartupTimeout string      `yaml:"startup_timeout"`
	ShutdownGrace  string      `yaml:"shutdown_grace"`
	ShutdownKill   string      `yaml:"shutdown_kill"`
	Interval       string      `yaml:"interval"`
	Log            LogOutput   `yaml:"log"`
	Forward        bool        `yaml:"forward"`
	Preflight      string      `yaml:"preflight"`
}

// rawTask is the on-disk shape of a Task: parameters and timeouts arrive as
// plain strings and are parsed after defaulting.
type rawTask struct {
	Name        string     `yaml:"name"`
	Run         *string    `yaml:"run"`
	Parameters  []string   `yaml:"parameters"`
	DependsOn   []string   `yaml:"depends_on"`
	ServiceDeps []string   `yaml:"service_deps"`
	PipeFrom    []string   `yaml:"pipe_from"`
	Timeout     string     `yaml:"timeout"`
	Retry       int        `yaml:"retry"`
	Join        bool       `yaml:"join"`
	SSH         *SSHConfig `yaml:"ssh"`
	K8s         *K8sConfig `yaml:"k8s"`
	Service     *rawService `yaml:"service"`
}

type rawConfig struct {
	Tasks     []rawTask         `yaml:"tasks"`
	Variables map[string]string `yaml:"variables"`
}

// Load reads a YAML task-definition file and returns the Config data model.
// Surface syntax of the kind a bespoke DAG-definition language would parse
// is explicitly out of scope; this loader covers the same contract (return
// the data model in the Task/Config shape) using a generic format instead.
func Load(path string) (*Config, error) {
	var raw rawConfig
	if err := configor.Load(&raw, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	cfg := &Config{Variables: raw.Variables}
	for _, rt := range raw.Tasks {
		task, err := rt.toTask(raw.Variables)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", rt.Name, err)
		}
		cfg.Tasks = append(cfg.Tasks, task)
	}
	return cfg, nil
}

func (rt rawTask) toTask(vars map[string]string) (*Task, error) {
	task := &Task{
		Name:        rt.Name,
		Run:         rt.Run,
		DependsOn:   rt.DependsOn,
		ServiceDeps: rt.ServiceDeps,
		PipeFrom:    rt.PipeFrom,
		Retry:       rt.Retry,
		Join:        rt.Join,
		SSH:         rt.SSH,
		K8s:         rt.K8s,
	}

	for _, p := range rt.Parameters {
		param, err := parseParameter(p, vars)
		if err != nil {
			return nil, err
		}
		task.Parameters = append(task.Parameters, param)
	}

	if rt.Timeout != "" {
		d, err := parseDuration(rt.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		task.Timeout = &d
	}

	if task.Run != nil {
		if sb, ok := ParseShebang(*task.Run); ok {
			task.Shebang = &sb
		}
	}

	if rt.Service != nil {
		svc, err := rt.Service.toServiceConfig()
		if err != nil {
			return nil, fmt.Errorf("service: %w", err)
		}
		task.Service = svc
	}

	if task.K8s != nil {
		if err := defaults.Set(task.K8s); err != nil {
			return nil, err
		}
	}
	if task.SSH != nil {
		if err := defaults.Set(task.SSH); err != nil {
			return nil, err
		}
	}

	return task, nil
}

func (rs rawService) toServiceConfig() (*ServiceConfig, error) {
	sc := &ServiceConfig{
		Kind:      rs.Kind,
		Log:       rs.Log,
		Forward:   rs.Forward,
		Preflight: rs.Preflight,
	}
	if sc.Kind == "" {
		sc.Kind = ServiceManaged
	}
	if sc.Log == "" {
		sc.Log = LogStream
	}

	ready, err := parseReadiness(rs.Ready)
	if err != nil {
		return nil, err
	}
	sc.Ready = ready

	if err := defaults.Set(sc); err != nil {
		return nil, err
	}

	for dst, src := range map[*time.Duration]string{
		&sc.StartupTimeout: rs.StartupTimeout,
		&sc.ShutdownGrace:  rs.ShutdownGrace,
		&sc.ShutdownKill:   rs.ShutdownKill,
		&sc.Interval:       rs.Interval,
	} {
		if src == "" {
			continue
		}
		d, err := parseDuration(src)
		if err != nil {
			return nil, err
		}
		*dst = d
	}

	return sc, nil
}

// parseParameter parses a "name" or "name=default" parameter declaration,
// resolving a leading "$" in the default against the config's variables map.
func parseParameter(s string, vars map[string]string) (TaskParameter, error) {
	name, def, hasDefault := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return TaskParameter{}, fmt.Errorf("empty parameter name in %q", s)
	}
	if !hasDefault {
		return TaskParameter{Name: name}, nil
	}
	if strings.HasPrefix(def, "$") {
		if v, ok := vars[strings.TrimPrefix(def, "$")]; ok {
			def = v
		}
	}
	return TaskParameter{Name: name, Default: &def}, nil
}
