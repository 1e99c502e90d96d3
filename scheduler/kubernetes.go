// Copyright © 2018 Genome Research Limited Author: Theo Barber-Bany
// <tb15@sanger.ac.uk>.
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
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/inconshreveable/log15"
	batchv1 "k8s.io/api/batch/v1"
	apiv1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/justflowhq/justflow/config"
)

// K8s is the Kubernetes runner: it dispatches a task's run body as an
// ephemeral Job, an exec into an existing pod, or an apply of manifests,
// per the task's K8sConfig.Mode.
type K8s struct {
	tracker *ResourceTracker
	log15.Logger
}

// NewK8s returns a Kubernetes runner recording every resource it creates in
// tracker, so a later CleanupAll can tear them down.
func NewK8s(tracker *ResourceTracker, logger log15.Logger) *K8s {
	return &K8s{tracker: tracker, Logger: logger.New("runner", "kubernetes")}
}

// Run establishes any declared port-forwards first, tears them down with a
// defer regardless of outcome (the original shell-out implementation left
// port-forward processes behind on a failed apply-mode wait; a defer here
// can't leak), then dispatches on cfg.Mode.
func (r *K8s) Run(ctx context.Context, inv Invocation) Outcome {
	cfg := inv.Task.K8s
	if cfg == nil {
		return Outcome{Err: fmt.Errorf("task %s has no kubernetes destination configured", inv.Task.Name)}
	}

	var forwards []*exec.Cmd
	for _, pf := range cfg.PortForwards {
		cmd, err := startKubectlPortForward(cfg, pf)
		if err != nil {
			return Outcome{Err: &K8sError{Task: inv.Task.Name, Op: "port-forward", Cause: err}}
		}
		forwards = append(forwards, cmd)
	}
	defer stopPortForwards(forwards)

	switch cfg.Mode {
	case config.K8sJob, "":
		return r.runJob(ctx, inv, cfg)
	case config.K8sExec:
		return r.runExec(ctx, inv, cfg)
	case config.K8sApply:
		return r.runApply(ctx, inv, cfg)
	default:
		return Outcome{Err: fmt.Errorf("task %s: unknown kubernetes mode %q", inv.Task.Name, cfg.Mode)}
	}
}

// runJob creates an ephemeral Job, waits for it to finish (up to
// cfg.Timeout, defaulting to one hour), harvests its pod's logs, then
// deletes it whether it succeeded or failed.
func (r *K8s) runJob(ctx context.Context, inv Invocation, cfg *config.K8sConfig) Outcome {
	if cfg.Image == "" {
		return Outcome{Err: fmt.Errorf("task %s: image required for kubernetes job mode", inv.Task.Name)}
	}

	client, err := clientFor(cfg.Context)
	if err != nil {
		return Outcome{Err: &K8sError{Task: inv.Task.Name, Op: "connect", Cause: err}}
	}

	jobName := generateJobName(inv.Task.Name)
	job, err := buildJob(cfg, jobName, inv.Body, inv.ServiceEnv)
	if err != nil {
		return Outcome{Err: &K8sError{Task: inv.Task.Name, Op: "build job", Cause: err}}
	}

	jobs := client.BatchV1().Jobs(cfg.Namespace)
	if _, err := jobs.Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return Outcome{Err: &K8sError{Task: inv.Task.Name, Op: "create job", Cause: err}}
	}
	r.tracker.TrackJob(jobName, cfg.Namespace, cfg.Context)
	r.Info("created ephemeral job", "task", inv.Task.Name, "job", jobName, "namespace", cfg.Namespace)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}

	succeeded, waitErr := waitForJob(ctx, client, cfg.Namespace, jobName, timeout)
	logs := harvestJobLogs(ctx, client, cfg.Namespace, jobName)
	for _, line := range strings.Split(strings.TrimRight(logs, "\n"), "\n") {
		if line != "" {
			r.Info(line, "task", inv.Task.Name)
		}
	}

	propagation := metav1.DeletePropagationBackground
	_ = jobs.Delete(context.Background(), jobName, metav1.DeleteOptions{PropagationPolicy: &propagation})
	r.tracker.UntrackJob(jobName)

	if waitErr != nil {
		return Outcome{Stdout: logs, Timeout: true, Err: &K8sError{Task: inv.Task.Name, Op: "wait for job", Cause: waitErr}}
	}
	if !succeeded {
		return Outcome{Stdout: logs, Err: &K8sError{Task: inv.Task.Name, Op: "run", Cause: fmt.Errorf("job %s did not succeed", jobName)}}
	}
	return Outcome{Stdout: logs, Success: true}
}

// runExec resolves the target pod, uploads any inputs via kubectl cp, runs
// the body through kubectl exec, and downloads outputs only on success.
func (r *K8s) runExec(ctx context.Context, inv Invocation, cfg *config.K8sConfig) Outcome {
	pod, err := findPod(cfg)
	if err != nil {
		return Outcome{Err: &K8sError{Task: inv.Task.Name, Op: "find pod", Cause: err}}
	}

	for _, xfer := range cfg.Upload {
		if err := kubectlCopy(cfg, xfer.Local, fmt.Sprintf("%s:%s", pod, xfer.Remote), true); err != nil {
			return Outcome{Err: &K8sError{Task: inv.Task.Name, Op: "upload " + xfer.Local, Cause: err}}
		}
	}

	body := inv.Body
	if prefix := remoteShellExport(inv.ServiceEnv); prefix != "" {
		body = prefix + body
	}

	args := kubectlBaseArgs(cfg)
	args = append(args, "exec", "-i", pod)
	if cfg.Container != "" {
		args = append(args, "-c", cfg.Container)
	}
	args = append(args, "--", "sh", "-c", body)

	cmd := exec.CommandContext(ctx, "kubectl", args...)
	if inv.HasStdin {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stdout

	runErr := cmd.Run()
	captured := stdout.String()
	if runErr != nil {
		return Outcome{Stdout: captured, Err: &K8sError{Task: inv.Task.Name, Op: "exec", Cause: fmt.Errorf("%w: %s", runErr, captured)}}
	}

	for _, xfer := range cfg.Download {
		if err := kubectlCopy(cfg, fmt.Sprintf("%s:%s", pod, xfer.Remote), xfer.Local, false); err != nil {
			return Outcome{Stdout: captured, Err: &K8sError{Task: inv.Task.Name, Op: "download " + xfer.Remote, Cause: err}}
		}
	}

	return Outcome{Stdout: captured, Success: true}
}

// runApply applies manifests from cfg.ManifestPath, tracks them for
// eventual cleanup, and waits for every cfg.WaitFor resource to report
// condition=available.
func (r *K8s) runApply(ctx context.Context, inv Invocation, cfg *config.K8sConfig) Outcome {
	if cfg.ManifestPath == "" {
		return Outcome{Err: fmt.Errorf("task %s: manifest_path required for kubernetes apply mode", inv.Task.Name)}
	}

	args := kubectlBaseArgs(cfg)
	args = append(args, "apply", "-f", cfg.ManifestPath)
	cmd := exec.CommandContext(ctx, "kubectl", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return Outcome{Stdout: out.String(), Err: &K8sError{Task: inv.Task.Name, Op: "apply", Cause: fmt.Errorf("%w: %s", err, out.String())}}
	}
	r.tracker.TrackApply(cfg.ManifestPath, cfg.Namespace, cfg.Context)

	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Minute
	}
	for _, resourceRef := range cfg.WaitFor {
		waitArgs := kubectlBaseArgs(cfg)
		waitArgs = append(waitArgs, "wait", "--for=condition=available", resourceRef,
			fmt.Sprintf("--timeout=%ds", int(waitTimeout.Seconds())))
		waitCmd := exec.CommandContext(ctx, "kubectl", waitArgs...)
		var waitOut bytes.Buffer
		waitCmd.Stdout = &waitOut
		waitCmd.Stderr = &waitOut
		if err := waitCmd.Run(); err != nil {
			return Outcome{Stdout: out.String(), Err: &K8sError{Task: inv.Task.Name, Op: "wait for " + resourceRef, Cause: fmt.Errorf("%w: %s", err, waitOut.String())}}
		}
	}

	return Outcome{Stdout: out.String(), Success: true}
}

func kubectlBaseArgs(cfg *config.K8sConfig) []string {
	var args []string
	if cfg.Context != "" {
		args = append(args, "--context", cfg.Context)
	}
	args = append(args, "-n", cfg.Namespace)
	return args
}

func kubectlCopy(cfg *config.K8sConfig, src, dst string, upload bool) error {
	args := kubectlBaseArgs(cfg)
	args = append(args, "cp", src, dst)
	if cfg.Container != "" {
		args = append(args, "-c", cfg.Container)
	}
	out, err := exec.Command("kubectl", args...).CombinedOutput()
	if err != nil {
		verb := "download"
		if upload {
			verb = "upload"
		}
		return fmt.Errorf("kubectl cp %s failed: %s", verb, strings.TrimSpace(string(out)))
	}
	return nil
}

func findPod(cfg *config.K8sConfig) (string, error) {
	if cfg.Pod != "" {
		return cfg.Pod, nil
	}
	if cfg.Selector == "" {
		return "", fmt.Errorf("no pod or selector configured")
	}

	client, err := clientFor(cfg.Context)
	if err != nil {
		return "", err
	}
	pods, err := client.CoreV1().Pods(cfg.Namespace).List(context.Background(), metav1.ListOptions{LabelSelector: cfg.Selector})
	if err != nil {
		return "", err
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("no pods found with selector %q", cfg.Selector)
	}
	return pods.Items[0].Name, nil
}

func startKubectlPortForward(cfg *config.K8sConfig, pf config.PortForward) (*exec.Cmd, error) {
	resourceRef := pf.Resource
	if pf.ResourceType != "" {
		resourceRef = pf.ResourceType + "/" + pf.Resource
	}

	args := kubectlBaseArgs(cfg)
	args = append(args, "port-forward", resourceRef, fmt.Sprintf("%d:%d", pf.LocalPort, pf.RemotePort))

	cmd := exec.Command("kubectl", args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	time.Sleep(500 * time.Millisecond) // give it a moment to establish, as kubectl prints readiness asynchronously
	return cmd, nil
}

func stopPortForwards(cmds []*exec.Cmd) {
	for _, cmd := range cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}
}

// generateJobName appends a random 6-character alphanumeric suffix to a
// sanitized task name, so repeated runs of the same task don't collide.
func generateJobName(taskName string) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffix := make([]byte, 6)
	_, _ = rand.Read(suffix)
	for i := range suffix {
		suffix[i] = alphabet[int(suffix[i])%len(alphabet)]
	}
	return sanitizeK8sName(taskName) + "-" + string(suffix)
}

// sanitizeK8sName lowercases s and replaces anything not alphanumeric or a
// dash with a dash, trimming leading/trailing dashes and capping length at
// 50 so a 6-character suffix plus separator still fits under the 63-char
// DNS label limit.
func sanitizeK8sName(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			b.WriteRune(c)
		} else {
			b.WriteRune('-')
		}
	}
	trimmed := strings.Trim(b.String(), "-")
	if len(trimmed) > 50 {
		trimmed = strings.TrimRight(trimmed[:50], "-")
	}
	return trimmed
}

// buildJob constructs the Job to run body as a single-container,
// never-restarting pod, wiring serviceEnv into the container's environment
// (the original shell-out implementation left this plumbed as an always-
// empty slice; every service dependency's env vars belong in the task's
// execution environment regardless of backend).
func buildJob(cfg *config.K8sConfig, jobName, body string, serviceEnv map[string]string) (*batchv1.Job, error) {
	fullCommand := body
	if cfg.Workdir != "" {
		fullCommand = fmt.Sprintf("cd %s && %s", cfg.Workdir, body)
	}

	resources, err := buildResourceRequirements(cfg)
	if err != nil {
		return nil, err
	}

	var volumeMounts []apiv1.VolumeMount
	var volumes []apiv1.Volume
	for _, m := range cfg.ConfigMounts {
		prefix := "cm-"
		if m.IsSecret {
			prefix = "secret-"
		}
		volName := prefix + sanitizeK8sName(m.Name)
		volumeMounts = append(volumeMounts, apiv1.VolumeMount{Name: volName, MountPath: m.MountPath})
		vol := apiv1.Volume{Name: volName}
		if m.IsSecret {
			vol.Secret = &apiv1.SecretVolumeSource{SecretName: m.Name}
		} else {
			vol.ConfigMap = &apiv1.ConfigMapVolumeSource{LocalObjectReference: apiv1.LocalObjectReference{Name: m.Name}}
		}
		volumes = append(volumes, vol)
	}

	var env []apiv1.EnvVar
	for k, v := range serviceEnv {
		env = append(env, apiv1.EnvVar{Name: k, Value: v})
	}

	var tolerations []apiv1.Toleration
	for _, key := range cfg.Tolerations {
		tolerations = append(tolerations, apiv1.Toleration{
			Key:      key,
			Operator: apiv1.TolerationOpExists,
			Effect:   apiv1.TaintEffectNoSchedule,
		})
	}

	labels := map[string]string{"justflow.task": jobName}
	ttl := int32(cfg.TTLSeconds)
	backoffLimit := int32(0)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			BackoffLimit:            &backoffLimit,
			Template: apiv1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: apiv1.PodSpec{
					RestartPolicy:      apiv1.RestartPolicyNever,
					ServiceAccountName: cfg.ServiceAccount,
					NodeSelector:       cfg.NodeSelector,
					Tolerations:        tolerations,
					Volumes:            volumes,
					Containers: []apiv1.Container{{
						Name:         "task",
						Image:        cfg.Image,
						Command:      []string{"sh", "-c", fullCommand},
						Env:          env,
						VolumeMounts: volumeMounts,
						Resources:    resources,
					}},
				},
			},
		},
	}, nil
}

func buildResourceRequirements(cfg *config.K8sConfig) (apiv1.ResourceRequirements, error) {
	if cfg.CPU == "" && cfg.Memory == "" {
		return apiv1.ResourceRequirements{}, nil
	}

	requests := apiv1.ResourceList{}
	limits := apiv1.ResourceList{}

	if cfg.CPU != "" {
		q, err := resource.ParseQuantity(cfg.CPU)
		if err != nil {
			return apiv1.ResourceRequirements{}, fmt.Errorf("parsing cpu %q: %w", cfg.CPU, err)
		}
		requests[apiv1.ResourceCPU] = q
		limits[apiv1.ResourceCPU] = q
	}
	if cfg.Memory != "" {
		q, err := resource.ParseQuantity(cfg.Memory)
		if err != nil {
			return apiv1.ResourceRequirements{}, fmt.Errorf("parsing memory %q: %w", cfg.Memory, err)
		}
		requests[apiv1.ResourceMemory] = q
		limits[apiv1.ResourceMemory] = q
	}

	return apiv1.ResourceRequirements{Requests: requests, Limits: limits}, nil
}

// waitForJob polls the Job's status until it reports completion (success or
// failure) or timeout elapses. client-go's watch-based wait helpers require
// a newer apimachinery than this module pins, so this polls at a fixed
// interval instead, mirroring the original await_condition's effect.
func waitForJob(ctx context.Context, client *kubernetes.Clientset, namespace, jobName string, timeout time.Duration) (succeeded bool, err error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		job, getErr := client.BatchV1().Jobs(namespace).Get(ctx, jobName, metav1.GetOptions{})
		if getErr == nil && job.Status.Succeeded > 0 {
			return true, nil
		}
		if getErr == nil && job.Status.Failed > 0 {
			return false, nil
		}
		if time.Now().After(deadline) {
			return false, &TimeoutError{Task: jobName}
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func harvestJobLogs(ctx context.Context, client *kubernetes.Clientset, namespace, jobName string) string {
	pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: "job-name=" + jobName})
	if err != nil || len(pods.Items) == 0 {
		return ""
	}
	data, err := client.CoreV1().Pods(namespace).GetLogs(pods.Items[0].Name, &apiv1.PodLogOptions{}).DoRaw(ctx)
	if err != nil {
		return ""
	}
	return string(data)
}

// K8sError marks an Outcome.Err caused by a Kubernetes API or kubectl
// invocation failure.
type K8sError struct {
	Task  string
	Op    string
	Cause error
}

func (e *K8sError) Error() string {
	return fmt.Sprintf("task %s: kubernetes %s: %v", e.Task, e.Op, e.Cause)
}

func (e *K8sError) Unwrap() error { return e.Cause }
