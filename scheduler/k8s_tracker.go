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
	"context"
	"os/exec"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/inconshreveable/log15"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	deadlock "github.com/sasha-s/go-deadlock"
)

type trackedJob struct {
	name      string
	namespace string
	context   string
}

type appliedManifest struct {
	path      string
	namespace string
	context   string
}

// ResourceTracker remembers every Job created and manifest path applied
// during a run, so CleanupAll can tear them down in the order that's safe
// regardless of how the run ended: Jobs first (insertion order, since a Job
// cleans up its own pods via its TTL/owner-reference), then manifests in
// reverse order (a later manifest may depend on resources an earlier one
// created, e.g. a Deployment referencing an earlier ConfigMap).
type ResourceTracker struct {
	mu       deadlock.Mutex
	jobs     []trackedJob
	manifest []appliedManifest
	log15.Logger
}

// NewResourceTracker returns an empty ResourceTracker.
func NewResourceTracker(logger log15.Logger) *ResourceTracker {
	return &ResourceTracker{Logger: logger.New("component", "k8s-resource-tracker")}
}

// TrackJob records that jobName was created in namespace, for later cleanup.
func (t *ResourceTracker) TrackJob(jobName, namespace, kubeContext string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs = append(t.jobs, trackedJob{name: jobName, namespace: namespace, context: kubeContext})
}

// UntrackJob removes jobName after it has completed and been deleted
// normally, so CleanupAll doesn't try to delete it again.
func (t *ResourceTracker) UntrackJob(jobName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, j := range t.jobs {
		if j.name == jobName {
			t.jobs = append(t.jobs[:i], t.jobs[i+1:]...)
			return
		}
	}
}

// TrackApply records that manifestPath was applied in namespace.
func (t *ResourceTracker) TrackApply(manifestPath, namespace, kubeContext string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manifest = append(t.manifest, appliedManifest{path: manifestPath, namespace: namespace, context: kubeContext})
}

// CleanupAll deletes every still-tracked Job (insertion order), then every
// applied manifest (reverse order), aggregating failures rather than
// stopping at the first one.
func (t *ResourceTracker) CleanupAll() error {
	t.mu.Lock()
	jobs := append([]trackedJob{}, t.jobs...)
	manifests := append([]appliedManifest{}, t.manifest...)
	t.mu.Unlock()

	var result *multierror.Error

	for _, j := range jobs {
		t.Debug("cleaning up job", "job", j.name, "namespace", j.namespace)
		client, err := clientFor(j.context)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		propagation := metav1.DeletePropagationBackground
		err = client.BatchV1().Jobs(j.namespace).Delete(ctx, j.name, metav1.DeleteOptions{
			PropagationPolicy: &propagation,
		})
		cancel()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	for i := len(manifests) - 1; i >= 0; i-- {
		m := manifests[i]
		t.Debug("cleaning up applied manifests", "path", m.path, "namespace", m.namespace)
		if err := deleteManifestsKubectl(m.path, m.namespace, m.context); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func deleteManifestsKubectl(path, namespace, kubeContext string) error {
	args := []string{}
	if kubeContext != "" {
		args = append(args, "--context", kubeContext)
	}
	args = append(args, "-n", namespace, "delete", "-f", path, "--ignore-not-found")
	return exec.Command("kubectl", args...).Run()
}
