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
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// clientFor builds a Clientset for the named context, or the current
// context if kubeContext is empty, from the default kubeconfig location
// (honoring $KUBECONFIG, falling back to ~/.kube/config).
func clientFor(kubeContext string) (*kubernetes.Clientset, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{}
	if kubeContext != "" {
		overrides.CurrentContext = kubeContext
	}

	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	if err != nil {
		return nil, err
	}

	return kubernetes.NewForConfig(restConfig)
}

// kubeconfigDefaultPath mirrors clientcmd's own fallback, exposed for
// diagnostics/logging.
func kubeconfigDefaultPath() string {
	if loadingRules := clientcmd.NewDefaultClientConfigLoadingRules(); loadingRules.GetDefaultFilename() != "" {
		return loadingRules.GetDefaultFilename()
	}
	return filepath.Join("~", ".kube", "config")
}
