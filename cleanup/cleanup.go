// Package cleanup runs the ordered shutdown sequence once per executor
// lifetime: stop managed services, tear down tracked Kubernetes resources,
// then close cached SSH sessions. Later steps run even if an earlier one
// reports an error; errors are logged and aggregated for the caller, never
// propagated into the run's own exit status.
package cleanup

import (
	multierror "github.com/hashicorp/go-multierror"
	"github.com/inconshreveable/log15"

	"github.com/justflowhq/justflow/scheduler"
	"github.com/justflowhq/justflow/service"
)

// Runner holds the shared handles cleanup needs; it's the same set an
// Executor was constructed with.
type Runner struct {
	Services *service.Manager
	Tracker  *scheduler.ResourceTracker
	SSHCache *scheduler.SessionCache
	log15.Logger
}

// New returns a Runner, logging under the given parent logger.
func New(services *service.Manager, tracker *scheduler.ResourceTracker, sshCache *scheduler.SessionCache, logger log15.Logger) *Runner {
	return &Runner{
		Services: services,
		Tracker:  tracker,
		SSHCache: sshCache,
		Logger:   logger.New("component", "cleanup"),
	}
}

// Run performs the three shutdown steps in order, logging and aggregating
// any error rather than stopping partway through.
func (r *Runner) Run() error {
	var result *multierror.Error

	r.Services.Shutdown()

	if err := r.Tracker.CleanupAll(); err != nil {
		r.Error("cleaning up kubernetes resources", "error", err)
		result = multierror.Append(result, err)
	}

	r.SSHCache.CloseAll()

	return result.ErrorOrNil()
}
