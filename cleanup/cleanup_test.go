package cleanup

import (
	"testing"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"

	"github.com/justflowhq/justflow/scheduler"
	"github.com/justflowhq/justflow/service"
)

func TestRunProceedsThroughAllStepsWithNothingTracked(t *testing.T) {
	logger := log15.New()
	logger.SetHandler(log15.DiscardHandler())

	sshCache := scheduler.NewSessionCache(logger)
	mgr := service.NewManager(sshCache, logger)
	tracker := scheduler.NewResourceTracker(logger)

	r := New(mgr, tracker, sshCache, logger)
	assert.NoError(t, r.Run())
}
