package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/justflowhq/justflow/config"
	"github.com/justflowhq/justflow/scheduler"
)

func newTestManager() *Manager {
	logger := log15.New()
	logger.SetHandler(log15.DiscardHandler())
	return NewManager(scheduler.NewSessionCache(logger), logger)
}

// TestManagedTCPServiceScenarioS5 acquires a Managed TCP service, checks its
// env vars, and checks it stops once released.
func TestManagedTCPServiceScenarioS5(t *testing.T) {
	Convey("Given a Managed service listening on a TCP port", t, func() {
		port, err := scheduler.FindFreeLocalPort()
		So(err, ShouldBeNil)

		body := fmt.Sprintf("nc -l %d", port)
		svcTask := &config.Task{
			Name: "tcp_server",
			Run:  &body,
			Service: &config.ServiceConfig{
				Kind:          config.ServiceManaged,
				Ready:         config.ReadinessCheck{Kind: config.ReadinessTCP, Host: "127.0.0.1", PortNum: port},
				Interval:      50 * time.Millisecond,
				ShutdownGrace: time.Second,
				ShutdownKill:  time.Second,
			},
		}
		m := newTestManager()

		Convey("Acquiring it as a consumer would returns ready env vars", func() {
			env, err := m.Acquire(svcTask)
			So(err, ShouldBeNil)
			So(env["DAGRUN_SVC_TCP_SERVER_READY"], ShouldEqual, "1")
			So(env["DAGRUN_SVC_TCP_SERVER_HOST"], ShouldEqual, "127.0.0.1")
			So(env["DAGRUN_SVC_TCP_SERVER_PORT"], ShouldEqual, fmt.Sprint(port))

			Convey("Releasing the only acquirer stops it", func() {
				m.Release(svcTask.Name)

				m.mu.Lock()
				state := m.instances[svcTask.Name].state
				m.mu.Unlock()
				So(state, ShouldEqual, Stopped)
			})
		})
	})
}

// TestServiceReferenceCountingPropertyS9 checks a Managed service only stops
// once every acquirer has released it, and that a consumer acquiring after
// it stopped causes a fresh Starting cycle rather than reusing stale state.
func TestServiceReferenceCountingPropertyS9(t *testing.T) {
	Convey("Given a Managed service acquired by two concurrent consumers", t, func() {
		port, err := scheduler.FindFreeLocalPort()
		So(err, ShouldBeNil)

		body := fmt.Sprintf("nc -l %d", port)
		svcTask := &config.Task{
			Name: "tcp_server",
			Run:  &body,
			Service: &config.ServiceConfig{
				Kind:     config.ServiceManaged,
				Ready:    config.ReadinessCheck{Kind: config.ReadinessTCP, Host: "127.0.0.1", PortNum: port},
				Interval: 50 * time.Millisecond,
			},
		}
		m := newTestManager()

		_, err = m.Acquire(svcTask)
		So(err, ShouldBeNil)
		_, err = m.Acquire(svcTask)
		So(err, ShouldBeNil)

		Convey("Releasing one of the two leaves it running", func() {
			m.Release(svcTask.Name)
			m.mu.Lock()
			state := m.instances[svcTask.Name].state
			m.mu.Unlock()
			So(state, ShouldEqual, Ready)

			Convey("Releasing the second stops it, and a later acquire restarts it", func() {
				m.Release(svcTask.Name)
				m.mu.Lock()
				stopped := m.instances[svcTask.Name].state
				m.mu.Unlock()
				So(stopped, ShouldEqual, Stopped)

				env, err := m.Acquire(svcTask)
				So(err, ShouldBeNil)
				So(env["DAGRUN_SVC_TCP_SERVER_READY"], ShouldEqual, "1")
				m.Release(svcTask.Name)
			})
		})
	})
}

// TestServiceReadinessTimeoutScenarioS6 checks a service whose body never
// satisfies its readiness check fails with a ServiceFailed-style error
// containing "failed to become ready".
func TestServiceReadinessTimeoutScenarioS6(t *testing.T) {
	Convey("Given a service that never becomes ready within its startup_timeout", t, func() {
		port, err := scheduler.FindFreeLocalPort()
		So(err, ShouldBeNil)

		body := "sleep 30"
		svcTask := &config.Task{
			Name: "never_ready",
			Run:  &body,
			Service: &config.ServiceConfig{
				Kind:           config.ServiceManaged,
				Ready:          config.ReadinessCheck{Kind: config.ReadinessTCP, Host: "127.0.0.1", PortNum: port},
				StartupTimeout: time.Second,
				Interval:       100 * time.Millisecond,
				ShutdownGrace:  time.Second,
				ShutdownKill:   time.Second,
			},
		}
		m := newTestManager()

		Convey("Acquire fails with a readiness-timeout error", func() {
			_, err := m.Acquire(svcTask)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "failed to become ready")
		})
	})
}
